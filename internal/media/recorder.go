package media

import "errors"

// RecorderState is the lifecycle state of a recorder.
type RecorderState string

const (
	RecorderInactive  RecorderState = "inactive"
	RecorderRecording RecorderState = "recording"
)

// ErrRecorderState is returned when Start or Stop does not match the recorder state.
var ErrRecorderState = errors.New("recorder in wrong state")

// RecorderOptions mirrors the options accepted when creating a recorder.
type RecorderOptions struct {
	MimeType           string `json:"mimeType,omitempty"`
	VideoBitsPerSecond int    `json:"videoBitsPerSecond,omitempty"`
	AudioBitsPerSecond int    `json:"audioBitsPerSecond,omitempty"`
}

// PointerRecorderOptions are used for the pointer overlay recorder.
var PointerRecorderOptions = RecorderOptions{
	MimeType:           "video/webm;codecs=vp8",
	VideoBitsPerSecond: 2500000,
}

// Recorder encodes a stream into a blob. A recorder is reusable: each
// Start/Stop cycle delivers exactly one blob to the data handler, possibly
// from another goroutine and after Stop returns.
type Recorder interface {
	Start() error
	Stop() error
	State() RecorderState
	// OnData sets the handler that receives the blob of each cycle.
	OnData(func(*Blob))
	// OnError sets the handler for failures that happen after Stop returns.
	OnError(func(error))
}

// RecorderFactory creates recorders bound to a stream.
type RecorderFactory interface {
	NewRecorder(s Stream, opts RecorderOptions) (Recorder, error)
}
