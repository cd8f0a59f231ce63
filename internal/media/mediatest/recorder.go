package mediatest

import (
	"fmt"
	"sync"

	"github.com/graaaaa/capsule-bridge/internal/media"
)

// Recorder is a fake recorder. Each Stop produces a blob whose data names the
// cycle. In manual mode blobs are held until Finalize is called.
type Recorder struct {
	Stream  media.Stream
	Options media.RecorderOptions
	Payload string

	mu      sync.Mutex
	state   media.RecorderState
	manual  bool
	pending []*media.Blob
	cycles  int
	onData  func(*media.Blob)
	onError func(error)
}

// SetManual makes Stop hold its blob until Finalize.
func (r *Recorder) SetManual(manual bool) {
	r.mu.Lock()
	r.manual = manual
	r.mu.Unlock()
}

func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == media.RecorderRecording {
		return media.ErrRecorderState
	}
	r.state = media.RecorderRecording
	return nil
}

func (r *Recorder) Stop() error {
	r.mu.Lock()
	if r.state != media.RecorderRecording {
		r.mu.Unlock()
		return media.ErrRecorderState
	}
	r.state = media.RecorderInactive
	r.cycles++
	payload := r.Payload
	if payload == "" {
		payload = "recording"
	}
	blob := media.NewBlob(r.Options.MimeType, []byte(fmt.Sprintf("%s-%d", payload, r.cycles)))
	if r.manual {
		r.pending = append(r.pending, blob)
		r.mu.Unlock()
		return nil
	}
	fn := r.onData
	r.mu.Unlock()

	if fn != nil {
		fn(blob)
	}
	return nil
}

// Finalize delivers the oldest held blob, if any.
func (r *Recorder) Finalize() bool {
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return false
	}
	blob := r.pending[0]
	r.pending = r.pending[1:]
	fn := r.onData
	r.mu.Unlock()

	if fn != nil {
		fn(blob)
	}
	return true
}

// Fail reports err to the error handler in place of a held blob, as a
// recorder does when finalizing fails.
func (r *Recorder) Fail(err error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		r.pending = r.pending[1:]
	}
	fn := r.onError
	r.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Crash ends a running recording without output and reports err, as a
// recorder does when its process dies.
func (r *Recorder) Crash(err error) {
	r.mu.Lock()
	r.state = media.RecorderInactive
	fn := r.onError
	r.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (r *Recorder) State() media.RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == "" {
		return media.RecorderInactive
	}
	return r.state
}

// Cycles returns how many times the recorder was stopped.
func (r *Recorder) Cycles() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cycles
}

func (r *Recorder) OnData(fn func(*media.Blob)) {
	r.mu.Lock()
	r.onData = fn
	r.mu.Unlock()
}

func (r *Recorder) OnError(fn func(error)) {
	r.mu.Lock()
	r.onError = fn
	r.mu.Unlock()
}

// RecorderFactory creates fake recorders and keeps them for inspection.
type RecorderFactory struct {
	Err error

	mu        sync.Mutex
	recorders []*Recorder
}

func (f *RecorderFactory) NewRecorder(s media.Stream, opts media.RecorderOptions) (media.Recorder, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &Recorder{Stream: s, Options: opts, Payload: fmt.Sprintf("rec%d", len(f.recorders))}
	f.recorders = append(f.recorders, r)
	return r, nil
}

// Recorders returns every recorder created so far, oldest first.
func (f *RecorderFactory) Recorders() []*Recorder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Recorder(nil), f.recorders...)
}
