// Package media describes the capture capabilities the bridge drives: device
// enumeration, live streams, recorders and the elements that display them.
// Backends live in sub-packages.
package media

import (
	"context"
	"errors"
	"image"
)

// Kind is the media type of a track.
type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// TrackState is the lifecycle state of a track.
type TrackState string

const (
	TrackLive  TrackState = "live"
	TrackEnded TrackState = "ended"
)

// Errors returned by device backends.
var (
	ErrNoDevice         = errors.New("no matching device")
	ErrPermissionDenied = errors.New("permission denied")
	ErrOverconstrained  = errors.New("constraints cannot be satisfied")
)

// Track is one audio or video source of a stream.
type Track interface {
	ID() string
	Kind() Kind
	State() TrackState
	// Stop releases the underlying source. It is idempotent.
	Stop()
}

// Canvas is a video track rendered in-process rather than captured from a device.
type Canvas interface {
	Track
	Bounds() image.Rectangle
	FrameRate() int
	// Snapshot returns a copy of the current frame.
	Snapshot() *image.RGBA
}

// Stream groups the tracks returned by a single acquisition.
type Stream interface {
	ID() string
	Tracks() []Track
}

// TracksOf returns the tracks of s with the given kind.
func TracksOf(s Stream, kind Kind) []Track {
	var out []Track
	for _, t := range s.Tracks() {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// StopAll stops every track of s.
func StopAll(s Stream) {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// Live reports whether any track of s is still live.
func Live(s Stream) bool {
	for _, t := range s.Tracks() {
		if t.State() == TrackLive {
			return true
		}
	}
	return false
}

// DeviceKind matches the kinds reported by device enumeration.
type DeviceKind string

const (
	DeviceVideoInput  DeviceKind = "videoinput"
	DeviceAudioInput  DeviceKind = "audioinput"
	DeviceAudioOutput DeviceKind = "audiooutput"
)

// DeviceInfo describes one enumerated device.
type DeviceInfo struct {
	DeviceID string     `json:"deviceId"`
	GroupID  string     `json:"groupId"`
	Kind     DeviceKind `json:"kind"`
	Label    string     `json:"label"`
}

// Devices opens streams on capture devices.
type Devices interface {
	// GetUserMedia acquires a stream satisfying c. Every returned track is live.
	GetUserMedia(ctx context.Context, c Constraints) (Stream, error)
	EnumerateDevices(ctx context.Context) ([]DeviceInfo, error)
}

// VideoDevice is a camera together with the resolutions it accepted when probed.
type VideoDevice struct {
	DeviceID    string       `json:"deviceId"`
	GroupID     string       `json:"groupId"`
	Label       string       `json:"label"`
	Resolutions []Resolution `json:"resolutions"`
}

// Catalog lists the capture devices available to the user.
type Catalog struct {
	Video []VideoDevice `json:"video"`
	Audio []DeviceInfo  `json:"audio"`
}
