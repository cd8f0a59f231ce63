// Package mediatest provides in-memory media backends for tests.
package mediatest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/graaaaa/capsule-bridge/internal/media"
)

// Track is a fake track.
type Track struct {
	id   string
	kind media.Kind

	mu    sync.Mutex
	state media.TrackState
}

// NewTrack returns a live track of the given kind.
func NewTrack(kind media.Kind) *Track {
	return &Track{id: uuid.NewString(), kind: kind, state: media.TrackLive}
}

func (t *Track) ID() string       { return t.id }
func (t *Track) Kind() media.Kind { return t.kind }

func (t *Track) State() media.TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Track) Stop() {
	t.mu.Lock()
	t.state = media.TrackEnded
	t.mu.Unlock()
}

// Stream is a fake stream.
type Stream struct {
	id          string
	tracks      []media.Track
	Constraints media.Constraints
}

// NewStream returns a stream holding tracks.
func NewStream(tracks ...media.Track) *Stream {
	return &Stream{id: uuid.NewString(), tracks: tracks}
}

func (s *Stream) ID() string            { return s.id }
func (s *Stream) Tracks() []media.Track { return s.tracks }

// Camera is a fake video device.
type Camera struct {
	Info        media.DeviceInfo
	Resolutions []media.Resolution
}

// Devices is a fake device backend. Requests for video fail when no camera is
// attached or DenyVideo is set; every request fails when DenyAll is set.
type Devices struct {
	mu         sync.Mutex
	Cameras    []Camera
	Mics       []media.DeviceInfo
	DenyVideo  bool
	DenyAll    bool
	EnumErr    error
	gate       chan struct{}
	calls      []media.Constraints
	streams    []*Stream
	enumerated int
}

// NewDevices returns a backend with one camera supporting resolutions and one microphone.
func NewDevices(resolutions ...media.Resolution) *Devices {
	return &Devices{
		Cameras: []Camera{{
			Info:        media.DeviceInfo{DeviceID: "cam0", GroupID: "g0", Kind: media.DeviceVideoInput, Label: "Fake Camera"},
			Resolutions: resolutions,
		}},
		Mics: []media.DeviceInfo{
			{DeviceID: "mic0", GroupID: "g0", Kind: media.DeviceAudioInput, Label: "Fake Microphone"},
		},
	}
}

// Block makes subsequent GetUserMedia calls wait until Release is called.
func (d *Devices) Block() {
	d.mu.Lock()
	d.gate = make(chan struct{})
	d.mu.Unlock()
}

// Release unblocks pending and future GetUserMedia calls.
func (d *Devices) Release() {
	d.mu.Lock()
	if d.gate != nil {
		close(d.gate)
		d.gate = nil
	}
	d.mu.Unlock()
}

func (d *Devices) GetUserMedia(ctx context.Context, c media.Constraints) (media.Stream, error) {
	d.mu.Lock()
	gate := d.gate
	d.calls = append(d.calls, c)
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.DenyAll {
		return nil, media.ErrPermissionDenied
	}
	var tracks []media.Track
	if c.Video.Enabled {
		if d.DenyVideo {
			return nil, media.ErrPermissionDenied
		}
		if err := d.matchCamera(c.Video); err != nil {
			return nil, err
		}
		tracks = append(tracks, NewTrack(media.KindVideo))
	}
	if c.Audio.Enabled {
		if len(d.Mics) == 0 {
			return nil, media.ErrNoDevice
		}
		tracks = append(tracks, NewTrack(media.KindAudio))
	}
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no track requested", media.ErrOverconstrained)
	}

	s := NewStream(tracks...)
	s.Constraints = c
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *Devices) matchCamera(c media.TrackConstraints) error {
	for _, cam := range d.Cameras {
		if c.DeviceID != nil && c.DeviceID.Exact && c.DeviceID.V != cam.Info.DeviceID {
			continue
		}
		if c.Width == nil || c.Height == nil || !c.Width.Exact {
			return nil
		}
		for _, r := range cam.Resolutions {
			if r.Width == c.Width.V && r.Height == c.Height.V {
				return nil
			}
		}
		return media.ErrOverconstrained
	}
	return media.ErrNoDevice
}

func (d *Devices) EnumerateDevices(ctx context.Context) ([]media.DeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enumerated++
	if d.EnumErr != nil {
		return nil, d.EnumErr
	}
	var out []media.DeviceInfo
	for _, cam := range d.Cameras {
		out = append(out, cam.Info)
	}
	out = append(out, d.Mics...)
	out = append(out, media.DeviceInfo{DeviceID: "spk0", Kind: media.DeviceAudioOutput, Label: "Fake Speaker"})
	return out, nil
}

// Calls returns the constraints of every GetUserMedia call.
func (d *Devices) Calls() []media.Constraints {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]media.Constraints(nil), d.calls...)
}

// Enumerations returns how many times EnumerateDevices was called.
func (d *Devices) Enumerations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enumerated
}

// Opened returns every stream handed out so far.
func (d *Devices) Opened() []*Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Stream(nil), d.streams...)
}

// LiveStreams returns the number of handed out streams that still have a live track.
func (d *Devices) LiveStreams() int {
	n := 0
	for _, s := range d.Opened() {
		if media.Live(s) {
			n++
		}
	}
	return n
}
