package session

import (
	"context"
	"sync"
	"time"

	"github.com/graaaaa/capsule-bridge/internal/media"
	"github.com/graaaaa/capsule-bridge/internal/message"
)

// Element ids shared with the UI.
const (
	VideoElementID = "video"
	ExtraElementID = "extra"
)

// frameInterval is how long WaitFrame waits for the UI to render.
const frameInterval = time.Second / 30

// remoteElement is a media element rendered by the UI. Every change is
// mirrored to it as an ElementChanged event.
type remoteElement struct {
	emitter message.Emitter

	mu      sync.Mutex
	state   message.ElementState
	src     media.Source
	onEnded func()
}

func newRemoteElement(id string, emitter message.Emitter) *remoteElement {
	return &remoteElement{emitter: emitter, state: message.ElementState{ID: id}}
}

func (e *remoteElement) ID() string { return e.state.ID }

// update applies fn and emits the resulting state.
func (e *remoteElement) update(fn func(s *message.ElementState)) {
	e.mu.Lock()
	fn(&e.state)
	state := e.state
	e.mu.Unlock()
	e.emitter.Emit(message.ElementChanged{State: state})
}

func (e *remoteElement) SetSource(src media.Source) {
	e.mu.Lock()
	e.src = src
	e.mu.Unlock()
	e.update(func(s *message.ElementState) {
		s.Src = src.URL
		s.Stream = ""
		if src.Stream != nil {
			s.Stream = src.Stream.ID()
		}
		s.Playing = false
	})
}

func (e *remoteElement) Source() media.Source {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.src
}

func (e *remoteElement) Play() error {
	e.update(func(s *message.ElementState) { s.Playing = true })
	return nil
}

func (e *remoteElement) Pause() {
	e.update(func(s *message.ElementState) { s.Playing = false })
}

func (e *remoteElement) Rewind() {
	e.update(func(s *message.ElementState) { s.Seek++ })
}

func (e *remoteElement) SetMuted(muted bool) {
	e.update(func(s *message.ElementState) { s.Muted = muted })
}

func (e *remoteElement) Focus() {
	e.update(func(s *message.ElementState) { s.Focused = true })
}

func (e *remoteElement) OnEnded(fn func()) {
	e.mu.Lock()
	e.onEnded = fn
	e.mu.Unlock()
}

// ended is called when the UI reports the end of playback.
func (e *remoteElement) ended() {
	e.mu.Lock()
	e.state.Playing = false
	fn := e.onEnded
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// remoteDocument holds the shared video element and the extra element of
// the current slide.
type remoteDocument struct {
	emitter message.Emitter
	video   *remoteElement

	mu    sync.Mutex
	extra *remoteElement
}

func newRemoteDocument(emitter message.Emitter) *remoteDocument {
	return &remoteDocument{
		emitter: emitter,
		video:   newRemoteElement(VideoElementID, emitter),
	}
}

func (d *remoteDocument) Video() media.Element { return d.video }

func (d *remoteDocument) Extra() (media.Element, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.extra == nil {
		return nil, false
	}
	return d.extra, true
}

func (d *remoteDocument) WaitFrame(ctx context.Context) error {
	t := time.NewTimer(frameInterval)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// setExtra mounts the extra element showing url, or unmounts it when url is empty.
func (d *remoteDocument) setExtra(url string) {
	d.mu.Lock()
	if url == "" {
		d.extra = nil
		d.mu.Unlock()
		return
	}
	if d.extra == nil {
		d.extra = newRemoteElement(ExtraElementID, d.emitter)
	}
	extra := d.extra
	d.mu.Unlock()

	if extra.Source().URL != url {
		extra.SetSource(media.Source{URL: url})
	}
}

// element returns the element with the given id.
func (d *remoteDocument) element(id string) (*remoteElement, bool) {
	if id == VideoElementID {
		return d.video, true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.extra != nil && id == ExtraElementID {
		return d.extra, true
	}
	return nil, false
}
