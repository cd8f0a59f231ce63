package mediatest

import (
	"context"
	"sync"

	"github.com/graaaaa/capsule-bridge/internal/media"
)

// Element is a fake media element that logs every call.
type Element struct {
	id string
	// PlayErr, when set, is returned by Play.
	PlayErr error

	mu      sync.Mutex
	src     media.Source
	playing bool
	muted   bool
	focused bool
	ops     []string
	onEnded func()
}

// NewElement returns an element with the given id.
func NewElement(id string) *Element {
	return &Element{id: id}
}

func (e *Element) ID() string { return e.id }

func (e *Element) record(op string) {
	e.ops = append(e.ops, op)
}

func (e *Element) SetSource(src media.Source) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.src = src
	e.playing = false
	e.record("source")
}

func (e *Element) Source() media.Source {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.src
}

func (e *Element) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("play")
	if e.PlayErr != nil {
		return e.PlayErr
	}
	e.playing = true
	return nil
}

func (e *Element) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.playing = false
	e.record("pause")
}

func (e *Element) Rewind() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("rewind")
}

func (e *Element) SetMuted(muted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.muted = muted
	if muted {
		e.record("mute")
	} else {
		e.record("unmute")
	}
}

func (e *Element) Focus() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.focused = true
	e.record("focus")
}

func (e *Element) OnEnded(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEnded = fn
}

// End simulates playback reaching the end.
func (e *Element) End() {
	e.mu.Lock()
	e.playing = false
	fn := e.onEnded
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Playing reports whether Play was called since the last Pause or SetSource.
func (e *Element) Playing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing
}

// Muted reports the muted flag.
func (e *Element) Muted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.muted
}

// Ops returns the calls made so far.
func (e *Element) Ops() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ops...)
}

// Reset clears the call log.
func (e *Element) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ops = nil
}

// Document is a fake document with a video element and an optional extra element.
type Document struct {
	VideoElement *Element

	mu     sync.Mutex
	extra  *Element
	frames int
}

// NewDocument returns a document with a video element and no extra element.
func NewDocument() *Document {
	return &Document{VideoElement: NewElement("video")}
}

func (d *Document) Video() media.Element { return d.VideoElement }

func (d *Document) Extra() (media.Element, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.extra == nil {
		return nil, false
	}
	return d.extra, true
}

// MountExtra mounts an extra element and returns it.
func (d *Document) MountExtra() *Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.extra = NewElement("extra")
	return d.extra
}

// UnmountExtra removes the extra element.
func (d *Document) UnmountExtra() {
	d.mu.Lock()
	d.extra = nil
	d.mu.Unlock()
}

func (d *Document) WaitFrame(ctx context.Context) error {
	d.mu.Lock()
	d.frames++
	d.mu.Unlock()
	return ctx.Err()
}

// Frames returns how many times WaitFrame was called.
func (d *Document) Frames() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}
