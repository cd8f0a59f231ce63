// Package webcam owns the live camera stream: acquiring it, showing it in
// the video element and creating the recorders that capture it.
package webcam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/graaaaa/capsule-bridge/internal/clock"
	"github.com/graaaaa/capsule-bridge/internal/media"
)

// State is the lifecycle state of the camera stream.
type State int

const (
	Idle State = iota
	Binding
	Bound
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Binding:
		return "binding"
	case Bound:
		return "bound"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	// ErrBindingFailed is returned when the stream or its recorder cannot be created.
	ErrBindingFailed = errors.New("binding webcam failed")
	// ErrBindInProgress is returned when Bind is called while another bind runs.
	ErrBindInProgress = errors.New("bind already in progress")
	// ErrBindCancelled is returned when Unbind was requested while binding.
	ErrBindCancelled = errors.New("bind cancelled by unbind")
)

// DefaultPointerDelay is how long after a bind the pointer recorder is created.
const DefaultPointerDelay = time.Second

// RecorderSink receives the recorders created by the binder.
type RecorderSink interface {
	SetWebcamRecorder(r media.Recorder)
	SetPointerRecorder(r media.Recorder)
}

// Binder manages the camera stream. It is safe for concurrent use.
type Binder struct {
	devices       media.Devices
	factory       media.RecorderFactory
	doc           media.Document
	sink          RecorderSink
	pointerStream media.Stream
	afterFunc     clock.AfterFunc
	pointerDelay  time.Duration
	logger        *slog.Logger

	mu              sync.Mutex
	state           State
	unbindRequested bool
	stream          media.Stream
	pointerRecorder media.Recorder
	pointerTimer    clock.TimerHandle
}

// Option configures a Binder.
type Option func(*Binder)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Binder) { b.logger = logger }
}

// WithAfterFunc sets the timer function (for testing).
func WithAfterFunc(af clock.AfterFunc) Option {
	return func(b *Binder) { b.afterFunc = af }
}

// WithPointerDelay sets the delay before the pointer recorder is created.
func WithPointerDelay(d time.Duration) Option {
	return func(b *Binder) { b.pointerDelay = d }
}

// WithPointerStream sets the overlay stream recorded alongside the camera.
func WithPointerStream(s media.Stream) Option {
	return func(b *Binder) { b.pointerStream = s }
}

// New creates a Binder. sink may be nil.
func New(devices media.Devices, factory media.RecorderFactory, doc media.Document, sink RecorderSink, opts ...Option) *Binder {
	b := &Binder{
		devices:      devices,
		factory:      factory,
		doc:          doc,
		sink:         sink,
		afterFunc:    clock.DefaultAfterFunc,
		pointerDelay: DefaultPointerDelay,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the current state.
func (b *Binder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stream returns the bound stream, or nil.
func (b *Binder) Stream() media.Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stream
}

// Bind acquires a camera stream for c, shows it and creates its recorder.
// A bound stream is released first. Bind returns ErrBindInProgress without
// doing anything when another Bind is running, and ErrBindCancelled when
// Unbind was called before the stream arrived.
func (b *Binder) Bind(ctx context.Context, c media.Constraints, opts media.RecorderOptions) error {
	if err := b.Begin(); err != nil {
		return err
	}
	return b.Complete(ctx, c, opts)
}

// Begin moves the binder to Binding, releasing a bound stream first. It
// returns ErrBindInProgress when a bind is already running. Unbind calls
// made after Begin returns cancel the bind. Every successful Begin must be
// followed by Complete.
func (b *Binder) Begin() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Binding {
		return ErrBindInProgress
	}
	b.unbindRequested = false
	if b.state == Bound {
		b.teardownLocked()
	}
	b.state = Binding
	return nil
}

// Complete acquires the stream for a bind started with Begin.
func (b *Binder) Complete(ctx context.Context, c media.Constraints, opts media.RecorderOptions) error {
	b.logger.Info("binding webcam")
	stream, err := b.devices.GetUserMedia(ctx, c)

	b.mu.Lock()
	if err != nil {
		b.state = Idle
		b.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrBindingFailed, err)
	}
	if b.unbindRequested {
		b.unbindRequested = false
		b.state = Idle
		b.mu.Unlock()
		media.StopAll(stream)
		b.logger.Info("webcam unbound during bind")
		return ErrBindCancelled
	}

	rec, err := b.factory.NewRecorder(stream, opts)
	if err != nil {
		b.state = Idle
		b.mu.Unlock()
		media.StopAll(stream)
		return fmt.Errorf("%w: create recorder: %v", ErrBindingFailed, err)
	}
	b.stream = stream
	b.state = Bound
	b.schedulePointerRecorderLocked()
	b.mu.Unlock()

	if b.sink != nil {
		b.sink.SetWebcamRecorder(rec)
	}
	if err := b.PlayWebcam(ctx); err != nil {
		b.logger.Warn("failed to show webcam", "error", err)
	}

	b.logger.Info("webcam bound", "stream", stream.ID())
	return nil
}

// Unbind releases the stream. During a bind it only records the request;
// the bind honours it when the stream arrives.
func (b *Binder) Unbind() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stream == nil || b.state == Binding {
		b.unbindRequested = true
		return
	}
	b.teardownLocked()
	b.logger.Info("webcam unbound")
}

func (b *Binder) teardownLocked() {
	if b.stream == nil {
		b.state = Idle
		return
	}
	media.StopAll(b.stream)
	if video := b.doc.Video(); video.Source().Stream == b.stream {
		video.SetSource(media.Source{})
	}
	b.stream = nil
	b.state = Idle
}

// PlayWebcam shows the bound stream, muted, in the video element. It does
// nothing when no stream is bound.
func (b *Binder) PlayWebcam(ctx context.Context) error {
	if b.Stream() == nil {
		return nil
	}
	if err := b.doc.WaitFrame(ctx); err != nil {
		return err
	}

	stream := b.Stream()
	if stream == nil {
		return nil
	}
	video := b.doc.Video()
	video.Focus()
	video.SetSource(media.Source{Stream: stream})
	video.SetMuted(true)
	return video.Play()
}

// schedulePointerRecorderLocked creates the overlay recorder once, after the
// pointer delay. Later binds reuse it.
func (b *Binder) schedulePointerRecorderLocked() {
	if b.pointerStream == nil || b.pointerRecorder != nil || b.pointerTimer != nil {
		return
	}
	b.pointerTimer = b.afterFunc(b.pointerDelay, b.createPointerRecorder)
}

func (b *Binder) createPointerRecorder() {
	b.mu.Lock()
	b.pointerTimer = nil
	if b.pointerRecorder != nil {
		b.mu.Unlock()
		return
	}
	rec, err := b.factory.NewRecorder(b.pointerStream, media.PointerRecorderOptions)
	if err != nil {
		b.mu.Unlock()
		b.logger.Error("failed to create pointer recorder", "error", err)
		return
	}
	b.pointerRecorder = rec
	b.mu.Unlock()

	if b.sink != nil {
		b.sink.SetPointerRecorder(rec)
	}
	b.logger.Debug("pointer recorder ready")
}

// Close cancels the pending pointer recorder creation and releases the stream.
func (b *Binder) Close() {
	b.mu.Lock()
	if b.pointerTimer != nil {
		b.pointerTimer.Stop()
		b.pointerTimer = nil
	}
	if b.state == Binding {
		b.unbindRequested = true
	} else {
		b.teardownLocked()
	}
	b.mu.Unlock()
}
