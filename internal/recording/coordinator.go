// Package recording drives the webcam and pointer recorders, builds the event
// log of a recording and delivers the finished record once both recorders
// have produced their blob.
package recording

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/graaaaa/capsule-bridge/internal/capsule"
	"github.com/graaaaa/capsule-bridge/internal/clock"
	"github.com/graaaaa/capsule-bridge/internal/media"
	"github.com/graaaaa/capsule-bridge/internal/message"
)

// ErrFinalizing is reported when a recording is started before the previous
// one was delivered.
var ErrFinalizing = errors.New("previous recording is still being finalized")

// PointerTracker reports whether the pointer was visible during a recording.
type PointerTracker interface {
	PointerExists() bool
	ResetPointerExists()
}

// Coordinator records one group of slides at a time. It is safe for concurrent use.
type Coordinator struct {
	doc     media.Document
	pointer PointerTracker
	emitter message.Emitter
	clock   clock.Clock
	urls    *media.ObjectURLs
	logger  *slog.Logger
	rv      *Rendezvous[*finishedLog]

	mu             sync.Mutex
	webcamRec      media.Recorder
	pointerRec     media.Recorder
	recording      bool
	pointerStarted bool
	startMs        int64
	events         []capsule.Event
}

// finishedLog is the frozen state of a stopped recording awaiting its blobs.
// It is nil for a recording whose webcam recorder died while capturing.
type finishedLog struct {
	events        []capsule.Event
	pointerExists bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithClock sets the clock used for event timestamps.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) { c.clock = clk }
}

// WithObjectURLs registers delivered blobs so the UI can fetch them.
func WithObjectURLs(urls *media.ObjectURLs) Option {
	return func(c *Coordinator) { c.urls = urls }
}

// New creates a Coordinator that emits RecordArrived through emitter.
func New(doc media.Document, pointer PointerTracker, emitter message.Emitter, opts ...Option) *Coordinator {
	c := &Coordinator{
		doc:     doc,
		pointer: pointer,
		emitter: emitter,
		clock:   clock.Default,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.rv = NewRendezvous(c.deliver)
	return c
}

// SetWebcamRecorder installs the camera recorder.
func (c *Coordinator) SetWebcamRecorder(r media.Recorder) {
	r.OnData(func(b *media.Blob) {
		if !c.rv.SetWebcam(b) {
			c.logger.Warn("dropping webcam output with no stopped recording")
		}
	})
	r.OnError(func(err error) { c.webcamFailed(r, err) })

	c.mu.Lock()
	c.webcamRec = r
	c.mu.Unlock()
}

// SetPointerRecorder installs the overlay recorder.
func (c *Coordinator) SetPointerRecorder(r media.Recorder) {
	r.OnData(func(b *media.Blob) {
		if !c.rv.SetPointer(b) {
			c.logger.Warn("dropping pointer output with no stopped recording")
		}
	})
	r.OnError(func(err error) { c.pointerFailed(r, err) })

	c.mu.Lock()
	c.pointerRec = r
	c.mu.Unlock()
}

// Pending returns the number of stopped recordings still waiting for their
// recorders.
func (c *Coordinator) Pending() int { return c.rv.Pending() }

// diedLocked reports whether r is the current recorder and has stopped on its
// own while a recording is in progress. Must be called with c.mu held.
func (c *Coordinator) diedLocked(current, r media.Recorder) bool {
	return c.recording && current == r && r.State() != media.RecorderRecording
}

func (c *Coordinator) webcamFailed(r media.Recorder, err error) {
	c.logger.Error("webcam recorder error", "error", err)

	c.mu.Lock()
	if !c.diedLocked(c.webcamRec, r) {
		c.mu.Unlock()
		if !c.rv.FailWebcam(err) {
			c.logger.Warn("webcam error with no stopped recording")
		}
		return
	}
	// the camera died mid-recording: end the recording as failed
	c.recording = false
	c.events = nil
	id := c.rv.Expect(nil, c.pointerStarted)
	pointerRec, pointerStarted := c.pointerRec, c.pointerStarted
	c.mu.Unlock()

	c.stopPointer(id, pointerRec, pointerStarted)
	c.rv.AbortWebcam(id, err)
}

func (c *Coordinator) pointerFailed(r media.Recorder, err error) {
	c.logger.Error("pointer recorder error", "error", err)

	c.mu.Lock()
	if c.diedLocked(c.pointerRec, r) {
		// the current recording goes on without a pointer track
		c.pointerStarted = false
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	if !c.rv.SetPointer(nil) {
		c.logger.Warn("pointer error with no stopped recording")
	}
}

// Recording reports whether a recording is in progress.
func (c *Coordinator) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

func (c *Coordinator) nowMs() int64 {
	return clock.Millis(c.clock.Now())
}

// Start begins a recording. It does nothing and returns false when no webcam
// recorder exists or a recording is already in progress. While a stopped
// recording still waits for its recorders, Start also reports ErrFinalizing
// to the UI and returns false.
func (c *Coordinator) Start() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.webcamRec == nil || c.recording {
		return false
	}
	if n := c.rv.Pending(); n > 0 {
		c.logger.Warn("start refused", "pending", n)
		c.emitter.Emit(message.OperationFailed{
			Command: message.StartRecording{}.Name(),
			Reason:  ErrFinalizing.Error(),
		})
		return false
	}

	c.pointer.ResetPointerExists()

	if err := c.webcamRec.Start(); err != nil {
		c.logger.Error("failed to start webcam recorder", "error", err)
		return false
	}
	c.recording = true

	c.pointerStarted = false
	if c.pointerRec != nil {
		if err := c.pointerRec.Start(); err != nil {
			c.logger.Warn("failed to start pointer recorder", "error", err)
		} else {
			c.pointerStarted = true
		}
	}

	c.startMs = c.nowMs()
	c.events = []capsule.Event{{Ty: capsule.EventStart, Time: c.startMs}}

	if extra, ok := c.doc.Extra(); ok {
		extra.SetMuted(true)
		extra.Rewind()
		if err := extra.Play(); err != nil {
			c.logger.Warn("failed to play extra", "error", err)
		}
		c.events = append(c.events, capsule.Event{Ty: capsule.EventPlay, Time: 0})
	}

	c.logger.Info("recording started", "pointer_track", c.pointerStarted)
	return true
}

// NextSlide logs a slide transition. It is ignored outside a recording.
func (c *Coordinator) NextSlide() {
	c.mark(capsule.EventNextSlide)
}

// NextSentence logs a sentence transition. It is ignored outside a recording.
func (c *Coordinator) NextSentence() {
	c.mark(capsule.EventNextSentence)
}

func (c *Coordinator) mark(ty capsule.EventType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.recording {
		return
	}
	c.events = append(c.events, capsule.Event{Ty: ty, Time: c.nowMs() - c.startMs})
}

// Stop ends the recording and stops both recorders. The record is emitted
// once both recorders have delivered. Returns false when not recording.
func (c *Coordinator) Stop() bool {
	c.mu.Lock()
	if !c.recording {
		c.mu.Unlock()
		return false
	}

	t := c.nowMs() - c.startMs
	if extra, ok := c.doc.Extra(); ok {
		extra.SetMuted(true)
		extra.Pause()
		extra.Rewind()
		c.events = append(c.events, capsule.Event{Ty: capsule.EventStop, Time: t})
	}
	c.events = append(c.events, capsule.Event{Ty: capsule.EventEnd, Time: t})
	c.events[0].Time = 0

	id := c.rv.Expect(&finishedLog{
		events:        c.events,
		pointerExists: c.pointer.PointerExists(),
	}, c.pointerStarted)
	c.events = nil
	c.recording = false

	webcamRec, pointerRec, pointerStarted := c.webcamRec, c.pointerRec, c.pointerStarted
	c.mu.Unlock()

	// Recorders may deliver synchronously, so they are stopped without the lock.
	if err := webcamRec.Stop(); err != nil {
		c.logger.Error("failed to stop webcam recorder", "error", err)
		c.rv.AbortWebcam(id, fmt.Errorf("stop webcam recorder: %w", err))
	}
	c.stopPointer(id, pointerRec, pointerStarted)

	c.logger.Info("recording stopped", "duration_ms", t)
	return true
}

func (c *Coordinator) stopPointer(id uint64, r media.Recorder, started bool) {
	if !started {
		return
	}
	if err := r.Stop(); err != nil {
		c.logger.Error("failed to stop pointer recorder", "error", err)
		c.rv.SkipPointer(id)
	}
}

func (c *Coordinator) deliver(fin *finishedLog, out Outcome) {
	if fin == nil || out.Err != nil || out.Webcam == nil {
		err := out.Err
		if err == nil {
			err = errors.New("webcam recorder produced no data")
		}
		c.logger.Error("recording failed", "error", err)
		c.emitter.Emit(message.OperationFailed{
			Command: message.StopRecording{}.Name(),
			Reason:  err.Error(),
		})
		return
	}
	webcam, pointer := out.Webcam, out.Pointer

	rec := message.Record{
		WebcamBlob: media.LocalRef(c.register(webcam)),
		Events:     fin.events,
	}
	if fin.pointerExists && pointer != nil && pointer.Size() > 0 {
		ref := media.LocalRef(c.register(pointer))
		rec.PointerBlob = &ref
	}

	c.logger.Info("record arrived",
		"webcam_size", humanize.Bytes(uint64(webcam.Size())),
		"pointer", rec.PointerBlob != nil,
		"events", len(rec.Events),
	)
	c.emitter.Emit(message.RecordArrived{Record: rec})
}

func (c *Coordinator) register(b *media.Blob) *media.Blob {
	if c.urls != nil {
		c.urls.Register(b)
	}
	return b
}
