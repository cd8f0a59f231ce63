// Package replay plays a record back in the shared video element and
// re-issues its logged events at their recorded offsets.
package replay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/graaaaa/capsule-bridge/internal/capsule"
	"github.com/graaaaa/capsule-bridge/internal/clock"
	"github.com/graaaaa/capsule-bridge/internal/media"
	"github.com/graaaaa/capsule-bridge/internal/message"
)

// LivePreview restores the live camera preview once playback ends.
type LivePreview interface {
	PlayWebcam(ctx context.Context) error
}

// Replayer plays records. Starting a new playback or calling Cancel clears
// the callbacks of the previous one.
type Replayer struct {
	doc       media.Document
	emitter   message.Emitter
	live      LivePreview
	urls      *media.ObjectURLs
	afterFunc clock.AfterFunc
	logger    *slog.Logger

	mu         sync.Mutex
	timers     []clock.TimerHandle
	generation int
}

// Option configures a Replayer.
type Option func(*Replayer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Replayer) { r.logger = logger }
}

// WithAfterFunc sets the timer function (for testing).
func WithAfterFunc(af clock.AfterFunc) Option {
	return func(r *Replayer) { r.afterFunc = af }
}

// WithObjectURLs sets the registry used to turn local blobs into URLs.
func WithObjectURLs(urls *media.ObjectURLs) Option {
	return func(r *Replayer) { r.urls = urls }
}

// New creates a Replayer.
func New(doc media.Document, emitter message.Emitter, live LivePreview, opts ...Option) *Replayer {
	r := &Replayer{
		doc:       doc,
		emitter:   emitter,
		live:      live,
		afterFunc: clock.DefaultAfterFunc,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Play shows rec in the video element and schedules its events. Every event
// but the final end is replayed; the end of the media itself finishes playback.
func (r *Replayer) Play(ctx context.Context, rec message.Record) error {
	src, err := r.source(rec.WebcamBlob)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.cancelLocked()
	gen := r.generation

	video := r.doc.Video()
	video.SetSource(media.Source{})
	video.SetSource(src)
	video.SetMuted(false)
	video.OnEnded(func() { r.finish(gen) })

	events := rec.Events
	if len(events) > 0 {
		events = events[:len(events)-1]
	}
	for _, ev := range events {
		fn := r.callback(ev.Ty)
		if fn == nil {
			continue
		}
		delay := time.Duration(ev.Time) * time.Millisecond
		r.timers = append(r.timers, r.afterFunc(delay, func() {
			if r.current(gen) {
				fn()
			}
		}))
	}
	r.mu.Unlock()

	r.logger.Info("replaying record", "events", len(rec.Events), "src", src.URL)
	if err := video.Play(); err != nil {
		r.mu.Lock()
		if r.generation == gen {
			r.cancelLocked()
			video.OnEnded(nil)
		}
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *Replayer) source(ref media.BlobRef) (media.Source, error) {
	if ref.IsRemote() {
		return media.Source{URL: ref.URL}, nil
	}
	blob := ref.Blob
	if r.urls != nil {
		resolved, err := r.urls.Resolve(ref)
		if err != nil {
			return media.Source{}, err
		}
		blob = resolved.Blob
		if blob.URL == "" {
			r.urls.Register(blob)
		}
	}
	return media.Source{URL: blob.URL}, nil
}

func (r *Replayer) callback(ty capsule.EventType) func() {
	switch ty {
	case capsule.EventNextSlide:
		return func() { r.emitter.Emit(message.NextSlideReceived{}) }
	case capsule.EventPlay:
		return func() {
			if extra, ok := r.doc.Extra(); ok {
				extra.SetMuted(true)
				extra.Rewind()
				if err := extra.Play(); err != nil {
					r.logger.Warn("failed to play extra", "error", err)
				}
			}
		}
	case capsule.EventStop:
		return func() { r.stopExtra() }
	}
	return nil
}

func (r *Replayer) stopExtra() {
	if extra, ok := r.doc.Extra(); ok {
		extra.Pause()
		extra.Rewind()
	}
}

func (r *Replayer) current(gen int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation == gen
}

// finish runs when the video element reports the end of playback.
func (r *Replayer) finish(gen int) {
	r.mu.Lock()
	if r.generation != gen {
		r.mu.Unlock()
		return
	}
	r.cancelLocked()
	r.mu.Unlock()

	r.stopExtra()
	if r.live != nil {
		if err := r.live.PlayWebcam(context.Background()); err != nil {
			r.logger.Warn("failed to restore live preview", "error", err)
		}
	}
	r.emitter.Emit(message.PlayRecordFinished{})
}

// Cancel stops a playback in progress: pending callbacks are dropped and the
// end of the media is no longer reported.
func (r *Replayer) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelLocked()
	r.doc.Video().OnEnded(nil)
}

// Pending returns the number of callbacks scheduled for the current playback.
func (r *Replayer) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

func (r *Replayer) cancelLocked() {
	for _, t := range r.timers {
		t.Stop()
	}
	r.timers = nil
	r.generation++
}
