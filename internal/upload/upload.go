// Package upload sends a finished record to the capsule server and reports
// a single progress value across the webcam and pointer uploads.
//
// The capsule that receives the event log is the one returned by the last
// upload: the pointer upload when there is one, since it already carries the
// record UUID set by the webcam upload.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/graaaaa/capsule-bridge/internal/capsule"
	"github.com/graaaaa/capsule-bridge/internal/capsuleapi"
	"github.com/graaaaa/capsule-bridge/internal/media"
	"github.com/graaaaa/capsule-bridge/internal/message"
)

// transferCeiling caps progress reported during transfers, so that 1.0 is
// only reported once the capsule update succeeded.
const transferCeiling = 0.99

// progressStep is the smallest progress increase reported while a transfer
// runs. The end of each transfer is always reported.
const progressStep = 0.01

// ErrBadGos is returned when the group index is outside the capsule structure.
var ErrBadGos = errors.New("group index out of range")

// API is the subset of the capsule server used for uploads.
type API interface {
	UploadRecord(ctx context.Context, capsuleID string, gos int, mimeType string, data []byte, progress capsuleapi.ProgressFunc) (*capsule.Capsule, error)
	UploadPointer(ctx context.Context, capsuleID string, gos int, mimeType string, data []byte, progress capsuleapi.ProgressFunc) (*capsule.Capsule, error)
	UpdateCapsule(ctx context.Context, c *capsule.Capsule) error
}

// Uploader uploads records.
type Uploader struct {
	api     API
	emitter message.Emitter
	urls    *media.ObjectURLs
	logger  *slog.Logger
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(u *Uploader) { u.logger = logger }
}

// WithObjectURLs sets the registry used to resolve blobs sent back by the UI.
func WithObjectURLs(urls *media.ObjectURLs) Option {
	return func(u *Uploader) { u.urls = urls }
}

// New creates an Uploader.
func New(api API, emitter message.Emitter, opts ...Option) *Uploader {
	u := &Uploader{api: api, emitter: emitter, logger: slog.Default()}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Upload sends rec as the record of group gos. A record whose webcam blob is
// a URL is already on the server and is confirmed without any transfer.
// On failure UploadRecordFailed is emitted and the error returned.
func (u *Uploader) Upload(ctx context.Context, capsuleID string, gos int, rec message.Record) error {
	if rec.WebcamBlob.IsRemote() {
		u.logger.Info("record already validated", "capsule_id", capsuleID, "gos", gos)
		u.emitter.Emit(message.CapsuleUpdated{})
		return nil
	}

	updated, err := u.upload(ctx, capsuleID, gos, rec)
	if err != nil {
		u.logger.Error("record upload failed", "capsule_id", capsuleID, "gos", gos, "error", err)
		u.emitter.Emit(message.UploadRecordFailed{})
		return err
	}
	u.emitter.Emit(message.CapsuleUpdated{Capsule: updated})
	return nil
}

func (u *Uploader) upload(ctx context.Context, capsuleID string, gos int, rec message.Record) (*capsule.Capsule, error) {
	webcam, err := u.resolve(rec.WebcamBlob)
	if err != nil {
		return nil, fmt.Errorf("webcam blob: %w", err)
	}
	var pointer *media.Blob
	if rec.PointerBlob != nil {
		if pointer, err = u.resolve(*rec.PointerBlob); err != nil {
			return nil, fmt.Errorf("pointer blob: %w", err)
		}
	}

	progress := newProgress(u.emitter)
	factor := 1.0
	if pointer != nil {
		factor = 2
	}

	u.logger.Info("uploading record",
		"capsule_id", capsuleID,
		"gos", gos,
		"webcam_size", humanize.Bytes(uint64(webcam.Size())),
		"pointer", pointer != nil,
	)

	updated, err := u.api.UploadRecord(ctx, capsuleID, gos, webcam.MimeType, webcam.Data, func(loaded, total int64) {
		progress.report(float64(loaded)/(factor*float64(total)), loaded == total)
	})
	if err != nil {
		return nil, fmt.Errorf("upload record: %w", err)
	}

	if pointer != nil {
		updated, err = u.api.UploadPointer(ctx, capsuleID, gos, pointer.MimeType, pointer.Data, func(loaded, total int64) {
			progress.report(0.5+float64(loaded)/(2*float64(total)), loaded == total)
		})
		if err != nil {
			return nil, fmt.Errorf("upload pointer: %w", err)
		}
	}

	if gos < 0 || gos >= len(updated.Structure) {
		return nil, fmt.Errorf("%w: %d of %d", ErrBadGos, gos, len(updated.Structure))
	}
	updated.Structure[gos].Events = rec.Events

	if err := u.api.UpdateCapsule(ctx, updated); err != nil {
		return nil, fmt.Errorf("update capsule: %w", err)
	}
	progress.complete()
	return updated, nil
}

func (u *Uploader) resolve(ref media.BlobRef) (*media.Blob, error) {
	if ref.IsRemote() {
		return nil, fmt.Errorf("%w: remote blob %s", media.ErrUnknownBlob, ref.URL)
	}
	if u.urls == nil {
		return ref.Blob, nil
	}
	resolved, err := u.urls.Resolve(ref)
	if err != nil {
		return nil, err
	}
	return resolved.Blob, nil
}

// progress emits an increasing sequence of values, at most one per
// progressStep unless flushed.
type progress struct {
	emitter message.Emitter

	mu   sync.Mutex
	last float64
}

func newProgress(emitter message.Emitter) *progress {
	return &progress{emitter: emitter, last: -1}
}

func (p *progress) report(v float64, flush bool) {
	switch {
	case math.IsNaN(v) || v < 0:
		v = 0
	case v > transferCeiling:
		v = transferCeiling
	}
	p.emit(v, flush)
}

func (p *progress) complete() {
	p.emit(1, true)
}

func (p *progress) emit(v float64, flush bool) {
	p.mu.Lock()
	if v <= p.last || (!flush && p.last >= 0 && v-p.last < progressStep) {
		p.mu.Unlock()
		return
	}
	p.last = v
	p.mu.Unlock()
	p.emitter.Emit(message.ProgressReceived{Progress: v})
}
