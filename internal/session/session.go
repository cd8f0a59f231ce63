// Package session wires the recording components together and routes UI
// commands to them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/graaaaa/capsule-bridge/internal/archive"
	"github.com/graaaaa/capsule-bridge/internal/clock"
	"github.com/graaaaa/capsule-bridge/internal/devices"
	"github.com/graaaaa/capsule-bridge/internal/media"
	"github.com/graaaaa/capsule-bridge/internal/message"
	"github.com/graaaaa/capsule-bridge/internal/overlay"
	"github.com/graaaaa/capsule-bridge/internal/recording"
	"github.com/graaaaa/capsule-bridge/internal/replay"
	"github.com/graaaaa/capsule-bridge/internal/upload"
	"github.com/graaaaa/capsule-bridge/internal/webcam"
)

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("session closed")

// Preferences persists preferences and the device catalog.
type Preferences interface {
	devices.Cache
}

// Server is the capsule server used for uploads and archives.
type Server interface {
	upload.API
	archive.API
}

// Closer is a resource closed with the session, such as the server channel.
type Closer interface {
	Close() error
}

// Deps are the external resources of a session.
type Deps struct {
	Prefs     Preferences
	Devices   media.Devices
	Recorders media.RecorderFactory
	Server    Server
	// URLs serves recorded blobs, exports and uploaded files to the UI.
	URLs *media.ObjectURLs
	// ExportDir receives exported archives.
	ExportDir string
	// Channel is closed with the session. Optional.
	Channel Closer
}

// Session owns the recording components of one UI.
type Session struct {
	deps    Deps
	emitter message.Emitter
	logger  *slog.Logger

	afterFunc    clock.AfterFunc
	clock        clock.Clock
	probeTimeout time.Duration

	guard       *Guard
	doc         *remoteDocument
	overlay     *overlay.Overlay
	coordinator *recording.Coordinator
	binder      *webcam.Binder
	probe       *devices.Probe
	replayer    *replay.Replayer
	uploader    *upload.Uploader
	archiver    *archive.Archiver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger passed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithAfterFunc sets the timer used by the components.
func WithAfterFunc(f clock.AfterFunc) Option {
	return func(s *Session) { s.afterFunc = f }
}

// WithClock sets the clock used for recording timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithProbeTimeout bounds each resolution probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(s *Session) { s.probeTimeout = d }
}

// New creates a session emitting events to emitter.
func New(deps Deps, emitter message.Emitter, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		deps:      deps,
		emitter:   emitter,
		logger:    slog.Default(),
		afterFunc: clock.DefaultAfterFunc,
		clock:     clock.Default,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.deps.URLs == nil {
		s.deps.URLs = media.NewObjectURLs("/blobs/")
	}

	s.guard = NewGuard(emitter)
	s.doc = newRemoteDocument(emitter)
	s.overlay = overlay.New()
	s.coordinator = recording.New(s.doc, s.overlay, emitter,
		recording.WithLogger(s.logger.With("component", "recording")),
		recording.WithClock(s.clock),
		recording.WithObjectURLs(s.deps.URLs),
	)
	s.binder = webcam.New(deps.Devices, deps.Recorders, s.doc, s.coordinator,
		webcam.WithLogger(s.logger.With("component", "webcam")),
		webcam.WithAfterFunc(s.afterFunc),
		webcam.WithPointerStream(s.overlay.Stream()),
	)
	probeOpts := []devices.Option{
		devices.WithLogger(s.logger.With("component", "devices")),
		// a bound camera cannot be reopened at other resolutions
		devices.WithBeforeProbe(func(context.Context) { s.binder.Unbind() }),
	}
	if s.probeTimeout > 0 {
		probeOpts = append(probeOpts, devices.WithTimeout(s.probeTimeout))
	}
	s.probe = devices.New(deps.Devices, deps.Prefs, probeOpts...)
	s.replayer = replay.New(s.doc, emitter, s.binder,
		replay.WithLogger(s.logger.With("component", "replay")),
		replay.WithAfterFunc(s.afterFunc),
		replay.WithObjectURLs(s.deps.URLs),
	)
	s.uploader = upload.New(deps.Server, emitter,
		upload.WithLogger(s.logger.With("component", "upload")),
		upload.WithObjectURLs(s.deps.URLs),
	)
	s.archiver = archive.New(deps.Server,
		archive.WithLogger(s.logger.With("component", "archive")),
	)
	return s
}

// Guard returns the leave-page guard.
func (s *Session) Guard() *Guard { return s.guard }

// Overlay returns the pointer overlay.
func (s *Session) Overlay() *overlay.Overlay { return s.overlay }

// URLs returns the object URL registry.
func (s *Session) URLs() *media.ObjectURLs { return s.deps.URLs }

// Recording reports whether a recording is in progress.
func (s *Session) Recording() bool { return s.coordinator.Recording() }

// WebcamState returns the state of the camera binding.
func (s *Session) WebcamState() webcam.State { return s.binder.State() }

// Dispatch routes cmd to its component. Short commands complete before
// Dispatch returns; device probing, binding, uploads and archives run in the
// background and report through events. The returned error only covers
// the synchronous part.
func (s *Session) Dispatch(ctx context.Context, cmd message.Command) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	s.logger.Debug("command received", "command", cmd.Name())

	switch c := cmd.(type) {
	case message.SetPreference:
		if err := s.deps.Prefs.Set(ctx, c.Key, c.Value); err != nil {
			return fmt.Errorf("%s: %w", c.Command, err)
		}
	case message.SetOnBeforeUnloadValue:
		s.guard.Set(c.Value)
	case message.FindDevices:
		s.spawn(func(ctx context.Context) { s.findDevices(ctx, c.Force) })
	case message.BindWebcam:
		// Binding starts here so that a later UnbindWebcam cancels it.
		if err := s.binder.Begin(); err != nil {
			s.logger.Info("bind webcam ignored", "reason", err)
			break
		}
		s.spawn(func(ctx context.Context) { s.bindWebcam(ctx, c) })
	case message.UnbindWebcam:
		s.binder.Unbind()
	case message.PlayWebcam:
		s.spawn(func(ctx context.Context) {
			if err := s.binder.PlayWebcam(ctx); err != nil {
				s.logger.Warn("play webcam failed", "error", err)
			}
		})
	case message.StartRecording:
		if !s.coordinator.Start() {
			s.logger.Warn("start recording ignored")
		}
	case message.StopRecording:
		if !s.coordinator.Stop() {
			s.logger.Warn("stop recording ignored: not recording")
		}
	case message.AskNextSlide:
		s.coordinator.NextSlide()
	case message.AskNextSentence:
		s.coordinator.NextSentence()
	case message.PlayRecord:
		if err := s.replayer.Play(s.ctx, c.Record); err != nil {
			s.fail(c.Name(), err)
		}
	case message.UploadRecord:
		s.spawn(func(ctx context.Context) {
			_ = s.uploader.Upload(ctx, c.CapsuleID, c.Gos, c.Record)
		})
	case message.ExportCapsule:
		s.spawn(func(ctx context.Context) { s.exportCapsule(ctx, c) })
	case message.ImportCapsule:
		s.spawn(func(ctx context.Context) { s.importCapsule(ctx, c) })
	case message.CopyString:
		s.emitter.Emit(message.ClipboardRequested{Text: c.Text})
	case message.ScrollIntoView:
		s.emitter.Emit(message.ScrollRequested{Anchor: c.Anchor})
	case message.Select:
		s.emitter.Emit(message.SelectRequested{ProjectID: c.ProjectID, Accept: c.MimeTypes})
	case message.FileSelected:
		file, err := s.deps.URLs.Resolve(c.File)
		if err != nil {
			return fmt.Errorf("%s: %w", c.Name(), err)
		}
		s.emitter.Emit(message.Selected{ProjectID: c.ProjectID, File: file})
	case message.PointerInput:
		s.pointer(c)
	case message.ElementEnded:
		el, ok := s.doc.element(c.ID)
		if !ok {
			return fmt.Errorf("%s: unknown element %q", c.Name(), c.ID)
		}
		el.ended()
	case message.SetExtra:
		s.doc.setExtra(c.URL)
	default:
		return fmt.Errorf("%w: %s", message.ErrUnknownCommand, cmd.Name())
	}
	return nil
}

func (s *Session) spawn(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

func (s *Session) fail(command string, err error) {
	s.logger.Error("command failed", "command", command, "error", err)
	s.emitter.Emit(message.OperationFailed{Command: command, Reason: err.Error()})
}

func (s *Session) findDevices(ctx context.Context, force bool) {
	catalog, err := s.probe.Find(ctx, force)
	if err != nil {
		s.logger.Warn("device detection failed", "error", err)
		s.emitter.Emit(message.DeviceDetectionFailed{})
		return
	}
	s.emitter.Emit(message.DevicesReceived{Catalog: catalog})
}

func (s *Session) bindWebcam(ctx context.Context, c message.BindWebcam) {
	err := s.binder.Complete(ctx, c.Constraints, c.Options)
	switch {
	case err == nil:
		s.emitter.Emit(message.WebcamBound{})
	case errors.Is(err, webcam.ErrBindCancelled):
		s.logger.Info("bind webcam ended without binding", "reason", err)
	default:
		s.logger.Warn("bind webcam failed", "error", err)
		s.emitter.Emit(message.BindingWebcamFailed{})
	}
}

func (s *Session) pointer(c message.PointerInput) {
	switch c.Kind {
	case message.PointerDown:
		s.overlay.Down(c.OffsetX, c.OffsetY, c.ParentWidth)
	case message.PointerMove:
		s.overlay.Move(c.OffsetX, c.OffsetY, c.ParentWidth)
	case message.PointerUp, message.PointerLeave:
		s.overlay.Up()
	}
}

func (s *Session) exportCapsule(ctx context.Context, c message.ExportCapsule) {
	data, err := s.archiver.Export(ctx, &c.Capsule)
	if err != nil {
		s.fail(c.Name(), err)
		return
	}
	path, err := archive.WriteExport(s.deps.ExportDir, c.Capsule.ID, data)
	if err != nil {
		s.fail(c.Name(), err)
		return
	}
	blob := media.NewBlob("application/zip", data)
	url := s.deps.URLs.Register(blob)

	s.logger.Info("export written", "path", path, "size", humanize.Bytes(uint64(len(data))))
	s.emitter.Emit(message.CapsuleExported{
		CapsuleID: c.Capsule.ID,
		Path:      path,
		URL:       url,
		Size:      int64(len(data)),
	})
}

func (s *Session) importCapsule(ctx context.Context, c message.ImportCapsule) {
	if c.Archive.IsRemote() {
		s.fail(c.Name(), fmt.Errorf("%w: archive must be uploaded first", media.ErrUnknownBlob))
		return
	}
	ref, err := s.deps.URLs.Resolve(c.Archive)
	if err != nil {
		s.fail(c.Name(), err)
		return
	}
	imported, err := s.archiver.Import(ctx, c.ProjectID, ref.Blob.Data)
	if err != nil {
		s.fail(c.Name(), err)
		return
	}
	// the uploaded archive is no longer needed
	s.deps.URLs.Revoke(ref.Blob.URL)
	s.emitter.Emit(message.CapsuleUpdated{Capsule: imported})
}

// Close releases the camera, cancels replay and background work, and closes
// the channel.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.replayer.Cancel()
	s.binder.Close()
	s.cancel()
	s.wg.Wait()

	if s.deps.Channel != nil {
		return s.deps.Channel.Close()
	}
	return nil
}
