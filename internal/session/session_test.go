package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/graaaaa/capsule-bridge/internal/capsule"
	"github.com/graaaaa/capsule-bridge/internal/capsuleapi"
	"github.com/graaaaa/capsule-bridge/internal/capsuleapi/capsuleapitest"
	"github.com/graaaaa/capsule-bridge/internal/clock"
	"github.com/graaaaa/capsule-bridge/internal/media"
	"github.com/graaaaa/capsule-bridge/internal/media/mediatest"
	"github.com/graaaaa/capsule-bridge/internal/message"
	"github.com/graaaaa/capsule-bridge/internal/prefs"
	"github.com/graaaaa/capsule-bridge/internal/webcam"
)

const blobPrefix = "/api/v1/blobs/"

type harness struct {
	session   *Session
	events    *message.Collector
	fake      *clock.Fake
	prefs     *prefs.Store
	devices   *mediatest.Devices
	recorders *mediatest.RecorderFactory
	server    *capsuleapitest.Server
	exportDir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := prefs.Open(filepath.Join(t.TempDir(), "prefs.db"))
	if err != nil {
		t.Fatalf("open prefs: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv := capsuleapitest.NewServer()
	t.Cleanup(srv.Close)
	srv.AddCapsule(&capsule.Capsule{
		ID:        "c1",
		Project:   "p1",
		Name:      "Intro",
		Structure: []capsule.Gos{{Slides: []capsule.Slide{{UUID: "s0"}}}},
	}, map[string][]byte{"s0.png": []byte("slide-0")}, nil)

	h := &harness{
		events:    message.NewCollector(),
		fake:      clock.NewFake(time.Unix(1_700_000_000, 0)),
		prefs:     store,
		devices:   mediatest.NewDevices(media.Resolution{Width: 640, Height: 480}),
		recorders: &mediatest.RecorderFactory{},
		server:    srv,
		exportDir: t.TempDir(),
	}
	h.session = New(Deps{
		Prefs:     store,
		Devices:   h.devices,
		Recorders: h.recorders,
		Server:    capsuleapi.NewClient(srv.URL, "cookie"),
		URLs:      media.NewObjectURLs(blobPrefix),
		ExportDir: h.exportDir,
	}, h.events,
		WithAfterFunc(h.fake.AfterFunc),
		WithClock(h.fake),
		WithProbeTimeout(time.Second),
	)
	t.Cleanup(func() { h.session.Close() })
	return h
}

func (h *harness) dispatch(t *testing.T, cmd message.Command) {
	t.Helper()
	if err := h.session.Dispatch(context.Background(), cmd); err != nil {
		t.Fatalf("Dispatch(%s): %v", cmd.Name(), err)
	}
}

// waitCount waits until n events named name have been emitted and returns the last one.
func (h *harness) waitCount(t *testing.T, name string, n int) message.Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		var matched []message.Event
		for _, e := range h.events.Events() {
			if e.Name() == name {
				matched = append(matched, e)
			}
		}
		if len(matched) >= n {
			return matched[n-1]
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d %s events, got %v", n, name, h.events.Names())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) bind(t *testing.T) {
	t.Helper()
	h.dispatch(t, message.BindWebcam{
		Constraints: media.ExactVideo("cam0", media.Resolution{Width: 640, Height: 480}),
		Options:     media.RecorderOptions{MimeType: "video/webm"},
	})
	h.waitCount(t, "webcamBound", 1)
	h.fake.Advance(webcam.DefaultPointerDelay)
	if n := len(h.recorders.Recorders()); n != 2 {
		t.Fatalf("recorders = %d, want webcam and pointer", n)
	}
}

func (h *harness) record(t *testing.T) message.Record {
	t.Helper()
	h.dispatch(t, message.StartRecording{})
	h.dispatch(t, message.PointerInput{Kind: message.PointerDown, OffsetX: 480, OffsetY: 270, ParentWidth: 960})
	h.fake.Advance(500 * time.Millisecond)
	h.dispatch(t, message.AskNextSlide{})
	h.dispatch(t, message.PointerInput{Kind: message.PointerLeave})
	h.fake.Advance(250 * time.Millisecond)
	h.dispatch(t, message.StopRecording{})

	e := h.waitCount(t, "recordArrived", 1)
	return e.(message.RecordArrived).Record
}

func TestSession_Preferences(t *testing.T) {
	h := newHarness(t)

	h.dispatch(t, message.SetPreference{Command: "setLanguage", Key: prefs.KeyLanguage, Value: "fr-FR"})
	got, err := h.prefs.Get(context.Background(), prefs.KeyLanguage)
	if err != nil || got != "fr-FR" {
		t.Errorf("language = %q, %v", got, err)
	}

	h.dispatch(t, message.SetOnBeforeUnloadValue{Value: true})
	h.dispatch(t, message.SetOnBeforeUnloadValue{Value: true})
	if !h.session.Guard().Value() {
		t.Error("guard should be set")
	}
	if n := h.events.Count("beforeUnloadChanged"); n != 1 {
		t.Errorf("beforeUnloadChanged emitted %d times", n)
	}
}

func TestSession_FindDevices(t *testing.T) {
	h := newHarness(t)

	h.dispatch(t, message.FindDevices{})
	e := h.waitCount(t, "devicesReceived", 1)
	catalog := e.(message.DevicesReceived).Catalog
	if len(catalog.Video) != 1 || len(catalog.Video[0].Resolutions) != 1 || catalog.Video[0].Resolutions[0].Width != 640 {
		t.Errorf("catalog = %+v", catalog)
	}
	if len(catalog.Audio) != 1 {
		t.Errorf("audio = %+v", catalog.Audio)
	}

	h.devices.DenyAll = true
	// served from the cache, so the denial is not seen
	h.dispatch(t, message.FindDevices{})
	h.waitCount(t, "devicesReceived", 2)

	h.dispatch(t, message.FindDevices{Force: true})
	h.waitCount(t, "deviceDetectionFailed", 1)
}

func TestSession_BindFailure(t *testing.T) {
	h := newHarness(t)

	h.dispatch(t, message.BindWebcam{
		Constraints: media.ExactVideo("cam0", media.Resolution{Width: 3840, Height: 2160}),
	})
	h.waitCount(t, "bindingWebcamFailed", 1)
	if h.events.Count("webcamBound") != 0 {
		t.Error("webcamBound after a failed bind")
	}
}

func TestSession_UnbindDuringBind(t *testing.T) {
	h := newHarness(t)

	h.dispatch(t, message.BindWebcam{Constraints: media.ExactVideo("cam0", media.Resolution{Width: 640, Height: 480})})
	h.dispatch(t, message.UnbindWebcam{})

	deadline := time.Now().Add(5 * time.Second)
	for h.session.WebcamState() != webcam.Idle {
		if time.Now().After(deadline) {
			t.Fatal("bind never completed")
		}
		time.Sleep(time.Millisecond)
	}
	if h.events.Count("webcamBound") != 0 || h.events.Count("bindingWebcamFailed") != 0 {
		t.Errorf("events = %v", h.events.Names())
	}
	if n := h.devices.LiveStreams(); n != 0 {
		t.Errorf("live streams = %d, want 0", n)
	}
}

func TestSession_BindWhileBindingIgnored(t *testing.T) {
	h := newHarness(t)
	h.devices.Block()

	bind := message.BindWebcam{Constraints: media.ExactVideo("cam0", media.Resolution{Width: 640, Height: 480})}
	h.dispatch(t, bind)
	if got := h.session.WebcamState(); got != webcam.Binding {
		t.Fatalf("state after dispatch = %v, want binding", got)
	}
	h.dispatch(t, bind)
	h.devices.Release()

	h.waitCount(t, "webcamBound", 1)
	if n := len(h.devices.Calls()); n != 1 {
		t.Errorf("GetUserMedia calls = %d, want 1", n)
	}
}

func TestSession_RecordUploadReplay(t *testing.T) {
	h := newHarness(t)
	h.bind(t)

	rec := h.record(t)
	if rec.PointerBlob == nil {
		t.Fatal("pointer was pressed, record should carry a pointer blob")
	}
	if err := capsule.ValidateEventLog(rec.Events); err != nil {
		t.Errorf("event log: %v", err)
	}
	if rec.Events[1].Ty != capsule.EventNextSlide || rec.Events[1].Time != 500 {
		t.Errorf("events = %+v", rec.Events)
	}
	if !strings.HasPrefix(rec.WebcamBlob.Blob.URL, blobPrefix) {
		t.Errorf("webcam blob not served: %q", rec.WebcamBlob.Blob.URL)
	}

	h.dispatch(t, message.UploadRecord{CapsuleID: "c1", Gos: 0, Record: rec})
	e := h.waitCount(t, "capsuleUpdated", 1)
	updated := e.(message.CapsuleUpdated).Capsule
	if updated == nil || updated.Structure[0].Record == nil || updated.Structure[0].Record.PointerUUID == nil {
		t.Fatalf("capsule = %+v", updated)
	}
	stored, _ := h.server.Capsule("c1")
	if len(stored.Structure[0].Events) != len(rec.Events) {
		t.Errorf("stored events = %+v", stored.Structure[0].Events)
	}

	h.dispatch(t, message.PlayRecord{Record: rec})
	h.fake.Advance(500 * time.Millisecond)
	h.waitCount(t, "nextSlideReceived", 1)

	if err := h.session.Dispatch(context.Background(), message.ElementEnded{ID: VideoElementID}); err != nil {
		t.Fatalf("ElementEnded: %v", err)
	}
	h.waitCount(t, "playRecordFinished", 1)
}

func TestSession_VideoElementMirrored(t *testing.T) {
	h := newHarness(t)
	h.bind(t)

	var last message.ElementState
	for _, e := range h.events.Events() {
		if ec, ok := e.(message.ElementChanged); ok && ec.State.ID == VideoElementID {
			last = ec.State
		}
	}
	if last.Stream == "" || !last.Playing || !last.Muted {
		t.Errorf("live preview state = %+v", last)
	}

	h.dispatch(t, message.SetExtra{URL: "/data/c1/assets/e.mp4"})
	h.dispatch(t, message.StartRecording{})
	found := false
	for _, e := range h.events.Events() {
		if ec, ok := e.(message.ElementChanged); ok && ec.State.ID == ExtraElementID && ec.State.Playing {
			found = true
		}
	}
	if !found {
		t.Error("extra element should play when the recording starts")
	}

	if err := h.session.Dispatch(context.Background(), message.ElementEnded{ID: "nope"}); err == nil {
		t.Error("unknown element should be rejected")
	}
}

func TestSession_ExportImport(t *testing.T) {
	h := newHarness(t)
	source, _ := h.server.Capsule("c1")

	h.dispatch(t, message.ExportCapsule{Capsule: *source})
	e := h.waitCount(t, "capsuleExported", 1)
	exported := e.(message.CapsuleExported)
	if exported.Path != filepath.Join(h.exportDir, "c1.zip") {
		t.Errorf("path = %q", exported.Path)
	}
	if info, err := os.Stat(exported.Path); err != nil || info.Size() != exported.Size {
		t.Errorf("export file: %v", err)
	}

	id := strings.TrimPrefix(exported.URL, blobPrefix)
	if _, ok := h.session.URLs().Lookup(id); !ok {
		t.Fatalf("export not served at %q", exported.URL)
	}

	h.dispatch(t, message.ImportCapsule{ProjectID: "p2", Archive: media.LocalRef(&media.Blob{ID: id})})
	e = h.waitCount(t, "capsuleUpdated", 1)
	imported := e.(message.CapsuleUpdated).Capsule
	if imported == nil || imported.ID == "c1" {
		t.Fatalf("imported = %+v", imported)
	}
	stored, _ := h.server.Capsule(imported.ID)
	if stored.Name != "Intro (copie)" || stored.Project != "p2" || stored.SlideCount() != 1 {
		t.Errorf("imported capsule = %+v", stored)
	}
}

func TestSession_OperationFailed(t *testing.T) {
	h := newHarness(t)

	h.dispatch(t, message.ImportCapsule{ProjectID: "p", Archive: media.RemoteRef("https://elsewhere/a.zip")})
	e := h.waitCount(t, "operationFailed", 1)
	if f := e.(message.OperationFailed); f.Command != "importCapsule" {
		t.Errorf("failure = %+v", f)
	}

	blob := media.NewBlob("application/zip", []byte("garbage"))
	h.session.URLs().Register(blob)
	h.dispatch(t, message.ImportCapsule{ProjectID: "p", Archive: media.LocalRef(blob)})
	h.waitCount(t, "operationFailed", 2)
}

func TestSession_UIRequests(t *testing.T) {
	h := newHarness(t)

	h.dispatch(t, message.CopyString{Text: "https://example.org/c1"})
	h.dispatch(t, message.ScrollIntoView{Anchor: "gos-2"})
	h.dispatch(t, message.Select{ProjectID: "p1", MimeTypes: []string{"application/zip"}})

	blob := media.NewBlob("application/zip", []byte("zip"))
	h.session.URLs().Register(blob)
	h.dispatch(t, message.FileSelected{ProjectID: "p1", File: media.LocalRef(&media.Blob{ID: blob.ID})})

	want := []string{"clipboardRequested", "scrollRequested", "selectRequested", "selected"}
	if got := strings.Join(h.events.Names(), ","); got != strings.Join(want, ",") {
		t.Errorf("events = %s", got)
	}
	sel := h.events.Events()[3].(message.Selected)
	if sel.File.Blob == nil || string(sel.File.Blob.Data) != "zip" {
		t.Errorf("selected file not resolved: %+v", sel.File)
	}

	err := h.session.Dispatch(context.Background(), message.FileSelected{File: media.LocalRef(&media.Blob{ID: "missing"})})
	if !errors.Is(err, media.ErrUnknownBlob) {
		t.Errorf("expected ErrUnknownBlob, got %v", err)
	}
}

func TestSession_Close(t *testing.T) {
	h := newHarness(t)
	h.bind(t)

	if err := h.session.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if h.session.WebcamState() != webcam.Idle {
		t.Errorf("webcam state after close = %v", h.session.WebcamState())
	}
	if err := h.session.Dispatch(context.Background(), message.StartRecording{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Dispatch after Close = %v", err)
	}
}
