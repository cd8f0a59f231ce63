package devices

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/graaaaa/capsule-bridge/internal/media"
	"github.com/graaaaa/capsule-bridge/internal/media/mediatest"
	"github.com/graaaaa/capsule-bridge/internal/prefs"
)

func openStore(t *testing.T) *prefs.Store {
	t.Helper()
	s, err := prefs.Open(filepath.Join(t.TempDir(), "prefs.sqlite"))
	if err != nil {
		t.Fatalf("open prefs: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFind_ProbesResolutions(t *testing.T) {
	ctx := context.Background()
	devs := mediatest.NewDevices(media.Resolution{Width: 1280, Height: 720}, media.Resolution{Width: 640, Height: 480})
	store := openStore(t)

	cat, err := New(devs, store).Find(ctx, false)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}

	if len(cat.Video) != 1 || len(cat.Audio) != 1 {
		t.Fatalf("catalog = %+v", cat)
	}
	want := []media.Resolution{{Width: 1280, Height: 720}, {Width: 640, Height: 480}}
	got := cat.Video[0].Resolutions
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("resolutions = %v, want %v", got, want)
	}
	if cat.Video[0].Label != "Fake Camera" || cat.Audio[0].Kind != media.DeviceAudioInput {
		t.Errorf("unexpected device info: %+v", cat)
	}

	// permission + one attempt per candidate
	if n := len(devs.Calls()); n != 1+len(QuickScan) {
		t.Errorf("GetUserMedia calls = %d, want %d", n, 1+len(QuickScan))
	}
	if devs.LiveStreams() != 0 {
		t.Errorf("%d streams left live", devs.LiveStreams())
	}

	if _, err := store.Get(ctx, prefs.KeyDevices); err != nil {
		t.Errorf("catalog not cached: %v", err)
	}
}

func TestFind_UsesCacheUnlessForced(t *testing.T) {
	ctx := context.Background()
	devs := mediatest.NewDevices(media.Resolution{Width: 640, Height: 480})
	store := openStore(t)
	probe := New(devs, store)

	if _, err := probe.Find(ctx, false); err != nil {
		t.Fatal(err)
	}
	calls := len(devs.Calls())

	cat, err := probe.Find(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(devs.Calls()) != calls || devs.Enumerations() != 1 {
		t.Error("cached lookup should not touch devices")
	}
	if len(cat.Video) != 1 {
		t.Errorf("cached catalog = %+v", cat)
	}

	if _, err := probe.Find(ctx, true); err != nil {
		t.Fatal(err)
	}
	if devs.Enumerations() != 2 {
		t.Errorf("forced lookup should enumerate again, got %d", devs.Enumerations())
	}
}

func TestFind_AudioOnlyFallback(t *testing.T) {
	devs := mediatest.NewDevices(media.Resolution{Width: 640, Height: 480})
	devs.DenyVideo = true

	cat, err := New(devs, openStore(t)).Find(context.Background(), false)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	calls := devs.Calls()
	if calls[1].Video.Enabled || !calls[1].Audio.Enabled {
		t.Errorf("second attempt should be audio only: %+v", calls[1])
	}
	if len(cat.Video) != 1 || len(cat.Video[0].Resolutions) != 0 {
		t.Errorf("denied camera should have no resolutions: %+v", cat.Video)
	}
}

func TestFind_DetectionFailed(t *testing.T) {
	ctx := context.Background()
	devs := mediatest.NewDevices()
	devs.DenyAll = true
	store := openStore(t)

	_, err := New(devs, store).Find(ctx, true)
	if !errors.Is(err, ErrDetectionFailed) {
		t.Fatalf("expected ErrDetectionFailed, got %v", err)
	}
	if devs.Enumerations() != 0 {
		t.Error("should not enumerate without permission")
	}
	if _, err := store.Get(ctx, prefs.KeyDevices); !errors.Is(err, prefs.ErrNotFound) {
		t.Errorf("nothing should be cached, got %v", err)
	}
}

func TestFind_CorruptCacheIsReprobed(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	if err := store.Set(ctx, prefs.KeyDevices, "{not json"); err != nil {
		t.Fatal(err)
	}
	devs := mediatest.NewDevices(media.Resolution{Width: 640, Height: 480})

	if _, err := New(devs, store).Find(ctx, false); err != nil {
		t.Fatal(err)
	}
	if devs.Enumerations() != 1 {
		t.Error("corrupt cache should trigger detection")
	}
}

func TestFind_BeforeProbeHook(t *testing.T) {
	devs := mediatest.NewDevices(media.Resolution{Width: 640, Height: 480})
	called := 0
	probe := New(devs, openStore(t), WithBeforeProbe(func(context.Context) {
		called++
		if devs.Enumerations() != 0 {
			t.Error("hook should run before enumeration")
		}
	}))

	if _, err := probe.Find(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if called != 1 {
		t.Errorf("hook called %d times", called)
	}
}
