package ffmpeg

import (
	"context"
	"errors"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/graaaaa/capsule-bridge/internal/media"
	"github.com/graaaaa/capsule-bridge/internal/media/mediatest"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// fakeRoots lays out a sysfs/procfs subset with two cameras (one with a
// metadata node) and one capture card.
func fakeRoots(t *testing.T) (video, audio string) {
	t.Helper()
	root := t.TempDir()
	video = filepath.Join(root, "video4linux")
	audio = filepath.Join(root, "asound")

	usb := filepath.Join(root, "devices", "1-2:1.0")
	if err := os.MkdirAll(usb, 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(video, "video0", "name"), "Integrated Camera\n")
	writeFile(t, filepath.Join(video, "video0", "index"), "0\n")
	if err := os.Symlink(usb, filepath.Join(video, "video0", "device")); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(video, "video1", "name"), "Integrated Camera\n")
	writeFile(t, filepath.Join(video, "video1", "index"), "1\n")
	writeFile(t, filepath.Join(video, "video10", "name"), "USB Capture\n")

	writeFile(t, filepath.Join(audio, "cards"), ""+
		" 0 [PCH            ]: HDA-Intel - HDA Intel PCH\n"+
		"                      HDA Intel PCH at 0xf7f10000 irq 32\n"+
		" 1 [HDMI           ]: HDA-Intel - HDA Intel HDMI\n"+
		"                      HDA Intel HDMI at 0xf7f14000 irq 33\n")
	writeFile(t, filepath.Join(audio, "pcm"), ""+
		"00-00: ALC3246 Analog : ALC3246 Analog : playback 1 : capture 1\n"+
		"01-03: HDMI 0 : HDMI 0 : playback 1\n")
	return video, audio
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  [][]string
	refuse string
}

func (f *fakeRunner) run(_ context.Context, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)
	if f.refuse != "" && slices.Contains(args, f.refuse) {
		return []byte("[video4linux2,v4l2 @ 0x1] ioctl(VIDIOC_S_FMT): Invalid argument\n"), errors.New("exit status 1")
	}
	return nil, nil
}

func newTestBackend(t *testing.T) (*Backend, *fakeRunner) {
	video, audio := fakeRoots(t)
	b := New("ffmpeg", WithDeviceRoots(video, audio), WithTempDir(t.TempDir()))
	runner := &fakeRunner{refuse: "1920x1080"}
	b.run = runner.run
	return b, runner
}

func TestEnumerateDevices(t *testing.T) {
	b, _ := newTestBackend(t)

	devices, err := b.EnumerateDevices(context.Background())
	if err != nil {
		t.Fatalf("EnumerateDevices: %v", err)
	}
	want := []media.DeviceInfo{
		{DeviceID: "/dev/video0", GroupID: "1-2:1.0", Kind: media.DeviceVideoInput, Label: "Integrated Camera"},
		{DeviceID: "/dev/video10", GroupID: "video10", Kind: media.DeviceVideoInput, Label: "USB Capture"},
		{DeviceID: "hw:0", GroupID: "card0", Kind: media.DeviceAudioInput, Label: "HDA Intel PCH"},
	}
	if !slices.Equal(devices, want) {
		t.Errorf("devices =\n %+v\nwant\n %+v", devices, want)
	}
}

func TestEnumerateDevices_MissingRoots(t *testing.T) {
	dir := t.TempDir()
	b := New("", WithDeviceRoots(filepath.Join(dir, "none"), filepath.Join(dir, "none")))

	devices, err := b.EnumerateDevices(context.Background())
	if err != nil || len(devices) != 0 {
		t.Errorf("devices = %v, err = %v", devices, err)
	}
	if _, err := b.GetUserMedia(context.Background(), media.Constraints{Video: media.TrackConstraints{Enabled: true}}); !errors.Is(err, media.ErrNoDevice) {
		t.Errorf("expected ErrNoDevice, got %v", err)
	}
}

func TestGetUserMedia_ExactResolution(t *testing.T) {
	b, runner := newTestBackend(t)
	ctx := context.Background()

	s, err := b.GetUserMedia(ctx, media.ExactVideo("/dev/video0", media.Resolution{Width: 640, Height: 480}))
	if err != nil {
		t.Fatalf("GetUserMedia: %v", err)
	}
	tracks := s.Tracks()
	if len(tracks) != 1 || tracks[0].Kind() != media.KindVideo || tracks[0].State() != media.TrackLive {
		t.Fatalf("tracks = %+v", tracks)
	}
	args := strings.Join(runner.calls[0], " ")
	if !strings.Contains(args, "-f v4l2 -video_size 640x480 -i /dev/video0") {
		t.Errorf("probe args = %s", args)
	}

	_, err = b.GetUserMedia(ctx, media.ExactVideo("/dev/video0", media.Resolution{Width: 1920, Height: 1080}))
	if !errors.Is(err, media.ErrOverconstrained) {
		t.Errorf("expected ErrOverconstrained, got %v", err)
	}

	_, err = b.GetUserMedia(ctx, media.ExactVideo("/dev/video7", media.Resolution{Width: 640, Height: 480}))
	if !errors.Is(err, media.ErrOverconstrained) {
		t.Errorf("unknown exact device: expected ErrOverconstrained, got %v", err)
	}
}

func TestGetUserMedia_IdealFallsBack(t *testing.T) {
	b, runner := newTestBackend(t)

	c := media.Constraints{
		Video: media.TrackConstraints{
			Enabled: true,
			Width:   media.IdealValue(1920),
			Height:  media.IdealValue(1080),
		},
		Audio: media.TrackConstraints{Enabled: true},
	}
	s, err := b.GetUserMedia(context.Background(), c)
	if err != nil {
		t.Fatalf("GetUserMedia: %v", err)
	}
	if len(s.Tracks()) != 2 {
		t.Fatalf("tracks = %d", len(s.Tracks()))
	}
	if len(runner.calls) != 3 {
		t.Fatalf("probes = %d, want 3", len(runner.calls))
	}
	if slices.Contains(runner.calls[1], "-video_size") {
		t.Errorf("fallback probe should not force a size: %v", runner.calls[1])
	}
	if !slices.Contains(runner.calls[2], "hw:0") {
		t.Errorf("audio probe = %v", runner.calls[2])
	}
}

func TestClassify(t *testing.T) {
	exit := errors.New("exit status 1")
	tests := []struct {
		stderr string
		want   error
	}{
		{"/dev/video0: Permission denied", media.ErrPermissionDenied},
		{"/dev/video9: No such file or directory", media.ErrNoDevice},
		{"ioctl(VIDIOC_S_FMT): Invalid argument", media.ErrOverconstrained},
		{"The device does not support the requested size", media.ErrOverconstrained},
	}
	for _, tt := range tests {
		if err := classify([]byte(tt.stderr), exit); !errors.Is(err, tt.want) {
			t.Errorf("classify(%q) = %v, want %v", tt.stderr, err, tt.want)
		}
	}
	if err := classify([]byte("anything"), nil); err != nil {
		t.Errorf("nil error should stay nil, got %v", err)
	}
	if err := classify([]byte("segfault"), exit); !errors.Is(err, exit) {
		t.Errorf("unknown failure should wrap the exit error, got %v", err)
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		mime      string
		muxer     string
		videoCode string
	}{
		{"", "webm", "libvpx"},
		{"video/webm;codecs=vp8", "webm", "libvpx"},
		{"video/webm;codecs=vp9,opus", "webm", "libvpx-vp9"},
		{"video/mp4", "mp4", "libx264"},
	}
	for _, tt := range tests {
		f := parseFormat(tt.mime)
		if f.muxer != tt.muxer || f.videoCodec != tt.videoCode {
			t.Errorf("parseFormat(%q) = %+v", tt.mime, f)
		}
	}
}

type testCanvas struct {
	*mediatest.Track
}

func (testCanvas) Bounds() image.Rectangle { return image.Rect(0, 0, 64, 36) }
func (testCanvas) FrameRate() int          { return 30 }
func (c testCanvas) Snapshot() *image.RGBA { return image.NewRGBA(c.Bounds()) }

func TestBuildArgs(t *testing.T) {
	canvas := testCanvas{mediatest.NewTrack(media.KindVideo)}
	args := buildArgs([][]string{canvasInput{canvas: canvas}.args()}, parseFormat(media.PointerRecorderOptions.MimeType), media.PointerRecorderOptions, "/tmp/out.webm")
	got := strings.Join(args, " ")
	want := "-hide_banner -loglevel error -y " +
		"-f rawvideo -pixel_format rgba -video_size 64x36 -framerate 30 -i pipe:0 " +
		"-c:v libvpx -deadline realtime -cpu-used 8 -b:v 2500000 -c:a libopus -f webm /tmp/out.webm"
	if got != want {
		t.Errorf("args =\n %s\nwant\n %s", got, want)
	}
}

func TestNewRecorder_Tracks(t *testing.T) {
	b, _ := newTestBackend(t)

	if _, err := b.NewRecorder(mediatest.NewStream(mediatest.NewTrack(media.KindVideo)), media.RecorderOptions{}); !errors.Is(err, ErrUnsupportedTrack) {
		t.Errorf("foreign track: expected ErrUnsupportedTrack, got %v", err)
	}
	if _, err := b.NewRecorder(mediatest.NewStream(), media.RecorderOptions{}); !errors.Is(err, ErrUnsupportedTrack) {
		t.Errorf("empty stream: expected ErrUnsupportedTrack, got %v", err)
	}

	s, err := b.GetUserMedia(context.Background(), media.Constraints{
		Video: media.TrackConstraints{Enabled: true},
		Audio: media.TrackConstraints{Enabled: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	rec, err := b.NewRecorder(s, media.RecorderOptions{MimeType: "video/webm"})
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	r := rec.(*Recorder)
	if len(r.inputs) != 2 || r.State() != media.RecorderInactive {
		t.Errorf("inputs = %v, state = %s", r.inputs, r.State())
	}
	if err := r.Stop(); !errors.Is(err, media.ErrRecorderState) {
		t.Errorf("Stop while inactive = %v", err)
	}

	media.StopAll(s)
	if err := r.Start(); err == nil {
		t.Error("Start on an ended track should fail")
	}
}

// TestRecorder_Canvas runs a real ffmpeg when CAPSULE_BRIDGE_FFMPEG_TESTS is set.
func TestRecorder_Canvas(t *testing.T) {
	if os.Getenv("CAPSULE_BRIDGE_FFMPEG_TESTS") == "" {
		t.Skip("set CAPSULE_BRIDGE_FFMPEG_TESTS=1 to run against ffmpeg")
	}
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}

	b := New(path, WithTempDir(t.TempDir()))
	canvas := testCanvas{mediatest.NewTrack(media.KindVideo)}
	rec, err := b.NewRecorder(mediatest.NewStream(canvas), media.PointerRecorderOptions)
	if err != nil {
		t.Fatal(err)
	}
	blobs := make(chan *media.Blob, 1)
	errs := make(chan error, 1)
	rec.OnData(func(b *media.Blob) { blobs <- b })
	rec.OnError(func(err error) { errs <- err })

	if err := rec.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if err := rec.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case blob := <-blobs:
		if blob.Size() == 0 || blob.MimeType != media.PointerRecorderOptions.MimeType {
			t.Errorf("blob = %d bytes, %s", blob.Size(), blob.MimeType)
		}
	case err := <-errs:
		t.Fatalf("recording failed: %v", err)
	case <-time.After(15 * time.Second):
		t.Fatal("no blob")
	}
}
