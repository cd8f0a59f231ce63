package ffmpeg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/graaaaa/capsule-bridge/internal/media"
)

// stopTimeout bounds how long ffmpeg may take to finalize a file after Stop.
const stopTimeout = 10 * time.Second

// ErrUnsupportedTrack is returned for tracks this backend cannot capture.
var ErrUnsupportedTrack = errors.New("unsupported track")

// format is the container and codecs derived from a MIME type.
type format struct {
	mimeType   string
	muxer      string
	ext        string
	videoCodec string
	audioCodec string
}

func parseFormat(mimeType string) format {
	if mimeType == "" {
		mimeType = "video/webm"
	}
	lower := strings.ToLower(mimeType)
	if strings.HasPrefix(lower, "video/mp4") {
		return format{mimeType: mimeType, muxer: "mp4", ext: "mp4", videoCodec: "libx264", audioCodec: "aac"}
	}
	f := format{mimeType: mimeType, muxer: "webm", ext: "webm", videoCodec: "libvpx", audioCodec: "libopus"}
	if strings.Contains(lower, "vp9") {
		f.videoCodec = "libvpx-vp9"
	}
	return f
}

// canvasInput describes raw frames written to ffmpeg's stdin.
type canvasInput struct {
	canvas media.Canvas
}

func (c canvasInput) args() []string {
	b := c.canvas.Bounds()
	return []string{
		"-f", "rawvideo",
		"-pixel_format", "rgba",
		"-video_size", strconv.Itoa(b.Dx()) + "x" + strconv.Itoa(b.Dy()),
		"-framerate", strconv.Itoa(c.canvas.FrameRate()),
		"-i", "pipe:0",
	}
}

// buildArgs returns the ffmpeg command line recording inputs to out.
func buildArgs(inputs [][]string, f format, opts media.RecorderOptions, out string) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y"}
	for _, in := range inputs {
		args = append(args, in...)
	}
	args = append(args, "-c:v", f.videoCodec)
	if strings.HasPrefix(f.videoCodec, "libvpx") {
		args = append(args, "-deadline", "realtime", "-cpu-used", "8")
	}
	if opts.VideoBitsPerSecond > 0 {
		args = append(args, "-b:v", strconv.Itoa(opts.VideoBitsPerSecond))
	}
	args = append(args, "-c:a", f.audioCodec)
	if opts.AudioBitsPerSecond > 0 {
		args = append(args, "-b:a", strconv.Itoa(opts.AudioBitsPerSecond))
	}
	return append(args, "-f", f.muxer, out)
}

// NewRecorder implements media.RecorderFactory. Device tracks are captured
// through v4l2 and alsa; a canvas track is piped as raw RGBA frames.
func (b *Backend) NewRecorder(s media.Stream, opts media.RecorderOptions) (media.Recorder, error) {
	r := &Recorder{
		backend: b,
		opts:    opts,
		format:  parseFormat(opts.MimeType),
		state:   media.RecorderInactive,
	}
	for _, t := range s.Tracks() {
		switch t := t.(type) {
		case *track:
			if t.kind == media.KindVideo {
				r.inputs = append(r.inputs, videoInput(t))
			} else {
				r.inputs = append(r.inputs, audioInput(t))
			}
			r.tracks = append(r.tracks, t)
		case media.Canvas:
			if r.canvas != nil {
				return nil, fmt.Errorf("%w: more than one canvas", ErrUnsupportedTrack)
			}
			r.canvas = t
			r.inputs = append(r.inputs, canvasInput{canvas: t}.args())
		default:
			return nil, fmt.Errorf("%w: %T", ErrUnsupportedTrack, t)
		}
	}
	if len(r.inputs) == 0 {
		return nil, fmt.Errorf("%w: stream has no tracks", ErrUnsupportedTrack)
	}
	return r, nil
}

// Recorder records a stream with one ffmpeg process per Start/Stop cycle.
type Recorder struct {
	backend *Backend
	opts    media.RecorderOptions
	format  format
	inputs  [][]string
	tracks  []*track
	canvas  media.Canvas

	mu      sync.Mutex
	state   media.RecorderState
	current *cycle
	onData  func(*media.Blob)
	onError func(error)
}

type cycle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	out    string
	stderr bytes.Buffer
	stop   chan struct{}
	exited chan struct{}
	start  time.Time
	// stopped is set once Stop was called for this cycle.
	stopped bool
}

// OnData implements media.Recorder.
func (r *Recorder) OnData(f func(*media.Blob)) {
	r.mu.Lock()
	r.onData = f
	r.mu.Unlock()
}

// OnError implements media.Recorder.
func (r *Recorder) OnError(f func(error)) {
	r.mu.Lock()
	r.onError = f
	r.mu.Unlock()
}

// State implements media.Recorder.
func (r *Recorder) State() media.RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start launches ffmpeg.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != media.RecorderInactive {
		return media.ErrRecorderState
	}
	for _, t := range r.tracks {
		if t.State() != media.TrackLive {
			return fmt.Errorf("track %s has ended", t.device)
		}
	}

	tmp, err := os.CreateTemp(r.backend.tempDir, "capsule-rec-*."+r.format.ext)
	if err != nil {
		return fmt.Errorf("create recording file: %w", err)
	}
	out := tmp.Name()
	tmp.Close()

	c := &cycle{out: out, stop: make(chan struct{}), exited: make(chan struct{}), start: time.Now()}
	c.cmd = exec.Command(r.backend.path, buildArgs(r.inputs, r.format, r.opts, out)...)
	c.cmd.Stderr = &c.stderr
	if c.stdin, err = c.cmd.StdinPipe(); err != nil {
		os.Remove(out)
		return fmt.Errorf("recorder stdin: %w", err)
	}
	if err := c.cmd.Start(); err != nil {
		os.Remove(out)
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	r.state = media.RecorderRecording
	r.current = c
	r.backend.logger.Info("recording started", "pid", c.cmd.Process.Pid, "mime_type", r.format.mimeType)

	if r.canvas != nil {
		go feedFrames(c.stdin, r.canvas, c.stop)
	}
	go r.finish(c)
	return nil
}

// Stop asks ffmpeg to finalize the file. The blob is delivered to the data
// handler once ffmpeg has exited.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if r.state != media.RecorderRecording {
		r.mu.Unlock()
		return media.ErrRecorderState
	}
	c := r.current
	c.stopped = true
	r.state = media.RecorderInactive
	r.current = nil
	r.mu.Unlock()

	if r.canvas != nil {
		// end of input finalizes the file; the feeder owns stdin
		close(c.stop)
	} else {
		_, _ = io.WriteString(c.stdin, "q")
		c.stdin.Close()
	}

	go func() {
		select {
		case <-c.exited:
		case <-time.After(stopTimeout):
			r.backend.logger.Warn("ffmpeg did not finalize in time, killing", "pid", c.cmd.Process.Pid)
			_ = c.cmd.Process.Kill()
		}
	}()
	return nil
}

func (r *Recorder) finish(c *cycle) {
	waitErr := c.cmd.Wait()
	close(c.exited)
	defer os.Remove(c.out)

	r.mu.Lock()
	stopped := c.stopped
	if !stopped {
		// ffmpeg died while recording
		c.stopped = true
		r.state = media.RecorderInactive
		r.current = nil
		close(c.stop)
	}
	onData, onError := r.onData, r.onError
	r.mu.Unlock()

	data, readErr := os.ReadFile(c.out)
	logger := r.backend.logger
	switch {
	case !stopped:
		err := fmt.Errorf("ffmpeg exited during recording: %w", classify(c.stderr.Bytes(), orExit(waitErr)))
		logger.Error("recording failed", "error", err)
		if onError != nil {
			onError(err)
		}
	case readErr != nil || len(data) == 0:
		err := fmt.Errorf("recording produced no data: %w", classify(c.stderr.Bytes(), orExit(waitErr)))
		logger.Error("recording failed", "error", err)
		if onError != nil {
			onError(err)
		}
	default:
		if waitErr != nil {
			logger.Warn("ffmpeg exited with error after stop", "error", waitErr)
		}
		logger.Info("recording finished",
			"duration", time.Since(c.start).Round(time.Millisecond),
			"size", humanize.Bytes(uint64(len(data))),
		)
		if onData != nil {
			onData(media.NewBlob(r.format.mimeType, data))
		}
	}
}

func orExit(err error) error {
	if err == nil {
		return errors.New("exit status 0")
	}
	return err
}

// feedFrames writes canvas snapshots to w at the canvas frame rate until stop
// is closed, then closes w.
func feedFrames(w io.WriteCloser, canvas media.Canvas, stop <-chan struct{}) {
	defer w.Close()
	fps := canvas.FrameRate()
	if fps <= 0 {
		fps = 30
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()
	for {
		if _, err := w.Write(canvas.Snapshot().Pix); err != nil {
			return
		}
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}
