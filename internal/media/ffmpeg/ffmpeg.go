// Package ffmpeg is the native media backend. Devices are discovered from
// sysfs and procfs and captured by ffmpeg subprocesses.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/graaaaa/capsule-bridge/internal/media"
)

const (
	defaultVideoRoot = "/sys/class/video4linux"
	defaultAudioRoot = "/proc/asound"
	probeTimeout     = 5 * time.Second
)

// Backend implements media.Devices and media.RecorderFactory on top of ffmpeg.
type Backend struct {
	path      string
	videoRoot string
	audioRoot string
	tempDir   string
	logger    *slog.Logger

	// run executes ffmpeg with args and returns its stderr.
	run func(ctx context.Context, args ...string) ([]byte, error)
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) { b.logger = logger }
}

// WithDeviceRoots overrides the sysfs video and procfs audio directories.
func WithDeviceRoots(video, audio string) Option {
	return func(b *Backend) {
		b.videoRoot = video
		b.audioRoot = audio
	}
}

// WithTempDir sets where recordings are written before being read back.
func WithTempDir(dir string) Option {
	return func(b *Backend) { b.tempDir = dir }
}

// New creates a Backend running the ffmpeg binary at path.
func New(path string, opts ...Option) *Backend {
	if path == "" {
		path = "ffmpeg"
	}
	b := &Backend{
		path:      path,
		videoRoot: defaultVideoRoot,
		audioRoot: defaultAudioRoot,
		tempDir:   os.TempDir(),
		logger:    slog.Default(),
	}
	b.run = b.exec
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Check verifies that ffmpeg can be executed and returns its version line.
func (b *Backend) Check(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, b.path, "-version").Output()
	if err != nil {
		return "", fmt.Errorf("ffmpeg not found: %w", err)
	}
	first, _, _ := strings.Cut(string(out), "\n")
	if !strings.Contains(first, "ffmpeg version") {
		return "", errors.New("ffmpeg not properly installed")
	}
	return strings.TrimSpace(first), nil
}

func (b *Backend) exec(ctx context.Context, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, b.path, append([]string{"-hide_banner", "-nostdin"}, args...)...)
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.Bytes(), err
}

// classify maps ffmpeg's diagnostics for a failed open to a media error.
func classify(stderr []byte, err error) error {
	if err == nil {
		return nil
	}
	msg := string(stderr)
	switch {
	case strings.Contains(msg, "Permission denied"):
		return fmt.Errorf("%w: %s", media.ErrPermissionDenied, lastLine(msg))
	case strings.Contains(msg, "No such file or directory"),
		strings.Contains(msg, "No such device"):
		return fmt.Errorf("%w: %s", media.ErrNoDevice, lastLine(msg))
	case strings.Contains(msg, "Device or resource busy"):
		return fmt.Errorf("device busy: %s", lastLine(msg))
	case strings.Contains(msg, "Invalid argument"),
		strings.Contains(msg, "does not support"),
		strings.Contains(msg, "not supported"):
		return fmt.Errorf("%w: %s", media.ErrOverconstrained, lastLine(msg))
	}
	return fmt.Errorf("ffmpeg: %w", err)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
