// Package devices discovers capture devices and the resolutions each camera
// accepts. Cameras expose no resolution list, so each candidate mode is tried
// in turn and kept when the device opens with it.
package devices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/graaaaa/capsule-bridge/internal/media"
	"github.com/graaaaa/capsule-bridge/internal/prefs"
)

// QuickScan lists the candidate resolutions, largest first.
var QuickScan = []media.Resolution{
	{Width: 3840, Height: 2160},
	{Width: 1920, Height: 1080},
	{Width: 1600, Height: 1200},
	{Width: 1280, Height: 720},
	{Width: 800, Height: 600},
	{Width: 640, Height: 480},
	{Width: 640, Height: 360},
	{Width: 352, Height: 288},
	{Width: 320, Height: 240},
	{Width: 176, Height: 144},
	{Width: 160, Height: 120},
}

// ErrDetectionFailed is returned when no permission stream could be opened.
var ErrDetectionFailed = errors.New("device detection failed")

// Cache stores the catalog between runs.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Probe finds capture devices.
type Probe struct {
	devices     media.Devices
	cache       Cache
	logger      *slog.Logger
	timeout     time.Duration
	parallel    int
	resolutions []media.Resolution
	beforeProbe func(ctx context.Context)
}

// Option configures a Probe.
type Option func(*Probe)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Probe) { p.logger = logger }
}

// WithTimeout bounds each open attempt.
func WithTimeout(d time.Duration) Option {
	return func(p *Probe) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithParallelism sets how many cameras are probed at once. Resolutions of a
// single camera are always tried one after the other.
func WithParallelism(n int) Option {
	return func(p *Probe) {
		if n > 0 {
			p.parallel = n
		}
	}
}

// WithResolutions replaces the candidate list.
func WithResolutions(res []media.Resolution) Option {
	return func(p *Probe) { p.resolutions = res }
}

// WithBeforeProbe registers a hook run after permission is granted and before
// cameras are opened, typically to release a bound camera.
func WithBeforeProbe(fn func(ctx context.Context)) Option {
	return func(p *Probe) { p.beforeProbe = fn }
}

// New creates a Probe over devs, caching results in cache.
func New(devs media.Devices, cache Cache, opts ...Option) *Probe {
	p := &Probe{
		devices:     devs,
		cache:       cache,
		logger:      slog.Default(),
		timeout:     5 * time.Second,
		parallel:    2,
		resolutions: QuickScan,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Find returns the device catalog. The cached catalog is used unless force is
// set, in which case the cache is cleared and devices are probed again.
func (p *Probe) Find(ctx context.Context, force bool) (media.Catalog, error) {
	if force {
		if err := p.cache.Delete(ctx, prefs.KeyDevices); err != nil {
			p.logger.Warn("failed to clear device cache", "error", err)
		}
	} else if cat, ok := p.cached(ctx); ok {
		p.logger.Info("devices loaded from cache", "video", len(cat.Video), "audio", len(cat.Audio))
		return cat, nil
	}

	p.logger.Info("detecting devices")
	if err := p.requestPermission(ctx); err != nil {
		return media.Catalog{}, err
	}
	if p.beforeProbe != nil {
		p.beforeProbe(ctx)
	}

	infos, err := p.devices.EnumerateDevices(ctx)
	if err != nil {
		return media.Catalog{}, fmt.Errorf("enumerate devices: %w", err)
	}

	cat, err := p.probeAll(ctx, infos)
	if err != nil {
		return media.Catalog{}, err
	}

	data, err := json.Marshal(cat)
	if err != nil {
		return media.Catalog{}, fmt.Errorf("encode catalog: %w", err)
	}
	if err := p.cache.Set(ctx, prefs.KeyDevices, string(data)); err != nil {
		p.logger.Warn("failed to cache devices", "error", err)
	}
	p.logger.Info("devices detected", "video", len(cat.Video), "audio", len(cat.Audio))
	return cat, nil
}

func (p *Probe) cached(ctx context.Context) (media.Catalog, bool) {
	raw, err := p.cache.Get(ctx, prefs.KeyDevices)
	if err != nil {
		if !errors.Is(err, prefs.ErrNotFound) {
			p.logger.Warn("failed to read device cache", "error", err)
		}
		return media.Catalog{}, false
	}
	var cat media.Catalog
	if err := json.Unmarshal([]byte(raw), &cat); err != nil {
		p.logger.Warn("ignoring corrupt device cache", "error", err)
		return media.Catalog{}, false
	}
	return cat, true
}

// requestPermission opens and releases a stream so that device labels become
// readable. Audio alone is tried when video is refused.
func (p *Probe) requestPermission(ctx context.Context) error {
	attempts := []media.Constraints{
		{Video: media.TrackConstraints{Enabled: true}, Audio: media.TrackConstraints{Enabled: true}},
		{Audio: media.TrackConstraints{Enabled: true}},
	}
	var lastErr error
	for _, c := range attempts {
		s, err := p.devices.GetUserMedia(ctx, c)
		if err == nil {
			media.StopAll(s)
			return nil
		}
		lastErr = err
	}
	p.logger.Warn("permission request failed", "error", lastErr)
	return fmt.Errorf("%w: %v", ErrDetectionFailed, lastErr)
}

func (p *Probe) probeAll(ctx context.Context, infos []media.DeviceInfo) (media.Catalog, error) {
	cat := media.Catalog{Video: []media.VideoDevice{}, Audio: []media.DeviceInfo{}}

	var cameras []media.DeviceInfo
	for _, d := range infos {
		switch d.Kind {
		case media.DeviceVideoInput:
			cameras = append(cameras, d)
		case media.DeviceAudioInput:
			cat.Audio = append(cat.Audio, d)
		}
	}

	video := make([]media.VideoDevice, len(cameras))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallel)
	for i, d := range cameras {
		g.Go(func() error {
			video[i] = media.VideoDevice{
				DeviceID:    d.DeviceID,
				GroupID:     d.GroupID,
				Label:       d.Label,
				Resolutions: p.probeCamera(gctx, d.DeviceID),
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return media.Catalog{}, fmt.Errorf("probe cameras: %w", err)
	}
	cat.Video = video
	return cat, nil
}

func (p *Probe) probeCamera(ctx context.Context, deviceID string) []media.Resolution {
	found := []media.Resolution{}
	for _, res := range p.resolutions {
		if ctx.Err() != nil {
			return found
		}
		if p.tryOpen(ctx, deviceID, res) {
			found = append(found, res)
		}
	}
	p.logger.Debug("camera probed", "device_id", deviceID, "resolutions", len(found))
	return found
}

func (p *Probe) tryOpen(ctx context.Context, deviceID string, res media.Resolution) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	s, err := p.devices.GetUserMedia(ctx, media.ExactVideo(deviceID, res))
	if err != nil {
		return false
	}
	media.StopAll(s)
	return true
}
