package overlay

import (
	"image"
	"sync/atomic"

	"github.com/graaaaa/capsule-bridge/internal/media"
)

type canvasTrack struct {
	id      string
	overlay *Overlay
	ended   atomic.Bool
}

func (t *canvasTrack) ID() string              { return t.id }
func (t *canvasTrack) Kind() media.Kind        { return media.KindVideo }
func (t *canvasTrack) Bounds() image.Rectangle { return image.Rect(0, 0, Width, Height) }
func (t *canvasTrack) FrameRate() int          { return FrameRate }
func (t *canvasTrack) Snapshot() *image.RGBA   { return t.overlay.Snapshot() }
func (t *canvasTrack) Stop()                   { t.ended.Store(true) }

func (t *canvasTrack) State() media.TrackState {
	if t.ended.Load() {
		return media.TrackEnded
	}
	return media.TrackLive
}

type canvasStream struct {
	id    string
	track *canvasTrack
}

func (s *canvasStream) ID() string            { return s.id }
func (s *canvasStream) Tracks() []media.Track { return []media.Track{s.track} }

var _ media.Canvas = (*canvasTrack)(nil)
