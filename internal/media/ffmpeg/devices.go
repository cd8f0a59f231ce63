package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/graaaaa/capsule-bridge/internal/media"
)

// EnumerateDevices lists V4L2 cameras and ALSA capture cards.
func (b *Backend) EnumerateDevices(ctx context.Context) ([]media.DeviceInfo, error) {
	video, err := b.videoDevices()
	if err != nil {
		return nil, err
	}
	audio, err := b.audioDevices()
	if err != nil {
		return nil, err
	}
	return append(video, audio...), nil
}

func (b *Backend) videoDevices() ([]media.DeviceInfo, error) {
	entries, err := os.ReadDir(b.videoRoot)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list video devices: %w", err)
	}

	var out []media.DeviceInfo
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "video") {
			continue
		}
		dir := filepath.Join(b.videoRoot, name)
		// metadata nodes share the parent device and expose index 1+
		if idx, err := readTrimmed(filepath.Join(dir, "index")); err == nil && idx != "0" {
			continue
		}
		label, err := readTrimmed(filepath.Join(dir, "name"))
		if err != nil {
			label = name
		}
		group := name
		if target, err := filepath.EvalSymlinks(filepath.Join(dir, "device")); err == nil {
			group = filepath.Base(target)
		}
		out = append(out, media.DeviceInfo{
			DeviceID: "/dev/" + name,
			GroupID:  group,
			Kind:     media.DeviceVideoInput,
			Label:    label,
		})
	}
	sort.Slice(out, func(i, j int) bool { return deviceIndex(out[i].DeviceID) < deviceIndex(out[j].DeviceID) })
	return out, nil
}

func deviceIndex(path string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(path), "video"))
	if err != nil {
		return 1 << 30
	}
	return n
}

func (b *Backend) audioDevices() ([]media.DeviceInfo, error) {
	cards, err := os.Open(filepath.Join(b.audioRoot, "cards"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list audio devices: %w", err)
	}
	defer cards.Close()

	capture := map[int]bool{}
	if pcm, err := os.Open(filepath.Join(b.audioRoot, "pcm")); err == nil {
		capture = parseCapturePCM(pcm)
		pcm.Close()
	}

	var out []media.DeviceInfo
	for _, c := range parseCards(cards) {
		if !capture[c.index] {
			continue
		}
		out = append(out, media.DeviceInfo{
			DeviceID: "hw:" + strconv.Itoa(c.index),
			GroupID:  "card" + strconv.Itoa(c.index),
			Kind:     media.DeviceAudioInput,
			Label:    c.label,
		})
	}
	return out, nil
}

type card struct {
	index int
	label string
}

// parseCards reads /proc/asound/cards, whose entries look like
//
//	0 [PCH            ]: HDA-Intel - HDA Intel PCH
//	                     HDA Intel PCH at 0xf7f10000 irq 32
func parseCards(r io.Reader) []card {
	var out []card
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		idx, rest, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(idx)
		if err != nil {
			continue
		}
		label := rest
		if _, desc, ok := strings.Cut(rest, " - "); ok {
			label = desc
		}
		out = append(out, card{index: n, label: strings.TrimSpace(label)})
	}
	return out
}

// parseCapturePCM reads /proc/asound/pcm ("00-00: ALC3246 Analog : ALC3246 Analog : playback 1 : capture 1")
// and returns the cards that have a capture device.
func parseCapturePCM(r io.Reader) map[int]bool {
	out := map[int]bool{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if !strings.Contains(line, "capture") {
			continue
		}
		id, _, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		cardPart, _, _ := strings.Cut(id, "-")
		n, err := strconv.Atoi(strings.TrimSpace(cardPart))
		if err != nil {
			continue
		}
		out[n] = true
	}
	return out
}

func readTrimmed(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// GetUserMedia checks that the requested devices can be opened with the
// requested settings and returns tracks describing them. Devices are opened
// for capture by the recorder.
func (b *Backend) GetUserMedia(ctx context.Context, c media.Constraints) (media.Stream, error) {
	if !c.Video.Enabled && !c.Audio.Enabled {
		return nil, fmt.Errorf("%w: no track requested", media.ErrOverconstrained)
	}
	devices, err := b.EnumerateDevices(ctx)
	if err != nil {
		return nil, err
	}

	s := &stream{id: uuid.NewString()}
	if c.Video.Enabled {
		dev, err := pick(devices, media.DeviceVideoInput, c.Video.DeviceID)
		if err != nil {
			return nil, err
		}
		t := newTrack(media.KindVideo, dev)
		if c.Video.Width != nil {
			t.width = c.Video.Width.V
		}
		if c.Video.Height != nil {
			t.height = c.Video.Height.V
		}
		exact := (c.Video.Width != nil && c.Video.Width.Exact) || (c.Video.Height != nil && c.Video.Height.Exact)
		if err := b.probe(ctx, videoInput(t)); err != nil {
			if exact || (t.width == 0 && t.height == 0) {
				return nil, err
			}
			// ideal size refused: fall back to the device default
			t.width, t.height = 0, 0
			if err := b.probe(ctx, videoInput(t)); err != nil {
				return nil, err
			}
		}
		s.tracks = append(s.tracks, t)
	}
	if c.Audio.Enabled {
		dev, err := pick(devices, media.DeviceAudioInput, c.Audio.DeviceID)
		if err != nil {
			return nil, err
		}
		t := newTrack(media.KindAudio, dev)
		if err := b.probe(ctx, audioInput(t)); err != nil {
			return nil, err
		}
		s.tracks = append(s.tracks, t)
	}
	return s, nil
}

// probe opens input for a single frame.
func (b *Backend) probe(ctx context.Context, input []string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	args := append(append([]string(nil), input...), "-frames:v", "1", "-t", "0.1", "-f", "null", "-")
	stderr, err := b.run(ctx, args...)
	if ctx.Err() != nil {
		return fmt.Errorf("probe: %w", ctx.Err())
	}
	return classify(stderr, err)
}

func pick(devices []media.DeviceInfo, kind media.DeviceKind, id *media.Value[string]) (media.DeviceInfo, error) {
	var first *media.DeviceInfo
	for i := range devices {
		d := devices[i]
		if d.Kind != kind {
			continue
		}
		if id != nil && d.DeviceID == id.V {
			return d, nil
		}
		if first == nil {
			first = &devices[i]
		}
	}
	if id != nil && id.Exact {
		return media.DeviceInfo{}, fmt.Errorf("%w: %s", media.ErrOverconstrained, id.V)
	}
	if first == nil {
		return media.DeviceInfo{}, fmt.Errorf("%w: %s", media.ErrNoDevice, kind)
	}
	return *first, nil
}

type stream struct {
	id     string
	tracks []media.Track
}

func (s *stream) ID() string            { return s.id }
func (s *stream) Tracks() []media.Track { return s.tracks }

// track describes a capture device.
type track struct {
	id            string
	kind          media.Kind
	device        string
	label         string
	width, height int
	ended         atomic.Bool
}

func newTrack(kind media.Kind, dev media.DeviceInfo) *track {
	return &track{id: uuid.NewString(), kind: kind, device: dev.DeviceID, label: dev.Label}
}

func (t *track) ID() string       { return t.id }
func (t *track) Kind() media.Kind { return t.kind }
func (t *track) Stop()            { t.ended.Store(true) }

func (t *track) State() media.TrackState {
	if t.ended.Load() {
		return media.TrackEnded
	}
	return media.TrackLive
}

func videoInput(t *track) []string {
	args := []string{"-f", "v4l2"}
	if t.width > 0 && t.height > 0 {
		args = append(args, "-video_size", strconv.Itoa(t.width)+"x"+strconv.Itoa(t.height))
	}
	return append(args, "-i", t.device)
}

func audioInput(t *track) []string {
	return []string{"-f", "alsa", "-i", t.device}
}
