package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/graaaaa/capsule-bridge/internal/capsule"
	"github.com/graaaaa/capsule-bridge/internal/clock"
	"github.com/graaaaa/capsule-bridge/internal/media"
	"github.com/graaaaa/capsule-bridge/internal/media/mediatest"
	"github.com/graaaaa/capsule-bridge/internal/message"
)

type fakeLive struct{ calls int }

func (f *fakeLive) PlayWebcam(context.Context) error {
	f.calls++
	return nil
}

func newReplayer(t *testing.T) (*Replayer, *mediatest.Document, *message.Collector, *clock.Fake, *fakeLive) {
	t.Helper()
	doc := mediatest.NewDocument()
	events := message.NewCollector()
	clk := clock.NewFake(time.Unix(0, 0))
	live := &fakeLive{}
	r := New(doc, events, live, WithAfterFunc(clk.AfterFunc), WithObjectURLs(media.NewObjectURLs("/blobs/")))
	return r, doc, events, clk, live
}

var sample = message.Record{
	WebcamBlob: media.RemoteRef("https://server/data/1/assets/r.webm"),
	Events: []capsule.Event{
		{Ty: capsule.EventStart, Time: 0},
		{Ty: capsule.EventPlay, Time: 0},
		{Ty: capsule.EventNextSlide, Time: 500},
		{Ty: capsule.EventNextSentence, Time: 700},
		{Ty: capsule.EventNextSlide, Time: 1200},
		{Ty: capsule.EventStop, Time: 2000},
		{Ty: capsule.EventNextSlide, Time: 2000},
		{Ty: capsule.EventEnd, Time: 2000},
	},
}

func TestPlay_SchedulesEvents(t *testing.T) {
	r, doc, events, clk, _ := newReplayer(t)
	extra := doc.MountExtra()

	if err := r.Play(context.Background(), sample); err != nil {
		t.Fatalf("Play: %v", err)
	}

	video := doc.VideoElement
	if video.Source().URL != "https://server/data/1/assets/r.webm" || video.Muted() || !video.Playing() {
		t.Errorf("video not playing the record unmuted: %v", video.Ops())
	}

	clk.Advance(0)
	if !extra.Playing() || !extra.Muted() {
		t.Error("play event should start the extra muted")
	}

	clk.Advance(600 * time.Millisecond)
	if n := events.Count("nextSlideReceived"); n != 1 {
		t.Errorf("after 600ms nextSlideReceived = %d, want 1", n)
	}
	clk.Advance(700 * time.Millisecond)
	if n := events.Count("nextSlideReceived"); n != 2 {
		t.Errorf("after 1300ms nextSlideReceived = %d, want 2", n)
	}

	clk.Advance(time.Second)
	if extra.Playing() {
		t.Error("stop event should pause the extra")
	}
	// The final next_slide before end is replayed; end itself is not.
	if n := events.Count("nextSlideReceived"); n != 3 {
		t.Errorf("nextSlideReceived = %d, want 3", n)
	}
	if events.Count("playRecordFinished") != 0 {
		t.Error("playback must only finish when the media ends")
	}
}

func TestPlay_EndRestoresLivePreview(t *testing.T) {
	r, doc, events, _, live := newReplayer(t)
	extra := doc.MountExtra()

	if err := r.Play(context.Background(), sample); err != nil {
		t.Fatal(err)
	}
	doc.VideoElement.End()

	if live.calls != 1 {
		t.Errorf("live preview restored %d times", live.calls)
	}
	if events.Count("playRecordFinished") != 1 {
		t.Error("playRecordFinished not emitted")
	}
	ops := extra.Ops()
	if len(ops) < 2 || ops[len(ops)-2] != "pause" || ops[len(ops)-1] != "rewind" {
		t.Errorf("extra should be paused and rewound, ops = %v", ops)
	}
	if r.Pending() != 0 {
		t.Errorf("pending = %d after end", r.Pending())
	}
}

func TestPlay_NewPlaybackCancelsPrevious(t *testing.T) {
	r, _, events, clk, _ := newReplayer(t)

	if err := r.Play(context.Background(), sample); err != nil {
		t.Fatal(err)
	}
	short := message.Record{
		WebcamBlob: media.RemoteRef("https://server/other.webm"),
		Events:     []capsule.Event{{Ty: capsule.EventStart}, {Ty: capsule.EventEnd, Time: 100}},
	}
	if err := r.Play(context.Background(), short); err != nil {
		t.Fatal(err)
	}

	clk.Advance(5 * time.Second)
	if n := events.Count("nextSlideReceived"); n != 0 {
		t.Errorf("callbacks of the first playback fired %d times", n)
	}
	if clk.Pending() != 0 {
		t.Errorf("timers still pending: %d", clk.Pending())
	}
}

func TestCancel(t *testing.T) {
	r, doc, events, clk, live := newReplayer(t)
	if err := r.Play(context.Background(), sample); err != nil {
		t.Fatal(err)
	}
	r.Cancel()

	clk.Advance(5 * time.Second)
	doc.VideoElement.End()

	if len(events.Events()) != 0 {
		t.Errorf("events after cancel: %v", events.Names())
	}
	if live.calls != 0 {
		t.Error("cancelled playback should not restore the preview")
	}
}

func TestPlay_LocalBlob(t *testing.T) {
	r, doc, _, _, _ := newReplayer(t)
	blob := media.NewBlob("video/webm", []byte("local"))

	rec := message.Record{WebcamBlob: media.LocalRef(blob), Events: []capsule.Event{{Ty: capsule.EventEnd}}}
	if err := r.Play(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if got := doc.VideoElement.Source().URL; got != "/blobs/"+blob.ID {
		t.Errorf("source = %q", got)
	}
}

func TestPlay_FailureDisarmsPlayback(t *testing.T) {
	r, doc, events, clk, live := newReplayer(t)
	doc.VideoElement.PlayErr = errors.New("unsupported source")

	if err := r.Play(context.Background(), sample); err == nil {
		t.Fatal("Play should report the element error")
	}
	if n := r.Pending(); n != 0 {
		t.Errorf("pending callbacks = %d after a failed play", n)
	}

	clk.Advance(5 * time.Second)
	doc.VideoElement.End()
	if len(events.Events()) != 0 {
		t.Errorf("events after a failed play: %v", events.Names())
	}
	if live.calls != 0 {
		t.Error("a failed play should not restore the preview")
	}
}
