package api

import (
	"sync"
	"testing"
	"time"

	"github.com/graaaaa/capsule-bridge/internal/message"
)

func receive(t *testing.T, sub *Subscriber) Frame {
	t.Helper()
	select {
	case f, ok := <-sub.Frames():
		if !ok {
			t.Fatal("subscriber closed")
		}
		return f
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for frame")
	}
	return Frame{}
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	sub := hub.Subscribe(0)
	if sub == nil {
		t.Fatal("Subscribe returned nil")
	}

	select {
	case <-sub.Done():
		t.Error("Done channel should not be closed")
	default:
	}

	hub.Unsubscribe(sub)

	select {
	case <-sub.Done():
	case <-time.After(100 * time.Millisecond):
		t.Error("Done channel should be closed after unsubscribe")
	}
}

func TestHub_Emit(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	sub := hub.Subscribe(0)
	defer hub.Unsubscribe(sub)

	hub.Emit(message.ProgressReceived{Progress: 0.5})
	hub.Emit(message.WebcamBound{})

	f := receive(t, sub)
	if f.Seq != 1 || f.Name != "progressReceived" || string(f.Data) != "0.5" {
		t.Errorf("frame = %+v (%s)", f, f.Data)
	}
	f = receive(t, sub)
	if f.Seq != 2 || f.Name != "webcamBound" || string(f.Data) != "null" {
		t.Errorf("frame = %+v (%s)", f, f.Data)
	}
}

func TestHub_EmitToMultipleSubscribers(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	const numSubscribers = 5
	subs := make([]*Subscriber, numSubscribers)
	for i := range subs {
		subs[i] = hub.Subscribe(0)
	}
	defer func() {
		for _, sub := range subs {
			hub.Unsubscribe(sub)
		}
	}()

	hub.Emit(message.ScrollRequested{Anchor: "gos-3"})

	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub *Subscriber) {
			defer wg.Done()
			select {
			case f := <-sub.Frames():
				if string(f.Data) != `"gos-3"` {
					t.Errorf("subscriber %d: data = %s", i, f.Data)
				}
			case <-time.After(time.Second):
				t.Errorf("subscriber %d: timeout waiting for frame", i)
			}
		}(i, sub)
	}
	wg.Wait()
}

func TestHub_SlowSubscriberDisconnected(t *testing.T) {
	hub := NewHub(WithHubSubscriberBufferSize(4))
	go hub.Run()
	defer hub.Stop()

	slow := hub.Subscribe(0)
	defer hub.Unsubscribe(slow)

	for i := 0; i < 10; i++ {
		hub.Emit(message.ProgressReceived{Progress: float64(i) / 10})
	}
	hub.Emit(message.CapsuleUpdated{})

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("subscriber that stopped reading should be disconnected")
	}

	// buffered frames are still delivered, then the channel closes
	var last uint64
	for f := range slow.Frames() {
		last = f.Seq
	}
	if last != 4 {
		t.Fatalf("last buffered seq = %d, want 4", last)
	}

	// reconnecting with Last-Event-ID replays everything missed
	resumed := hub.Subscribe(last)
	defer hub.Unsubscribe(resumed)
	got := resumed.Backlog()
	for len(got) == 0 || got[len(got)-1].Seq < 11 {
		got = append(got, receive(t, resumed))
	}
	for i, f := range got {
		if want := uint64(5 + i); f.Seq != want {
			t.Fatalf("frame %d seq = %d, want %d", i, f.Seq, want)
		}
	}
	if end := got[len(got)-1]; end.Name != "capsuleUpdated" {
		t.Errorf("last frame = %s, want capsuleUpdated", end.Name)
	}
}

func TestHub_Backlog(t *testing.T) {
	hub := NewHub(WithHubBacklogSize(2))
	go hub.Run()
	defer hub.Stop()

	first := hub.Subscribe(0)
	defer hub.Unsubscribe(first)
	if len(first.Backlog()) != 0 {
		t.Error("subscribing from zero should not replay")
	}

	for _, v := range []float64{0.1, 0.2, 0.3} {
		hub.Emit(message.ProgressReceived{Progress: v})
	}
	for i := 0; i < 3; i++ {
		receive(t, first)
	}

	resumed := hub.Subscribe(1)
	defer hub.Unsubscribe(resumed)
	backlog := resumed.Backlog()
	if len(backlog) != 2 || backlog[0].Seq != 2 || backlog[1].Seq != 3 {
		t.Errorf("backlog = %+v", backlog)
	}

	upToDate := hub.Subscribe(3)
	defer hub.Unsubscribe(upToDate)
	if len(upToDate.Backlog()) != 0 {
		t.Errorf("backlog = %+v", upToDate.Backlog())
	}
}

func TestHub_UnsubscribeNil(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	hub.Unsubscribe(nil)
}

func TestHub_Stop(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	sub1 := hub.Subscribe(0)
	sub2 := hub.Subscribe(0)

	hub.Stop()

	for i, sub := range []*Subscriber{sub1, sub2} {
		select {
		case <-sub.Done():
		case <-time.After(100 * time.Millisecond):
			t.Errorf("sub%d Done channel should be closed after Stop", i+1)
		}
	}
}

func TestHub_SubscribeAfterStop(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	hub.Stop()

	sub := hub.Subscribe(0)

	select {
	case <-sub.Done():
	default:
		t.Error("subscriber Done channel should be closed when hub is stopped")
	}
}

func TestHub_EmitAfterStop(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	hub.Stop()

	hub.Emit(message.WebcamBound{})
}

func TestHub_ConcurrentOperations(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	const numGoroutines = 10
	var wg sync.WaitGroup

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			sub := hub.Subscribe(0)
			for j := 0; j < 5; j++ {
				hub.Emit(message.ProgressReceived{Progress: float64(id*100+j) / 1000})
			}

			timeout := time.After(50 * time.Millisecond)
		drain:
			for {
				select {
				case <-sub.Frames():
				case <-timeout:
					break drain
				}
			}

			hub.Unsubscribe(sub)
		}(i)
	}

	wg.Wait()
}

func TestHub_StopIdempotent(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	hub.Stop()
	hub.Stop()

	hub2 := NewHub()
	go hub2.Run()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub2.Stop()
		}()
	}
	wg.Wait()
}
