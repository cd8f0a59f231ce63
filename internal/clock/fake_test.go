package clock

import (
	"testing"
	"time"
)

func TestFake_AdvanceFiresInOrder(t *testing.T) {
	f := NewFake(time.Unix(0, 0))

	var order []int
	f.AfterFunc(300*time.Millisecond, func() { order = append(order, 3) })
	f.AfterFunc(100*time.Millisecond, func() { order = append(order, 1) })
	f.AfterFunc(200*time.Millisecond, func() { order = append(order, 2) })

	f.Advance(250 * time.Millisecond)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("order after 250ms = %v, want [1 2]", order)
	}
	if f.Pending() != 1 {
		t.Errorf("Pending = %d, want 1", f.Pending())
	}

	f.Advance(time.Second)
	if len(order) != 3 || order[2] != 3 {
		t.Fatalf("order = %v, want [1 2 3]", order)
	}
	if got := f.Now(); !got.Equal(time.Unix(0, 0).Add(1250 * time.Millisecond)) {
		t.Errorf("Now = %v", got)
	}
}

func TestFake_StopPreventsFire(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	fired := false
	h := f.AfterFunc(time.Second, func() { fired = true })

	if !h.Stop() {
		t.Error("first Stop should report true")
	}
	if h.Stop() {
		t.Error("second Stop should report false")
	}
	f.Advance(2 * time.Second)
	if fired {
		t.Error("stopped timer fired")
	}
}

func TestFake_TimerScheduledFromCallback(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	count := 0
	var reschedule func()
	reschedule = func() {
		count++
		if count < 3 {
			f.AfterFunc(time.Second, reschedule)
		}
	}
	f.AfterFunc(time.Second, reschedule)

	f.Advance(5 * time.Second)
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestMillis(t *testing.T) {
	if got := Millis(time.Unix(1, 500*int64(time.Millisecond))); got != 1500 {
		t.Errorf("Millis = %d, want 1500", got)
	}
}
