package recording

import (
	"sync"

	"github.com/graaaaa/capsule-bridge/internal/media"
)

// Outcome is what the recorders produced for one stopped recording. Pointer
// is nil when no pointer track was recorded or its recorder failed. Err is
// set when the webcam recording failed.
type Outcome struct {
	Webcam  *media.Blob
	Pointer *media.Blob
	Err     error
}

// Rendezvous pairs recorder output with the recordings that produced it.
// Every stopped recording is queued with Expect. Output fills the oldest
// recording still waiting for that recorder, which is only sound while a
// recorder has a single recording in flight. Finished recordings are emitted
// once each, in the order they were queued.
type Rendezvous[T any] struct {
	emit func(tag T, out Outcome)

	// emitMu keeps emissions in queue order.
	emitMu sync.Mutex

	mu     sync.Mutex
	nextID uint64
	queue  []*slot[T]
}

type slot[T any] struct {
	id          uint64
	tag         T
	webcamDone  bool
	pointerDone bool
	out         Outcome
}

func (s *slot[T]) done() bool { return s.webcamDone && s.pointerDone }

// NewRendezvous returns an empty rendezvous that reports to emit.
func NewRendezvous[T any](emit func(tag T, out Outcome)) *Rendezvous[T] {
	return &Rendezvous[T]{emit: emit}
}

// Expect queues a stopped recording and returns its id. When pointer is
// false no pointer output is awaited. Expect never emits, so it may be
// called under the caller's lock before the recorders are stopped.
func (r *Rendezvous[T]) Expect(tag T, pointer bool) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.queue = append(r.queue, &slot[T]{id: r.nextID, tag: tag, pointerDone: !pointer})
	return r.nextID
}

// SetWebcam fills the oldest recording waiting for webcam output. It
// reports false when no recording was waiting.
func (r *Rendezvous[T]) SetWebcam(b *media.Blob) bool {
	return r.fill(func(s *slot[T]) bool {
		if s.webcamDone {
			return false
		}
		s.webcamDone, s.out.Webcam = true, b
		return true
	})
}

// FailWebcam records a webcam failure for the oldest recording waiting for
// webcam output.
func (r *Rendezvous[T]) FailWebcam(err error) bool {
	return r.fill(func(s *slot[T]) bool {
		if s.webcamDone {
			return false
		}
		s.webcamDone, s.out.Err = true, err
		return true
	})
}

// SetPointer fills the oldest recording waiting for pointer output. A nil
// blob records that the pointer track produced nothing.
func (r *Rendezvous[T]) SetPointer(b *media.Blob) bool {
	return r.fill(func(s *slot[T]) bool {
		if s.pointerDone {
			return false
		}
		s.pointerDone, s.out.Pointer = true, b
		return true
	})
}

// AbortWebcam fails the webcam side of recording id.
func (r *Rendezvous[T]) AbortWebcam(id uint64, err error) bool {
	return r.fill(func(s *slot[T]) bool {
		if s.id != id || s.webcamDone {
			return false
		}
		s.webcamDone, s.out.Err = true, err
		return true
	})
}

// SkipPointer stops recording id from waiting for pointer output.
func (r *Rendezvous[T]) SkipPointer(id uint64) bool {
	return r.fill(func(s *slot[T]) bool {
		if s.id != id || s.pointerDone {
			return false
		}
		s.pointerDone = true
		return true
	})
}

// Pending returns the number of queued recordings not yet emitted.
func (r *Rendezvous[T]) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// fill applies set to the first slot it accepts, then emits every finished
// recording at the head of the queue.
func (r *Rendezvous[T]) fill(set func(*slot[T]) bool) bool {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	matched := false
	for _, s := range r.queue {
		if set(s) {
			matched = true
			break
		}
	}
	var ready []*slot[T]
	for len(r.queue) > 0 && r.queue[0].done() {
		ready = append(ready, r.queue[0])
		r.queue[0] = nil
		r.queue = r.queue[1:]
	}
	r.mu.Unlock()

	for _, s := range ready {
		r.emit(s.tag, s.out)
	}
	return matched
}
