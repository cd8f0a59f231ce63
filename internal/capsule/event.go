package capsule

import (
	"errors"
	"fmt"
)

// EventType identifies a transition recorded during capture.
type EventType string

// Event types written to an event log.
const (
	EventStart        EventType = "start"
	EventEnd          EventType = "end"
	EventNextSlide    EventType = "next_slide"
	EventNextSentence EventType = "next_sentence"
	EventPlay         EventType = "play"
	EventStop         EventType = "stop"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventStart, EventEnd, EventNextSlide, EventNextSentence, EventPlay, EventStop:
		return true
	}
	return false
}

// Event is one entry of an event log. Time is in milliseconds relative to the
// start of the recording.
type Event struct {
	Ty        EventType `json:"ty"`
	Time      int64     `json:"time"`
	ExtraTime *int64    `json:"extra_time,omitempty"`
}

// Event log validation errors.
var (
	ErrEmptyLog     = errors.New("event log is empty")
	ErrBadStart     = errors.New("event log must begin with start at time 0")
	ErrBadEnd       = errors.New("event log must finish with end")
	ErrTimeReversed = errors.New("event log times must be non-decreasing")
	ErrUnknownEvent = errors.New("unknown event type")
)

// ValidateEventLog checks that events form a finished recording log.
func ValidateEventLog(events []Event) error {
	if len(events) == 0 {
		return ErrEmptyLog
	}
	if events[0].Ty != EventStart || events[0].Time != 0 {
		return ErrBadStart
	}
	if events[len(events)-1].Ty != EventEnd {
		return ErrBadEnd
	}
	for i, e := range events {
		if !e.Ty.Valid() {
			return fmt.Errorf("event %d: %w: %q", i, ErrUnknownEvent, e.Ty)
		}
		if i > 0 && e.Time < events[i-1].Time {
			return fmt.Errorf("event %d: %w", i, ErrTimeReversed)
		}
	}
	return nil
}
