// Package capsule models the capsule structure shared with the capsule
// server: groups of slides, their records and the recorded event logs.
//
// The server owns the authoritative structure and attaches many fields this
// bridge never interprets (prompts, webcam settings, fades, presigned URLs).
// Every type here keeps those fields verbatim so that a capsule read from the
// server and posted back to update-capsule loses nothing.
package capsule

import (
	"encoding/json"
	"fmt"
)

// TaskStatus is the server-side state of a long running task such as production.
type TaskStatus string

// Task states reported by the server.
const (
	TaskIdle    TaskStatus = "idle"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
)

// UnmarshalJSON accepts the server's string form as well as a plain boolean.
func (t *TaskStatus) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		if b {
			*t = TaskDone
		} else {
			*t = TaskIdle
		}
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("task status: %w", err)
	}
	*t = TaskStatus(s)
	return nil
}

// Done reports whether the task has completed.
func (t TaskStatus) Done() bool {
	return t == TaskDone
}

// Capsule is a project unit: an ordered list of groups of slides plus metadata.
type Capsule struct {
	ID        string      `json:"id"`
	Project   string      `json:"project,omitempty"`
	Name      string      `json:"name"`
	Produced  *TaskStatus `json:"produced,omitempty"`
	Structure []Gos       `json:"structure"`

	// Extra holds server fields not interpreted by the bridge.
	Extra map[string]json.RawMessage `json:"-"`
}

// IsProduced reports whether the capsule has a produced output video.
func (c *Capsule) IsProduced() bool {
	return c.Produced != nil && c.Produced.Done()
}

// SlideCount returns the number of slides across all groups.
func (c *Capsule) SlideCount() int {
	n := 0
	for _, g := range c.Structure {
		n += len(g.Slides)
	}
	return n
}

type capsuleFields Capsule

var capsuleKnown = []string{"id", "project", "name", "produced", "structure"}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Capsule) UnmarshalJSON(data []byte) error {
	var f capsuleFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	extra, err := splitFields(data, capsuleKnown)
	if err != nil {
		return err
	}
	*c = Capsule(f)
	c.Extra = extra
	return nil
}

// MarshalJSON implements json.Marshaler.
func (c Capsule) MarshalJSON() ([]byte, error) {
	f := capsuleFields(c)
	if f.Structure == nil {
		f.Structure = []Gos{}
	}
	base, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return mergeFields(base, c.Extra)
}

// Gos is a group of slides captured as a single recording.
type Gos struct {
	Slides []Slide    `json:"slides"`
	Record *RecordRef `json:"record"`
	Events []Event    `json:"events"`

	Extra map[string]json.RawMessage `json:"-"`
}

type gosFields Gos

var gosKnown = []string{"slides", "record", "events"}

// UnmarshalJSON implements json.Unmarshaler.
func (g *Gos) UnmarshalJSON(data []byte) error {
	var f gosFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	extra, err := splitFields(data, gosKnown)
	if err != nil {
		return err
	}
	*g = Gos(f)
	g.Extra = extra
	return nil
}

// MarshalJSON implements json.Marshaler. Empty lists are written as [] since
// the server rejects null for them.
func (g Gos) MarshalJSON() ([]byte, error) {
	f := gosFields(g)
	if f.Slides == nil {
		f.Slides = []Slide{}
	}
	if f.Events == nil {
		f.Events = []Event{}
	}
	base, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return mergeFields(base, g.Extra)
}

// Slide is one visible page. UUID keys its server assets; inside an archive it
// is rewritten to the archive-relative image path.
type Slide struct {
	UUID  string  `json:"uuid"`
	Extra *string `json:"extra"`

	Fields map[string]json.RawMessage `json:"-"`
}

type slideFields Slide

var slideKnown = []string{"uuid", "extra"}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Slide) UnmarshalJSON(data []byte) error {
	var f slideFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	extra, err := splitFields(data, slideKnown)
	if err != nil {
		return err
	}
	*s = Slide(f)
	s.Fields = extra
	return nil
}

// MarshalJSON implements json.Marshaler.
func (s Slide) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(slideFields(s))
	if err != nil {
		return nil, err
	}
	return mergeFields(base, s.Fields)
}

// HasExtra reports whether the slide carries a secondary media track.
func (s Slide) HasExtra() bool {
	return s.Extra != nil && *s.Extra != ""
}

// RecordRef references the stored record of a group. On the server it is an
// object ({uuid, pointer_uuid, size, ...}); inside an archive it is the
// archive-relative path of the record file. Both forms round-trip.
type RecordRef struct {
	UUID        string  `json:"uuid"`
	PointerUUID *string `json:"pointer_uuid"`

	// Path is set instead of UUID when the record lives in an archive.
	Path string `json:"-"`

	Fields map[string]json.RawMessage `json:"-"`
}

type recordFields RecordRef

var recordKnown = []string{"uuid", "pointer_uuid"}

// UnmarshalJSON implements json.Unmarshaler.
func (r *RecordRef) UnmarshalJSON(data []byte) error {
	var path string
	if err := json.Unmarshal(data, &path); err == nil {
		*r = RecordRef{Path: path}
		return nil
	}

	var f recordFields
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	extra, err := splitFields(data, recordKnown)
	if err != nil {
		return err
	}
	*r = RecordRef(f)
	r.Fields = extra
	return nil
}

// MarshalJSON implements json.Marshaler.
func (r RecordRef) MarshalJSON() ([]byte, error) {
	if r.Path != "" {
		return json.Marshal(r.Path)
	}
	base, err := json.Marshal(recordFields(r))
	if err != nil {
		return nil, err
	}
	return mergeFields(base, r.Fields)
}

// Clone returns a deep copy of c.
func Clone(c *Capsule) (*Capsule, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("clone capsule: %w", err)
	}
	var out Capsule
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone capsule: %w", err)
	}
	return &out, nil
}

// splitFields returns the members of the JSON object data whose names are not in known.
func splitFields(data []byte, known []string) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// mergeFields adds extra members to the encoded object base. Members already
// present in base win.
func mergeFields(base []byte, extra map[string]json.RawMessage) ([]byte, error) {
	if len(extra) == 0 {
		return base, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, ok := m[k]; !ok {
			m[k] = v
		}
	}
	return json.Marshal(m)
}
