package media

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Value is a constraint on a single property. Exact values must be met;
// otherwise the value is a preference.
type Value[T comparable] struct {
	V     T
	Exact bool
}

// ExactValue returns a constraint that must be met.
func ExactValue[T comparable](v T) *Value[T] {
	return &Value[T]{V: v, Exact: true}
}

// IdealValue returns a preferred value.
func IdealValue[T comparable](v T) *Value[T] {
	return &Value[T]{V: v}
}

type valueObject[T comparable] struct {
	Exact *T `json:"exact,omitempty"`
	Ideal *T `json:"ideal,omitempty"`
}

// UnmarshalJSON accepts a bare value or {"exact": v} / {"ideal": v}.
func (v *Value[T]) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var obj valueObject[T]
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		switch {
		case obj.Exact != nil:
			*v = Value[T]{V: *obj.Exact, Exact: true}
		case obj.Ideal != nil:
			*v = Value[T]{V: *obj.Ideal}
		default:
			return fmt.Errorf("constraint object needs exact or ideal")
		}
		return nil
	}
	var bare T
	if err := json.Unmarshal(data, &bare); err != nil {
		return err
	}
	*v = Value[T]{V: bare}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (v Value[T]) MarshalJSON() ([]byte, error) {
	if v.Exact {
		return json.Marshal(valueObject[T]{Exact: &v.V})
	}
	return json.Marshal(v.V)
}

// TrackConstraints selects a device for one kind of track. A disabled
// constraint requests no track of that kind.
type TrackConstraints struct {
	Enabled  bool
	DeviceID *Value[string]
	Width    *Value[int]
	Height   *Value[int]
}

type trackObject struct {
	DeviceID *Value[string] `json:"deviceId,omitempty"`
	Width    *Value[int]    `json:"width,omitempty"`
	Height   *Value[int]    `json:"height,omitempty"`
}

// UnmarshalJSON accepts a boolean or a constraint object.
func (c *TrackConstraints) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*c = TrackConstraints{Enabled: b}
		return nil
	}
	var obj trackObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("track constraints: %w", err)
	}
	*c = TrackConstraints{Enabled: true, DeviceID: obj.DeviceID, Width: obj.Width, Height: obj.Height}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (c TrackConstraints) MarshalJSON() ([]byte, error) {
	if !c.Enabled || (c.DeviceID == nil && c.Width == nil && c.Height == nil) {
		return json.Marshal(c.Enabled)
	}
	return json.Marshal(trackObject{DeviceID: c.DeviceID, Width: c.Width, Height: c.Height})
}

// Constraints selects the tracks of a stream.
type Constraints struct {
	Video TrackConstraints `json:"video"`
	Audio TrackConstraints `json:"audio"`
}

// Resolution is a video frame size.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ExactVideo returns constraints that open deviceID at exactly res, without audio.
func ExactVideo(deviceID string, res Resolution) Constraints {
	return Constraints{
		Video: TrackConstraints{
			Enabled:  true,
			DeviceID: ExactValue(deviceID),
			Width:    ExactValue(res.Width),
			Height:   ExactValue(res.Height),
		},
	}
}
