package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/graaaaa/capsule-bridge/internal/capsule"
	"github.com/graaaaa/capsule-bridge/internal/media"
)

// Command is a request from the UI. The set of implementations is closed.
type Command interface {
	Name() string
	command()
}

// Preference commands and the keys they persist under.
var preferenceCommands = map[string]string{
	"setLanguage":            "language",
	"setZoomLevel":           "zoomLevel",
	"setAcquisitionInverted": "acquisitionInverted",
	"setVideoDeviceId":       "videoDeviceId",
	"setResolution":          "resolution",
	"setAudioDeviceId":       "audioDeviceId",
	"setSortBy":              "sortBy",
	"setPromptSize":          "promptSize",
}

// SetPreference persists Value under Key.
type SetPreference struct {
	Command string
	Key     string
	Value   string
}

type (
	// SetOnBeforeUnloadValue toggles the leave-page confirmation.
	SetOnBeforeUnloadValue struct{ Value bool }
	// FindDevices requests the device catalog, bypassing the cache when Force is set.
	FindDevices struct{ Force bool }
	// BindWebcam acquires the camera stream and creates the recorders.
	BindWebcam struct {
		Constraints media.Constraints
		Options     media.RecorderOptions
	}
	UnbindWebcam    struct{}
	PlayWebcam      struct{}
	StartRecording  struct{}
	StopRecording   struct{}
	AskNextSlide    struct{}
	AskNextSentence struct{}
	// PlayRecord replays a record in the video element.
	PlayRecord struct{ Record Record }
	// UploadRecord sends a record to the server for group Gos of a capsule.
	UploadRecord struct {
		CapsuleID string
		Gos       int
		Record    Record
	}
	// ExportCapsule writes the capsule and its assets to an archive.
	ExportCapsule struct{ Capsule capsule.Capsule }
	// ImportCapsule recreates the capsule held in Archive under ProjectID.
	ImportCapsule struct {
		ProjectID string
		Archive   media.BlobRef
	}
	CopyString     struct{ Text string }
	ScrollIntoView struct{ Anchor string }
	// Select asks the UI to let the user pick a file of one of MimeTypes.
	Select struct {
		ProjectID string
		MimeTypes []string
	}
	// FileSelected completes a Select with the uploaded file.
	FileSelected struct {
		ProjectID string
		File      media.BlobRef
	}
	// PointerInput is a pointer event on the overlay, in element coordinates.
	PointerInput struct {
		Kind        PointerKind
		OffsetX     float64 `json:"offsetX"`
		OffsetY     float64 `json:"offsetY"`
		ParentWidth float64 `json:"parentWidth"`
	}
	// ElementEnded reports that playback of element ID reached its end.
	ElementEnded struct{ ID string }
	// SetExtra mounts the extra element with URL, or unmounts it when URL is empty.
	SetExtra struct{ URL string }
)

// PointerKind distinguishes pointer events.
type PointerKind string

const (
	PointerDown  PointerKind = "pointerDown"
	PointerMove  PointerKind = "pointerMove"
	PointerUp    PointerKind = "pointerUp"
	PointerLeave PointerKind = "pointerLeave"
)

func (c SetPreference) Name() string        { return c.Command }
func (SetOnBeforeUnloadValue) Name() string { return "setOnBeforeUnloadValue" }
func (FindDevices) Name() string            { return "findDevices" }
func (BindWebcam) Name() string             { return "bindWebcam" }
func (UnbindWebcam) Name() string           { return "unbindWebcam" }
func (PlayWebcam) Name() string             { return "playWebcam" }
func (StartRecording) Name() string         { return "startRecording" }
func (StopRecording) Name() string          { return "stopRecording" }
func (AskNextSlide) Name() string           { return "askNextSlide" }
func (AskNextSentence) Name() string        { return "askNextSentence" }
func (PlayRecord) Name() string             { return "playRecord" }
func (UploadRecord) Name() string           { return "uploadRecord" }
func (ExportCapsule) Name() string          { return "exportCapsule" }
func (ImportCapsule) Name() string          { return "importCapsule" }
func (CopyString) Name() string             { return "copyString" }
func (ScrollIntoView) Name() string         { return "scrollIntoView" }
func (Select) Name() string                 { return "select" }
func (FileSelected) Name() string           { return "fileSelected" }
func (c PointerInput) Name() string         { return string(c.Kind) }
func (ElementEnded) Name() string           { return "elementEnded" }
func (SetExtra) Name() string               { return "setExtra" }

func (SetPreference) command()          {}
func (SetOnBeforeUnloadValue) command() {}
func (FindDevices) command()            {}
func (BindWebcam) command()             {}
func (UnbindWebcam) command()           {}
func (PlayWebcam) command()             {}
func (StartRecording) command()         {}
func (StopRecording) command()          {}
func (AskNextSlide) command()           {}
func (AskNextSentence) command()        {}
func (PlayRecord) command()             {}
func (UploadRecord) command()           {}
func (ExportCapsule) command()          {}
func (ImportCapsule) command()          {}
func (CopyString) command()             {}
func (ScrollIntoView) command()         {}
func (Select) command()                 {}
func (FileSelected) command()           {}
func (PointerInput) command()           {}
func (ElementEnded) command()           {}
func (SetExtra) command()               {}

// Envelope is the wire form of a command.
type Envelope struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeEnvelope decodes a command from its wire form.
func DecodeEnvelope(data []byte) (Command, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return DecodeCommand(env.Command, env.Payload)
}

// DecodeCommand maps a command name and its JSON payload to a Command.
func DecodeCommand(name string, payload json.RawMessage) (Command, error) {
	cmd, err := decodeCommand(name, payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return cmd, nil
}

func decodeCommand(name string, payload json.RawMessage) (Command, error) {
	if key, ok := preferenceCommands[name]; ok {
		value, err := preferenceValue(payload)
		if err != nil {
			return nil, err
		}
		return SetPreference{Command: name, Key: key, Value: value}, nil
	}

	switch name {
	case "setOnBeforeUnloadValue":
		var c SetOnBeforeUnloadValue
		if err := decode(payload, &c.Value); err != nil {
			return nil, err
		}
		return c, nil
	case "findDevices":
		var c FindDevices
		if err := decode(payload, &c.Force); err != nil {
			return nil, err
		}
		return c, nil
	case "bindWebcam":
		var c BindWebcam
		if err := decodeTuple(payload, &c.Constraints, &c.Options); err != nil {
			return nil, err
		}
		return c, nil
	case "unbindWebcam":
		return UnbindWebcam{}, nil
	case "playWebcam":
		return PlayWebcam{}, nil
	case "startRecording":
		return StartRecording{}, nil
	case "stopRecording":
		return StopRecording{}, nil
	case "askNextSlide":
		return AskNextSlide{}, nil
	case "askNextSentence":
		return AskNextSentence{}, nil
	case "playRecord":
		var c PlayRecord
		if err := decode(payload, &c.Record); err != nil {
			return nil, err
		}
		return c, nil
	case "uploadRecord":
		var c UploadRecord
		var id json.RawMessage
		if err := decodeTuple(payload, &id, &c.Gos, &c.Record); err != nil {
			return nil, err
		}
		var err error
		if c.CapsuleID, err = identifier(id); err != nil {
			return nil, err
		}
		return c, nil
	case "exportCapsule":
		var c ExportCapsule
		if err := decode(payload, &c.Capsule); err != nil {
			return nil, err
		}
		return c, nil
	case "importCapsule":
		var c ImportCapsule
		var id json.RawMessage
		if err := decodeTuple(payload, &id, &c.Archive); err != nil {
			return nil, err
		}
		var err error
		if c.ProjectID, err = identifier(id); err != nil {
			return nil, err
		}
		return c, nil
	case "copyString":
		var c CopyString
		if err := decode(payload, &c.Text); err != nil {
			return nil, err
		}
		return c, nil
	case "scrollIntoView":
		var c ScrollIntoView
		if err := decode(payload, &c.Anchor); err != nil {
			return nil, err
		}
		return c, nil
	case "select":
		var c Select
		var id json.RawMessage
		if err := decodeTuple(payload, &id, &c.MimeTypes); err != nil {
			return nil, err
		}
		var err error
		if c.ProjectID, err = identifier(id); err != nil {
			return nil, err
		}
		return c, nil
	case "fileSelected":
		var c FileSelected
		var id json.RawMessage
		if err := decodeTuple(payload, &id, &c.File); err != nil {
			return nil, err
		}
		var err error
		if c.ProjectID, err = identifier(id); err != nil {
			return nil, err
		}
		return c, nil
	case string(PointerDown), string(PointerMove), string(PointerUp), string(PointerLeave):
		c := PointerInput{Kind: PointerKind(name)}
		if err := decode(payload, &c); err != nil {
			return nil, err
		}
		c.Kind = PointerKind(name)
		return c, nil
	case "elementEnded":
		var c ElementEnded
		if err := decode(payload, &c.ID); err != nil {
			return nil, err
		}
		return c, nil
	case "setExtra":
		var c SetExtra
		if err := decode(payload, &c.URL); err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, ErrUnknownCommand
}

// decode unmarshals payload into v. An absent or null payload leaves v at its zero value.
func decode(payload json.RawMessage, v any) error {
	if isNull(payload) {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}

// decodeTuple unmarshals a JSON array payload element-wise into vs.
func decodeTuple(payload json.RawMessage, vs ...any) error {
	var items []json.RawMessage
	if err := json.Unmarshal(payload, &items); err != nil {
		return fmt.Errorf("%w: expected array: %v", ErrBadPayload, err)
	}
	if len(items) != len(vs) {
		return fmt.Errorf("%w: expected %d elements, got %d", ErrBadPayload, len(vs), len(items))
	}
	for i, item := range items {
		if err := decode(item, vs[i]); err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
	}
	return nil
}

// identifier accepts a JSON string or number and returns it as a string.
func identifier(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("%w: identifier must be a string or number", ErrBadPayload)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return "", fmt.Errorf("%w: identifier %s is not an integer", ErrBadPayload, n)
	}
	return n.String(), nil
}

// preferenceValue returns string payloads as is and any other JSON value as its text.
func preferenceValue(payload json.RawMessage) (string, error) {
	if isNull(payload) {
		return "", fmt.Errorf("%w: missing value", ErrBadPayload)
	}
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		return s, nil
	}
	if !json.Valid(payload) {
		return "", fmt.Errorf("%w: invalid JSON", ErrBadPayload)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return buf.String(), nil
}

func isNull(payload json.RawMessage) bool {
	trimmed := bytes.TrimSpace(payload)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
