package message

import (
	"encoding/json"

	"github.com/graaaaa/capsule-bridge/internal/capsule"
	"github.com/graaaaa/capsule-bridge/internal/media"
)

// Event is a notification to the UI. The set of implementations is closed.
// Payload returns the value sent as the event data; nil is sent as null.
type Event interface {
	Name() string
	Payload() any
	event()
}

type (
	DevicesReceived       struct{ Catalog media.Catalog }
	DeviceDetectionFailed struct{}
	WebcamBound           struct{}
	BindingWebcamFailed   struct{}
	RecordArrived         struct{ Record Record }
	PlayRecordFinished    struct{}
	NextSlideReceived     struct{}
	// ProgressReceived carries the upload progress in [0, 1].
	ProgressReceived struct{ Progress float64 }
	// CapsuleUpdated carries the capsule after an upload or import. Capsule is
	// nil when an already validated record was confirmed.
	CapsuleUpdated     struct{ Capsule *capsule.Capsule }
	UploadRecordFailed struct{}
	// Selected delivers the file picked for a project.
	Selected struct {
		ProjectID string
		File      media.BlobRef
	}
	// WebsocketMsg forwards a frame received from the server.
	WebsocketMsg struct{ Data json.RawMessage }

	// ElementChanged mirrors the state of a media element to the UI.
	ElementChanged struct{ State ElementState }
	// CapsuleExported reports the archive written for a capsule.
	CapsuleExported struct {
		CapsuleID string `json:"capsuleId"`
		Path      string `json:"path"`
		URL       string `json:"url"`
		Size      int64  `json:"size"`
	}
	// OperationFailed reports a failed command: a refused or lost recording,
	// a failed export or import.
	OperationFailed struct {
		Command string `json:"command"`
		Reason  string `json:"reason"`
	}
	ClipboardRequested struct{ Text string }
	ScrollRequested    struct{ Anchor string }
	SelectRequested    struct {
		ProjectID string   `json:"projectId"`
		Accept    []string `json:"accept"`
	}
	BeforeUnloadChanged struct{ Value bool }
)

// ElementState is the state of a media element as shown by the UI.
type ElementState struct {
	ID string `json:"id"`
	// Src is the URL to display, empty when a live stream is attached.
	Src     string `json:"src,omitempty"`
	Stream  string `json:"stream,omitempty"`
	Playing bool   `json:"playing"`
	Muted   bool   `json:"muted"`
	// Seek is incremented on every rewind.
	Seek    int  `json:"seek"`
	Focused bool `json:"focused,omitempty"`
}

func (DevicesReceived) Name() string       { return "devicesReceived" }
func (DeviceDetectionFailed) Name() string { return "deviceDetectionFailed" }
func (WebcamBound) Name() string           { return "webcamBound" }
func (BindingWebcamFailed) Name() string   { return "bindingWebcamFailed" }
func (RecordArrived) Name() string         { return "recordArrived" }
func (PlayRecordFinished) Name() string    { return "playRecordFinished" }
func (NextSlideReceived) Name() string     { return "nextSlideReceived" }
func (ProgressReceived) Name() string      { return "progressReceived" }
func (CapsuleUpdated) Name() string        { return "capsuleUpdated" }
func (UploadRecordFailed) Name() string    { return "uploadRecordFailed" }
func (Selected) Name() string              { return "selected" }
func (WebsocketMsg) Name() string          { return "websocketMsg" }
func (ElementChanged) Name() string        { return "elementChanged" }
func (CapsuleExported) Name() string       { return "capsuleExported" }
func (OperationFailed) Name() string       { return "operationFailed" }
func (ClipboardRequested) Name() string    { return "clipboardRequested" }
func (ScrollRequested) Name() string       { return "scrollRequested" }
func (SelectRequested) Name() string       { return "selectRequested" }
func (BeforeUnloadChanged) Name() string   { return "beforeUnloadChanged" }

func (e DevicesReceived) Payload() any     { return e.Catalog }
func (DeviceDetectionFailed) Payload() any { return nil }
func (WebcamBound) Payload() any           { return nil }
func (BindingWebcamFailed) Payload() any   { return nil }
func (e RecordArrived) Payload() any       { return e.Record }
func (PlayRecordFinished) Payload() any    { return nil }
func (NextSlideReceived) Payload() any     { return nil }
func (e ProgressReceived) Payload() any    { return e.Progress }
func (UploadRecordFailed) Payload() any    { return nil }
func (e Selected) Payload() any            { return []any{e.ProjectID, e.File} }
func (e WebsocketMsg) Payload() any        { return e.Data }
func (e ElementChanged) Payload() any      { return e.State }
func (e CapsuleExported) Payload() any     { return e }
func (e OperationFailed) Payload() any     { return e }
func (e ClipboardRequested) Payload() any  { return e.Text }
func (e ScrollRequested) Payload() any     { return e.Anchor }
func (e SelectRequested) Payload() any     { return e }
func (e BeforeUnloadChanged) Payload() any { return e.Value }

func (e CapsuleUpdated) Payload() any {
	if e.Capsule == nil {
		return nil
	}
	return e.Capsule
}

func (DevicesReceived) event()       {}
func (DeviceDetectionFailed) event() {}
func (WebcamBound) event()           {}
func (BindingWebcamFailed) event()   {}
func (RecordArrived) event()         {}
func (PlayRecordFinished) event()    {}
func (NextSlideReceived) event()     {}
func (ProgressReceived) event()      {}
func (CapsuleUpdated) event()        {}
func (UploadRecordFailed) event()    {}
func (Selected) event()              {}
func (WebsocketMsg) event()          {}
func (ElementChanged) event()        {}
func (CapsuleExported) event()       {}
func (OperationFailed) event()       {}
func (ClipboardRequested) event()    {}
func (ScrollRequested) event()       {}
func (SelectRequested) event()       {}
func (BeforeUnloadChanged) event()   {}

// EncodePayload returns the JSON data of e.
func EncodePayload(e Event) ([]byte, error) {
	return json.Marshal(e.Payload())
}
