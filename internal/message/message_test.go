package message

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/graaaaa/capsule-bridge/internal/capsule"
	"github.com/graaaaa/capsule-bridge/internal/media"
)

func TestDecodeCommand_Preferences(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		key     string
		value   string
	}{
		{"setLanguage", `"fr-FR"`, "language", "fr-FR"},
		{"setZoomLevel", `"3"`, "zoomLevel", "3"},
		{"setAcquisitionInverted", `true`, "acquisitionInverted", "true"},
		{"setSortBy", `{"key": "name", "ascending": true}`, "sortBy", `{"key":"name","ascending":true}`},
		{"setPromptSize", `"28"`, "promptSize", "28"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := DecodeCommand(tt.name, json.RawMessage(tt.payload))
			if err != nil {
				t.Fatalf("DecodeCommand: %v", err)
			}
			pref, ok := cmd.(SetPreference)
			if !ok {
				t.Fatalf("got %T", cmd)
			}
			if pref.Key != tt.key || pref.Value != tt.value || pref.Name() != tt.name {
				t.Errorf("got %+v", pref)
			}
		})
	}
}

func TestDecodeEnvelope_Structured(t *testing.T) {
	tests := []struct {
		raw   string
		check func(t *testing.T, c Command)
	}{
		{`{"command": "findDevices", "payload": true}`, func(t *testing.T, c Command) {
			if !c.(FindDevices).Force {
				t.Error("expected force")
			}
		}},
		{`{"command": "findDevices"}`, func(t *testing.T, c Command) {
			if c.(FindDevices).Force {
				t.Error("missing payload should not force")
			}
		}},
		{`{"command": "bindWebcam", "payload": [{"video": {"deviceId": {"exact": "cam0"}}, "audio": true}, {"mimeType": "video/webm"}]}`, func(t *testing.T, c Command) {
			b := c.(BindWebcam)
			if b.Constraints.Video.DeviceID.V != "cam0" || !b.Constraints.Audio.Enabled || b.Options.MimeType != "video/webm" {
				t.Errorf("got %+v", b)
			}
		}},
		{`{"command": "uploadRecord", "payload": [42, 1, {"webcam_blob": "https://s/r.webm", "pointer_blob": null, "events": []}]}`, func(t *testing.T, c Command) {
			u := c.(UploadRecord)
			if u.CapsuleID != "42" || u.Gos != 1 || !u.Record.WebcamBlob.IsRemote() || u.Record.HasPointer() {
				t.Errorf("got %+v", u)
			}
		}},
		{`{"command": "select", "payload": ["proj", ["application/zip"]]}`, func(t *testing.T, c Command) {
			s := c.(Select)
			if s.ProjectID != "proj" || len(s.MimeTypes) != 1 {
				t.Errorf("got %+v", s)
			}
		}},
		{`{"command": "pointerDown", "payload": {"offsetX": 10, "offsetY": 20, "parentWidth": 960}}`, func(t *testing.T, c Command) {
			p := c.(PointerInput)
			if p.Kind != PointerDown || p.OffsetX != 10 || p.ParentWidth != 960 {
				t.Errorf("got %+v", p)
			}
		}},
		{`{"command": "setExtra", "payload": null}`, func(t *testing.T, c Command) {
			if c.(SetExtra).URL != "" {
				t.Error("null payload should unmount")
			}
		}},
	}
	for _, tt := range tests {
		cmd, err := DecodeEnvelope([]byte(tt.raw))
		if err != nil {
			t.Fatalf("%s: %v", tt.raw, err)
		}
		tt.check(t, cmd)
	}
}

func TestDecodeCommand_Errors(t *testing.T) {
	if _, err := DecodeCommand("launchRocket", nil); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("expected ErrUnknownCommand, got %v", err)
	}
	if _, err := DecodeCommand("bindWebcam", json.RawMessage(`[true]`)); !errors.Is(err, ErrBadPayload) {
		t.Errorf("expected ErrBadPayload for short tuple, got %v", err)
	}
	if _, err := DecodeCommand("uploadRecord", json.RawMessage(`[1.5, 0, {"webcam_blob": "x", "pointer_blob": null, "events": []}]`)); !errors.Is(err, ErrBadPayload) {
		t.Errorf("expected ErrBadPayload for fractional id, got %v", err)
	}
	if _, err := DecodeCommand("setLanguage", nil); !errors.Is(err, ErrBadPayload) {
		t.Errorf("expected ErrBadPayload for missing preference, got %v", err)
	}
}

func TestEncodePayload(t *testing.T) {
	blob := media.NewBlob("video/webm", []byte("data"))
	blob.URL = "/api/v1/blobs/" + blob.ID

	tests := []struct {
		event Event
		want  string
	}{
		{WebcamBound{}, `null`},
		{ProgressReceived{Progress: 0.5}, `0.5`},
		{CapsuleUpdated{}, `null`},
		{Selected{ProjectID: "p", File: media.RemoteRef("u")}, `["p","u"]`},
		{RecordArrived{Record: Record{
			WebcamBlob: media.RemoteRef("w"),
			Events:     []capsule.Event{{Ty: capsule.EventStart}, {Ty: capsule.EventEnd, Time: 10}},
		}}, `{"webcam_blob":"w","pointer_blob":null,"events":[{"ty":"start","time":0},{"ty":"end","time":10}]}`},
	}
	for _, tt := range tests {
		got, err := EncodePayload(tt.event)
		if err != nil {
			t.Fatalf("%s: %v", tt.event.Name(), err)
		}
		if string(got) != tt.want {
			t.Errorf("%s: got %s, want %s", tt.event.Name(), got, tt.want)
		}
	}

	pointer := media.LocalRef(blob)
	data, err := EncodePayload(RecordArrived{Record: Record{WebcamBlob: media.RemoteRef("w"), PointerBlob: &pointer}})
	if err != nil {
		t.Fatal(err)
	}
	var decoded Record
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.PointerBlob == nil || decoded.PointerBlob.Blob.ID != blob.ID {
		t.Errorf("pointer blob lost: %s", data)
	}
}

func TestCollector_Wait(t *testing.T) {
	c := NewCollector()
	go c.Emit(WebcamBound{})

	if _, ok := c.Wait("webcamBound", time.Second); !ok {
		t.Fatal("timed out waiting for event")
	}
	if _, ok := c.Wait("recordArrived", 10*time.Millisecond); ok {
		t.Error("unexpected event")
	}
	if c.Count("webcamBound") != 1 {
		t.Errorf("Count = %d", c.Count("webcamBound"))
	}
}
