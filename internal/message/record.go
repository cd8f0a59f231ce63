// Package message defines the commands the UI sends to the bridge and the
// events the bridge sends back.
package message

import (
	"github.com/graaaaa/capsule-bridge/internal/capsule"
	"github.com/graaaaa/capsule-bridge/internal/media"
)

// Record is the artifact of one recording: the webcam blob, the pointer blob
// when the pointer was visible, and the event log.
type Record struct {
	WebcamBlob  media.BlobRef   `json:"webcam_blob"`
	PointerBlob *media.BlobRef  `json:"pointer_blob"`
	Events      []capsule.Event `json:"events"`
}

// HasPointer reports whether the record carries a pointer track.
func (r Record) HasPointer() bool {
	return r.PointerBlob != nil
}
