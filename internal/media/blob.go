package media

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Blob is an in-memory binary artifact.
type Blob struct {
	ID       string `json:"id"`
	MimeType string `json:"mimeType"`
	Data     []byte `json:"-"`
	// URL is set once the blob has been registered with an ObjectURLs.
	URL string `json:"url,omitempty"`
}

// NewBlob returns a blob with a fresh id.
func NewBlob(mimeType string, data []byte) *Blob {
	return &Blob{ID: uuid.NewString(), MimeType: mimeType, Data: data}
}

// Size returns the length of the blob data.
func (b *Blob) Size() int {
	return len(b.Data)
}

type blobJSON struct {
	ID       string `json:"id"`
	MimeType string `json:"mimeType"`
	Size     int    `json:"size"`
	URL      string `json:"url,omitempty"`
}

// MarshalJSON writes the blob metadata. Data never leaves the process this
// way; it is served from its URL.
func (b Blob) MarshalJSON() ([]byte, error) {
	return json.Marshal(blobJSON{ID: b.ID, MimeType: b.MimeType, Size: len(b.Data), URL: b.URL})
}

// BlobRef is either a local blob or a URL string pointing at a remote one.
type BlobRef struct {
	Blob *Blob
	URL  string
}

// LocalRef wraps b.
func LocalRef(b *Blob) BlobRef { return BlobRef{Blob: b} }

// RemoteRef wraps url.
func RemoteRef(url string) BlobRef { return BlobRef{URL: url} }

// IsRemote reports whether r is a plain URL.
func (r BlobRef) IsRemote() bool {
	return r.Blob == nil
}

// UnmarshalJSON accepts a URL string or blob metadata. Decoded blob metadata
// carries no data until resolved through ObjectURLs.Resolve.
func (r *BlobRef) UnmarshalJSON(data []byte) error {
	var url string
	if err := json.Unmarshal(data, &url); err == nil {
		*r = BlobRef{URL: url}
		return nil
	}
	var meta blobJSON
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("blob ref: %w", err)
	}
	if meta.ID == "" {
		return errors.New("blob ref: missing id")
	}
	*r = BlobRef{Blob: &Blob{ID: meta.ID, MimeType: meta.MimeType, URL: meta.URL}}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (r BlobRef) MarshalJSON() ([]byte, error) {
	if r.Blob != nil {
		return json.Marshal(r.Blob)
	}
	return json.Marshal(r.URL)
}

// ErrUnknownBlob is returned when a blob reference does not name a registered blob.
var ErrUnknownBlob = errors.New("unknown blob")

// ObjectURLs maps blobs to URLs served by the bridge.
type ObjectURLs struct {
	prefix string

	mu    sync.RWMutex
	blobs map[string]*Blob
}

// NewObjectURLs returns a registry whose URLs are prefix followed by the blob id.
func NewObjectURLs(prefix string) *ObjectURLs {
	return &ObjectURLs{prefix: prefix, blobs: make(map[string]*Blob)}
}

// Register makes b reachable and returns its URL.
func (o *ObjectURLs) Register(b *Blob) string {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.URL = o.prefix + b.ID

	o.mu.Lock()
	o.blobs[b.ID] = b
	o.mu.Unlock()
	return b.URL
}

// Lookup returns the blob registered under id.
func (o *ObjectURLs) Lookup(id string) (*Blob, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	b, ok := o.blobs[id]
	return b, ok
}

// Revoke forgets the blob behind url. Unknown URLs are ignored.
func (o *ObjectURLs) Revoke(url string) {
	id, ok := strings.CutPrefix(url, o.prefix)
	if !ok {
		return
	}
	o.mu.Lock()
	delete(o.blobs, id)
	o.mu.Unlock()
}

// Len returns the number of registered blobs.
func (o *ObjectURLs) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.blobs)
}

// Resolve replaces decoded blob metadata in r with the registered blob.
// Remote references are returned unchanged.
func (o *ObjectURLs) Resolve(r BlobRef) (BlobRef, error) {
	if r.Blob == nil || r.Blob.Data != nil {
		return r, nil
	}
	b, ok := o.Lookup(r.Blob.ID)
	if !ok {
		return r, fmt.Errorf("%w: %s", ErrUnknownBlob, r.Blob.ID)
	}
	return BlobRef{Blob: b}, nil
}
