package media

import "context"

// Source is what an element displays: a live stream or a URL.
type Source struct {
	Stream Stream
	URL    string
}

// Empty reports whether s displays nothing.
func (s Source) Empty() bool {
	return s.Stream == nil && s.URL == ""
}

// Element is a media element such as the shared video element or the extra
// element of a slide.
type Element interface {
	ID() string
	SetSource(src Source)
	Source() Source
	Play() error
	Pause()
	// Rewind moves playback back to the start.
	Rewind()
	SetMuted(muted bool)
	Focus()
	// OnEnded sets the handler called when playback reaches the end.
	// A nil handler removes it.
	OnEnded(fn func())
}

// Document gives access to the elements of the current page.
type Document interface {
	Video() Element
	// Extra returns the secondary media element of the current slide, if mounted.
	Extra() (Element, bool)
	// WaitFrame blocks until the next rendered frame.
	WaitFrame(ctx context.Context) error
}
