package domain

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// MediaTrack is one audio or video track of a stream.
type MediaTrack interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

// MediaStream is an opaque handle to a set of tracks. The call core only looks at
// presence, the track list and the enable flags.
type MediaStream interface {
	ID() string
	Tracks() []MediaTrack
	// Stop ends every track. Calling it more than once has no further effect.
	Stop()
}

// SetKindEnabled toggles all tracks of one kind on a stream.
func SetKindEnabled(stream MediaStream, kind TrackKind, enabled bool) {
	if stream == nil {
		return
	}
	for _, t := range stream.Tracks() {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
		}
	}
}
