package rtcclient

import "github.com/pion/webrtc/v4"

// MediaSource supplies the local tracks attached to every peer connection.
// Invite and Accept require an open source; CloseStream releases it.
type MediaSource interface {
	Tracks() []webrtc.TrackLocal
	Close() error
}

// TrackSource is a fixed-track MediaSource over pre-built local tracks.
type TrackSource struct {
	tracks []webrtc.TrackLocal
}

func NewTrackSource(tracks ...webrtc.TrackLocal) *TrackSource {
	return &TrackSource{tracks: tracks}
}

func (s *TrackSource) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *TrackSource) Close() error { return nil }
