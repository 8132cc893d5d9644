package ports

import (
	"context"

	"github.com/pion/webrtc/v3"
)

type MediaConstraints struct {
	Audio bool
	Video bool
}

// LocalStream is a captured set of local tracks.
type LocalStream interface {
	ID() string
	Tracks() []webrtc.TrackLocal
	Stop()
}

// RemoteStream collects tracks received from the peer.
type RemoteStream interface {
	AddTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	TrackCount() int
	Stop()
}

// MediaSource stands in for the user-media prompt.
type MediaSource interface {
	GetUserMedia(ctx context.Context, constraints MediaConstraints) (LocalStream, error)
	NewRemoteStream() RemoteStream
}
