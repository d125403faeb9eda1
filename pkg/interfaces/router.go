package interfaces

import (
	"context"

	"classrelay/pkg/protocol"
)

// RelayRouter fans teacher transcriptions and audio out to students.
type RelayRouter interface {
	HandleTranscription(ctx context.Context, peer Peer, msg *protocol.Transcription) error

	HandleAudio(ctx context.Context, peer Peer, msg *protocol.Audio) error

	// Forget drops per-connection state once the peer is gone.
	Forget(peerID string)
}
