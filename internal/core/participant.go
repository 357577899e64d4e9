package core

import (
	"github.com/dkeye/voiceroom/internal/domain"
	"github.com/dkeye/voiceroom/internal/media"
)

// Participant is what fan-out logic needs from either a Peer or a Broadcaster.
type Participant interface {
	ID() domain.PeerID
	Info() domain.PeerInfo
	// RTPCapabilities is nil until the participant declared what it can receive.
	RTPCapabilities() *media.RTPCapabilities
	SCTPCapabilities() *media.SCTPCapabilities
	Links() *MediaLinks
}

// ParticipantStatus is a read-only view for APIs and status logs.
type ParticipantStatus struct {
	domain.PeerInfo
	Joined bool       `json:"joined"`
	Links  LinkCounts `json:"links"`
}
