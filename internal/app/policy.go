package app

import "github.com/dkeye/voiceroom/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropMessage
	KickPeer
)

func (a BackpressureAction) String() string {
	switch a {
	case DropMessage:
		return "drop"
	case KickPeer:
		return "kick"
	default:
		return "none"
	}
}

// MessageKind is the signaling message class that hit a full send queue.
type MessageKind string

const (
	KindRequest      MessageKind = "request"
	KindResponse     MessageKind = "response"
	KindNotification MessageKind = "notification"
)

// Policy decides what happens to a peer whose outbound signaling queue is full.
type Policy interface {
	OnBackpressure(peerID domain.PeerID, kind MessageKind) BackpressureAction
}

// SimplePolicy drops notifications and kicks a peer that cannot take a
// request or a response, since the other side would wait on it forever.
type SimplePolicy struct{}

func (SimplePolicy) OnBackpressure(_ domain.PeerID, kind MessageKind) BackpressureAction {
	if kind == KindNotification {
		return DropMessage
	}
	return KickPeer
}
