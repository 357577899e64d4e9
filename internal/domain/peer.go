// Package domain contains entity meta-data shared by the session layer and its adapters.
package domain

type (
	RoomID string
	PeerID string
)

// DeviceFlagBroadcaster marks devices that joined through the ingest API.
const DeviceFlagBroadcaster = "broadcaster"

// Device describes the client software of a participant.
type Device struct {
	Flag    string `json:"flag,omitempty"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// PeerInfo is the read-only view of a participant sent to other peers.
type PeerInfo struct {
	ID          PeerID `json:"id"`
	DisplayName string `json:"displayName"`
	Device      Device `json:"device"`
}
