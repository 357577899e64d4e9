package core

import (
	"github.com/dkeye/voiceroom/internal/domain"
	"github.com/dkeye/voiceroom/internal/media"
)

// Broadcaster is an ingest-only participant driven through the HTTP API.
// Its identity and capabilities are fixed at creation.
type Broadcaster struct {
	info    domain.PeerInfo
	rtpCaps *media.RTPCapabilities
	links   *MediaLinks
}

func NewBroadcaster(id domain.PeerID, displayName string, device domain.Device, caps *media.RTPCapabilities) *Broadcaster {
	device.Flag = domain.DeviceFlagBroadcaster
	return &Broadcaster{
		info:    domain.PeerInfo{ID: id, DisplayName: displayName, Device: device},
		rtpCaps: caps,
		links:   NewMediaLinks(),
	}
}

func (b *Broadcaster) ID() domain.PeerID                         { return b.info.ID }
func (b *Broadcaster) Info() domain.PeerInfo                     { return b.info }
func (b *Broadcaster) RTPCapabilities() *media.RTPCapabilities   { return b.rtpCaps }
func (b *Broadcaster) SCTPCapabilities() *media.SCTPCapabilities { return nil }
func (b *Broadcaster) Links() *MediaLinks                        { return b.links }

func (b *Broadcaster) Status() ParticipantStatus {
	return ParticipantStatus{PeerInfo: b.info, Joined: true, Links: b.links.Counts()}
}
