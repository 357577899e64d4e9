package core

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/dkeye/voiceroom/internal/domain"
	"github.com/dkeye/voiceroom/internal/media"
	"github.com/rs/zerolog/log"
)

// JoinInfo is what a peer declares when joining.
type JoinInfo struct {
	DisplayName      string
	Device           domain.Device
	RTPCapabilities  *media.RTPCapabilities
	SCTPCapabilities *media.SCTPCapabilities
}

// Peer is an interactive participant bound to one signaling Channel.
type Peer struct {
	id      domain.PeerID
	channel Channel
	consume bool
	links   *MediaLinks
	closed  atomic.Bool

	mu       sync.RWMutex
	joined   bool
	name     string
	device   domain.Device
	rtpCaps  *media.RTPCapabilities
	sctpCaps *media.SCTPCapabilities
}

func NewPeer(id domain.PeerID, ch Channel, consume bool) *Peer {
	return &Peer{id: id, channel: ch, consume: consume, links: NewMediaLinks()}
}

func (p *Peer) ID() domain.PeerID    { return p.id }
func (p *Peer) Channel() Channel     { return p.channel }
func (p *Peer) Links() *MediaLinks   { return p.links }
func (p *Peer) WantsConsumers() bool { return p.consume }

func (p *Peer) Info() domain.PeerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return domain.PeerInfo{ID: p.id, DisplayName: p.name, Device: p.device}
}

func (p *Peer) Joined() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.joined
}

func (p *Peer) RTPCapabilities() *media.RTPCapabilities {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rtpCaps
}

func (p *Peer) SCTPCapabilities() *media.SCTPCapabilities {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sctpCaps
}

// Join records the declared identity and capabilities and marks the peer
// joined. A closed peer cannot join.
func (p *Peer) Join(info JoinInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return domain.ErrPeerClosed
	}
	if p.joined {
		return domain.ErrAlreadyJoined
	}
	p.joined = true
	p.name = info.DisplayName
	p.device = info.Device
	p.rtpCaps = info.RTPCapabilities
	p.sctpCaps = info.SCTPCapabilities
	return nil
}

// MarkClosed reports whether this call is the one that closed the peer.
// It is ordered with Join: once it returns, Joined no longer changes.
func (p *Peer) MarkClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed.CompareAndSwap(false, true)
}

func (p *Peer) Closed() bool { return p.closed.Load() }

// SetDisplayName returns the previous name.
func (p *Peer) SetDisplayName(name string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.name
	p.name = name
	return old
}

func (p *Peer) Request(ctx context.Context, method string, data any) (json.RawMessage, error) {
	return p.channel.Request(ctx, method, data)
}

// Notify is best-effort; failures are logged and dropped.
func (p *Peer) Notify(method string, data any) {
	if err := p.channel.Notify(method, data); err != nil {
		log.Debug().Str("module", "core.peer").Str("peer", string(p.id)).Str("method", method).Err(err).Msg("notify failed")
	}
}

func (p *Peer) Status() ParticipantStatus {
	return ParticipantStatus{PeerInfo: p.Info(), Joined: p.Joined(), Links: p.links.Counts()}
}
