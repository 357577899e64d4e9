// Package rtc implements the media engine on top of pion's ORTC API.
package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/voiceroom/internal/media"
	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Config struct {
	ICEServers  []string
	AnnouncedIP string
	UDPPortMin  uint16
	UDPPortMax  uint16
	ICELite     bool
	// PlainListenIP is where plain transports bind their sockets.
	PlainListenIP string
	// PlainAnnouncedIP is advertised to plain transport peers, defaults to PlainListenIP.
	PlainAnnouncedIP string
}

type Engine struct {
	cfg Config

	mu      sync.Mutex
	routers map[string]*Router
	closed  bool
}

func NewEngine(cfg Config) *Engine {
	if cfg.PlainListenIP == "" {
		cfg.PlainListenIP = "127.0.0.1"
	}
	if cfg.PlainAnnouncedIP == "" {
		cfg.PlainAnnouncedIP = cfg.PlainListenIP
	}
	return &Engine{cfg: cfg, routers: make(map[string]*Router)}
}

func (e *Engine) CreateRouter(_ context.Context, opts media.RouterOptions) (media.Router, error) {
	caps, err := routerCapabilities(opts.MediaCodecs)
	if err != nil {
		return nil, err
	}
	api, err := e.newAPI(caps)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, media.ErrClosed
	}
	r := newRouter(uuid.NewString(), api, caps, e.cfg)
	e.routers[r.id] = r
	r.onClose = func() {
		e.mu.Lock()
		delete(e.routers, r.id)
		e.mu.Unlock()
	}
	log.Info().Str("module", "rtc").Str("router", r.id).Int("codecs", len(caps.Codecs)).Msg("router created")
	return r, nil
}

func (e *Engine) newAPI(caps media.RTPCapabilities) (*webrtc.API, error) {
	m, err := newMediaEngine(caps)
	if err != nil {
		return nil, err
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("rtc: register interceptors: %w", err)
	}

	s := webrtc.SettingEngine{}
	if e.cfg.UDPPortMin != 0 || e.cfg.UDPPortMax != 0 {
		if err := s.SetEphemeralUDPPortRange(e.cfg.UDPPortMin, e.cfg.UDPPortMax); err != nil {
			return nil, fmt.Errorf("rtc: udp port range: %w", err)
		}
	}
	if e.cfg.AnnouncedIP != "" {
		s.SetNAT1To1IPs([]string{e.cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	s.SetLite(e.cfg.ICELite)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(s),
	), nil
}

// Close closes every router the engine created.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	routers := make([]*Router, 0, len(e.routers))
	for _, r := range e.routers {
		routers = append(routers, r)
	}
	e.mu.Unlock()

	for _, r := range routers {
		r.Close()
	}
}

func (c Config) iceServers() []webrtc.ICEServer {
	if len(c.ICEServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: c.ICEServers}}
}
