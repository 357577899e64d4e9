package session

import (
	"context"
	"fmt"

	"github.com/dkeye/voiceroom/internal/core"
	"github.com/dkeye/voiceroom/internal/domain"
	"github.com/dkeye/voiceroom/internal/media"
	"github.com/rs/zerolog/log"
)

// IngestDevice is the device a broadcaster declares.
type IngestDevice struct {
	Name    string `json:"name" validate:"required"`
	Version string `json:"version"`
}

type CreateBroadcasterRequest struct {
	ID              domain.PeerID          `json:"id" validate:"required"`
	DisplayName     string                 `json:"displayName" validate:"required"`
	Device          IngestDevice           `json:"device"`
	RTPCapabilities *media.RTPCapabilities `json:"rtpCapabilities"`
}

// Validate checks the required fields and, when capabilities are declared,
// that they carry at least one audio or video codec.
func (q CreateBroadcasterRequest) Validate() error {
	if err := domain.Validate(q); err != nil {
		return err
	}
	if q.RTPCapabilities != nil && !q.RTPCapabilities.HasMediaCodec() {
		return fmt.Errorf("%w: rtpCapabilities declares no audio or video codec", domain.ErrInvalidArgument)
	}
	return nil
}

type ProducerInfo struct {
	ID   string     `json:"id"`
	Kind media.Kind `json:"kind"`
}

type BroadcasterPeer struct {
	domain.PeerInfo
	Producers []ProducerInfo `json:"producers"`
}

type CreateBroadcasterReply struct {
	Peers []BroadcasterPeer `json:"peers"`
}

// CreateBroadcaster registers an ingest participant. The reply lists joined
// peers with the producers the broadcaster can consume, only when it declared
// capabilities.
func (r *Room) CreateBroadcaster(q CreateBroadcasterRequest) (CreateBroadcasterReply, error) {
	if err := q.Validate(); err != nil {
		return CreateBroadcasterReply{}, err
	}
	b := core.NewBroadcaster(q.ID, q.DisplayName, domain.Device{Name: q.Device.Name, Version: q.Device.Version}, q.RTPCapabilities)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return CreateBroadcasterReply{}, domain.ErrRoomClosed
	}
	if _, ok := r.broadcasters[q.ID]; ok {
		r.mu.Unlock()
		return CreateBroadcasterReply{}, fmt.Errorf("broadcaster %q: %w", q.ID, domain.ErrAlreadyExists)
	}
	r.broadcasters[q.ID] = b
	joined := r.joinedPeersLocked(nil)
	r.mu.Unlock()

	log.Info().Str("module", "session.ingest").Str("room", string(r.id)).Str("broadcaster", string(q.ID)).Msg("broadcaster created")

	for _, p := range joined {
		p.Notify("newPeer", b.Info())
	}

	reply := CreateBroadcasterReply{Peers: []BroadcasterPeer{}}
	if q.RTPCapabilities == nil {
		return reply, nil
	}
	for _, p := range joined {
		info := BroadcasterPeer{PeerInfo: p.Info(), Producers: []ProducerInfo{}}
		for _, producer := range p.Links().Producers() {
			if !r.router.CanConsume(producer.ID(), *q.RTPCapabilities) {
				continue
			}
			info.Producers = append(info.Producers, ProducerInfo{ID: producer.ID(), Kind: producer.Kind()})
		}
		reply.Peers = append(reply.Peers, info)
	}
	return reply, nil
}

// DeleteBroadcaster closes every transport of the broadcaster and tells
// joined peers it left.
func (r *Room) DeleteBroadcaster(id domain.PeerID) error {
	r.mu.Lock()
	b, ok := r.broadcasters[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("broadcaster %q: %w", id, domain.ErrNotFound)
	}
	delete(r.broadcasters, id)
	joined := r.joinedPeersLocked(nil)
	r.mu.Unlock()

	for _, t := range b.Links().Close() {
		t.Close()
	}
	for _, p := range joined {
		p.Notify("peerClosed", map[string]any{"peerId": id})
	}
	log.Info().Str("module", "session.ingest").Str("room", string(r.id)).Str("broadcaster", string(id)).Msg("broadcaster deleted")
	return nil
}

func (r *Room) broadcaster(id domain.PeerID) (*core.Broadcaster, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.broadcasters[id]
	if !ok {
		return nil, fmt.Errorf("broadcaster %q: %w", id, domain.ErrNotFound)
	}
	return b, nil
}

func (r *Room) broadcasterTransport(broadcasterID domain.PeerID, transportID string) (*core.Broadcaster, media.Transport, error) {
	b, err := r.broadcaster(broadcasterID)
	if err != nil {
		return nil, nil, err
	}
	t, ok := b.Links().Transport(transportID)
	if !ok {
		return nil, nil, notFound("transport", transportID)
	}
	return b, t, nil
}

// CreateBroadcasterTransportRequest selects a webrtc or a plain transport.
// RTCPMux and Comedia only apply to plain, SCTPCapabilities only to webrtc.
type CreateBroadcasterTransportRequest struct {
	Type             media.TransportKind     `json:"type" validate:"required,oneof=webrtc plain"`
	RTCPMux          *bool                   `json:"rtcpMux"`
	Comedia          *bool                   `json:"comedia"`
	SCTPCapabilities *media.SCTPCapabilities `json:"sctpCapabilities"`
}

func (q CreateBroadcasterTransportRequest) Validate() error {
	if err := domain.Validate(q); err != nil {
		return err
	}
	switch q.Type {
	case media.TransportWebRTC:
		if q.RTCPMux != nil || q.Comedia != nil {
			return fmt.Errorf("%w: rtcpMux and comedia only apply to plain transports", domain.ErrInvalidArgument)
		}
	case media.TransportPlain:
		if q.SCTPCapabilities != nil {
			return fmt.Errorf("%w: sctpCapabilities only apply to webrtc transports", domain.ErrInvalidArgument)
		}
	}
	return nil
}

func (r *Room) CreateBroadcasterTransport(ctx context.Context, broadcasterID domain.PeerID, q CreateBroadcasterTransportRequest) (media.TransportParameters, error) {
	b, err := r.broadcaster(broadcasterID)
	if err != nil {
		return media.TransportParameters{}, err
	}
	if err := q.Validate(); err != nil {
		return media.TransportParameters{}, err
	}

	var transport media.Transport
	switch q.Type {
	case media.TransportWebRTC:
		opts := media.WebRTCTransportOptions{
			EnableUDP:  true,
			EnableTCP:  true,
			PreferUDP:  true,
			EnableSCTP: q.SCTPCapabilities != nil,
		}
		if q.SCTPCapabilities != nil {
			opts.NumSCTPStreams = q.SCTPCapabilities.NumStreams
		}
		transport, err = r.router.CreateWebRTCTransport(ctx, opts)
	case media.TransportPlain:
		opts := media.PlainTransportOptions{RTCPMux: false, Comedia: true}
		if q.RTCPMux != nil {
			opts.RTCPMux = *q.RTCPMux
		}
		if q.Comedia != nil {
			opts.Comedia = *q.Comedia
		}
		transport, err = r.router.CreatePlainTransport(ctx, opts)
	}
	if err != nil {
		return media.TransportParameters{}, engineErr("create broadcaster transport", err)
	}

	r.observeTransport(transport, nil)
	if !b.Links().AddTransport(transport) {
		transport.Close()
		return media.TransportParameters{}, fmt.Errorf("broadcaster %q: %w", broadcasterID, domain.ErrNotFound)
	}
	return transport.Parameters(), nil
}

func (r *Room) ConnectBroadcasterTransport(ctx context.Context, broadcasterID domain.PeerID, transportID string, params media.ConnectParameters) error {
	_, transport, err := r.broadcasterTransport(broadcasterID, transportID)
	if err != nil {
		return err
	}
	if transport.Kind() != media.TransportWebRTC {
		return fmt.Errorf("%w: transport %q is not a webrtc transport", domain.ErrInvalidArgument, transportID)
	}
	if err := transport.Connect(ctx, params); err != nil {
		return engineErr("connect broadcaster transport", err)
	}
	return nil
}

type CreateBroadcasterProducerRequest struct {
	Kind          media.Kind          `json:"kind" validate:"required,oneof=audio video"`
	RTPParameters media.RTPParameters `json:"rtpParameters"`
	AppData       media.AppData       `json:"appData"`
}

// CreateBroadcasterProducer produces on a broadcaster transport and offers
// the producer to every joined peer.
func (r *Room) CreateBroadcasterProducer(ctx context.Context, broadcasterID domain.PeerID, transportID string, q CreateBroadcasterProducerRequest) (string, error) {
	b, transport, err := r.broadcasterTransport(broadcasterID, transportID)
	if err != nil {
		return "", err
	}
	if err := domain.Validate(q); err != nil {
		return "", err
	}
	producer, err := r.createProducer(ctx, b, transport, produceRequest{
		TransportID:   transportID,
		Kind:          q.Kind,
		RTPParameters: q.RTPParameters,
		AppData:       q.AppData,
	})
	if err != nil {
		return "", err
	}
	r.fanOutProducer(b, producer)
	r.watchAudio(producer)
	return producer.ID(), nil
}

type BroadcasterConsumer struct {
	ID            string              `json:"id"`
	ProducerID    string              `json:"producerId"`
	Kind          media.Kind          `json:"kind"`
	RTPParameters media.RTPParameters `json:"rtpParameters"`
	Type          string              `json:"type"`
}

// CreateBroadcasterConsumer needs the capabilities given at creation; there
// is no later path to declare them.
func (r *Room) CreateBroadcasterConsumer(ctx context.Context, broadcasterID domain.PeerID, transportID, producerID string) (BroadcasterConsumer, error) {
	b, transport, err := r.broadcasterTransport(broadcasterID, transportID)
	if err != nil {
		return BroadcasterConsumer{}, err
	}
	caps := b.RTPCapabilities()
	if caps == nil {
		return BroadcasterConsumer{}, fmt.Errorf("%w: broadcaster %q has no rtpCapabilities", domain.ErrInvalidArgument, broadcasterID)
	}
	if !r.router.CanConsume(producerID, *caps) {
		return BroadcasterConsumer{}, fmt.Errorf("%w: cannot consume producer %q", domain.ErrInvalidArgument, producerID)
	}
	links := b.Links()
	if !links.ClaimProducer(producerID) {
		return BroadcasterConsumer{}, fmt.Errorf("consumer of producer %q: %w", producerID, domain.ErrAlreadyExists)
	}

	consumer, err := transport.Consume(ctx, media.ConsumerOptions{ProducerID: producerID, RTPCapabilities: *caps})
	if err != nil {
		links.ReleaseProducer(producerID)
		return BroadcasterConsumer{}, engineErr("consume", err)
	}
	if !links.AddConsumer(consumer) {
		links.ReleaseProducer(producerID)
		consumer.Close()
		return BroadcasterConsumer{}, fmt.Errorf("producer %q: %w", producerID, domain.ErrNotFound)
	}
	return BroadcasterConsumer{
		ID:            consumer.ID(),
		ProducerID:    producerID,
		Kind:          consumer.Kind(),
		RTPParameters: consumer.RTPParameters(),
		Type:          consumer.Type(),
	}, nil
}

type BroadcasterDataConsumer struct {
	ID       string `json:"id"`
	StreamID uint16 `json:"streamId"`
}

func (r *Room) CreateBroadcasterDataConsumer(ctx context.Context, broadcasterID domain.PeerID, transportID, dataProducerID string) (BroadcasterDataConsumer, error) {
	b, transport, err := r.broadcasterTransport(broadcasterID, transportID)
	if err != nil {
		return BroadcasterDataConsumer{}, err
	}
	links := b.Links()
	if !links.ClaimDataProducer(dataProducerID) {
		return BroadcasterDataConsumer{}, fmt.Errorf("data consumer of %q: %w", dataProducerID, domain.ErrAlreadyExists)
	}
	dataConsumer, err := transport.ConsumeData(ctx, media.DataConsumerOptions{DataProducerID: dataProducerID})
	if err != nil {
		links.ReleaseDataProducer(dataProducerID)
		return BroadcasterDataConsumer{}, engineErr("consume data", err)
	}
	if !links.AddDataConsumer(dataConsumer) {
		links.ReleaseDataProducer(dataProducerID)
		dataConsumer.Close()
		return BroadcasterDataConsumer{}, fmt.Errorf("data producer %q: %w", dataProducerID, domain.ErrNotFound)
	}
	reply := BroadcasterDataConsumer{ID: dataConsumer.ID()}
	if sp := dataConsumer.SCTPStreamParameters(); sp != nil {
		reply.StreamID = sp.StreamID
	}
	return reply, nil
}

type CreateBroadcasterDataProducerRequest struct {
	Label                string                      `json:"label"`
	Protocol             string                      `json:"protocol"`
	SCTPStreamParameters *media.SCTPStreamParameters `json:"sctpStreamParameters"`
	AppData              media.AppData               `json:"appData"`
}

// CreateBroadcasterDataProducer stores the data producer; peers pick it up
// when they join.
func (r *Room) CreateBroadcasterDataProducer(ctx context.Context, broadcasterID domain.PeerID, transportID string, q CreateBroadcasterDataProducerRequest) (string, error) {
	b, transport, err := r.broadcasterTransport(broadcasterID, transportID)
	if err != nil {
		return "", err
	}
	dataProducer, err := r.createDataProducer(ctx, b, transport, produceDataRequest{
		TransportID:          transportID,
		SCTPStreamParameters: q.SCTPStreamParameters,
		Label:                q.Label,
		Protocol:             q.Protocol,
		AppData:              q.AppData,
	})
	if err != nil {
		return "", err
	}
	return dataProducer.ID(), nil
}
