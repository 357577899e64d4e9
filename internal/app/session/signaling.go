package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/voiceroom/internal/core"
	"github.com/dkeye/voiceroom/internal/domain"
	"github.com/dkeye/voiceroom/internal/media"
	"github.com/rs/zerolog/log"
)

// handler validates, performs one state transition and returns the reply.
// then, when not nil, runs after the reply was sent.
type handler func(r *Room, ctx context.Context, peer *core.Peer, data json.RawMessage) (reply any, then func(), err error)

var handlers = map[string]handler{
	"getCapabilities":            (*Room).getCapabilities,
	"join":                       (*Room).join,
	"createTransport":            (*Room).createTransport,
	"connectTransport":           (*Room).connectTransport,
	"restartTransportIce":        (*Room).restartTransportICE,
	"produce":                    (*Room).produce,
	"closeProducer":              (*Room).closeProducer,
	"pauseProducer":              (*Room).pauseProducer,
	"resumeProducer":             (*Room).resumeProducer,
	"pauseConsumer":              (*Room).pauseConsumer,
	"resumeConsumer":             (*Room).resumeConsumer,
	"setConsumerPreferredLayers": (*Room).setConsumerPreferredLayers,
	"setConsumerPriority":        (*Room).setConsumerPriority,
	"requestConsumerKeyFrame":    (*Room).requestConsumerKeyFrame,
	"produceData":                (*Room).produceData,
	"changeDisplayName":          (*Room).changeDisplayName,
	"getTransportStats":          (*Room).getTransportStats,
	"getProducerStats":           (*Room).getProducerStats,
	"getConsumerStats":           (*Room).getConsumerStats,
	"getDataProducerStats":       (*Room).getDataProducerStats,
	"getDataConsumerStats":       (*Room).getDataConsumerStats,
}

// Method names used by existing mediasoup-demo style clients.
var aliases = map[string]string{
	"getRouterRtpCapabilities": "getCapabilities",
	"createWebRtcTransport":    "createTransport",
	"connectWebRtcTransport":   "connectTransport",
	"restartIce":               "restartTransportIce",
}

// HandleRequest dispatches one signaling request from peer. Errors, an
// unknown method included, are returned for the caller to turn into a
// rejection with domain.Code.
func (r *Room) HandleRequest(ctx context.Context, peer *core.Peer, req core.Request, res core.Responder) error {
	method := req.Method
	if canonical, ok := aliases[method]; ok {
		method = canonical
	}
	h, ok := handlers[method]
	if !ok {
		return fmt.Errorf("%w %q", domain.ErrUnsupported, req.Method)
	}

	reply, then, err := h(r, ctx, peer, req.Data)
	if err != nil {
		return fmt.Errorf("%s: %w", req.Method, err)
	}
	res.Accept(reply)
	if then != nil {
		then()
	}
	return nil
}

// decode parses data into T; empty data yields the zero value.
func decode[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 || string(data) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return v, nil
}

// decodeValid is decode followed by tag validation.
func decodeValid[T any](data json.RawMessage) (T, error) {
	v, err := decode[T](data)
	if err != nil {
		return v, err
	}
	return v, domain.Validate(v)
}

func engineErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrEngineFailure, err)
}

func requireJoined(peer *core.Peer) error {
	if !peer.Joined() {
		return domain.ErrNotJoined
	}
	return nil
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, domain.ErrNotFound)
}

func (r *Room) getCapabilities(context.Context, *core.Peer, json.RawMessage) (any, func(), error) {
	return r.router.RTPCapabilities(), nil, nil
}

type joinRequest struct {
	DisplayName      string                  `json:"displayName"`
	Device           domain.Device           `json:"device"`
	RTPCapabilities  *media.RTPCapabilities  `json:"rtpCapabilities"`
	SCTPCapabilities *media.SCTPCapabilities `json:"sctpCapabilities"`
}

type joinReply struct {
	Peers []domain.PeerInfo `json:"peers"`
}

func (r *Room) join(_ context.Context, peer *core.Peer, data json.RawMessage) (any, func(), error) {
	req, err := decode[joinRequest](data)
	if err != nil {
		return nil, nil, err
	}
	if err := peer.Join(core.JoinInfo{
		DisplayName:      req.DisplayName,
		Device:           req.Device,
		RTPCapabilities:  req.RTPCapabilities,
		SCTPCapabilities: req.SCTPCapabilities,
	}); err != nil {
		return nil, nil, err
	}

	others := r.participants(peer)
	reply := joinReply{Peers: make([]domain.PeerInfo, 0, len(others))}
	for _, o := range others {
		reply.Peers = append(reply.Peers, o.Info())
	}

	log.Info().Str("module", "session.signal").Str("room", string(r.id)).Str("peer", string(peer.ID())).Str("displayName", req.DisplayName).Int("others", len(others)).Msg("peer joined")

	then := func() {
		if peer.Closed() {
			return
		}
		for _, o := range others {
			ownerID := o.ID()
			for _, producer := range o.Links().Producers() {
				r.spawn(func(ctx context.Context) {
					r.createConsumer(ctx, peer, ownerID, producer)
				})
			}
			for _, dataProducer := range o.Links().DataProducers() {
				if dataProducer.Label() == BotLabel {
					continue
				}
				r.spawn(func(ctx context.Context) {
					r.createDataConsumer(ctx, peer, &ownerID, dataProducer)
				})
			}
		}
		r.spawn(func(ctx context.Context) {
			r.createDataConsumer(ctx, peer, nil, r.bot.DataProducer())
		})
		r.announcePeer(peer)
	}
	return reply, then, nil
}

type createTransportRequest struct {
	ForceTCP         bool                    `json:"forceTcp"`
	Producing        bool                    `json:"producing"`
	Consuming        bool                    `json:"consuming"`
	SCTPCapabilities *media.SCTPCapabilities `json:"sctpCapabilities"`
}

type downlinkBwe struct {
	DesiredBitrate          uint32 `json:"desiredBitrate"`
	EffectiveDesiredBitrate uint32 `json:"effectiveDesiredBitrate"`
	AvailableBitrate        uint32 `json:"availableBitrate"`
}

func (r *Room) createTransport(ctx context.Context, peer *core.Peer, data json.RawMessage) (any, func(), error) {
	req, err := decode[createTransportRequest](data)
	if err != nil {
		return nil, nil, err
	}
	opts := media.WebRTCTransportOptions{
		EnableUDP:  !req.ForceTCP,
		EnableTCP:  true,
		PreferUDP:  !req.ForceTCP,
		EnableSCTP: req.SCTPCapabilities != nil,
		AppData:    media.AppData{"producing": req.Producing, "consuming": req.Consuming},
	}
	if req.SCTPCapabilities != nil {
		opts.NumSCTPStreams = req.SCTPCapabilities.NumStreams
	}

	transport, err := r.router.CreateWebRTCTransport(ctx, opts)
	if err != nil {
		return nil, nil, engineErr("create transport", err)
	}
	r.observeTransport(transport, peer)
	if !peer.Links().AddTransport(transport) {
		transport.Close()
		return nil, nil, domain.ErrRoomClosed
	}

	then := func() {
		if r.opts.MaxIncomingBitrate <= 0 {
			return
		}
		if err := transport.SetMaxIncomingBitrate(r.ctx, r.opts.MaxIncomingBitrate); err != nil {
			log.Debug().Str("module", "session.signal").Str("transport", transport.ID()).Err(err).Msg("max incoming bitrate not applied")
		}
	}
	return transport.Parameters(), then, nil
}

// observeTransport logs state changes and forwards downlink BWE traces to
// owner. Subscriptions end with the transport.
func (r *Room) observeTransport(transport media.Transport, owner *core.Peer) {
	logger := log.With().Str("module", "session.transport").Str("room", string(r.id)).Str("transport", transport.ID()).Logger()

	var subs media.Subscriptions
	subs.Add(
		transport.OnClose(subs.Unsubscribe),
		transport.OnSCTPStateChange(func(state media.SCTPState) {
			logger.Debug().Str("state", string(state)).Msg("sctp state changed")
		}),
		transport.OnDTLSStateChange(func(state media.DTLSState) {
			if state == media.DTLSStateFailed || state == media.DTLSStateClosed {
				logger.Warn().Str("state", string(state)).Msg("dtls state changed")
			}
		}),
	)
	if owner == nil {
		return
	}
	subs.Add(transport.OnTrace(func(tr media.Trace) {
		if tr.Type != media.TraceBWE || tr.Direction != "out" || tr.BWE == nil {
			return
		}
		owner.Notify("downlinkBwe", downlinkBwe{
			DesiredBitrate:          tr.BWE.DesiredBitrate,
			EffectiveDesiredBitrate: tr.BWE.EffectiveDesiredBitrate,
			AvailableBitrate:        tr.BWE.AvailableBitrate,
		})
	}))
	if err := transport.EnableTraceEvent(r.ctx, media.TraceBWE); err != nil {
		logger.Debug().Err(err).Msg("bwe trace not enabled")
	}
}

type connectTransportRequest struct {
	TransportID string `json:"transportId"`
	media.ConnectParameters
}

func (r *Room) connectTransport(ctx context.Context, peer *core.Peer, data json.RawMessage) (any, func(), error) {
	req, err := decode[connectTransportRequest](data)
	if err != nil {
		return nil, nil, err
	}
	transport, ok := peer.Links().Transport(req.TransportID)
	if !ok {
		return nil, nil, notFound("transport", req.TransportID)
	}
	if err := transport.Connect(ctx, req.ConnectParameters); err != nil {
		return nil, nil, engineErr("connect transport", err)
	}
	return nil, nil, nil
}

type transportRef struct {
	TransportID string `json:"transportId"`
}

func (r *Room) restartTransportICE(ctx context.Context, peer *core.Peer, data json.RawMessage) (any, func(), error) {
	req, err := decode[transportRef](data)
	if err != nil {
		return nil, nil, err
	}
	transport, ok := peer.Links().Transport(req.TransportID)
	if !ok {
		return nil, nil, notFound("transport", req.TransportID)
	}
	params, err := transport.RestartICE(ctx)
	if err != nil {
		return nil, nil, engineErr("restart ice", err)
	}
	return params, nil, nil
}

type produceRequest struct {
	TransportID   string              `json:"transportId"`
	Kind          media.Kind          `json:"kind" validate:"required,oneof=audio video"`
	RTPParameters media.RTPParameters `json:"rtpParameters"`
	AppData       media.AppData       `json:"appData"`
}

type idReply struct {
	ID string `json:"id"`
}

func (r *Room) produce(ctx context.Context, peer *core.Peer, data json.RawMessage) (any, func(), error) {
	if err := requireJoined(peer); err != nil {
		return nil, nil, err
	}
	req, err := decodeValid[produceRequest](data)
	if err != nil {
		return nil, nil, err
	}
	transport, ok := peer.Links().Transport(req.TransportID)
	if !ok {
		return nil, nil, notFound("transport", req.TransportID)
	}
	producer, err := r.createProducer(ctx, peer, transport, req)
	if err != nil {
		return nil, nil, err
	}
	then := func() {
		r.fanOutProducer(peer, producer)
		r.watchAudio(producer)
	}
	return idReply{ID: producer.ID()}, then, nil
}

type producerScore struct {
	ProducerID string                `json:"producerId"`
	Score      []media.ProducerScore `json:"score"`
}

// createProducer produces on transport with appData tagged by owner and
// stores the producer in owner's links.
func (r *Room) createProducer(ctx context.Context, owner core.Participant, transport media.Transport, req produceRequest) (media.Producer, error) {
	appData := req.AppData.Clone()
	appData["peerId"] = string(owner.ID())

	producer, err := transport.Produce(ctx, media.ProducerOptions{
		Kind:          req.Kind,
		RTPParameters: req.RTPParameters,
		AppData:       appData,
	})
	if err != nil {
		return nil, engineErr("produce", err)
	}

	producerID := producer.ID()
	logger := log.With().Str("module", "session.producer").Str("room", string(r.id)).Str("peer", string(owner.ID())).Str("producer", producerID).Logger()
	var subs media.Subscriptions
	subs.Add(
		producer.OnClose(subs.Unsubscribe),
		producer.OnTrace(func(tr media.Trace) {
			logger.Debug().Str("type", string(tr.Type)).Msg("producer trace")
		}),
	)
	if peer, ok := owner.(*core.Peer); ok {
		subs.Add(producer.OnScore(func(score []media.ProducerScore) {
			peer.Notify("producerScore", producerScore{ProducerID: producerID, Score: score})
		}))
	}

	if !owner.Links().AddProducer(producer) {
		subs.Unsubscribe()
		producer.Close()
		return nil, domain.ErrRoomClosed
	}
	logger.Info().Str("kind", string(req.Kind)).Msg("producer created")
	return producer, nil
}

type producerRef struct {
	ProducerID string `json:"producerId"`
}

func (r *Room) joinedProducer(peer *core.Peer, data json.RawMessage) (media.Producer, error) {
	if err := requireJoined(peer); err != nil {
		return nil, err
	}
	req, err := decode[producerRef](data)
	if err != nil {
		return nil, err
	}
	producer, ok := peer.Links().Producer(req.ProducerID)
	if !ok {
		return nil, notFound("producer", req.ProducerID)
	}
	return producer, nil
}

func (r *Room) closeProducer(_ context.Context, peer *core.Peer, data json.RawMessage) (any, func(), error) {
	producer, err := r.joinedProducer(peer, data)
	if err != nil {
		return nil, nil, err
	}
	producer.Close()
	peer.Links().RemoveProducer(producer.ID())
	return nil, nil, nil
}

func (r *Room) pauseProducer(ctx context.Context, peer *core.Peer, data json.RawMessage) (any, func(), error) {
	producer, err := r.joinedProducer(peer, data)
	if err != nil {
		return nil, nil, err
	}
	if err := producer.Pause(ctx); err != nil {
		return nil, nil, engineErr("pause producer", err)
	}
	return nil, nil, nil
}

func (r *Room) resumeProducer(ctx context.Context, peer *core.Peer, data json.RawMessage) (any, func(), error) {
	producer, err := r.joinedProducer(peer, data)
	if err != nil {
		return nil, nil, err
	}
	if err := producer.Resume(ctx); err != nil {
		return nil, nil, engineErr("resume producer", err)
	}
	return nil, nil, nil
}

type consumerRequest struct {
	ConsumerID    string `json:"consumerId"`
	SpatialLayer  int    `json:"spatialLayer"`
	TemporalLayer *int   `json:"temporalLayer"`
	Priority      int    `json:"priority"`
}

func (r *Room) joinedConsumer(peer *core.Peer, data json.RawMessage) (media.Consumer, consumerRequest, error) {
	if err := requireJoined(peer); err != nil {
		return nil, consumerRequest{}, err
	}
	req, err := decode[consumerRequest](data)
	if err != nil {
		return nil, req, err
	}
	consumer, ok := peer.Links().Consumer(req.ConsumerID)
	if !ok {
		return nil, req, notFound("consumer", req.ConsumerID)
	}
	return consumer, req, nil
}

func (r *Room) pauseConsumer(ctx context.Context, peer *core.Peer, data json.RawMessage) (any, func(), error) {
	consumer, _, err := r.joinedConsumer(peer, data)
	if err != nil {
		return nil, nil, err
	}
	if err := consumer.Pause(ctx); err != nil {
		return nil, nil, engineErr("pause consumer", err)
	}
	return nil, nil, nil
}

func (r *Room) resumeConsumer(ctx context.Context, peer *core.Peer, data json.RawMessage) (any, func(), error) {
	consumer, _, err := r.joinedConsumer(peer, data)
	if err != nil {
		return nil, nil, err
	}
	if err := consumer.Resume(ctx); err != nil {
		return nil, nil, engineErr("resume consumer", err)
	}
	return nil, nil, nil
}

func (r *Room) setConsumerPreferredLayers(ctx context.Context, peer *core.Peer, data json.RawMessage) (any, func(), error) {
	consumer, req, err := r.joinedConsumer(peer, data)
	if err != nil {
		return nil, nil, err
	}
	layers := media.ConsumerLayers{SpatialLayer: req.SpatialLayer, TemporalLayer: req.TemporalLayer}
	if err := consumer.SetPreferredLayers(ctx, layers); err != nil {
		return nil, nil, engineErr("set preferred layers", err)
	}
	return nil, nil, nil
}

func (r *Room) setConsumerPriority(ctx context.Context, peer *core.Peer, data json.RawMessage) (any, func(), error) {
	consumer, req, err := r.joinedConsumer(peer, data)
	if err != nil {
		return nil, nil, err
	}
	if err := consumer.SetPriority(ctx, req.Priority); err != nil {
		return nil, nil, engineErr("set priority", err)
	}
	return nil, nil, nil
}

func (r *Room) requestConsumerKeyFrame(ctx context.Context, peer *core.Peer, data json.RawMessage) (any, func(), error) {
	consumer, _, err := r.joinedConsumer(peer, data)
	if err != nil {
		return nil, nil, err
	}
	if err := consumer.RequestKeyFrame(ctx); err != nil {
		return nil, nil, engineErr("request key frame", err)
	}
	return nil, nil, nil
}

type produceDataRequest struct {
	TransportID          string                      `json:"transportId"`
	SCTPStreamParameters *media.SCTPStreamParameters `json:"sctpStreamParameters"`
	Label                string                      `json:"label"`
	Protocol             string                      `json:"protocol"`
	AppData              media.AppData               `json:"appData"`
}

func (r *Room) produceData(ctx context.Context, peer *core.Peer, data json.RawMessage) (any, func(), error) {
	if err := requireJoined(peer); err != nil {
		return nil, nil, err
	}
	req, err := decode[produceDataRequest](data)
	if err != nil {
		return nil, nil, err
	}
	transport, ok := peer.Links().Transport(req.TransportID)
	if !ok {
		return nil, nil, notFound("transport", req.TransportID)
	}
	dataProducer, err := r.createDataProducer(ctx, peer, transport, req)
	if err != nil {
		return nil, nil, err
	}

	then := func() {
		switch dataProducer.Label() {
		case "chat":
			r.fanOutDataProducer(peer, dataProducer)
		case BotLabel:
			if err := r.bot.HandlePeerDataProducer(r.ctx, peer, dataProducer); err != nil {
				log.Warn().Str("module", "session.bot").Str("room", string(r.id)).Str("peer", string(peer.ID())).Err(err).Msg("bot could not consume data producer")
			}
		}
	}
	return idReply{ID: dataProducer.ID()}, then, nil
}

func (r *Room) createDataProducer(ctx context.Context, owner core.Participant, transport media.Transport, req produceDataRequest) (media.DataProducer, error) {
	appData := req.AppData.Clone()
	appData["peerId"] = string(owner.ID())

	dataProducer, err := transport.ProduceData(ctx, media.DataProducerOptions{
		SCTPStreamParameters: req.SCTPStreamParameters,
		Label:                req.Label,
		Protocol:             req.Protocol,
		AppData:              appData,
	})
	if err != nil {
		return nil, engineErr("produce data", err)
	}
	if !owner.Links().AddDataProducer(dataProducer) {
		dataProducer.Close()
		return nil, domain.ErrRoomClosed
	}
	return dataProducer, nil
}

type changeDisplayNameRequest struct {
	DisplayName string `json:"displayName" validate:"required"`
}

type displayNameChanged struct {
	PeerID         domain.PeerID `json:"peerId"`
	DisplayName    string        `json:"displayName"`
	OldDisplayName string        `json:"oldDisplayName"`
}

func (r *Room) changeDisplayName(_ context.Context, peer *core.Peer, data json.RawMessage) (any, func(), error) {
	if err := requireJoined(peer); err != nil {
		return nil, nil, err
	}
	req, err := decodeValid[changeDisplayNameRequest](data)
	if err != nil {
		return nil, nil, err
	}
	old := peer.SetDisplayName(req.DisplayName)
	then := func() {
		r.notifyJoined(peer, "peerDisplayNameChanged", displayNameChanged{
			PeerID:         peer.ID(),
			DisplayName:    req.DisplayName,
			OldDisplayName: old,
		})
	}
	return nil, then, nil
}

type statsRequest struct {
	TransportID    string `json:"transportId"`
	ProducerID     string `json:"producerId"`
	ConsumerID     string `json:"consumerId"`
	DataProducerID string `json:"dataProducerId"`
	DataConsumerID string `json:"dataConsumerId"`
}

type statter interface {
	Stats(ctx context.Context) (media.Stats, error)
}

func stats[T statter](ctx context.Context, data json.RawMessage, kind string, id func(statsRequest) string, lookup func(string) (T, bool)) (any, func(), error) {
	req, err := decode[statsRequest](data)
	if err != nil {
		return nil, nil, err
	}
	h, ok := lookup(id(req))
	if !ok {
		return nil, nil, notFound(kind, id(req))
	}
	st, err := h.Stats(ctx)
	if err != nil {
		return nil, nil, engineErr("get "+kind+" stats", err)
	}
	return st, nil, nil
}

func (r *Room) getTransportStats(ctx context.Context, peer *core.Peer, data json.RawMessage) (any, func(), error) {
	return stats(ctx, data, "transport", func(q statsRequest) string { return q.TransportID }, peer.Links().Transport)
}

func (r *Room) getProducerStats(ctx context.Context, peer *core.Peer, data json.RawMessage) (any, func(), error) {
	return stats(ctx, data, "producer", func(q statsRequest) string { return q.ProducerID }, peer.Links().Producer)
}

func (r *Room) getConsumerStats(ctx context.Context, peer *core.Peer, data json.RawMessage) (any, func(), error) {
	return stats(ctx, data, "consumer", func(q statsRequest) string { return q.ConsumerID }, peer.Links().Consumer)
}

func (r *Room) getDataProducerStats(ctx context.Context, peer *core.Peer, data json.RawMessage) (any, func(), error) {
	return stats(ctx, data, "data producer", func(q statsRequest) string { return q.DataProducerID }, peer.Links().DataProducer)
}

func (r *Room) getDataConsumerStats(ctx context.Context, peer *core.Peer, data json.RawMessage) (any, func(), error) {
	return stats(ctx, data, "data consumer", func(q statsRequest) string { return q.DataConsumerID }, peer.Links().DataConsumer)
}
