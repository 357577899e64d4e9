package session

import (
	"context"

	"github.com/dkeye/voiceroom/internal/core"
	"github.com/dkeye/voiceroom/internal/domain"
	"github.com/dkeye/voiceroom/internal/media"
	"github.com/rs/zerolog/log"
)

// ConsumerOffer is the data of a "newConsumer" request.
type ConsumerOffer struct {
	PeerID         domain.PeerID       `json:"peerId"`
	ProducerID     string              `json:"producerId"`
	ID             string              `json:"id"`
	Kind           media.Kind          `json:"kind"`
	RTPParameters  media.RTPParameters `json:"rtpParameters"`
	Type           string              `json:"type"`
	AppData        media.AppData       `json:"appData"`
	ProducerPaused bool                `json:"producerPaused"`
}

// DataConsumerOffer is the data of a "newDataConsumer" request.
// PeerID is nil for data produced by the room bot.
type DataConsumerOffer struct {
	PeerID               *domain.PeerID              `json:"peerId"`
	DataProducerID       string                      `json:"dataProducerId"`
	ID                   string                      `json:"id"`
	SCTPStreamParameters *media.SCTPStreamParameters `json:"sctpStreamParameters"`
	Label                string                      `json:"label"`
	Protocol             string                      `json:"protocol"`
	AppData              media.AppData               `json:"appData"`
}

type consumerEvent struct {
	ConsumerID string `json:"consumerId"`
}

type consumerScore struct {
	ConsumerID string              `json:"consumerId"`
	Score      media.ConsumerScore `json:"score"`
}

type consumerLayers struct {
	ConsumerID    string `json:"consumerId"`
	SpatialLayer  *int   `json:"spatialLayer"`
	TemporalLayer *int   `json:"temporalLayer"`
}

// createConsumer makes target receive producer. The consumer is created
// paused and resumed only after target acknowledged newConsumer, so no
// packet reaches the client before it can map it to a track.
//
// Every miss (no capabilities, incompatible codecs, no consuming transport,
// peer gone) is a silent no-op.
func (r *Room) createConsumer(ctx context.Context, target *core.Peer, ownerID domain.PeerID, producer media.Producer) {
	logger := log.With().Str("module", "session.consumer").Str("room", string(r.id)).
		Str("peer", string(target.ID())).Str("producer", producer.ID()).Logger()

	caps := target.RTPCapabilities()
	if caps == nil || !target.WantsConsumers() || !r.router.CanConsume(producer.ID(), *caps) {
		return
	}

	links := target.Links()
	if !links.ClaimProducer(producer.ID()) {
		return
	}
	transport, ok := links.ConsumingTransport()
	if !ok {
		links.ReleaseProducer(producer.ID())
		logger.Warn().Msg("no consuming transport, consumer not created")
		return
	}

	consumer, err := transport.Consume(ctx, media.ConsumerOptions{
		ProducerID:      producer.ID(),
		RTPCapabilities: *caps,
		Paused:          true,
	})
	if err != nil {
		links.ReleaseProducer(producer.ID())
		logger.Warn().Err(err).Msg("consume failed")
		return
	}
	consumerID := consumer.ID()

	var subs media.Subscriptions
	subs.Add(
		consumer.OnTransportClose(subs.Unsubscribe),
		consumer.OnProducerClose(func() {
			subs.Unsubscribe()
			target.Notify("consumerClosed", consumerEvent{ConsumerID: consumerID})
		}),
		consumer.OnProducerPause(func() {
			target.Notify("consumerPaused", consumerEvent{ConsumerID: consumerID})
		}),
		consumer.OnProducerResume(func() {
			target.Notify("consumerResumed", consumerEvent{ConsumerID: consumerID})
		}),
		consumer.OnScore(func(score media.ConsumerScore) {
			target.Notify("consumerScore", consumerScore{ConsumerID: consumerID, Score: score})
		}),
		consumer.OnLayersChange(func(layers *media.ConsumerLayers) {
			ev := consumerLayers{ConsumerID: consumerID}
			if layers != nil {
				ev.SpatialLayer = &layers.SpatialLayer
				ev.TemporalLayer = layers.TemporalLayer
			}
			target.Notify("consumerLayersChanged", ev)
		}),
		consumer.OnTrace(func(tr media.Trace) {
			logger.Debug().Str("consumer", consumerID).Str("type", string(tr.Type)).Msg("consumer trace")
		}),
	)

	if !links.AddConsumer(consumer) {
		// Target left or the producer went away meanwhile.
		subs.Unsubscribe()
		links.ReleaseProducer(producer.ID())
		consumer.Close()
		return
	}

	reqCtx, cancel := r.requestContext(ctx)
	defer cancel()
	_, err = target.Request(reqCtx, "newConsumer", ConsumerOffer{
		PeerID:         ownerID,
		ProducerID:     producer.ID(),
		ID:             consumerID,
		Kind:           consumer.Kind(),
		RTPParameters:  consumer.RTPParameters(),
		Type:           consumer.Type(),
		AppData:        producer.AppData(),
		ProducerPaused: consumer.ProducerPaused(),
	})
	if err != nil {
		logger.Warn().Str("consumer", consumerID).Err(err).Msg("newConsumer request failed, consumer left paused")
		return
	}

	if err := consumer.Resume(ctx); err != nil {
		logger.Warn().Str("consumer", consumerID).Err(err).Msg("consumer resume failed")
		return
	}
	target.Notify("consumerScore", consumerScore{ConsumerID: consumerID, Score: consumer.Score()})
}

// createDataConsumer makes target receive dataProducer. ownerID is nil for the bot.
// There is no resume phase for data.
func (r *Room) createDataConsumer(ctx context.Context, target *core.Peer, ownerID *domain.PeerID, dataProducer media.DataProducer) {
	logger := log.With().Str("module", "session.consumer").Str("room", string(r.id)).
		Str("peer", string(target.ID())).Str("dataProducer", dataProducer.ID()).Logger()

	if target.SCTPCapabilities() == nil {
		return
	}

	links := target.Links()
	if !links.ClaimDataProducer(dataProducer.ID()) {
		return
	}
	transport, ok := links.ConsumingTransport()
	if !ok {
		links.ReleaseDataProducer(dataProducer.ID())
		logger.Warn().Msg("no consuming transport, data consumer not created")
		return
	}

	dataConsumer, err := transport.ConsumeData(ctx, media.DataConsumerOptions{DataProducerID: dataProducer.ID()})
	if err != nil {
		links.ReleaseDataProducer(dataProducer.ID())
		logger.Warn().Err(err).Msg("consumeData failed")
		return
	}
	dataConsumerID := dataConsumer.ID()

	var subs media.Subscriptions
	subs.Add(
		dataConsumer.OnTransportClose(subs.Unsubscribe),
		dataConsumer.OnDataProducerClose(func() {
			subs.Unsubscribe()
			target.Notify("dataConsumerClosed", map[string]string{"dataConsumerId": dataConsumerID})
		}),
	)

	if !links.AddDataConsumer(dataConsumer) {
		subs.Unsubscribe()
		links.ReleaseDataProducer(dataProducer.ID())
		dataConsumer.Close()
		return
	}

	reqCtx, cancel := r.requestContext(ctx)
	defer cancel()
	_, err = target.Request(reqCtx, "newDataConsumer", DataConsumerOffer{
		PeerID:               ownerID,
		DataProducerID:       dataProducer.ID(),
		ID:                   dataConsumerID,
		SCTPStreamParameters: dataConsumer.SCTPStreamParameters(),
		Label:                dataConsumer.Label(),
		Protocol:             dataConsumer.Protocol(),
		AppData:              dataProducer.AppData(),
	})
	if err != nil {
		logger.Warn().Str("dataConsumer", dataConsumerID).Err(err).Msg("newDataConsumer request failed")
	}
}

// fanOutProducer offers producer to every joined peer but its owner.
func (r *Room) fanOutProducer(owner core.Participant, producer media.Producer) {
	for _, peer := range r.joinedPeers(nil) {
		if peer.ID() == owner.ID() {
			continue
		}
		r.spawn(func(ctx context.Context) {
			r.createConsumer(ctx, peer, owner.ID(), producer)
		})
	}
}

func (r *Room) fanOutDataProducer(owner core.Participant, dataProducer media.DataProducer) {
	ownerID := owner.ID()
	for _, peer := range r.joinedPeers(nil) {
		if peer.ID() == ownerID {
			continue
		}
		r.spawn(func(ctx context.Context) {
			r.createDataConsumer(ctx, peer, &ownerID, dataProducer)
		})
	}
}
