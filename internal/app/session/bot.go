package session

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/dkeye/voiceroom/internal/core"
	"github.com/dkeye/voiceroom/internal/domain"
	"github.com/dkeye/voiceroom/internal/media"
	"github.com/rs/zerolog/log"
)

// BotLabel is the data producer label reserved for the room bot.
const BotLabel = "bot"

// Bot is the in-process participant that answers "bot" data channels.
// It lives on a direct transport of the room router.
type Bot struct {
	transport    media.Transport
	dataProducer media.DataProducer
}

func NewBot(ctx context.Context, router media.Router) (*Bot, error) {
	transport, err := router.CreateDirectTransport(ctx, media.DirectTransportOptions{MaxMessageSize: 512})
	if err != nil {
		return nil, fmt.Errorf("create bot transport: %w: %w", domain.ErrEngineFailure, err)
	}
	dataProducer, err := transport.ProduceData(ctx, media.DataProducerOptions{Label: BotLabel})
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("create bot data producer: %w: %w", domain.ErrEngineFailure, err)
	}
	return &Bot{transport: transport, dataProducer: dataProducer}, nil
}

func (b *Bot) DataProducer() media.DataProducer { return b.dataProducer }

// HandlePeerDataProducer consumes a peer's "bot" data producer and echoes
// every text message back through the bot data producer.
func (b *Bot) HandlePeerDataProducer(ctx context.Context, peer *core.Peer, dataProducer media.DataProducer) error {
	dataConsumer, err := b.transport.ConsumeData(ctx, media.DataConsumerOptions{DataProducerID: dataProducer.ID()})
	if err != nil {
		return fmt.Errorf("bot consume: %w: %w", domain.ErrEngineFailure, err)
	}

	var subs media.Subscriptions
	subs.Add(
		dataConsumer.OnTransportClose(subs.Unsubscribe),
		dataConsumer.OnDataProducerClose(subs.Unsubscribe),
		dataConsumer.OnMessage(func(payload []byte) {
			if !utf8.Valid(payload) {
				log.Warn().Str("module", "session.bot").Str("peer", string(peer.ID())).Msg("ignoring non text message")
				return
			}
			reply := fmt.Sprintf("%s told me: \"%s\"", peer.Info().DisplayName, payload)
			if err := b.dataProducer.Send(context.Background(), []byte(reply)); err != nil {
				log.Warn().Str("module", "session.bot").Str("peer", string(peer.ID())).Err(err).Msg("bot reply failed")
			}
		}),
	)
	if dataConsumer.Closed() {
		subs.Unsubscribe()
	}
	return nil
}

func (b *Bot) Close() {
	b.transport.Close()
}
