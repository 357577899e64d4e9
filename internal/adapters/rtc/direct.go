package rtc

import (
	"context"
	"fmt"

	"github.com/dkeye/voiceroom/internal/app/sfu"
	"github.com/dkeye/voiceroom/internal/media"
)

const defaultDirectMaxMessageSize = 262144

// DirectTransport moves data messages inside the process: DataProducer.Send
// injects them and DataConsumer.OnMessage delivers them.
type DirectTransport struct {
	*transport

	maxMessageSize uint32
}

func newDirectTransport(r *Router, opts media.DirectTransportOptions) *DirectTransport {
	t := &DirectTransport{
		transport:      newTransport(r, media.TransportDirect, opts.AppData),
		maxMessageSize: opts.MaxMessageSize,
	}
	if t.maxMessageSize == 0 {
		t.maxMessageSize = defaultDirectMaxMessageSize
	}
	t.backend = t
	return t
}

func (t *DirectTransport) parameters() media.TransportParameters {
	return media.TransportParameters{ID: t.id}
}

func (t *DirectTransport) connect(context.Context, media.ConnectParameters) error {
	return nil
}

func (t *DirectTransport) receive(*Producer) (sfu.Source, error) {
	return nil, fmt.Errorf("rtc: rtp over direct transport: %w", media.ErrNotSupported)
}

func (t *DirectTransport) send(*Consumer) (sfu.Writer, uint32, error) {
	return nil, 0, fmt.Errorf("rtc: rtp over direct transport: %w", media.ErrNotSupported)
}

func (t *DirectTransport) produceData(dp *DataProducer) error {
	dp.stream = nil
	return nil
}

func (t *DirectTransport) consumeData(*DataConsumer) error {
	return nil
}

func (t *DirectTransport) shutdown() {}
