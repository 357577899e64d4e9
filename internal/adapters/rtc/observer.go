package rtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/voiceroom/internal/app/sfu"
	"github.com/dkeye/voiceroom/internal/media"
	"github.com/pion/rtp"
)

const (
	defaultObserverInterval   = 1000
	defaultObserverThreshold  = -80
	defaultObserverMaxEntries = 1
)

// AudioLevelObserver reports the loudest of its producers every interval,
// or a single silence event once they all go quiet.
type AudioLevelObserver struct {
	router     *Router
	meter      *sfu.LevelMeter
	interval   time.Duration
	threshold  int
	maxEntries int

	mu        sync.Mutex
	producers map[string]*Producer
	closed    bool
	silent    bool
	cancel    context.CancelFunc

	onVolumes media.Listeners[[]media.AudioLevelVolume]
	onSilence media.Signal
}

func newAudioLevelObserver(r *Router, opts media.AudioLevelObserverOptions) *AudioLevelObserver {
	if opts.Interval <= 0 {
		opts.Interval = defaultObserverInterval
	}
	if opts.Threshold == 0 {
		opts.Threshold = defaultObserverThreshold
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = defaultObserverMaxEntries
	}
	return &AudioLevelObserver{
		router:     r,
		meter:      sfu.NewLevelMeter(),
		interval:   time.Duration(opts.Interval) * time.Millisecond,
		threshold:  opts.Threshold,
		maxEntries: opts.MaxEntries,
		producers:  make(map[string]*Producer),
		silent:     true,
	}
}

func (o *AudioLevelObserver) start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	go o.loop(ctx)
}

func (o *AudioLevelObserver) loop(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tick()
		}
	}
}

func (o *AudioLevelObserver) tick() {
	levels := o.meter.Drain(o.threshold, o.maxEntries)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	volumes := make([]media.AudioLevelVolume, 0, len(levels))
	for _, l := range levels {
		if p, ok := o.producers[l.ProducerID]; ok {
			volumes = append(volumes, media.AudioLevelVolume{Producer: p, Volume: l.Volume})
		}
	}
	wasSilent := o.silent
	o.silent = len(volumes) == 0
	o.mu.Unlock()

	switch {
	case len(volumes) > 0:
		o.onVolumes.Emit(volumes)
	case !wasSilent:
		o.onSilence.Emit()
	}
}

func (o *AudioLevelObserver) AddProducer(_ context.Context, producerID string) error {
	p, err := o.router.producer(producerID)
	if err != nil {
		return err
	}
	if p.kind != media.KindAudio {
		return fmt.Errorf("rtc: producer %s is not audio: %w", producerID, media.ErrNotSupported)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return media.ErrClosed
	}
	o.producers[producerID] = p
	return nil
}

func (o *AudioLevelObserver) RemoveProducer(_ context.Context, producerID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return media.ErrClosed
	}
	if _, ok := o.producers[producerID]; !ok {
		return fmt.Errorf("rtc: producer %s: %w", producerID, media.ErrUnknownID)
	}
	delete(o.producers, producerID)
	o.meter.Forget(producerID)
	return nil
}

func (o *AudioLevelObserver) observe(producerID string, extID uint8, pkt *rtp.Packet) {
	o.mu.Lock()
	_, ok := o.producers[producerID]
	o.mu.Unlock()
	if ok {
		o.meter.Observe(producerID, extID, pkt)
	}
}

func (o *AudioLevelObserver) forget(producerID string) {
	o.mu.Lock()
	delete(o.producers, producerID)
	o.mu.Unlock()
	o.meter.Forget(producerID)
}

func (o *AudioLevelObserver) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.producers = nil
	cancel := o.cancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.router.removeObserver(o)
}

func (o *AudioLevelObserver) OnVolumes(fn func([]media.AudioLevelVolume)) media.Subscription {
	return o.onVolumes.Add(fn)
}
func (o *AudioLevelObserver) OnSilence(fn func()) media.Subscription { return o.onSilence.Add(fn) }
