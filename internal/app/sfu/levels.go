package sfu

import (
	"cmp"
	"slices"
	"sync"

	"github.com/pion/rtp"
)

// Level is the average volume of one producer over an interval, in dBov.
type Level struct {
	ProducerID string
	Volume     int
}

type levelSum struct {
	total int
	count int
}

// LevelMeter accumulates ssrc-audio-level header extension values.
type LevelMeter struct {
	mu   sync.Mutex
	sums map[string]*levelSum
}

func NewLevelMeter() *LevelMeter {
	return &LevelMeter{sums: make(map[string]*levelSum)}
}

// Observe records the level carried by pkt under extension id extID.
// Packets without the extension are ignored.
func (m *LevelMeter) Observe(producerID string, extID uint8, pkt *rtp.Packet) {
	if extID == 0 {
		return
	}
	raw := pkt.GetExtension(extID)
	if raw == nil {
		return
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(raw); err != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sums[producerID]
	if !ok {
		s = &levelSum{}
		m.sums[producerID] = s
	}
	s.total += int(ext.Level)
	s.count++
}

// Forget drops whatever was recorded for producerID.
func (m *LevelMeter) Forget(producerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sums, producerID)
}

// Drain returns the producers whose average volume is above threshold,
// loudest first, at most maxEntries of them, and resets the meter.
func (m *LevelMeter) Drain(threshold, maxEntries int) []Level {
	m.mu.Lock()
	sums := m.sums
	m.sums = make(map[string]*levelSum)
	m.mu.Unlock()

	out := make([]Level, 0, len(sums))
	for id, s := range sums {
		if s.count == 0 {
			continue
		}
		volume := -(s.total / s.count)
		if volume <= threshold {
			continue
		}
		out = append(out, Level{ProducerID: id, Volume: volume})
	}
	slices.SortFunc(out, func(a, b Level) int {
		if c := cmp.Compare(b.Volume, a.Volume); c != 0 {
			return c
		}
		return cmp.Compare(a.ProducerID, b.ProducerID)
	})
	if maxEntries > 0 && len(out) > maxEntries {
		out = out[:maxEntries]
	}
	return out
}
