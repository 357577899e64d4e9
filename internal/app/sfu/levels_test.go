package sfu

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const audioLevelID = 1

func leveled(t *testing.T, level uint8) *rtp.Packet {
	t.Helper()
	raw, err := rtp.AudioLevelExtension{Level: level, Voice: true}.Marshal()
	require.NoError(t, err)
	p := packet(1)
	require.NoError(t, p.Header.SetExtension(audioLevelID, raw))
	return p
}

func TestLevelMeterDrainsLoudestFirst(t *testing.T) {
	m := NewLevelMeter()
	m.Observe("quiet", audioLevelID, leveled(t, 60))
	m.Observe("loud", audioLevelID, leveled(t, 20))
	m.Observe("loud", audioLevelID, leveled(t, 30))
	m.Observe("silent", audioLevelID, leveled(t, 127))
	m.Observe("noext", audioLevelID, packet(2))
	m.Observe("unknown", 0, leveled(t, 10))

	got := m.Drain(-80, 0)
	assert.Equal(t, []Level{{ProducerID: "loud", Volume: -25}, {ProducerID: "quiet", Volume: -60}}, got)
	assert.Empty(t, m.Drain(-80, 0), "drain resets")
}

func TestLevelMeterMaxEntriesAndForget(t *testing.T) {
	m := NewLevelMeter()
	m.Observe("a", audioLevelID, leveled(t, 40))
	m.Observe("b", audioLevelID, leveled(t, 10))
	m.Observe("c", audioLevelID, leveled(t, 5))
	m.Forget("c")

	assert.Equal(t, []Level{{ProducerID: "b", Volume: -10}}, m.Drain(-80, 1))
}
