package sfu

import (
	"io"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

// PacketQueue is a Source fed by a demultiplexer, e.g. a plain UDP socket.
type PacketQueue struct {
	ch     chan *rtp.Packet
	closed chan struct{}
	once   sync.Once
}

func NewPacketQueue(size int) *PacketQueue {
	return &PacketQueue{
		ch:     make(chan *rtp.Packet, size),
		closed: make(chan struct{}),
	}
}

// Push enqueues p; it reports false when the queue is full or closed.
func (q *PacketQueue) Push(p *rtp.Packet) bool {
	select {
	case <-q.closed:
		return false
	default:
	}
	select {
	case q.ch <- p:
		return true
	default:
		return false
	}
}

// ReadRTP blocks for the next packet and returns io.EOF once closed.
func (q *PacketQueue) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	select {
	case p := <-q.ch:
		return p, nil, nil
	case <-q.closed:
		return nil, nil, io.EOF
	}
}

func (q *PacketQueue) Close() {
	q.once.Do(func() { close(q.closed) })
}
