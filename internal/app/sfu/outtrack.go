package sfu

import (
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

// Source yields the packets of one producer. *webrtc.TrackRemote satisfies it.
type Source interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Writer receives the packets of one consumer. *webrtc.TrackLocalStaticRTP satisfies it.
type Writer interface {
	WriteRTP(p *rtp.Packet) error
}

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// OutTrack is the relay side of a consumer. A paused consumer is muted.
type OutTrack struct {
	w     Writer
	state atomic.Int32
}

func NewOutTrack(w Writer, state TrackState) *OutTrack {
	ot := &OutTrack{w: w}
	ot.state.Store(int32(state))
	return ot
}

func (ot *OutTrack) State() TrackState { return TrackState(ot.state.Load()) }

func (ot *OutTrack) MarkOk() {
	ot.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateOk))
}

func (ot *OutTrack) MarkMuted() {
	ot.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStateMuted))
}

// MarkDelete is final; a deleted track is never revived.
func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}
