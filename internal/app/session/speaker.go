package session

import (
	"github.com/dkeye/voiceroom/internal/media"
	"github.com/rs/zerolog/log"
)

// activeSpeaker is the payload of the "activeSpeaker" notification.
// A nil PeerID with no volume means silence; with a volume the loudest
// producer has no known owner.
type activeSpeaker struct {
	PeerID *string `json:"peerId"`
	Volume *int    `json:"volume,omitempty"`
}

// trackActiveSpeaker relays the audio level observer to every joined peer.
// Nothing is kept between events.
func (r *Room) trackActiveSpeaker() {
	r.subs.Add(
		r.observer.OnVolumes(func(volumes []media.AudioLevelVolume) {
			if len(volumes) == 0 {
				return
			}
			loudest := volumes[0]
			volume := loudest.Volume
			ev := activeSpeaker{Volume: &volume}
			if peerID, ok := loudest.Producer.AppData().String("peerId"); ok {
				ev.PeerID = &peerID
			} else {
				log.Debug().Str("module", "session.speaker").Str("room", string(r.id)).Str("producer", loudest.Producer.ID()).Msg("loudest producer has no peerId")
			}
			r.notifyJoined(nil, "activeSpeaker", ev)
		}),
		r.observer.OnSilence(func() {
			r.notifyJoined(nil, "activeSpeaker", activeSpeaker{})
		}),
	)
}

// watchAudio registers an audio producer with the active speaker observer.
func (r *Room) watchAudio(producer media.Producer) {
	if producer.Kind() != media.KindAudio {
		return
	}
	if err := r.observer.AddProducer(r.ctx, producer.ID()); err != nil {
		log.Warn().Str("module", "session.speaker").Str("room", string(r.id)).Str("producer", producer.ID()).Err(err).Msg("audio level observer rejected producer")
	}
}
