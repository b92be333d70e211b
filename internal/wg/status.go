package wg

import "time"

// EventType names a tunnel lifecycle event.
type EventType string

const (
	EventInitiationSent     EventType = "initiation-sent"
	EventInitiationReceived EventType = "initiation-received"
	EventResponseSent       EventType = "response-sent"
	EventSessionEstablished EventType = "session-established"
	EventSessionPromoted    EventType = "session-promoted"
	EventRekeyAbandoned     EventType = "rekey-abandoned"
)

// Event is a tunnel lifecycle notification for observers outside the
// loop.
type Event struct {
	Type EventType `json:"type"`
	Peer string    `json:"peer"`
	Idx  uint32    `json:"idx"`
	Time time.Time `json:"time"`
}

// OnEvent, when set, receives lifecycle events on the loop thread. The
// observer must not call back into the stack.
func (w *Wireguard) OnEvent(fn func(Event)) {
	w.onEvent = fn
}

func (w *Wireguard) emit(p *Peer, t EventType, idx uint32) {
	if w.onEvent == nil {
		return
	}
	w.onEvent(Event{
		Type: t,
		Peer: Fingerprint(p.noise.remoteStatic),
		Idx:  idx,
		Time: w.sysNow(),
	})
}

// PeerStatus is a point-in-time snapshot of one peer's wheel.
type PeerStatus struct {
	PublicKey         string    `json:"public_key"`
	Rekeying          bool      `json:"rekeying"`
	QueuedSends       int       `json:"queued_sends"`
	HasPair           bool      `json:"has_pair"`
	PairIdx           uint32    `json:"pair_idx,omitempty"`
	SendCounter       uint64    `json:"send_counter,omitempty"`
	Established       time.Time `json:"established,omitempty"`
	HasNext           bool      `json:"has_next"`
	HasPrev           bool      `json:"has_prev"`
	HandshakeInFlight bool      `json:"handshake_in_flight"`
}

// Status snapshots every peer. Call on the loop thread (for example
// from a deferred closure) and hand the result to other goroutines.
func (w *Wireguard) Status() []PeerStatus {
	out := make([]PeerStatus, 0, len(w.peers))
	for _, p := range w.peers {
		st := PeerStatus{
			PublicKey:         Fingerprint(p.noise.remoteStatic),
			Rekeying:          p.timers.isRekeying(),
			QueuedSends:       len(p.queue),
			HasNext:           p.wheel.next != nil,
			HasPrev:           p.wheel.prev != nil,
			HandshakeInFlight: p.wheel.sent != nil,
		}
		if pair := p.wheel.pair; pair != nil {
			st.HasPair = true
			st.PairIdx = pair.idx
			st.SendCounter = pair.t.sctr
			st.Established = pair.t.recv.established
		}
		out = append(out, st)
	}
	return out
}
