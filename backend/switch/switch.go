package _switch

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/adwski/callroom/backend/model"
)

// DropObserver is notified about every message that could not be queued.
type DropObserver interface {
	OutboundDropped()
}

// Switch delivers outbound envelopes to connections by connection id.
// Delivery never blocks: a saturated or vanished connection loses the message.
type Switch struct {
	logger   zerolog.Logger
	observer DropObserver
	mx       *sync.RWMutex
	fwd      map[string]model.Wire
}

func NewSwitch(logger *zerolog.Logger, observer DropObserver) *Switch {
	return &Switch{
		logger:   logger.With().Str("component", "switch").Logger(),
		observer: observer,
		mx:       &sync.RWMutex{},
		fwd:      make(map[string]model.Wire),
	}
}

func (sw *Switch) Connect(connID string, wire model.Wire) {
	sw.mx.Lock()
	sw.fwd[connID] = wire
	sw.mx.Unlock()

	sw.logger.Debug().Str("connID", connID).Msg("endpoint connected")
}

func (sw *Switch) Disconnect(connID string) {
	sw.mx.Lock()
	delete(sw.fwd, connID)
	sw.mx.Unlock()

	sw.logger.Debug().Str("connID", connID).Msg("endpoint disconnected")
}

// Send queues env for connID and reports whether it was accepted.
func (sw *Switch) Send(connID string, env model.Envelope) bool {
	sw.mx.RLock()
	wire, ok := sw.fwd[connID]
	sw.mx.RUnlock()

	if !ok {
		sw.logger.Debug().
			Str("dst", connID).
			Str("event", env.Event).
			Msg("cannot forward, dst not found")
		sw.dropped()
		return false
	}
	return sw.send(connID, wire, env)
}

// Broadcast queues env for every connection except the excluded ones and
// returns how many accepted it.
func (sw *Switch) Broadcast(env model.Envelope, except ...string) int {
	sw.mx.RLock()
	targets := make(map[string]model.Wire, len(sw.fwd))
	for id, wire := range sw.fwd {
		targets[id] = wire
	}
	sw.mx.RUnlock()

	for _, id := range except {
		delete(targets, id)
	}

	var sent int
	for id, wire := range targets {
		if sw.send(id, wire, env) {
			sent++
		}
	}
	if sent == 0 {
		sw.logger.Debug().Str("event", env.Event).Msg("broadcast did not reach anyone")
	}
	return sent
}

func (sw *Switch) send(connID string, wire model.Wire, env model.Envelope) bool {
	select {
	case wire.TX <- env:
		sw.logger.Trace().
			Str("dst", connID).
			Str("event", env.Event).
			Msg("envelope is forwarded")
		return true
	default:
		sw.logger.Error().
			Str("dst", connID).
			Str("event", env.Event).
			Msg("dead endpoint, outbound queue is full")
		sw.dropped()
		return false
	}
}

func (sw *Switch) dropped() {
	if sw.observer != nil {
		sw.observer.OutboundDropped()
	}
}

func (sw *Switch) Len() int {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	return len(sw.fwd)
}
