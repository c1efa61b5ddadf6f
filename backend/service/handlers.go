package service

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/adwski/callroom/backend/history"
	"github.com/adwski/callroom/backend/metrics"
	"github.com/adwski/callroom/backend/model"
	"github.com/adwski/callroom/backend/protocol"
)

func (r *Router) resolve(connID string) (string, error) {
	email, ok := r.state.Connections.Resolve(connID)
	if !ok {
		return "", &model.NotFoundError{Kind: "connection", Key: connID}
	}
	return email, nil
}

// sendTo delivers env to the current connection of email, if it still has one.
func (r *Router) sendTo(email string, env model.Envelope) bool {
	rec, ok := r.state.Identities.Get(email)
	if !ok {
		return false
	}
	return r.sw.Send(rec.ConnID, env)
}

func (r *Router) join(connID string, m protocol.JoinRoom, logger *zerolog.Logger) error {
	s := r.state

	// one connection speaks for one identity at a time
	if owner, ok := s.Connections.Resolve(connID); ok && owner != m.Email {
		logger.Debug().Str("previous", owner).Msg("connection switches identity")
		r.evict(owner, protocol.ReasonDisconnected, connID)
	}

	// state left behind by an earlier session of the same identity
	if prev, ok := s.Identities.Get(m.Email); ok {
		if call, ended := s.Calls.End(m.Email, protocol.ReasonReconnected); ended {
			r.stopTimer(call)
			partner := call.Partner(m.Email)
			r.sendTo(partner, protocol.CallEnded(m.Email, protocol.ReasonReconnected))
			r.observeCall(metrics.CallDisconnected)
			logger.Info().Str("partner", partner).Msg("stale call reclaimed on rejoin")
		}
		s.Rooms.Leave(prev.RoomID, m.Email)
		if prev.ConnID != connID {
			logger.Debug().Str("previousConnID", prev.ConnID).Msg("identity moved to a new connection")
		}
	}

	s.Identities.Upsert(m.Email, connID, m.RoomID)
	prior := s.Rooms.Join(m.RoomID, m.Email)

	if len(prior) > 0 {
		r.sw.Send(connID, protocol.ExistingUsers(prior))
	}
	joined := protocol.UserJoined(m.Email)
	for _, member := range prior {
		r.sendTo(member, joined)
	}

	logger.Info().
		Str("identity", m.Email).
		Str("roomID", m.RoomID).
		Int("peers", len(prior)).
		Msg("identity joined room")
	return nil
}

func (r *Router) call(connID string, m protocol.CallUser, logger *zerolog.Logger) error {
	caller, err := r.resolve(connID)
	if err != nil {
		return err
	}

	call, err := r.state.Calls.Begin(caller, m.Email, m.Offer, r.now())
	if err != nil {
		var conflict *model.ConflictError
		if errors.As(err, &conflict) && conflict.Email == m.Email {
			r.sw.Send(connID, protocol.CallFailed(m.Email, conflict.Reason))
			r.observeCall(metrics.CallFailed)
		}
		return err
	}

	r.sendTo(m.Email, protocol.IncomingCall(caller, m.Offer))
	r.armTimer(call)
	r.observeCall(metrics.CallStarted)

	logger.Info().Str("identity", caller).Str("callee", m.Email).Msg("call started")
	return nil
}

func (r *Router) accept(connID string, m protocol.AcceptCall, logger *zerolog.Logger) error {
	accepter, err := r.resolve(connID)
	if err != nil {
		return err
	}

	call, err := r.state.Calls.Accept(accepter, m.Email, m.Answer, r.now())
	if err != nil {
		return err
	}
	r.stopTimer(call)
	r.sendTo(m.Email, protocol.CallAccepted(accepter, m.Answer))
	r.observeCall(metrics.CallAccepted)

	logger.Info().Str("identity", accepter).Str("caller", m.Email).Msg("call accepted")
	return nil
}

func (r *Router) reject(connID string, m protocol.RejectCall, logger *zerolog.Logger) error {
	rejecter, err := r.resolve(connID)
	if err != nil {
		return err
	}

	partner, ok := r.state.Calls.PartnerOf(rejecter)
	if !ok {
		return &model.InvalidStateError{Email: rejecter, Reason: "no call to reject"}
	}
	if partner != m.Email {
		return &model.InvalidStateError{Email: rejecter, Reason: "call partner is " + partner}
	}

	call, _ := r.state.Calls.End(rejecter, "rejected")
	r.stopTimer(call)
	r.sendTo(m.Email, protocol.CallRejected(rejecter))
	r.observeCall(metrics.CallRejected)

	logger.Info().Str("identity", rejecter).Str("caller", m.Email).Msg("call rejected")
	return nil
}

func (r *Router) endCall(connID string, m protocol.EndCall, logger *zerolog.Logger) error {
	email, err := r.resolve(connID)
	if err != nil {
		return err
	}

	call, ok := r.state.Calls.End(email, "ended")
	if !ok {
		logger.Debug().Str("identity", email).Msg("no call to end")
		return nil
	}
	r.stopTimer(call)

	partner := call.Partner(email)
	r.sendTo(partner, protocol.CallEnded(email, ""))
	r.observeCall(metrics.CallEnded)

	now := r.now()
	duration := 0
	switch {
	case m.Duration != nil:
		duration = clampSeconds(*m.Duration)
	case call.Accepted():
		duration = clampSeconds(now.Sub(call.AcceptedAt).Seconds())
	}
	status := history.StatusCompleted
	if !call.Accepted() {
		status = history.StatusFailed
	}
	r.history.Dispatch(history.Pair(email, partner, duration, status, now)...)

	logger.Info().
		Str("identity", email).
		Str("partner", partner).
		Int("duration", duration).
		Msg("call ended")
	return nil
}

func clampSeconds(v float64) int {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(v)
}

func (r *Router) disconnect(connID string, logger *zerolog.Logger) {
	if email, ok := r.state.Connections.Resolve(connID); ok {
		r.evict(email, protocol.ReasonDisconnected, connID)
		logger.Info().Str("identity", email).Msg("identity disconnected")
	} else {
		logger.Debug().Msg("connection closed without a live identity")
	}
	r.state.Connections.Unbind(connID)
	r.sw.Disconnect(connID)
	r.observeConnection(false)
}

// evict removes email from every store, ending its call with reason and
// telling everyone except skipConn that it left.
func (r *Router) evict(email, reason, skipConn string) {
	s := r.state
	if call, ok := s.Calls.End(email, reason); ok {
		r.stopTimer(call)
		r.sendTo(call.Partner(email), protocol.CallEnded(email, reason))
		r.observeCall(metrics.CallDisconnected)
	}
	if rec, ok := s.Identities.Get(email); ok {
		s.Rooms.Leave(rec.RoomID, email)
	}
	s.Identities.Remove(email)
	r.sw.Broadcast(protocol.UserDisconnected(email), skipConn)
}

func (r *Router) armTimer(call *model.Call) {
	if r.callTimeout <= 0 {
		return
	}
	r.timers[call] = time.AfterFunc(r.callTimeout, func() {
		_ = r.enqueue(context.Background(), timeoutEvent{call: call})
	})
}

func (r *Router) stopTimer(call *model.Call) {
	if call == nil {
		return
	}
	if t, ok := r.timers[call]; ok {
		t.Stop()
		delete(r.timers, call)
	}
}

// timeout ends call if it is still the live, unanswered pairing.
func (r *Router) timeout(call *model.Call) {
	delete(r.timers, call)
	live, ok := r.state.Calls.Get(call.Caller)
	if !ok || live != call || call.Accepted() {
		return
	}
	r.state.Calls.End(call.Caller, protocol.ReasonTimeout)
	r.sendTo(call.Caller, protocol.CallEnded(call.Callee, protocol.ReasonTimeout))
	r.sendTo(call.Callee, protocol.CallEnded(call.Caller, protocol.ReasonTimeout))
	r.observeCall(metrics.CallTimeout)

	r.logger.Info().
		Str("identity", call.Caller).
		Str("callee", call.Callee).
		Msg("unanswered call timed out")
}
