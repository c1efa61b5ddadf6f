// Package service implements the signaling router: the single owner of
// identity, connection, room and call state.
//
// Every inbound event is queued and then applied by one goroutine, start to
// finish, before the next one. The stores therefore need no locks and a
// transition can never observe another one half done.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"

	"github.com/adwski/callroom/backend/history"
	"github.com/adwski/callroom/backend/model"
	"github.com/adwski/callroom/backend/protocol"
	"github.com/adwski/callroom/backend/storage/memory"
)

const (
	defaultQueueSize = 256
)

var (
	ErrStopped = errors.New("signaling router is stopped")
)

type (
	Switch interface {
		Connect(connID string, wire model.Wire)
		Disconnect(connID string)
		Send(connID string, env model.Envelope) bool
		Broadcast(env model.Envelope, except ...string) int
	}

	HistoryDispatcher interface {
		Dispatch(recs ...history.Record)
	}

	Metrics interface {
		Event(name string)
		Call(outcome string)
		ConnectionOpened()
		ConnectionClosed()
	}

	Router struct {
		state   *memory.State
		sw      Switch
		history HistoryDispatcher
		metrics Metrics
		now     func() time.Time

		callTimeout time.Duration
		timers      map[*model.Call]*time.Timer

		events chan event
		done   chan struct{}

		logger zerolog.Logger
	}

	Config struct {
		Logger  *zerolog.Logger
		State   *memory.State
		Switch  Switch
		History HistoryDispatcher
		Metrics Metrics

		// CallTimeout, when positive, ends calls that stay unanswered that long.
		CallTimeout time.Duration
		QueueSize   int
		Clock       func() time.Time
	}
)

type (
	event interface{}

	inboundEvent struct {
		connID string
		msg    protocol.Inbound
	}

	disconnectEvent struct {
		connID string
	}

	timeoutEvent struct {
		call *model.Call
	}

	queryEvent struct {
		fn func(*memory.State)
	}
)

func NewRouter(cfg Config) *Router {
	state := cfg.State
	if state == nil {
		state = memory.NewState()
	}
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = defaultQueueSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	dispatcher := cfg.History
	if dispatcher == nil {
		dispatcher = discardHistory{}
	}
	return &Router{
		state:       state,
		sw:          cfg.Switch,
		history:     dispatcher,
		metrics:     cfg.Metrics,
		now:         clock,
		callTimeout: cfg.CallTimeout,
		timers:      make(map[*model.Call]*time.Timer),
		events:      make(chan event, queue),
		done:        make(chan struct{}),
		logger:      cfg.Logger.With().Str("component", "router").Logger(),
	}
}

type discardHistory struct{}

func (discardHistory) Dispatch(...history.Record) {}

// Run processes events until ctx is canceled.
func (r *Router) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer func() {
		close(r.done)
		for call, t := range r.timers {
			t.Stop()
			delete(r.timers, call)
		}
		r.logger.Debug().Msg("router stopped")
		wg.Done()
	}()

	r.logger.Info().Dur("callTimeout", r.callTimeout).Msg("router started")

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.events:
			r.handle(ev)
		}
	}
}

// Attach makes connID reachable for outbound messages.
func (r *Router) Attach(connID string, wire model.Wire) {
	r.sw.Connect(connID, wire)
	r.observeConnection(true)
}

// Submit queues msg received on connID. Messages of one connection are
// applied in submission order.
func (r *Router) Submit(ctx context.Context, connID string, msg protocol.Inbound) error {
	return r.enqueue(ctx, inboundEvent{connID: connID, msg: msg})
}

// Disconnect queues the teardown of connID. If the router is gone the
// connection is only detached from the switch.
func (r *Router) Disconnect(ctx context.Context, connID string) error {
	if err := r.enqueue(ctx, disconnectEvent{connID: connID}); err != nil {
		r.sw.Disconnect(connID)
		r.observeConnection(false)
		return err
	}
	return nil
}

// Rooms returns every room with its members, read inside the event loop.
func (r *Router) Rooms(ctx context.Context) (map[string][]string, error) {
	return query(ctx, r, func(s *memory.State) map[string][]string {
		return s.Rooms.Snapshot()
	})
}

// Snapshot returns a copy of the whole state, read inside the event loop.
func (r *Router) Snapshot(ctx context.Context) (memory.Snapshot, error) {
	return query(ctx, r, func(s *memory.State) memory.Snapshot {
		return s.Snapshot()
	})
}

// query runs fn inside the loop. The result travels over a buffered channel
// so a caller that gave up never shares memory with the loop.
func query[T any](ctx context.Context, r *Router, fn func(*memory.State) T) (T, error) {
	var zero T
	res := make(chan T, 1)
	err := r.enqueue(ctx, queryEvent{fn: func(s *memory.State) {
		res <- fn(s)
	}})
	if err != nil {
		return zero, err
	}
	select {
	case v := <-res:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-r.done:
		return zero, ErrStopped
	}
}

func (r *Router) enqueue(ctx context.Context, ev event) error {
	select {
	case <-r.done:
		return ErrStopped
	default:
	}
	select {
	case r.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrStopped
	}
}

func (r *Router) handle(ev event) {
	switch ev := ev.(type) {
	case inboundEvent:
		r.observeEvent(ev.msg.Event())
		logger := r.logger.With().
			Str("connID", ev.connID).
			Str("event", ev.msg.Event()).
			Logger()
		r.report(&logger, r.route(ev.connID, ev.msg, &logger))
	case disconnectEvent:
		r.observeEvent("disconnect")
		logger := r.logger.With().
			Str("connID", ev.connID).
			Str("event", "disconnect").
			Logger()
		r.disconnect(ev.connID, &logger)
	case timeoutEvent:
		r.timeout(ev.call)
	case queryEvent:
		ev.fn(r.state)
		return
	}

	if r.logger.GetLevel() <= zerolog.TraceLevel {
		r.logger.Trace().Msg("state after transition:\n" + spew.Sdump(r.state.Snapshot()))
	}
}

func (r *Router) route(connID string, msg protocol.Inbound, logger *zerolog.Logger) error {
	switch m := msg.(type) {
	case protocol.JoinRoom:
		return r.join(connID, m, logger)
	case protocol.CallUser:
		return r.call(connID, m, logger)
	case protocol.AcceptCall:
		return r.accept(connID, m, logger)
	case protocol.RejectCall:
		return r.reject(connID, m, logger)
	case protocol.EndCall:
		return r.endCall(connID, m, logger)
	default:
		return errors.New("unhandled message type " + msg.Event())
	}
}

// report classifies a transition error. None of them is fatal.
func (r *Router) report(logger *zerolog.Logger, err error) {
	switch {
	case err == nil:
	case errors.Is(err, model.ErrNotFound):
		logger.Debug().Err(err).Msg("event ignored")
	case errors.Is(err, model.ErrConflict):
		logger.Debug().Err(err).Msg("call refused")
	case errors.Is(err, model.ErrInvalidState):
		logger.Warn().Err(err).Msg("event does not match call state")
	default:
		logger.Error().Err(err).Msg("event failed")
	}
}

func (r *Router) observeEvent(name string) {
	if r.metrics != nil {
		r.metrics.Event(name)
	}
}

func (r *Router) observeCall(outcome string) {
	if r.metrics != nil {
		r.metrics.Call(outcome)
	}
}

func (r *Router) observeConnection(opened bool) {
	if r.metrics == nil {
		return
	}
	if opened {
		r.metrics.ConnectionOpened()
	} else {
		r.metrics.ConnectionClosed()
	}
}
