// Package history carries completed-call summaries from the signaling core
// to durable storage without ever blocking signaling.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adwski/callroom/backend/metrics"
)

const (
	defaultWriteTimeout = 5 * time.Second
)

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
	DirectionMissed   Direction = "missed"
)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRejected  Status = "rejected"
)

var (
	ErrSinkWrite     = errors.New("history sink write failed")
	ErrInvalidRecord = errors.New("invalid history record")
)

// Record is one side's view of a finished call. Duration is in whole seconds.
type Record struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Direction   Direction `json:"callType"`
	Duration    int       `json:"duration"`
	RemoteEmail string    `json:"remoteEmail"`
	Status      Status    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
}

func (r Record) Validate() error {
	switch {
	case r.Email == "":
		return fmt.Errorf("%w: email is required", ErrInvalidRecord)
	case r.RemoteEmail == "":
		return fmt.Errorf("%w: remoteEmail is required", ErrInvalidRecord)
	case r.Duration < 0:
		return fmt.Errorf("%w: duration must not be negative", ErrInvalidRecord)
	}
	switch r.Direction {
	case DirectionOutgoing, DirectionIncoming, DirectionMissed:
	default:
		return fmt.Errorf("%w: unknown callType %q", ErrInvalidRecord, r.Direction)
	}
	switch r.Status {
	case StatusCompleted, StatusFailed, StatusRejected:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, r.Status)
	}
	return nil
}

// Pair builds the two records of a call ended by ender: outgoing for the
// ender, incoming for the partner.
func Pair(ender, partner string, duration int, status Status, at time.Time) []Record {
	if duration < 0 {
		duration = 0
	}
	return []Record{
		{
			ID:          uuid.NewString(),
			Email:       ender,
			Direction:   DirectionOutgoing,
			Duration:    duration,
			RemoteEmail: partner,
			Status:      status,
			Timestamp:   at,
		},
		{
			ID:          uuid.NewString(),
			Email:       partner,
			Direction:   DirectionIncoming,
			Duration:    duration,
			RemoteEmail: ender,
			Status:      status,
			Timestamp:   at,
		},
	}
}

// Sink persists records.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// SinkWriteError wraps a failed write together with the record that was lost.
type SinkWriteError struct {
	Record Record
	Err    error
}

func (e *SinkWriteError) Error() string {
	return fmt.Sprintf("history write for %s (%s): %v", e.Record.Email, e.Record.Direction, e.Err)
}

func (e *SinkWriteError) Unwrap() error { return e.Err }

func (e *SinkWriteError) Is(target error) bool { return target == ErrSinkWrite }

// Discard drops every record.
type Discard struct{}

func (Discard) Write(context.Context, Record) error { return nil }

type Observer interface {
	HistoryWrite(result string)
}

type (
	Dispatcher struct {
		sink     Sink
		observer Observer
		timeout  time.Duration
		wg       sync.WaitGroup
		logger   zerolog.Logger
	}

	DispatcherConfig struct {
		Logger       *zerolog.Logger
		Sink         Sink
		Observer     Observer
		WriteTimeout time.Duration
	}
)

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	sink := cfg.Sink
	if sink == nil {
		sink = Discard{}
	}
	return &Dispatcher{
		sink:     sink,
		observer: cfg.Observer,
		timeout:  timeout,
		logger:   cfg.Logger.With().Str("component", "history").Logger(),
	}
}

// Dispatch hands records to the sink in the background and returns at once.
// Every record gets exactly one write attempt; failures are logged only.
func (d *Dispatcher) Dispatch(recs ...Record) {
	if len(recs) == 0 {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for _, rec := range recs {
			if err := d.write(rec); err != nil {
				d.logger.Error().Err(err).
					Str("email", rec.Email).
					Str("remote", rec.RemoteEmail).
					Msg("failed to persist call history")
				d.observe(metrics.WriteFailed)
				continue
			}
			d.observe(metrics.WriteOK)
			d.logger.Debug().
				Str("email", rec.Email).
				Str("direction", string(rec.Direction)).
				Int("duration", rec.Duration).
				Msg("call history persisted")
		}
	}()
}

func (d *Dispatcher) write(rec Record) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = &SinkWriteError{Record: rec, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	if err = d.sink.Write(ctx, rec); err != nil {
		return &SinkWriteError{Record: rec, Err: err}
	}
	return nil
}

func (d *Dispatcher) observe(result string) {
	if d.observer != nil {
		d.observer.HistoryWrite(result)
	}
}

// Wait blocks until every dispatched record has been attempted.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
