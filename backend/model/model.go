package model

import (
	"encoding/json"
	"time"
)

// Status is the call-lifecycle state of a joined identity.
type Status string

const (
	StatusOnline  Status = "online"
	StatusCalling Status = "calling"
	StatusInCall  Status = "in-call"
)

// Identity is the directory record of one joined participant.
type Identity struct {
	Email  string `json:"email"`
	ConnID string `json:"conn_id"`
	RoomID string `json:"room_id"`
	Status Status `json:"status"`
}

// Call is the single shared record of a pairing. Both participants'
// ledger entries point at the same *Call.
type Call struct {
	Caller     string          `json:"caller"`
	Callee     string          `json:"callee"`
	Offer      json.RawMessage `json:"offer,omitempty"`
	Answer     json.RawMessage `json:"answer,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	AcceptedAt time.Time       `json:"accepted_at,omitempty"`
	EndReason  string          `json:"end_reason,omitempty"`
}

// Partner returns the other side of the call relative to email.
func (c *Call) Partner(email string) string {
	if c.Caller == email {
		return c.Callee
	}
	return c.Caller
}

// Accepted reports whether the callee has answered.
func (c *Call) Accepted() bool {
	return !c.AcceptedAt.IsZero()
}

// State is the status both participants share while the call exists.
func (c *Call) State() Status {
	if c.Accepted() {
		return StatusInCall
	}
	return StatusCalling
}

// Envelope is the frame exchanged with clients in both directions.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Wire is the outbound side of one transport connection.
type Wire struct {
	TX chan Envelope
}

func NewWire(size int) Wire {
	return Wire{
		TX: make(chan Envelope, size),
	}
}
