// Package protocol defines the client-facing signaling messages.
//
// Inbound frames are decoded into one concrete type per event name and
// validated before they reach the router. Outbound frames are built with the
// constructors at the bottom of this file.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/adwski/callroom/backend/model"
)

// Inbound event names.
const (
	EventJoinRoom     = "join-room"
	EventCallingUser  = "calling-user"
	EventCallAccepted = "call-accepted"
	EventCallRejected = "call-rejected"
	EventEndCall      = "end-call"
)

// Outbound event names. "incomming-call" is misspelled on purpose,
// deployed clients listen for it.
const (
	EventExistingUsers    = "existing-users"
	EventUserJoined       = "user-joined"
	EventIncomingCall     = "incomming-call"
	EventCallFailed       = "call-failed"
	EventCallEnded        = "call-ended"
	EventUserDisconnected = "user-disconnected"
	EventError            = "error"
)

// Reasons carried by call-ended.
const (
	ReasonDisconnected = "disconnected"
	ReasonTimeout      = "timeout"
	ReasonReconnected  = "reconnected"
)

var (
	ErrMalformed     = errors.New("malformed message")
	ErrUnknownEvent  = errors.New("unknown event")
	ErrMissingField  = errors.New("missing required field")
	ErrTrailingBytes = errors.New("unexpected trailing data")
)

// Inbound is one validated client event.
type Inbound interface {
	Event() string
}

type JoinRoom struct {
	Email  string `json:"email"`
	RoomID string `json:"roomid"`
}

type CallUser struct {
	Email string          `json:"email"`
	Offer json.RawMessage `json:"offer"`
}

type AcceptCall struct {
	Email  string          `json:"email"`
	Answer json.RawMessage `json:"ans"`
}

type RejectCall struct {
	Email string `json:"email"`
}

// EndCall carries the client-measured duration in seconds, nil when omitted.
type EndCall struct {
	Duration *float64 `json:"duration,omitempty"`
}

func (JoinRoom) Event() string   { return EventJoinRoom }
func (CallUser) Event() string   { return EventCallingUser }
func (AcceptCall) Event() string { return EventCallAccepted }
func (RejectCall) Event() string { return EventCallRejected }
func (EndCall) Event() string    { return EventEndCall }

type rawEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Decode parses a single frame into its concrete Inbound variant.
func Decode(frame []byte) (Inbound, error) {
	dec := json.NewDecoder(bytes.NewReader(frame))
	var env rawEnvelope
	if err := dec.Decode(&env); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	if dec.More() {
		return nil, ErrTrailingBytes
	}

	var (
		msg Inbound
		err error
	)
	switch env.Event {
	case EventJoinRoom:
		var m JoinRoom
		if err = decodeData(env.Data, &m); err == nil {
			m.Email = strings.TrimSpace(m.Email)
			m.RoomID = strings.TrimSpace(m.RoomID)
			err = requireStrings("email", m.Email, "roomid", m.RoomID)
		}
		msg = m
	case EventCallingUser:
		var m CallUser
		if err = decodeData(env.Data, &m); err == nil {
			m.Email = strings.TrimSpace(m.Email)
			err = errors.Join(requireStrings("email", m.Email), requirePayload("offer", m.Offer))
		}
		msg = m
	case EventCallAccepted:
		var m AcceptCall
		if err = decodeData(env.Data, &m); err == nil {
			m.Email = strings.TrimSpace(m.Email)
			err = errors.Join(requireStrings("email", m.Email), requirePayload("ans", m.Answer))
		}
		msg = m
	case EventCallRejected:
		var m RejectCall
		if err = decodeData(env.Data, &m); err == nil {
			m.Email = strings.TrimSpace(m.Email)
			err = requireStrings("email", m.Email)
		}
		msg = m
	case EventEndCall:
		msg = EndCall{Duration: endCallDuration(env.Data)}
	case "":
		return nil, fmt.Errorf("%w: missing event name", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", env.Event, err)
	}
	return msg, nil
}

// endCallDuration extracts the optional duration of end-call. An unusable
// value counts as omitted so the call is still torn down. Numeric strings
// are accepted, negative values are left for the router to clamp.
func endCallDuration(data json.RawMessage) *float64 {
	if len(data) == 0 || isNull(data) {
		return nil
	}
	var m struct {
		Duration json.RawMessage `json:"duration"`
	}
	if json.Unmarshal(data, &m) != nil || len(m.Duration) == 0 || isNull(m.Duration) {
		return nil
	}
	var d float64
	if err := json.Unmarshal(m.Duration, &d); err != nil {
		var s string
		if json.Unmarshal(m.Duration, &s) != nil {
			return nil
		}
		if d, err = strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
			return nil
		}
	}
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return nil
	}
	return &d
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 || isNull(data) {
		return fmt.Errorf("%w: data", ErrMissingField)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Join(ErrMalformed, err)
	}
	return nil
}

// requireStrings takes name/value pairs.
func requireStrings(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return fmt.Errorf("%w: %s", ErrMissingField, pairs[i])
		}
	}
	return nil
}

func requirePayload(name string, raw json.RawMessage) error {
	if len(raw) == 0 || isNull(raw) {
		return fmt.Errorf("%w: %s", ErrMissingField, name)
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

type (
	ExistingUsersData struct {
		Users []string `json:"users"`
	}
	EmailData struct {
		Email string `json:"email"`
	}
	IncomingCallData struct {
		Email string          `json:"email"`
		Offer json.RawMessage `json:"offer"`
	}
	CallFailedData struct {
		TargetEmail string `json:"targetEmail"`
		Reason      string `json:"reason"`
	}
	CallAcceptedData struct {
		Email  string          `json:"email"`
		Answer json.RawMessage `json:"ans"`
	}
	CallEndedData struct {
		Email  string `json:"email"`
		Reason string `json:"reason,omitempty"`
	}
	ErrorData struct {
		Reason string `json:"reason"`
	}
)

func ExistingUsers(users []string) model.Envelope {
	return model.Envelope{Event: EventExistingUsers, Data: ExistingUsersData{Users: users}}
}

func UserJoined(email string) model.Envelope {
	return model.Envelope{Event: EventUserJoined, Data: EmailData{Email: email}}
}

func IncomingCall(caller string, offer json.RawMessage) model.Envelope {
	return model.Envelope{Event: EventIncomingCall, Data: IncomingCallData{Email: caller, Offer: offer}}
}

func CallFailed(target, reason string) model.Envelope {
	return model.Envelope{Event: EventCallFailed, Data: CallFailedData{TargetEmail: target, Reason: reason}}
}

func CallAccepted(accepter string, answer json.RawMessage) model.Envelope {
	return model.Envelope{Event: EventCallAccepted, Data: CallAcceptedData{Email: accepter, Answer: answer}}
}

func CallRejected(rejecter string) model.Envelope {
	return model.Envelope{Event: EventCallRejected, Data: EmailData{Email: rejecter}}
}

func CallEnded(email, reason string) model.Envelope {
	return model.Envelope{Event: EventCallEnded, Data: CallEndedData{Email: email, Reason: reason}}
}

func UserDisconnected(email string) model.Envelope {
	return model.Envelope{Event: EventUserDisconnected, Data: EmailData{Email: email}}
}

func Error(reason string) model.Envelope {
	return model.Envelope{Event: EventError, Data: ErrorData{Reason: reason}}
}
