package memory

import (
	"encoding/json"
	"time"

	"github.com/adwski/callroom/backend/model"
)

// Conflict reasons that are not a status value.
const (
	ReasonNotOnline = "not online"
	ReasonSelf      = "self"
)

// Calls is the call ledger. Both participants of a call are indexed to the
// same *model.Call, so the pairing is symmetric by construction. Statuses
// live in the identity directory and are switched together with the ledger.
type Calls struct {
	ids *Identities
	db  map[string]*model.Call
}

func NewCalls(ids *Identities) *Calls {
	return &Calls{
		ids: ids,
		db:  make(map[string]*model.Call),
	}
}

// Begin pairs caller with callee in the calling state.
func (cs *Calls) Begin(caller, callee string, offer json.RawMessage, now time.Time) (*model.Call, error) {
	callerRec, ok := cs.ids.Get(caller)
	if !ok {
		return nil, &model.NotFoundError{Kind: "identity", Key: caller}
	}
	if caller == callee {
		return nil, &model.ConflictError{Email: callee, Reason: ReasonSelf}
	}
	calleeRec, ok := cs.ids.Get(callee)
	if !ok {
		return nil, &model.ConflictError{Email: callee, Reason: ReasonNotOnline}
	}
	if status := cs.effectiveStatus(calleeRec); status != model.StatusOnline {
		return nil, &model.ConflictError{Email: callee, Reason: string(status)}
	}
	if status := cs.effectiveStatus(callerRec); status != model.StatusOnline {
		return nil, &model.ConflictError{Email: caller, Reason: string(status)}
	}

	call := &model.Call{
		Caller:    caller,
		Callee:    callee,
		Offer:     offer,
		StartedAt: now,
	}
	cs.db[caller] = call
	cs.db[callee] = call
	cs.ids.SetStatus(caller, model.StatusCalling)
	cs.ids.SetStatus(callee, model.StatusCalling)
	return call, nil
}

// effectiveStatus treats a ledger entry as authoritative over the directory.
func (cs *Calls) effectiveStatus(rec model.Identity) model.Status {
	if call, ok := cs.db[rec.Email]; ok {
		return call.State()
	}
	return rec.Status
}

// Accept moves the call of accepter with caller to in-call.
func (cs *Calls) Accept(accepter, caller string, answer json.RawMessage, now time.Time) (*model.Call, error) {
	call, ok := cs.db[accepter]
	if !ok {
		return nil, &model.InvalidStateError{Email: accepter, Reason: "no pending call"}
	}
	if call.Partner(accepter) != caller {
		return nil, &model.InvalidStateError{Email: accepter, Reason: "call partner is " + call.Partner(accepter)}
	}
	if call.Callee != accepter {
		return nil, &model.InvalidStateError{Email: accepter, Reason: "only the callee can accept"}
	}
	if call.Accepted() {
		return nil, &model.InvalidStateError{Email: accepter, Reason: "already accepted"}
	}

	call.Answer = answer
	call.AcceptedAt = now
	cs.ids.SetStatus(caller, model.StatusInCall)
	cs.ids.SetStatus(accepter, model.StatusInCall)
	return call, nil
}

// End tears down the call email takes part in and returns both sides to
// online. It reports false, and changes nothing, when there is no call.
func (cs *Calls) End(email, reason string) (*model.Call, bool) {
	call, ok := cs.db[email]
	if !ok {
		return nil, false
	}
	call.EndReason = reason
	for _, p := range []string{call.Caller, call.Callee} {
		if cs.db[p] == call {
			delete(cs.db, p)
		}
		cs.ids.SetStatus(p, model.StatusOnline)
	}
	return call, true
}

// Get returns the live call record of email. Callers must not mutate it.
func (cs *Calls) Get(email string) (*model.Call, bool) {
	call, ok := cs.db[email]
	return call, ok
}

func (cs *Calls) PartnerOf(email string) (string, bool) {
	call, ok := cs.db[email]
	if !ok {
		return "", false
	}
	return call.Partner(email), true
}

// Len counts distinct calls.
func (cs *Calls) Len() int {
	return len(cs.db) / 2
}

// Snapshot returns a copy of every distinct call.
func (cs *Calls) Snapshot() []model.Call {
	seen := make(map[*model.Call]struct{}, len(cs.db))
	out := make([]model.Call, 0, len(cs.db)/2)
	for _, call := range cs.db {
		if _, ok := seen[call]; ok {
			continue
		}
		seen[call] = struct{}{}
		out = append(out, *call)
	}
	return out
}
