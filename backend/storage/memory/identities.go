package memory

import (
	"github.com/adwski/callroom/backend/model"
)

// Identities is the identity directory. It keeps the connection index
// consistent with itself: an identity's ConnID is always bound back to it.
type Identities struct {
	conns *Connections
	db    map[string]*model.Identity
}

func NewIdentities(conns *Connections) *Identities {
	return &Identities{
		conns: conns,
		db:    make(map[string]*model.Identity),
	}
}

// Upsert (re)binds email to connID inside roomID and resets status to online.
// A previous connection of the same identity is unbound first. The returned
// record is the state before the call, nil for a first join.
func (ids *Identities) Upsert(email, connID, roomID string) *model.Identity {
	var prev *model.Identity
	if rec, ok := ids.db[email]; ok {
		cp := *rec
		prev = &cp
		if owner, bound := ids.conns.Resolve(rec.ConnID); bound && owner == email {
			ids.conns.Unbind(rec.ConnID)
		}
	}
	ids.db[email] = &model.Identity{
		Email:  email,
		ConnID: connID,
		RoomID: roomID,
		Status: model.StatusOnline,
	}
	ids.conns.Bind(connID, email)
	return prev
}

// Get returns a copy of the record.
func (ids *Identities) Get(email string) (model.Identity, bool) {
	rec, ok := ids.db[email]
	if !ok {
		return model.Identity{}, false
	}
	return *rec, true
}

func (ids *Identities) SetStatus(email string, status model.Status) bool {
	rec, ok := ids.db[email]
	if !ok {
		return false
	}
	rec.Status = status
	return true
}

// Remove deletes the identity and unbinds its connection.
func (ids *Identities) Remove(email string) {
	rec, ok := ids.db[email]
	if !ok {
		return
	}
	if owner, bound := ids.conns.Resolve(rec.ConnID); bound && owner == email {
		ids.conns.Unbind(rec.ConnID)
	}
	delete(ids.db, email)
}

func (ids *Identities) Len() int {
	return len(ids.db)
}

// Snapshot copies all records.
func (ids *Identities) Snapshot() map[string]model.Identity {
	out := make(map[string]model.Identity, len(ids.db))
	for k, v := range ids.db {
		out[k] = *v
	}
	return out
}
