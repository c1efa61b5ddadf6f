package memory

import (
	"sort"
)

// Rooms maps room id to its member identities. A room exists only while it
// has at least one member.
type Rooms struct {
	db map[string]map[string]struct{}
}

func NewRooms() *Rooms {
	return &Rooms{
		db: make(map[string]map[string]struct{}),
	}
}

// Join adds email to roomID and returns the members that were present before
// the insertion, sorted.
func (rs *Rooms) Join(roomID, email string) []string {
	members, ok := rs.db[roomID]
	if !ok {
		members = make(map[string]struct{})
		rs.db[roomID] = members
	}
	prior := make([]string, 0, len(members))
	for m := range members {
		if m != email {
			prior = append(prior, m)
		}
	}
	sort.Strings(prior)
	members[email] = struct{}{}
	return prior
}

// Leave removes email and deletes the room once it is empty.
func (rs *Rooms) Leave(roomID, email string) {
	members, ok := rs.db[roomID]
	if !ok {
		return
	}
	delete(members, email)
	if len(members) == 0 {
		delete(rs.db, roomID)
	}
}

func (rs *Rooms) Members(roomID string) ([]string, bool) {
	members, ok := rs.db[roomID]
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(members))
	for m := range members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, true
}

func (rs *Rooms) Len() int {
	return len(rs.db)
}

// Snapshot returns every room with its sorted members.
func (rs *Rooms) Snapshot() map[string][]string {
	out := make(map[string][]string, len(rs.db))
	for id := range rs.db {
		out[id], _ = rs.Members(id)
	}
	return out
}
