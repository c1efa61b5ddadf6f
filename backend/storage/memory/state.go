package memory

import (
	"github.com/adwski/callroom/backend/model"
)

// State bundles the four stores so they can be handed to one owner.
type State struct {
	Connections *Connections
	Identities  *Identities
	Rooms       *Rooms
	Calls       *Calls
}

func NewState() *State {
	conns := NewConnections()
	ids := NewIdentities(conns)
	return &State{
		Connections: conns,
		Identities:  ids,
		Rooms:       NewRooms(),
		Calls:       NewCalls(ids),
	}
}

// Snapshot is a deep copy of State for diagnostics and read APIs.
type Snapshot struct {
	Connections map[string]string         `json:"connections"`
	Identities  map[string]model.Identity `json:"identities"`
	Rooms       map[string][]string       `json:"rooms"`
	Calls       []model.Call              `json:"calls"`
}

func (s *State) Snapshot() Snapshot {
	return Snapshot{
		Connections: s.Connections.Snapshot(),
		Identities:  s.Identities.Snapshot(),
		Rooms:       s.Rooms.Snapshot(),
		Calls:       s.Calls.Snapshot(),
	}
}
