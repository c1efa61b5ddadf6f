package memory

// Connections is the reverse index from transport connection id to identity.
type Connections struct {
	db map[string]string
}

func NewConnections() *Connections {
	return &Connections{
		db: make(map[string]string),
	}
}

func (cs *Connections) Bind(connID, email string) {
	cs.db[connID] = email
}

func (cs *Connections) Resolve(connID string) (string, bool) {
	email, ok := cs.db[connID]
	return email, ok
}

// Unbind is idempotent.
func (cs *Connections) Unbind(connID string) {
	delete(cs.db, connID)
}

func (cs *Connections) Len() int {
	return len(cs.db)
}

// Snapshot copies the index.
func (cs *Connections) Snapshot() map[string]string {
	out := make(map[string]string, len(cs.db))
	for k, v := range cs.db {
		out[k] = v
	}
	return out
}
