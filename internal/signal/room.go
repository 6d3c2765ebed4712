package signal

import (
	"sync"
	"time"

	"github.com/videomesh/videomesh/internal/engine"
)

// Room is one conference. Its mutex serializes every mutation touching
// the room: membership, and the transport/producer/consumer records of
// its members, including the engine calls made on the room's router.
type Room struct {
	mu sync.Mutex

	id        string
	router    engine.Router
	caps      engine.RTPCapabilities
	members   map[string]*Peer
	createdAt time.Time
	closed    bool
}

func newRoom(id string, router engine.Router, caps engine.RTPCapabilities) *Room {
	return &Room{
		id:        id,
		router:    router,
		caps:      caps,
		members:   make(map[string]*Peer),
		createdAt: time.Now(),
	}
}

// ID returns the room identifier.
func (r *Room) ID() string { return r.id }

// RouterID returns the engine router backing this room.
func (r *Room) RouterID() string { return r.router.ID }

// memberSnapshot returns the current members except the excluded peer.
// Callers must hold r.mu.
func (r *Room) memberSnapshot(excludePeerID string) []*Peer {
	out := make([]*Peer, 0, len(r.members))
	for id, p := range r.members {
		if id == excludePeerID {
			continue
		}
		out = append(out, p)
	}
	return out
}

// isMember reports membership. Callers must hold r.mu.
func (r *Room) isMember(peerID string) bool {
	_, ok := r.members[peerID]
	return ok
}
