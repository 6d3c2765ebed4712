package signal

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pitabwire/frame/workerpool"
	"github.com/pitabwire/util"
	"github.com/rs/xid"

	"github.com/videomesh/videomesh/internal/engine"
)

// Transport is the signaling-plane record of an engine transport.
type Transport struct {
	ID        string
	PeerID    string
	RoomID    string
	Direction Direction
	Connected bool
}

// Producer is the signaling-plane record of an uplink.
type Producer struct {
	ID     string
	PeerID string
	RoomID string
	Kind   engine.Kind
}

// Consumer is the signaling-plane record of a downlink.
type Consumer struct {
	ID         string
	PeerID     string
	RoomID     string
	ProducerID string
	Kind       engine.Kind
	Paused     bool
}

// Options tune the signaling server.
type Options struct {
	// HandshakeTimeout bounds engine calls made on behalf of a client
	// event.
	HandshakeTimeout time.Duration
	// SendQueueSize is each peer's outbound frame buffer.
	SendQueueSize int
	// WorkerGrace is how long the process lingers after a worker death
	// before exiting.
	WorkerGrace time.Duration
	// PingInterval paces websocket liveness pings.
	PingInterval time.Duration
}

// Stats reports registry sizes.
type Stats struct {
	Rooms      int `json:"rooms"`
	Peers      int `json:"peers"`
	Transports int `json:"transports"`
	Producers  int `json:"producers"`
	Consumers  int `json:"consumers"`
}

// Server owns every registry of the control plane. Its lifetime equals
// the process; components receive it by parameter, never through
// globals.
type Server struct {
	eng  engine.Engine
	pool workerpool.WorkerPool
	opts Options

	// mu guards only the maps themselves. It is never held across an
	// engine call or an outbound send; per-room serialization is the
	// room's own mutex.
	mu         sync.RWMutex
	rooms      map[string]*Room
	peers      map[string]*Peer
	transports map[string]*Transport
	producers  map[string]*Producer
	consumers  map[string]*Consumer

	// exit terminates the process on fatal worker death; swappable so
	// tests can observe the shutdown without dying.
	exit func()
}

// NewServer wires a server to an initialized engine.
func NewServer(eng engine.Engine, pool workerpool.WorkerPool, opts Options) *Server {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.WorkerGrace <= 0 {
		opts.WorkerGrace = 3 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}

	s := &Server{
		eng:        eng,
		pool:       pool,
		opts:       opts,
		rooms:      make(map[string]*Room),
		peers:      make(map[string]*Peer),
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
		consumers:  make(map[string]*Consumer),
		exit:       func() { os.Exit(1) },
	}

	eng.OnTransportDTLSClosed(s.handleTransportDied)
	eng.OnWorkerDied(s.handleWorkerDied)
	return s
}

// SetExit overrides the process-exit hook used on fatal worker death.
func (s *Server) SetExit(fn func()) { s.exit = fn }

// RegisterPeer creates the peer record for a new signaling connection.
// An empty id gets a generated one.
func (s *Server) RegisterPeer(id string) *Peer {
	if id == "" {
		id = xid.New().String()
	}
	p := newPeer(id, s.opts.SendQueueSize)

	s.mu.Lock()
	s.peers[id] = p
	s.mu.Unlock()
	return p
}

// GetPeer looks up a live peer.
func (s *Server) GetPeer(id string) (*Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[id]
	return p, ok
}

// Stats returns current registry sizes.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Rooms:      len(s.rooms),
		Peers:      len(s.peers),
		Transports: len(s.transports),
		Producers:  len(s.producers),
		Consumers:  len(s.consumers),
	}
}

// getOrCreateRoom returns the live room, creating it (and its router)
// on first join. Room creation races resolve in favor of the first
// inserted entry.
func (s *Server) getOrCreateRoom(ctx context.Context, roomID string) (*Room, error) {
	s.mu.RLock()
	room, ok := s.rooms[roomID]
	s.mu.RUnlock()
	if ok {
		return room, nil
	}

	router, caps, err := s.eng.CreateRouter(ctx)
	if err != nil {
		return nil, err
	}

	room = newRoom(roomID, router, caps)
	s.mu.Lock()
	existing, ok := s.rooms[roomID]
	if ok {
		s.mu.Unlock()
		_ = s.eng.CloseRouter(router.ID)
		return existing, nil
	}
	s.rooms[roomID] = room
	s.mu.Unlock()
	return room, nil
}

// getRoom looks up a live room.
func (s *Server) getRoom(roomID string) (*Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	return r, ok
}

// dropRoom removes an emptied room from the registry.
func (s *Server) dropRoom(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
}

// producersInRoom snapshots the live producers of a room, excluding one
// peer's own. Callers must hold the room lock so the snapshot is
// consistent with membership.
func (s *Server) producersInRoom(roomID, excludePeerID string) []ProducerAd {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ProducerAd, 0)
	for _, p := range s.producers {
		if p.RoomID != roomID || p.PeerID == excludePeerID {
			continue
		}
		out = append(out, ProducerAd{ID: p.ID, PeerID: p.PeerID, Kind: p.Kind})
	}
	return out
}

// fanOut delivers an event to a member snapshot, off the caller's
// goroutine when a worker pool is available. The originator must
// already be excluded from targets.
func (s *Server) fanOut(targets []*Peer, event string, payload any) {
	if len(targets) == 0 {
		return
	}
	deliver := func() {
		for _, p := range targets {
			p.enqueue(event, payload)
		}
	}
	if s.pool != nil {
		if err := s.pool.Submit(context.Background(), deliver); err == nil {
			return
		}
		slog.Warn("fan-out pool full, delivering inline", slog.String("event", event))
	}
	deliver()
}

// handleTransportDied reacts to an engine-side transport loss: the
// transport and everything on it is reclaimed, producer closures fan
// out to the room.
func (s *Server) handleTransportDied(transportID string) {
	s.mu.RLock()
	tr, ok := s.transports[transportID]
	var room *Room
	if ok {
		room = s.rooms[tr.RoomID]
	}
	s.mu.RUnlock()
	if !ok || room == nil {
		return
	}

	room.mu.Lock()
	closures, targets := s.reclaimTransportLocked(room, tr)
	room.mu.Unlock()

	for _, closure := range closures {
		s.fanOut(targets, EventProducerClosed, closure)
	}
}

// handleWorkerDied is fatal: every peer in a room hosted by the dead
// worker is told, then the process exits after a grace window so the
// notifications can drain.
func (s *Server) handleWorkerDied(workerID string) {
	s.mu.RLock()
	var hosted []*Room
	for _, room := range s.rooms {
		if room.router.WorkerID == workerID {
			hosted = append(hosted, room)
		}
	}
	s.mu.RUnlock()

	var affected []*Peer
	for _, room := range hosted {
		room.mu.Lock()
		affected = append(affected, room.memberSnapshot("")...)
		room.mu.Unlock()
	}

	payload := ErrorPayload{Error: CodeEngineFailure, Details: "media worker died"}
	for _, p := range affected {
		p.enqueue(EventVideoRoomError, payload)
	}

	slog.Error("media worker died, shutting down",
		slog.String("worker_id", workerID), slog.Int("affected_peers", len(affected)))

	exit := s.exit
	time.AfterFunc(s.opts.WorkerGrace, func() {
		if exit != nil {
			exit()
		}
	})
}

// Shutdown evicts every peer through the normal cleanup path and closes
// the engine, so nothing leaks on process stop.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.RLock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()

	for _, p := range peers {
		s.DisconnectPeer(p)
	}
	s.eng.Close()
	util.Log(ctx).Info("signaling server stopped", "evicted_peers", len(peers))
}
