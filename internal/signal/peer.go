package signal

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Direction distinguishes uplink from downlink transports.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool { return d == DirectionSend || d == DirectionRecv }

// PeerState is the observable session state of a signaling connection.
type PeerState string

const (
	PeerStateConnected PeerState = "connected"
	PeerStateJoined    PeerState = "joined"
	PeerStateProducing PeerState = "producing"
	PeerStateConsuming PeerState = "consuming"
	PeerStateLeaving   PeerState = "leaving"
	PeerStateClosed    PeerState = "closed"
)

// Peer is one signaling connection. The connection id doubles as the
// peer id. When a room lock and the peer lock are both needed, the room
// lock is acquired first.
type Peer struct {
	id        string
	createdAt time.Time

	mu     sync.Mutex
	state  PeerState
	roomID string

	// Owned transports by direction, at most one of each.
	sendTransport string
	recvTransport string

	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

func newPeer(id string, queueSize int) *Peer {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Peer{
		id:        id,
		createdAt: time.Now(),
		state:     PeerStateConnected,
		send:      make(chan []byte, queueSize),
		done:      make(chan struct{}),
	}
}

// ID returns the peer's identifier.
func (p *Peer) ID() string { return p.id }

// State returns the current session state.
func (p *Peer) State() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// RoomID returns the joined room, or empty.
func (p *Peer) RoomID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.roomID
}

// Outbound returns the peer's outbound frame queue, drained by the
// connection's write pump.
func (p *Peer) Outbound() <-chan []byte { return p.send }

// Done is closed when the peer is finally dropped.
func (p *Peer) Done() <-chan struct{} { return p.done }

// enqueue marshals and queues one outbound event. A full or closed
// queue drops the frame; a slow or disconnecting recipient never blocks
// the sender.
func (p *Peer) enqueue(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("marshal outbound event",
			slog.String("peer_id", p.id), slog.String("event", event))
		return
	}
	frame, err := json.Marshal(Message{Event: event, Data: raw})
	if err != nil {
		return
	}

	select {
	case <-p.done:
	case p.send <- frame:
	default:
		slog.Warn("outbound queue full, dropping event",
			slog.String("peer_id", p.id), slog.String("event", event))
	}
}

// transportFor returns the owned transport id for a direction. Callers
// must hold p.mu.
func (p *Peer) transportFor(d Direction) string {
	if d == DirectionSend {
		return p.sendTransport
	}
	return p.recvTransport
}

// setTransport records transport ownership. Callers must hold p.mu.
func (p *Peer) setTransport(d Direction, id string) {
	if d == DirectionSend {
		p.sendTransport = id
	} else {
		p.recvTransport = id
	}
}

// close marks the peer dead and wakes its write pump. Safe to call more
// than once.
func (p *Peer) close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.state = PeerStateClosed
		p.mu.Unlock()
		close(p.done)
	})
}
