package signal

import (
	"errors"
)

var errNotMember = errors.New("peer is not a member of the room")

// leaveRoom reclaims everything a peer owns inside a room and removes it
// from the member set. The last member out also closes the router and
// drops the room. Repeated calls are safe: a peer that is no longer a
// member is a no-op.
func (s *Server) leaveRoom(p *Peer, roomID string) error {
	room, ok := s.getRoom(roomID)
	if !ok {
		return errNotMember
	}

	room.mu.Lock()
	if !room.isMember(p.id) {
		room.mu.Unlock()
		return errNotMember
	}

	p.mu.Lock()
	p.state = PeerStateLeaving
	p.mu.Unlock()

	closures := s.reclaimPeerLocked(room, p)

	delete(room.members, p.id)
	targets := room.memberSnapshot("")
	empty := len(room.members) == 0
	if empty {
		room.closed = true
		s.dropRoom(roomID)
		_ = s.eng.CloseRouter(room.RouterID())
	}
	room.mu.Unlock()

	for _, closure := range closures {
		s.fanOut(targets, EventProducerClosed, closure)
	}
	s.fanOut(targets, EventPeerLeft, PeerPayload{PeerID: p.id})

	p.mu.Lock()
	p.roomID = ""
	p.sendTransport = ""
	p.recvTransport = ""
	if p.state != PeerStateClosed {
		p.state = PeerStateConnected
	}
	p.mu.Unlock()
	return nil
}

// reclaimPeerLocked closes every producer, consumer and transport a peer
// owns in the room. Callers must hold room.mu. Returns the producer
// closure payloads to fan out once the lock is released.
func (s *Server) reclaimPeerLocked(room *Room, p *Peer) []ProducerClosedPayload {
	s.mu.Lock()
	var producers []*Producer
	for id, pr := range s.producers {
		if pr.PeerID == p.id && pr.RoomID == room.id {
			producers = append(producers, pr)
			delete(s.producers, id)
		}
	}
	var consumers []*Consumer
	for id, c := range s.consumers {
		if c.RoomID != room.id {
			continue
		}
		if c.PeerID == p.id || consumesAny(c, producers) {
			consumers = append(consumers, c)
			delete(s.consumers, id)
		}
	}
	var transports []*Transport
	for id, t := range s.transports {
		if t.PeerID == p.id && t.RoomID == room.id {
			transports = append(transports, t)
			delete(s.transports, id)
		}
	}
	s.mu.Unlock()

	for _, c := range consumers {
		_ = s.eng.CloseConsumer(c.ID)
	}
	closures := make([]ProducerClosedPayload, 0, len(producers))
	for _, pr := range producers {
		_ = s.eng.CloseProducer(pr.ID)
		closures = append(closures, ProducerClosedPayload{PeerID: p.id, ProducerID: pr.ID})
	}
	for _, t := range transports {
		_ = s.eng.CloseTransport(t.ID)
	}
	return closures
}

// reclaimTransportLocked reclaims one lost transport: its producers (and
// every consumer feeding off them, whoever owns those) or its consumers,
// then the transport itself. Callers must hold room.mu. Returns closure
// payloads and the fan-out targets.
func (s *Server) reclaimTransportLocked(room *Room, tr *Transport) ([]ProducerClosedPayload, []*Peer) {
	s.mu.Lock()
	delete(s.transports, tr.ID)

	var producers []*Producer
	var consumers []*Consumer
	if tr.Direction == DirectionSend {
		for id, pr := range s.producers {
			if pr.PeerID == tr.PeerID && pr.RoomID == tr.RoomID {
				producers = append(producers, pr)
				delete(s.producers, id)
			}
		}
		for id, c := range s.consumers {
			if c.RoomID == tr.RoomID && consumesAny(c, producers) {
				consumers = append(consumers, c)
				delete(s.consumers, id)
			}
		}
	} else {
		for id, c := range s.consumers {
			if c.PeerID == tr.PeerID && c.RoomID == tr.RoomID {
				consumers = append(consumers, c)
				delete(s.consumers, id)
			}
		}
	}
	s.mu.Unlock()

	for _, c := range consumers {
		_ = s.eng.CloseConsumer(c.ID)
	}
	closures := make([]ProducerClosedPayload, 0, len(producers))
	for _, pr := range producers {
		_ = s.eng.CloseProducer(pr.ID)
		closures = append(closures, ProducerClosedPayload{PeerID: tr.PeerID, ProducerID: pr.ID})
	}
	_ = s.eng.CloseTransport(tr.ID)

	if owner, ok := room.members[tr.PeerID]; ok {
		owner.mu.Lock()
		if owner.transportFor(tr.Direction) == tr.ID {
			owner.setTransport(tr.Direction, "")
		}
		owner.mu.Unlock()
	}

	return closures, room.memberSnapshot(tr.PeerID)
}

// consumesAny reports whether c consumes one of the given producers.
func consumesAny(c *Consumer, producers []*Producer) bool {
	for _, pr := range producers {
		if c.ProducerID == pr.ID {
			return true
		}
	}
	return false
}

// DisconnectPeer runs the full departure path for a dropped connection:
// room reclamation, then the peer record itself. Idempotent; racing
// close signals collapse onto the first run.
func (s *Server) DisconnectPeer(p *Peer) {
	p.mu.Lock()
	if p.state == PeerStateClosed {
		p.mu.Unlock()
		return
	}
	roomID := p.roomID
	p.mu.Unlock()

	if roomID != "" {
		_ = s.leaveRoom(p, roomID)
	}

	s.mu.Lock()
	delete(s.peers, p.id)
	s.mu.Unlock()

	p.close()
}
