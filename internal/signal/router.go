package signal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/pitabwire/util"

	"github.com/videomesh/videomesh/internal/engine"
)

// joinRetries bounds the race where a room closes between lookup and
// lock; the retry gets a fresh room with a fresh router.
const joinRetries = 3

// HandleMessage processes one inbound frame from a peer. Every event is
// answered exactly once: its reply on success, its error event
// otherwise. Called from the connection's read pump, so events from one
// peer are handled in arrival order.
func (s *Server) HandleMessage(ctx context.Context, p *Peer, raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		p.enqueue(EventVideoRoomError, ErrorPayload{
			Error: CodeBadRequest, Details: "malformed event envelope",
		})
		return
	}

	switch msg.Event {
	case EventJoinVideoRoom:
		s.handleJoin(ctx, p, msg)
	case EventLeaveVideoRoom:
		s.handleLeave(p, msg)
	case EventCreateTransport:
		s.handleCreateTransport(ctx, p, msg)
	case EventConnectTransport:
		s.handleConnectTransport(ctx, p, msg)
	case EventCreateProducer:
		s.handleCreateProducer(ctx, p, msg)
	case EventCreateConsumer:
		s.handleCreateConsumer(ctx, p, msg)
	case EventResumeConsumer:
		s.handleConsumerState(p, msg, true)
	case EventPauseConsumer:
		s.handleConsumerState(p, msg, false)
	case EventCloseProducer:
		s.handleCloseProducer(p, msg)
	default:
		util.Log(ctx).Warn("unknown event", "peer_id", p.id, "event", msg.Event)
		p.enqueue(EventVideoRoomError, ErrorPayload{
			Error: CodeBadRequest, Details: "unknown event: " + msg.Event,
		})
	}
}

// fail answers an inbound event with its mapped error event.
func (p *Peer) fail(inbound, code, details string) {
	p.enqueue(errorEventFor(inbound), ErrorPayload{Error: code, Details: details})
}

// decode unmarshals an event payload, answering bad-request on failure.
func decode[T any](p *Peer, msg Message, out *T) bool {
	if err := json.Unmarshal(msg.Data, out); err != nil {
		p.fail(msg.Event, CodeBadRequest, "malformed payload for "+msg.Event)
		return false
	}
	return true
}

// engineCtx bounds a blocking engine call made on behalf of a client
// event.
func (s *Server) engineCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.HandshakeTimeout)
}

// codeForError maps engine and context errors onto protocol codes.
func codeForError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, engine.ErrAlreadyConnected):
		return CodeAlreadyConnected
	case errors.Is(err, engine.ErrNotConnected):
		return CodeNotConnected
	case errors.Is(err, engine.ErrCannotConsume):
		return CodeCannotConsume
	case errors.Is(err, engine.ErrUnknownRouter):
		return CodeUnknownRoom
	case errors.Is(err, engine.ErrUnknownTransport):
		return CodeUnknownTransport
	case errors.Is(err, engine.ErrUnknownProducer):
		return CodeUnknownProducer
	case errors.Is(err, engine.ErrUnknownConsumer):
		return CodeUnknownConsumer
	case errors.Is(err, engine.ErrInvalidParameters):
		return CodeBadRequest
	default:
		return CodeEngineFailure
	}
}

func (s *Server) handleJoin(ctx context.Context, p *Peer, msg Message) {
	var req JoinRequest
	if !decode(p, msg, &req) {
		return
	}
	if req.RoomID == "" {
		p.fail(msg.Event, CodeBadRequest, "roomId is required")
		return
	}

	p.mu.Lock()
	if p.roomID != "" {
		joined := p.roomID
		p.mu.Unlock()
		p.fail(msg.Event, CodeAlreadyJoined, "already a member of room "+joined)
		return
	}
	p.mu.Unlock()

	for attempt := 0; attempt < joinRetries; attempt++ {
		ectx, cancel := s.engineCtx(ctx)
		room, err := s.getOrCreateRoom(ectx, req.RoomID)
		cancel()
		if err != nil {
			p.fail(msg.Event, codeForError(err), "room router unavailable")
			return
		}

		room.mu.Lock()
		if room.closed {
			// Lost the race with the last member leaving; the registry
			// entry is gone, so the next attempt creates a fresh room.
			room.mu.Unlock()
			continue
		}
		room.members[p.id] = p
		existing := s.producersInRoom(room.id, p.id)
		targets := room.memberSnapshot(p.id)
		caps := room.caps
		room.mu.Unlock()

		p.mu.Lock()
		p.roomID = room.id
		p.state = PeerStateJoined
		p.mu.Unlock()

		p.enqueue(EventVideoRoomJoined, JoinedPayload{
			RoomID:             room.id,
			RouterCapabilities: caps,
			ExistingProducers:  existing,
		})
		s.fanOut(targets, EventNewPeerJoined, PeerPayload{PeerID: p.id})
		return
	}

	p.fail(msg.Event, CodeUnknownRoom, "room is closing, retry")
}

func (s *Server) handleLeave(p *Peer, msg Message) {
	var req LeaveRequest
	if !decode(p, msg, &req) {
		return
	}

	p.mu.Lock()
	roomID := p.roomID
	p.mu.Unlock()
	if roomID == "" || (req.RoomID != "" && req.RoomID != roomID) {
		p.fail(msg.Event, CodeNotJoined, "not a member of that room")
		return
	}

	if err := s.leaveRoom(p, roomID); err != nil {
		p.fail(msg.Event, CodeNotJoined, "not a member of that room")
		return
	}
	p.enqueue(EventVideoRoomLeft, LeftPayload{RoomID: roomID})
}

func (s *Server) handleCreateTransport(ctx context.Context, p *Peer, msg Message) {
	var req CreateTransportRequest
	if !decode(p, msg, &req) {
		return
	}
	if !req.Direction.Valid() {
		p.fail(msg.Event, CodeWrongDirection, "direction must be send or recv")
		return
	}

	room, ok := s.memberRoom(p, req.RoomID)
	if !ok {
		p.fail(msg.Event, CodeNotJoined, "not a member of that room")
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closed || !room.isMember(p.id) {
		p.fail(msg.Event, CodeNotJoined, "not a member of that room")
		return
	}

	p.mu.Lock()
	existing := p.transportFor(req.Direction)
	p.mu.Unlock()
	if existing != "" {
		p.fail(msg.Event, CodeBadRequest, "a "+string(req.Direction)+" transport already exists")
		return
	}

	ectx, cancel := s.engineCtx(ctx)
	params, err := s.eng.CreateTransport(ectx, room.RouterID(), engine.TransportOptions{
		UDP: true, TCP: true, PreferUDP: true,
	})
	cancel()
	if err != nil {
		p.fail(msg.Event, codeForError(err), "transport creation failed")
		return
	}

	tr := &Transport{
		ID:        params.ID,
		PeerID:    p.id,
		RoomID:    room.id,
		Direction: req.Direction,
	}
	s.mu.Lock()
	s.transports[tr.ID] = tr
	s.mu.Unlock()

	p.mu.Lock()
	p.setTransport(req.Direction, tr.ID)
	p.mu.Unlock()

	p.enqueue(EventTransportCreated, TransportCreatedPayload{
		Direction:       req.Direction,
		TransportParams: params,
	})
}

func (s *Server) handleConnectTransport(ctx context.Context, p *Peer, msg Message) {
	var req ConnectTransportRequest
	if !decode(p, msg, &req) {
		return
	}

	tr, room, ok := s.ownedTransport(p, req.TransportID)
	if !ok {
		p.fail(msg.Event, CodeUnknownTransport, "no such transport owned by peer")
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if tr.Connected {
		p.fail(msg.Event, CodeAlreadyConnected, "transport is already connected")
		return
	}

	ectx, cancel := s.engineCtx(ctx)
	err := s.eng.ConnectTransport(ectx, tr.ID, req.DTLSParameters)
	cancel()
	if err != nil {
		p.fail(msg.Event, codeForError(err), "transport connect failed")
		return
	}

	tr.Connected = true
	p.enqueue(EventTransportConnected, TransportConnectedPayload{TransportID: tr.ID})
}

func (s *Server) handleCreateProducer(ctx context.Context, p *Peer, msg Message) {
	var req CreateProducerRequest
	if !decode(p, msg, &req) {
		return
	}
	if !req.Kind.Valid() {
		p.fail(msg.Event, CodeBadRequest, "kind must be audio or video")
		return
	}

	tr, room, ok := s.ownedTransport(p, req.TransportID)
	if !ok {
		p.fail(msg.Event, CodeUnknownTransport, "no such transport owned by peer")
		return
	}
	if tr.Direction != DirectionSend {
		p.fail(msg.Event, CodeWrongDirection, "producers require a send transport")
		return
	}

	room.mu.Lock()
	if !tr.Connected {
		room.mu.Unlock()
		p.fail(msg.Event, CodeNotConnected, "transport is not connected")
		return
	}
	if s.hasProducerOfKind(room.id, p.id, req.Kind) {
		room.mu.Unlock()
		p.fail(msg.Event, CodeDuplicateKind, "a live "+string(req.Kind)+" producer already exists")
		return
	}

	ectx, cancel := s.engineCtx(ctx)
	producerID, err := s.eng.Produce(ectx, tr.ID, req.Kind, req.RTPParameters)
	cancel()
	if err != nil {
		room.mu.Unlock()
		p.fail(msg.Event, codeForError(err), "produce failed")
		return
	}

	pr := &Producer{ID: producerID, PeerID: p.id, RoomID: room.id, Kind: req.Kind}
	s.mu.Lock()
	s.producers[pr.ID] = pr
	s.mu.Unlock()

	targets := room.memberSnapshot(p.id)
	room.mu.Unlock()

	p.mu.Lock()
	if p.state == PeerStateJoined || p.state == PeerStateConsuming {
		p.state = PeerStateProducing
	}
	p.mu.Unlock()

	p.enqueue(EventProducerCreated, ProducerCreatedPayload{ID: pr.ID, Kind: pr.Kind})
	s.fanOut(targets, EventNewProducerAvailable, NewProducerPayload{
		PeerID: p.id, ProducerID: pr.ID, Kind: pr.Kind,
	})
}

func (s *Server) handleCreateConsumer(ctx context.Context, p *Peer, msg Message) {
	var req CreateConsumerRequest
	if !decode(p, msg, &req) {
		return
	}

	tr, room, ok := s.ownedTransport(p, req.TransportID)
	if !ok {
		p.fail(msg.Event, CodeUnknownTransport, "no such transport owned by peer")
		return
	}
	if tr.Direction != DirectionRecv {
		p.fail(msg.Event, CodeWrongDirection, "consumers require a recv transport")
		return
	}

	room.mu.Lock()
	if !tr.Connected {
		room.mu.Unlock()
		p.fail(msg.Event, CodeNotConnected, "transport is not connected")
		return
	}

	s.mu.RLock()
	pr, prOK := s.producers[req.ProducerID]
	s.mu.RUnlock()
	if !prOK || pr.RoomID != room.id {
		room.mu.Unlock()
		p.fail(msg.Event, CodeUnknownProducer, "no such producer in the room")
		return
	}
	if pr.PeerID == p.id {
		room.mu.Unlock()
		p.fail(msg.Event, CodeNotOwner, "cannot consume own producer")
		return
	}
	if !s.eng.CanConsume(room.RouterID(), pr.ID, req.RTPCapabilities) {
		room.mu.Unlock()
		p.fail(msg.Event, CodeCannotConsume, "no compatible codec for producer")
		return
	}

	ectx, cancel := s.engineCtx(ctx)
	info, err := s.eng.Consume(ectx, tr.ID, pr.ID, req.RTPCapabilities)
	cancel()
	if err != nil {
		room.mu.Unlock()
		p.fail(msg.Event, codeForError(err), "consume failed")
		return
	}

	c := &Consumer{
		ID:         info.ID,
		PeerID:     p.id,
		RoomID:     room.id,
		ProducerID: pr.ID,
		Kind:       info.Kind,
		Paused:     true,
	}
	s.mu.Lock()
	s.consumers[c.ID] = c
	s.mu.Unlock()
	room.mu.Unlock()

	p.mu.Lock()
	if p.state == PeerStateJoined {
		p.state = PeerStateConsuming
	}
	p.mu.Unlock()

	p.enqueue(EventConsumerCreated, ConsumerCreatedPayload{
		ID:            info.ID,
		ProducerID:    info.ProducerID,
		Kind:          info.Kind,
		RTPParameters: info.RTPParameters,
	})
}

// handleConsumerState flips a consumer between paused and resumed.
func (s *Server) handleConsumerState(p *Peer, msg Message, resume bool) {
	var req ConsumerRequest
	if !decode(p, msg, &req) {
		return
	}

	c, room, ok := s.ownedConsumer(p, req.ConsumerID)
	if !ok {
		p.fail(msg.Event, CodeUnknownConsumer, "no such consumer owned by peer")
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if c.Paused != resume {
		// resume on a live consumer or pause on a paused one.
		if resume {
			p.fail(msg.Event, CodeBadRequest, "consumer is not paused")
		} else {
			p.fail(msg.Event, CodeBadRequest, "consumer is already paused")
		}
		return
	}

	var err error
	if resume {
		err = s.eng.ResumeConsumer(c.ID)
	} else {
		err = s.eng.PauseConsumer(c.ID)
	}
	if err != nil {
		p.fail(msg.Event, codeForError(err), "consumer state change failed")
		return
	}

	c.Paused = !resume
	if resume {
		p.enqueue(EventConsumerResumed, ConsumerStatePayload{ConsumerID: c.ID})
	} else {
		p.enqueue(EventConsumerPaused, ConsumerStatePayload{ConsumerID: c.ID})
	}
}

func (s *Server) handleCloseProducer(p *Peer, msg Message) {
	var req CloseProducerRequest
	if !decode(p, msg, &req) {
		return
	}

	s.mu.RLock()
	pr, ok := s.producers[req.ProducerID]
	var room *Room
	if ok {
		room = s.rooms[pr.RoomID]
	}
	s.mu.RUnlock()
	if !ok || room == nil {
		p.fail(msg.Event, CodeUnknownProducer, "no such producer")
		return
	}
	if pr.PeerID != p.id {
		p.fail(msg.Event, CodeNotOwner, "producer is owned by another peer")
		return
	}

	room.mu.Lock()
	s.mu.Lock()
	if _, still := s.producers[pr.ID]; !still {
		s.mu.Unlock()
		room.mu.Unlock()
		p.fail(msg.Event, CodeUnknownProducer, "no such producer")
		return
	}
	delete(s.producers, pr.ID)
	var dependents []*Consumer
	for id, c := range s.consumers {
		if c.ProducerID == pr.ID {
			dependents = append(dependents, c)
			delete(s.consumers, id)
		}
	}
	s.mu.Unlock()

	for _, c := range dependents {
		_ = s.eng.CloseConsumer(c.ID)
	}
	_ = s.eng.CloseProducer(pr.ID)

	targets := room.memberSnapshot(p.id)
	room.mu.Unlock()

	p.enqueue(EventProducerClosed, ProducerClosedReply{ProducerID: pr.ID})
	s.fanOut(targets, EventProducerClosed, ProducerClosedPayload{
		PeerID: p.id, ProducerID: pr.ID,
	})
}

// memberRoom resolves the peer's room when the request names it (or
// names nothing) and the peer is joined.
func (s *Server) memberRoom(p *Peer, roomID string) (*Room, bool) {
	p.mu.Lock()
	joined := p.roomID
	p.mu.Unlock()
	if joined == "" || (roomID != "" && roomID != joined) {
		return nil, false
	}
	return s.getRoom(joined)
}

// ownedTransport resolves a transport id to the record and its room,
// only when the peer owns it.
func (s *Server) ownedTransport(p *Peer, transportID string) (*Transport, *Room, bool) {
	s.mu.RLock()
	tr, ok := s.transports[transportID]
	var room *Room
	if ok {
		room = s.rooms[tr.RoomID]
	}
	s.mu.RUnlock()
	if !ok || room == nil || tr.PeerID != p.id {
		return nil, nil, false
	}
	return tr, room, true
}

// ownedConsumer resolves a consumer id to the record and its room, only
// when the peer owns it.
func (s *Server) ownedConsumer(p *Peer, consumerID string) (*Consumer, *Room, bool) {
	s.mu.RLock()
	c, ok := s.consumers[consumerID]
	var room *Room
	if ok {
		room = s.rooms[c.RoomID]
	}
	s.mu.RUnlock()
	if !ok || room == nil || c.PeerID != p.id {
		return nil, nil, false
	}
	return c, room, true
}

// hasProducerOfKind reports whether a peer already has a live producer
// of the given kind in the room.
func (s *Server) hasProducerOfKind(roomID, peerID string, kind engine.Kind) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, pr := range s.producers {
		if pr.RoomID == roomID && pr.PeerID == peerID && pr.Kind == kind {
			return true
		}
	}
	return false
}
