package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/videomesh/videomesh/internal/engine"
)

// fakeEngine is an in-memory Engine with handle accounting, so tests
// can assert that every created handle is eventually closed.
type fakeEngine struct {
	mu         sync.Mutex
	seq        int
	routers    map[string]bool
	transports map[string]string // transport -> router
	connected  map[string]bool
	producers  map[string]string // producer -> transport
	consumers  map[string]string // consumer -> transport
	paused     map[string]bool

	closedRouters   []string
	closedProducers []string
	closedConsumers []string

	// failure injection
	failCreateRouter    error
	failCreateTransport error
	failConnect         error
	failProduce         error
	failConsume         error
	blockConnect        bool
	canConsume          bool

	onTransportClosed func(string)
	onWorkerDied      func(string)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		routers:    make(map[string]bool),
		transports: make(map[string]string),
		connected:  make(map[string]bool),
		producers:  make(map[string]string),
		consumers:  make(map[string]string),
		paused:     make(map[string]bool),
		canConsume: true,
	}
}

func (f *fakeEngine) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeEngine) Initialize(context.Context) error { return nil }

func (f *fakeEngine) CreateRouter(context.Context) (engine.Router, engine.RTPCapabilities, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreateRouter != nil {
		return engine.Router{}, engine.RTPCapabilities{}, f.failCreateRouter
	}
	id := f.nextID("router")
	f.routers[id] = true
	return engine.Router{ID: id, WorkerID: "worker-1"}, engine.DefaultCapabilities(), nil
}

func (f *fakeEngine) CloseRouter(routerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.routers[routerID] {
		return engine.ErrUnknownRouter
	}
	delete(f.routers, routerID)
	f.closedRouters = append(f.closedRouters, routerID)
	return nil
}

func (f *fakeEngine) CreateTransport(_ context.Context, routerID string, _ engine.TransportOptions) (engine.TransportParams, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreateTransport != nil {
		return engine.TransportParams{}, f.failCreateTransport
	}
	if !f.routers[routerID] {
		return engine.TransportParams{}, engine.ErrUnknownRouter
	}
	id := f.nextID("transport")
	f.transports[id] = routerID
	return engine.TransportParams{
		ID:            id,
		ICEParameters: engine.ICEParameters{UsernameFragment: "ufrag", Password: "pwd"},
		ICECandidates: []engine.ICECandidate{{Address: "127.0.0.1", Port: 10000, Protocol: "udp", Type: "host"}},
		DTLSParameters: engine.DTLSParameters{
			Fingerprints: []engine.DTLSFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}},
		},
	}, nil
}

func (f *fakeEngine) ConnectTransport(ctx context.Context, transportID string, _ engine.DTLSParameters) error {
	f.mu.Lock()
	block := f.blockConnect
	f.mu.Unlock()
	if block {
		// Handshake that never completes; the caller's deadline decides.
		<-ctx.Done()
		return ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failConnect != nil {
		return f.failConnect
	}
	if _, ok := f.transports[transportID]; !ok {
		return engine.ErrUnknownTransport
	}
	if f.connected[transportID] {
		return engine.ErrAlreadyConnected
	}
	f.connected[transportID] = true
	return nil
}

func (f *fakeEngine) CloseTransport(transportID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.transports[transportID]; !ok {
		return engine.ErrUnknownTransport
	}
	delete(f.transports, transportID)
	delete(f.connected, transportID)
	return nil
}

func (f *fakeEngine) Produce(_ context.Context, transportID string, _ engine.Kind, _ engine.RTPParameters) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failProduce != nil {
		return "", f.failProduce
	}
	if _, ok := f.transports[transportID]; !ok {
		return "", engine.ErrUnknownTransport
	}
	if !f.connected[transportID] {
		return "", engine.ErrNotConnected
	}
	id := f.nextID("producer")
	f.producers[id] = transportID
	return id, nil
}

func (f *fakeEngine) CloseProducer(producerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.producers[producerID]; !ok {
		return engine.ErrUnknownProducer
	}
	delete(f.producers, producerID)
	f.closedProducers = append(f.closedProducers, producerID)
	return nil
}

func (f *fakeEngine) CanConsume(string, string, engine.RTPCapabilities) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canConsume
}

func (f *fakeEngine) Consume(_ context.Context, transportID, producerID string, _ engine.RTPCapabilities) (engine.ConsumerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failConsume != nil {
		return engine.ConsumerInfo{}, f.failConsume
	}
	if _, ok := f.transports[transportID]; !ok {
		return engine.ConsumerInfo{}, engine.ErrUnknownTransport
	}
	if _, ok := f.producers[producerID]; !ok {
		return engine.ConsumerInfo{}, engine.ErrUnknownProducer
	}
	id := f.nextID("consumer")
	f.consumers[id] = transportID
	f.paused[id] = true
	return engine.ConsumerInfo{
		ID:         id,
		ProducerID: producerID,
		Kind:       engine.KindVideo,
		RTPParameters: engine.RTPParameters{
			Encodings: []engine.RTPEncodingParameters{{SSRC: 1234}},
		},
	}, nil
}

func (f *fakeEngine) PauseConsumer(consumerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.consumers[consumerID]; !ok {
		return engine.ErrUnknownConsumer
	}
	f.paused[consumerID] = true
	return nil
}

func (f *fakeEngine) ResumeConsumer(consumerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.consumers[consumerID]; !ok {
		return engine.ErrUnknownConsumer
	}
	f.paused[consumerID] = false
	return nil
}

func (f *fakeEngine) CloseConsumer(consumerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.consumers[consumerID]; !ok {
		return engine.ErrUnknownConsumer
	}
	delete(f.consumers, consumerID)
	delete(f.paused, consumerID)
	f.closedConsumers = append(f.closedConsumers, consumerID)
	return nil
}

func (f *fakeEngine) OnTransportDTLSClosed(fn func(string)) { f.onTransportClosed = fn }
func (f *fakeEngine) OnWorkerDied(fn func(string))          { f.onWorkerDied = fn }
func (f *fakeEngine) Close()                                {}

// liveHandles reports how many engine handles are still open.
func (f *fakeEngine) liveHandles() (routers, transports, producers, consumers int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.routers), len(f.transports), len(f.producers), len(f.consumers)
}

func (f *fakeEngine) isPaused(consumerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused[consumerID]
}

// --- harness ---

func testServer(t *testing.T) (*Server, *fakeEngine) {
	t.Helper()
	eng := newFakeEngine()
	s := NewServer(eng, nil, Options{
		HandshakeTimeout: time.Second,
		SendQueueSize:    32,
		WorkerGrace:      10 * time.Millisecond,
	})
	return s, eng
}

// send dispatches one client event on behalf of a peer.
func send(t *testing.T, s *Server, p *Peer, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", event, err)
	}
	raw, err := json.Marshal(Message{Event: event, Data: data})
	if err != nil {
		t.Fatalf("marshal %s envelope: %v", event, err)
	}
	s.HandleMessage(context.Background(), p, raw)
}

// recv pops the next outbound event for a peer, failing the test if
// none arrives promptly.
func recv(t *testing.T, p *Peer) Message {
	t.Helper()
	select {
	case frame := <-p.Outbound():
		var msg Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			t.Fatalf("unmarshal outbound frame: %v", err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("no outbound event")
		return Message{}
	}
}

// expectEvent asserts the next outbound event's name and decodes its
// payload into out.
func expectEvent(t *testing.T, p *Peer, event string, out any) {
	t.Helper()
	msg := recv(t, p)
	if msg.Event != event {
		t.Fatalf("got event %q, want %q (payload %s)", msg.Event, event, msg.Data)
	}
	if out != nil {
		if err := json.Unmarshal(msg.Data, out); err != nil {
			t.Fatalf("unmarshal %s payload: %v", event, err)
		}
	}
}

// expectError asserts the next outbound event is the given error event
// carrying the given code.
func expectError(t *testing.T, p *Peer, event, code string) {
	t.Helper()
	var ep ErrorPayload
	expectEvent(t, p, event, &ep)
	if ep.Error != code {
		t.Fatalf("got error code %q, want %q (details %q)", ep.Error, code, ep.Details)
	}
}

// expectNoEvent asserts the peer's queue is empty.
func expectNoEvent(t *testing.T, p *Peer) {
	t.Helper()
	select {
	case frame := <-p.Outbound():
		t.Fatalf("unexpected outbound event: %s", frame)
	default:
	}
}

// joinedPeer registers a peer and joins it to the room.
func joinedPeer(t *testing.T, s *Server, roomID string) *Peer {
	t.Helper()
	p := s.RegisterPeer("")
	send(t, s, p, EventJoinVideoRoom, JoinRequest{RoomID: roomID})
	expectEvent(t, p, EventVideoRoomJoined, nil)
	return p
}

// connectedTransport creates and connects a transport for the peer,
// returning its id.
func connectedTransport(t *testing.T, s *Server, p *Peer, roomID string, dir Direction) string {
	t.Helper()
	send(t, s, p, EventCreateTransport, CreateTransportRequest{RoomID: roomID, Direction: dir})
	var created TransportCreatedPayload
	expectEvent(t, p, EventTransportCreated, &created)
	send(t, s, p, EventConnectTransport, ConnectTransportRequest{
		TransportID: created.TransportParams.ID,
	})
	expectEvent(t, p, EventTransportConnected, nil)
	return created.TransportParams.ID
}

// producingPeer joins, connects a send transport, and produces one
// track of the given kind.
func producingPeer(t *testing.T, s *Server, roomID string, kind engine.Kind) (*Peer, string) {
	t.Helper()
	p := joinedPeer(t, s, roomID)
	tid := connectedTransport(t, s, p, roomID, DirectionSend)
	send(t, s, p, EventCreateProducer, CreateProducerRequest{
		TransportID: tid, RoomID: roomID, Kind: kind,
	})
	var created ProducerCreatedPayload
	expectEvent(t, p, EventProducerCreated, &created)
	return p, created.ID
}
