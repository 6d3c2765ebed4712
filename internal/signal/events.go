package signal

import (
	"encoding/json"

	"github.com/videomesh/videomesh/internal/engine"
)

// Client to server events.
const (
	EventJoinVideoRoom    = "join-video-room"
	EventLeaveVideoRoom   = "leave-video-room"
	EventCreateTransport  = "create-transport"
	EventConnectTransport = "connect-transport"
	EventCreateProducer   = "create-producer"
	EventCreateConsumer   = "create-consumer"
	EventResumeConsumer   = "resume-consumer"
	EventPauseConsumer    = "pause-consumer"
	EventCloseProducer    = "close-producer"
)

// Server to client events: replies.
const (
	EventVideoRoomJoined    = "video-room-joined"
	EventVideoRoomLeft      = "video-room-left"
	EventTransportCreated   = "transport-created"
	EventTransportConnected = "transport-connected"
	EventProducerCreated    = "producer-created"
	EventConsumerCreated    = "consumer-created"
	EventConsumerResumed    = "consumer-resumed"
	EventConsumerPaused     = "consumer-paused"
	EventProducerClosed     = "producer-closed"
)

// Server to client events: room fan-out and errors.
const (
	EventNewPeerJoined        = "new-peer-joined"
	EventNewProducerAvailable = "new-producer-available"
	EventPeerLeft             = "peer-left"
	EventVideoRoomError       = "video-room-error"
	EventTransportError       = "transport-error"
	EventProducerError        = "producer-error"
	EventConsumerError        = "consumer-error"
)

// Machine error codes carried in error payloads.
const (
	CodeNotJoined        = "not-joined"
	CodeAlreadyJoined    = "already-joined"
	CodeUnknownRoom      = "unknown-room"
	CodeUnknownTransport = "unknown-transport"
	CodeUnknownProducer  = "unknown-producer"
	CodeUnknownConsumer  = "unknown-consumer"
	CodeWrongDirection   = "wrong-direction"
	CodeNotConnected     = "not-connected"
	CodeAlreadyConnected = "already-connected"
	CodeDuplicateKind    = "duplicate-kind"
	CodeCannotConsume    = "cannot-consume"
	CodeNotOwner         = "not-owner"
	CodeEngineFailure    = "engine-failure"
	CodeTimeout          = "timeout"
	CodeBadRequest       = "bad-request"
)

// Message is the wire envelope: a named event with a JSON payload.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrorPayload carries a machine code and a human-readable detail.
type ErrorPayload struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

// ProducerAd advertises one live producer to a peer.
type ProducerAd struct {
	ID     string      `json:"id"`
	PeerID string      `json:"peerId"`
	Kind   engine.Kind `json:"kind"`
}

// JoinRequest asks to join a room.
type JoinRequest struct {
	RoomID string `json:"roomId"`
}

// JoinedPayload answers a successful join.
type JoinedPayload struct {
	RoomID             string                 `json:"roomId"`
	RouterCapabilities engine.RTPCapabilities `json:"routerCapabilities"`
	ExistingProducers  []ProducerAd           `json:"existingProducers"`
}

// LeaveRequest asks to leave a room.
type LeaveRequest struct {
	RoomID string `json:"roomId"`
}

// LeftPayload answers a successful leave.
type LeftPayload struct {
	RoomID string `json:"roomId"`
}

// CreateTransportRequest asks for a send or recv transport.
type CreateTransportRequest struct {
	RoomID    string    `json:"roomId"`
	Direction Direction `json:"direction"`
}

// TransportCreatedPayload answers with the client's half of the handshake.
type TransportCreatedPayload struct {
	Direction       Direction              `json:"direction"`
	TransportParams engine.TransportParams `json:"transportParams"`
}

// ConnectTransportRequest completes a transport handshake.
type ConnectTransportRequest struct {
	TransportID    string                `json:"transportId"`
	DTLSParameters engine.DTLSParameters `json:"dtlsParameters"`
}

// TransportConnectedPayload confirms the handshake.
type TransportConnectedPayload struct {
	TransportID string `json:"transportId"`
}

// CreateProducerRequest starts an uplink on a send transport.
type CreateProducerRequest struct {
	TransportID   string               `json:"transportId"`
	RoomID        string               `json:"roomId"`
	Kind          engine.Kind          `json:"kind"`
	RTPParameters engine.RTPParameters `json:"rtpParameters"`
}

// ProducerCreatedPayload confirms an uplink.
type ProducerCreatedPayload struct {
	ID   string      `json:"id"`
	Kind engine.Kind `json:"kind"`
}

// NewProducerPayload is fanned out when another member starts producing.
type NewProducerPayload struct {
	PeerID     string      `json:"peerId"`
	ProducerID string      `json:"producerId"`
	Kind       engine.Kind `json:"kind"`
}

// CreateConsumerRequest starts a downlink on a recv transport.
type CreateConsumerRequest struct {
	TransportID     string                 `json:"transportId"`
	ProducerID      string                 `json:"producerId"`
	RTPCapabilities engine.RTPCapabilities `json:"rtpCapabilities"`
}

// ConsumerCreatedPayload confirms a downlink, created paused.
type ConsumerCreatedPayload struct {
	ID            string               `json:"id"`
	ProducerID    string               `json:"producerId"`
	Kind          engine.Kind          `json:"kind"`
	RTPParameters engine.RTPParameters `json:"rtpParameters"`
}

// ConsumerRequest addresses one consumer (resume/pause).
type ConsumerRequest struct {
	ConsumerID string `json:"consumerId"`
}

// ConsumerStatePayload confirms a consumer state flip.
type ConsumerStatePayload struct {
	ConsumerID string `json:"consumerId"`
}

// CloseProducerRequest tears down an uplink.
type CloseProducerRequest struct {
	ProducerID string `json:"producerId"`
	RoomID     string `json:"roomId"`
}

// ProducerClosedReply answers the owner.
type ProducerClosedReply struct {
	ProducerID string `json:"producerId"`
}

// ProducerClosedPayload is fanned out to the rest of the room.
type ProducerClosedPayload struct {
	PeerID     string `json:"peerId"`
	ProducerID string `json:"producerId"`
}

// PeerPayload names a peer in join/leave fan-outs.
type PeerPayload struct {
	PeerID string `json:"peerId"`
}

// errorEventFor maps an inbound event to its error reply event.
func errorEventFor(event string) string {
	switch event {
	case EventCreateTransport, EventConnectTransport:
		return EventTransportError
	case EventCreateProducer, EventCloseProducer:
		return EventProducerError
	case EventCreateConsumer, EventResumeConsumer, EventPauseConsumer:
		return EventConsumerError
	default:
		return EventVideoRoomError
	}
}
