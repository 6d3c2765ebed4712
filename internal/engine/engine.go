package engine

import (
	"context"
	"errors"
)

// Kind identifies a media kind.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Valid reports whether k is a known media kind.
func (k Kind) Valid() bool { return k == KindAudio || k == KindVideo }

var (
	// ErrNotInitialized indicates Initialize has not been called.
	ErrNotInitialized = errors.New("engine is not initialized")

	// ErrAlreadyConnected indicates a second connect on a transport.
	ErrAlreadyConnected = errors.New("transport is already connected")

	// ErrNotConnected indicates produce/consume before transport connect.
	ErrNotConnected = errors.New("transport is not connected")

	// ErrCannotConsume indicates no codec overlap with the remote capabilities.
	ErrCannotConsume = errors.New("cannot consume: no compatible codec")

	// ErrUnknownRouter indicates the router id is not registered.
	ErrUnknownRouter = errors.New("router not found")

	// ErrUnknownTransport indicates the transport id is not registered.
	ErrUnknownTransport = errors.New("transport not found")

	// ErrUnknownProducer indicates the producer id is not registered.
	ErrUnknownProducer = errors.New("producer not found")

	// ErrUnknownConsumer indicates the consumer id is not registered.
	ErrUnknownConsumer = errors.New("consumer not found")

	// ErrInvalidParameters indicates malformed RTP or DTLS parameters.
	ErrInvalidParameters = errors.New("invalid parameters")
)

// ICEParameters are the server half of the ICE handshake.
type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite,omitempty"`
}

// ICECandidate is one server candidate advertised to the client.
type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	Address    string `json:"address"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

// DTLSFingerprint is a certificate digest used during the DTLS handshake.
type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// DTLSParameters describe one side of the DTLS handshake. The client's
// ICE credentials ride along so the server agent can authenticate the
// client's binding requests.
type DTLSParameters struct {
	Role                string            `json:"role,omitempty"`
	Fingerprints        []DTLSFingerprint `json:"fingerprints"`
	ICEUsernameFragment string            `json:"iceUsernameFragment,omitempty"`
	ICEPassword         string            `json:"icePassword,omitempty"`
}

// TransportParams is everything a client needs to connect a transport.
type TransportParams struct {
	ID             string         `json:"id"`
	ICEParameters  ICEParameters  `json:"iceParameters"`
	ICECandidates  []ICECandidate `json:"iceCandidates"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

// TransportOptions control transport creation.
type TransportOptions struct {
	UDP       bool
	TCP       bool
	PreferUDP bool
}

// RTPCodecCapability advertises one codec a router or peer supports.
type RTPCodecCapability struct {
	MimeType     string `json:"mimeType" yaml:"mime_type"`
	ClockRate    uint32 `json:"clockRate" yaml:"clock_rate"`
	Channels     uint16 `json:"channels,omitempty" yaml:"channels,omitempty"`
	SDPFmtpLine  string `json:"sdpFmtpLine,omitempty" yaml:"sdp_fmtp_line,omitempty"`
	PayloadType  uint8  `json:"preferredPayloadType,omitempty" yaml:"payload_type,omitempty"`
	StartBitrate uint32 `json:"startBitrate,omitempty" yaml:"start_bitrate,omitempty"`
}

// RTPCapabilities is the codec set of a router or a remote peer.
type RTPCapabilities struct {
	Codecs []RTPCodecCapability `json:"codecs" yaml:"codecs"`
}

// RTPEncodingParameters describes one RTP stream within a producer.
type RTPEncodingParameters struct {
	SSRC        uint32 `json:"ssrc"`
	PayloadType uint8  `json:"payloadType,omitempty"`
	RID         string `json:"rid,omitempty"`
}

// RTPParameters describe how a producer sends, or a consumer should
// receive, a single track.
type RTPParameters struct {
	Codecs    []RTPCodecCapability    `json:"codecs"`
	Encodings []RTPEncodingParameters `json:"encodings"`
}

// Router is the per-room handle returned by CreateRouter.
type Router struct {
	ID       string `json:"id"`
	WorkerID string `json:"workerId"`
}

// ConsumerInfo is the result of a successful Consume.
type ConsumerInfo struct {
	ID            string        `json:"id"`
	ProducerID    string        `json:"producerId"`
	Kind          Kind          `json:"kind"`
	RTPParameters RTPParameters `json:"rtpParameters"`
}

// Engine is the contract between the signaling plane and the embedded
// media engine. Everything outside this package refers to routers,
// transports, producers and consumers by opaque id only.
type Engine interface {
	// Initialize starts the worker set. Must be called once before any
	// other method; failure is fatal to the process.
	Initialize(ctx context.Context) error

	CreateRouter(ctx context.Context) (Router, RTPCapabilities, error)
	CloseRouter(routerID string) error

	CreateTransport(ctx context.Context, routerID string, opts TransportOptions) (TransportParams, error)
	// ConnectTransport completes the ICE/DTLS handshake. A second call
	// for the same transport returns ErrAlreadyConnected.
	ConnectTransport(ctx context.Context, transportID string, params DTLSParameters) error
	CloseTransport(transportID string) error

	Produce(ctx context.Context, transportID string, kind Kind, params RTPParameters) (string, error)
	CloseProducer(producerID string) error

	CanConsume(routerID, producerID string, caps RTPCapabilities) bool
	// Consume creates a consumer in the paused state.
	Consume(ctx context.Context, transportID, producerID string, caps RTPCapabilities) (ConsumerInfo, error)
	PauseConsumer(consumerID string) error
	ResumeConsumer(consumerID string) error
	CloseConsumer(consumerID string) error

	// OnTransportDTLSClosed registers a callback fired when a transport's
	// underlying connection dies outside an explicit close.
	OnTransportDTLSClosed(fn func(transportID string))
	// OnWorkerDied registers a callback fired when a worker becomes
	// unusable. All routers hosted by that worker are dead.
	OnWorkerDied(fn func(workerID string))

	Close()
}
