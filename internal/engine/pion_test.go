package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func TestCreateRouterBeforeInitialize(t *testing.T) {
	e := NewPion(Options{})
	_, _, err := e.CreateRouter(context.Background())
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("got %v, want ErrNotInitialized", err)
	}
}

func TestAwaitHonorsDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	release := make(chan struct{})
	defer close(release)
	err := await(ctx, func() error {
		<-release
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want DeadlineExceeded", err)
	}
}

func TestAwaitReturnsResult(t *testing.T) {
	want := errors.New("handshake refused")
	err := await(context.Background(), func() error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("got %v, want %v", err, want)
	}
}

func TestDTLSRoleRoundTrip(t *testing.T) {
	for _, role := range []webrtc.DTLSRole{webrtc.DTLSRoleAuto, webrtc.DTLSRoleClient, webrtc.DTLSRoleServer} {
		if got := dtlsRoleFromWire(dtlsRoleToWire(role)); got != role {
			t.Errorf("role %v round-tripped to %v", role, got)
		}
	}
	if got := dtlsRoleFromWire("nonsense"); got != webrtc.DTLSRoleAuto {
		t.Errorf("unknown role mapped to %v, want auto", got)
	}
}

func TestCandidateFiltering(t *testing.T) {
	candidates := []webrtc.ICECandidate{
		{Address: "10.0.0.1", Port: 10000, Protocol: webrtc.ICEProtocolUDP, Typ: webrtc.ICECandidateTypeHost},
		{Address: "10.0.0.1", Port: 10000, Protocol: webrtc.ICEProtocolTCP, Typ: webrtc.ICECandidateTypeHost, TCPType: "passive"},
	}

	both := candidatesToWire(candidates, TransportOptions{UDP: true, TCP: true})
	if len(both) != 2 {
		t.Errorf("got %d candidates, want 2", len(both))
	}

	udpOnly := candidatesToWire(candidates, TransportOptions{UDP: true})
	if len(udpOnly) != 1 || udpOnly[0].Protocol != "udp" {
		t.Errorf("udp-only filter produced %v", udpOnly)
	}

	tcpOnly := candidatesToWire(candidates, TransportOptions{TCP: true})
	if len(tcpOnly) != 1 || tcpOnly[0].Protocol != "tcp" {
		t.Errorf("tcp-only filter produced %v", tcpOnly)
	}
	if len(tcpOnly) == 1 && tcpOnly[0].TCPType != "passive" {
		t.Errorf("got tcpType %q, want passive", tcpOnly[0].TCPType)
	}
}

func TestTerminalICEState(t *testing.T) {
	for _, s := range []webrtc.ICETransportState{
		webrtc.ICETransportStateFailed,
		webrtc.ICETransportStateClosed,
	} {
		if !terminalICEState(s) {
			t.Errorf("%v not treated as terminal", s)
		}
	}
	for _, s := range []webrtc.ICETransportState{
		webrtc.ICETransportStateNew,
		webrtc.ICETransportStateChecking,
		webrtc.ICETransportStateConnected,
		webrtc.ICETransportStateCompleted,
		webrtc.ICETransportStateDisconnected,
	} {
		if terminalICEState(s) {
			t.Errorf("%v treated as terminal", s)
		}
	}
}

func TestStopTransportStackUnstarted(t *testing.T) {
	api := webrtc.NewAPI()
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		t.Fatalf("NewICEGatherer: %v", err)
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		t.Fatalf("NewDTLSTransport: %v", err)
	}

	// Must not panic on transports that never started, or on a stack
	// that was only partially built.
	stopTransportStack(gatherer, ice, dtls)
	stopTransportStack(nil, nil, nil)
}

func TestConsumerParamsUseSenderEncodings(t *testing.T) {
	codec := RTPCodecCapability{MimeType: "video/VP8", ClockRate: 90000, PayloadType: 96}
	sendParams := webrtc.RTPSendParameters{
		Encodings: []webrtc.RTPEncodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        0x1234abcd,
				PayloadType: 120,
			},
		}},
	}

	params := consumerParams(codec, sendParams)
	if len(params.Encodings) != 1 {
		t.Fatalf("got %d encodings, want 1", len(params.Encodings))
	}
	// The client must listen on the sender's SSRC and payload type; the
	// producer's uplink values never reach the downlink wire.
	if params.Encodings[0].SSRC != 0x1234abcd {
		t.Errorf("got ssrc %#x, want %#x", params.Encodings[0].SSRC, uint32(0x1234abcd))
	}
	if params.Encodings[0].PayloadType != 120 {
		t.Errorf("got payload type %d, want 120", params.Encodings[0].PayloadType)
	}
	if len(params.Codecs) != 1 || params.Codecs[0].MimeType != "video/VP8" {
		t.Errorf("got codecs %v, want the negotiated codec", params.Codecs)
	}
}

func TestConsumerParamsPayloadTypeFallback(t *testing.T) {
	codec := RTPCodecCapability{MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PayloadType: 111}
	sendParams := webrtc.RTPSendParameters{
		Encodings: []webrtc.RTPEncodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{SSRC: 42},
		}},
	}

	params := consumerParams(codec, sendParams)
	if params.Encodings[0].PayloadType != 111 {
		t.Errorf("got payload type %d, want codec fallback 111", params.Encodings[0].PayloadType)
	}
}

func TestDTLSParamsWireRoundTrip(t *testing.T) {
	in := webrtc.DTLSParameters{
		Role: webrtc.DTLSRoleServer,
		Fingerprints: []webrtc.DTLSFingerprint{
			{Algorithm: "sha-256", Value: "AA:BB:CC"},
		},
	}
	out := dtlsParamsFromWire(dtlsParamsToWire(in))
	if out.Role != in.Role {
		t.Errorf("got role %v, want %v", out.Role, in.Role)
	}
	if len(out.Fingerprints) != 1 || out.Fingerprints[0] != in.Fingerprints[0] {
		t.Errorf("got fingerprints %v, want %v", out.Fingerprints, in.Fingerprints)
	}
}
