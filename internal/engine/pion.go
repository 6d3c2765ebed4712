package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/rs/xid"
)

// Options configure the pion-backed engine.
type Options struct {
	ListenIP         string
	AnnouncedIP      string
	MinPort          int
	MaxPort          int
	Workers          int
	CodecProfilePath string
}

// router is one per-room media context hosted on a worker.
type router struct {
	id       string
	workerID string
	worker   *worker
	api      *webrtc.API
	caps     RTPCapabilities
}

// transport is one ICE/DTLS channel between a peer and the engine.
type transport struct {
	id       string
	routerID string

	mu        sync.Mutex
	gatherer  *webrtc.ICEGatherer
	ice       *webrtc.ICETransport
	dtls      *webrtc.DTLSTransport
	connected bool
	closed    bool

	notifyOnce sync.Once
}

// producer is one uplinked track.
type producer struct {
	id          string
	transportID string
	routerID    string
	kind        Kind
	codec       RTPCodecCapability
	receiver    *webrtc.RTPReceiver
	fwd         *forwarder
}

// consumer is one downlinked track, paused until resumed.
type consumer struct {
	id          string
	transportID string
	routerID    string
	producerID  string
	kind        Kind
	sender      *webrtc.RTPSender
	sub         *subscriber
	fwd         *forwarder
}

// PionEngine implements Engine on top of pion/webrtc's ORTC API.
type PionEngine struct {
	opts Options

	mu          sync.Mutex
	initialized bool
	caps        *capabilitySource
	workers     []*worker
	routers     map[string]*router
	transports  map[string]*transport
	producers   map[string]*producer
	consumers   map[string]*consumer

	onDTLSClosed func(string)
	onWorkerDied func(string)

	loggerFactory logging.LoggerFactory
}

var _ Engine = (*PionEngine)(nil)

// NewPion creates an uninitialized pion engine.
func NewPion(opts Options) *PionEngine {
	if opts.ListenIP == "" {
		opts.ListenIP = "0.0.0.0"
	}
	if opts.MinPort == 0 {
		opts.MinPort = 10000
	}
	if opts.MaxPort == 0 {
		opts.MaxPort = 10100
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &PionEngine{
		opts:          opts,
		routers:       make(map[string]*router),
		transports:    make(map[string]*transport),
		producers:     make(map[string]*producer),
		consumers:     make(map[string]*consumer),
		loggerFactory: logging.NewDefaultLoggerFactory(),
	}
}

// Initialize starts the worker set. Called once at boot.
func (e *PionEngine) Initialize(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		return nil
	}

	caps, err := newCapabilitySource(e.opts.CodecProfilePath)
	if err != nil {
		return err
	}

	workers := make([]*worker, 0, e.opts.Workers)
	for i, slice := range splitPortRange(e.opts.MinPort, e.opts.MaxPort, e.opts.Workers) {
		w, err := newWorker(fmt.Sprintf("worker-%d", i), e.opts, slice[0], slice[1], e.loggerFactory)
		if err != nil {
			for _, started := range workers {
				started.close()
			}
			caps.Close()
			return err
		}
		workers = append(workers, w)
	}

	e.caps = caps
	e.workers = workers
	e.initialized = true
	return nil
}

func (e *PionEngine) OnTransportDTLSClosed(fn func(string)) {
	e.mu.Lock()
	e.onDTLSClosed = fn
	e.mu.Unlock()
}

func (e *PionEngine) OnWorkerDied(fn func(string)) {
	e.mu.Lock()
	e.onWorkerDied = fn
	e.mu.Unlock()
}

// failWorker marks a worker dead and fires the died callback once.
func (e *PionEngine) failWorker(workerID string, cause error) {
	e.mu.Lock()
	var fn func(string)
	for _, w := range e.workers {
		if w.id == workerID && !w.failed {
			w.failed = true
			fn = e.onWorkerDied
		}
	}
	e.mu.Unlock()

	if fn != nil {
		slog.Error("media worker failed",
			slog.String("worker_id", workerID), slog.String("error", cause.Error()))
		go fn(workerID)
	}
}

// CreateRouter places a router on the least-loaded live worker.
func (e *PionEngine) CreateRouter(_ context.Context) (Router, RTPCapabilities, error) {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return Router{}, RTPCapabilities{}, ErrNotInitialized
	}
	var target *worker
	for _, w := range e.workers {
		if w.failed {
			continue
		}
		if target == nil || w.routers < target.routers {
			target = w
		}
	}
	if target == nil {
		e.mu.Unlock()
		return Router{}, RTPCapabilities{}, fmt.Errorf("%w: no live workers", ErrNotInitialized)
	}
	caps := e.caps.Current()
	e.mu.Unlock()

	api, err := target.newAPI(caps)
	if err != nil {
		return Router{}, RTPCapabilities{}, err
	}

	r := &router{
		id:       xid.New().String(),
		workerID: target.id,
		worker:   target,
		api:      api,
		caps:     caps,
	}

	e.mu.Lock()
	e.routers[r.id] = r
	target.routers++
	e.mu.Unlock()

	return Router{ID: r.id, WorkerID: r.workerID}, caps, nil
}

func (e *PionEngine) CloseRouter(routerID string) error {
	e.mu.Lock()
	r, ok := e.routers[routerID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownRouter
	}
	delete(e.routers, routerID)
	r.worker.routers--

	var victims []*transport
	for _, t := range e.transports {
		if t.routerID == routerID {
			victims = append(victims, t)
		}
	}
	e.mu.Unlock()

	for _, t := range victims {
		_ = e.CloseTransport(t.id)
	}
	return nil
}

// CreateTransport allocates the ICE/DTLS stack and gathers candidates.
func (e *PionEngine) CreateTransport(ctx context.Context, routerID string, opts TransportOptions) (TransportParams, error) {
	e.mu.Lock()
	r, ok := e.routers[routerID]
	e.mu.Unlock()
	if !ok {
		return TransportParams{}, ErrUnknownRouter
	}

	gatherer, err := r.api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		e.failWorker(r.workerID, err)
		return TransportParams{}, fmt.Errorf("create gatherer: %w", err)
	}

	iceTransport := r.api.NewICETransport(gatherer)
	dtls, err := r.api.NewDTLSTransport(iceTransport, nil)
	if err != nil {
		stopTransportStack(gatherer, iceTransport, nil)
		return TransportParams{}, fmt.Errorf("create dtls transport: %w", err)
	}

	gathered := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gathered)
		}
	})
	if err := gatherer.Gather(); err != nil {
		stopTransportStack(gatherer, iceTransport, dtls)
		e.failWorker(r.workerID, err)
		return TransportParams{}, fmt.Errorf("gather: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		stopTransportStack(gatherer, iceTransport, dtls)
		return TransportParams{}, ctx.Err()
	}

	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		stopTransportStack(gatherer, iceTransport, dtls)
		return TransportParams{}, fmt.Errorf("local candidates: %w", err)
	}
	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		stopTransportStack(gatherer, iceTransport, dtls)
		return TransportParams{}, fmt.Errorf("local ice parameters: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		stopTransportStack(gatherer, iceTransport, dtls)
		return TransportParams{}, fmt.Errorf("local dtls parameters: %w", err)
	}

	t := &transport{
		id:       xid.New().String(),
		routerID: routerID,
		gatherer: gatherer,
		ice:      iceTransport,
		dtls:     dtls,
	}

	iceTransport.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		if terminalICEState(s) {
			e.notifyTransportClosed(t)
		}
	})

	e.mu.Lock()
	e.transports[t.id] = t
	e.mu.Unlock()

	return TransportParams{
		ID:             t.id,
		ICEParameters:  iceParamsToWire(iceParams),
		ICECandidates:  candidatesToWire(candidates, opts),
		DTLSParameters: dtlsParamsToWire(dtlsParams),
	}, nil
}

// notifyTransportClosed fires the dtls-closed callback once, and only
// for transports that were not explicitly closed.
func (e *PionEngine) notifyTransportClosed(t *transport) {
	t.mu.Lock()
	explicit := t.closed
	t.mu.Unlock()
	if explicit {
		return
	}
	t.notifyOnce.Do(func() {
		e.mu.Lock()
		fn := e.onDTLSClosed
		e.mu.Unlock()
		if fn != nil {
			go fn(t.id)
		}
	})
}

// ConnectTransport runs the server side of the ICE and DTLS handshakes.
func (e *PionEngine) ConnectTransport(ctx context.Context, transportID string, params DTLSParameters) error {
	e.mu.Lock()
	t, ok := e.transports[transportID]
	e.mu.Unlock()
	if !ok {
		return ErrUnknownTransport
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrUnknownTransport
	}
	if t.connected {
		return ErrAlreadyConnected
	}
	if len(params.Fingerprints) == 0 {
		return fmt.Errorf("%w: no fingerprints", ErrInvalidParameters)
	}

	role := webrtc.ICERoleControlled
	err := await(ctx, func() error {
		return t.ice.Start(nil, webrtc.ICEParameters{
			UsernameFragment: params.ICEUsernameFragment,
			Password:         params.ICEPassword,
		}, &role)
	})
	if err != nil {
		return fmt.Errorf("ice start: %w", err)
	}

	err = await(ctx, func() error {
		return t.dtls.Start(dtlsParamsFromWire(params))
	})
	if err != nil {
		return fmt.Errorf("dtls start: %w", err)
	}

	t.connected = true
	return nil
}

func (e *PionEngine) CloseTransport(transportID string) error {
	e.mu.Lock()
	t, ok := e.transports[transportID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownTransport
	}
	delete(e.transports, transportID)

	var producers []*producer
	for id, p := range e.producers {
		if p.transportID == transportID {
			producers = append(producers, p)
			delete(e.producers, id)
		}
	}
	var consumers []*consumer
	for id, c := range e.consumers {
		if c.transportID == transportID {
			consumers = append(consumers, c)
			delete(e.consumers, id)
		}
	}
	e.mu.Unlock()

	for _, c := range consumers {
		c.fwd.removeSubscriber(c.id)
		_ = c.sender.Stop()
	}
	for _, p := range producers {
		p.fwd.close()
		_ = p.receiver.Stop()
	}

	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	_ = t.dtls.Stop()
	_ = t.ice.Stop()
	_ = t.gatherer.Close()
	return nil
}

// Produce attaches an uplink track to a connected transport.
func (e *PionEngine) Produce(_ context.Context, transportID string, kind Kind, params RTPParameters) (string, error) {
	e.mu.Lock()
	t, ok := e.transports[transportID]
	if !ok {
		e.mu.Unlock()
		return "", ErrUnknownTransport
	}
	r, ok := e.routers[t.routerID]
	e.mu.Unlock()
	if !ok {
		return "", ErrUnknownRouter
	}

	t.mu.Lock()
	connected := t.connected && !t.closed
	t.mu.Unlock()
	if !connected {
		return "", ErrNotConnected
	}

	if !kind.Valid() {
		return "", fmt.Errorf("%w: kind %q", ErrInvalidParameters, kind)
	}
	if len(params.Encodings) == 0 || params.Encodings[0].SSRC == 0 {
		return "", fmt.Errorf("%w: missing ssrc", ErrInvalidParameters)
	}

	codec, err := supportedCodec(r.caps, params)
	if err != nil {
		return "", err
	}

	pionKind := webrtc.RTPCodecTypeAudio
	if kind == KindVideo {
		pionKind = webrtc.RTPCodecTypeVideo
	}
	receiver, err := r.api.NewRTPReceiver(pionKind, t.dtls)
	if err != nil {
		return "", fmt.Errorf("create receiver: %w", err)
	}

	payloadType := params.Encodings[0].PayloadType
	if payloadType == 0 {
		payloadType = codec.PayloadType
	}
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(params.Encodings[0].SSRC),
				PayloadType: webrtc.PayloadType(payloadType),
				RID:         params.Encodings[0].RID,
			},
		}},
	})
	if err != nil {
		_ = receiver.Stop()
		return "", fmt.Errorf("receive: %w", err)
	}

	p := &producer{
		id:          xid.New().String(),
		transportID: transportID,
		routerID:    t.routerID,
		kind:        kind,
		codec:       codec,
		receiver:    receiver,
	}
	p.fwd = newForwarder(p.id, receiver.Track(), t.dtls, params.Encodings[0].SSRC)
	go p.fwd.run()

	e.mu.Lock()
	e.producers[p.id] = p
	e.mu.Unlock()

	return p.id, nil
}

func (e *PionEngine) CloseProducer(producerID string) error {
	e.mu.Lock()
	p, ok := e.producers[producerID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownProducer
	}
	delete(e.producers, producerID)
	e.mu.Unlock()

	p.fwd.close()
	return p.receiver.Stop()
}

// CanConsume reports whether the remote capabilities cover the
// producer's codec.
func (e *PionEngine) CanConsume(routerID, producerID string, caps RTPCapabilities) bool {
	e.mu.Lock()
	p, ok := e.producers[producerID]
	e.mu.Unlock()
	if !ok || p.routerID != routerID {
		return false
	}
	_, ok = matchCapability(p.codec, caps)
	return ok
}

// Consume attaches a paused downlink for the given producer.
func (e *PionEngine) Consume(_ context.Context, transportID, producerID string, caps RTPCapabilities) (ConsumerInfo, error) {
	e.mu.Lock()
	t, tok := e.transports[transportID]
	p, pok := e.producers[producerID]
	var r *router
	if tok {
		r = e.routers[t.routerID]
	}
	e.mu.Unlock()

	if !tok || r == nil {
		return ConsumerInfo{}, ErrUnknownTransport
	}
	if !pok || p.routerID != t.routerID {
		return ConsumerInfo{}, ErrUnknownProducer
	}

	t.mu.Lock()
	connected := t.connected && !t.closed
	t.mu.Unlock()
	if !connected {
		return ConsumerInfo{}, ErrNotConnected
	}

	if _, ok := matchCapability(p.codec, caps); !ok {
		return ConsumerInfo{}, ErrCannotConsume
	}

	consumerID := xid.New().String()
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:    p.codec.MimeType,
		ClockRate:   p.codec.ClockRate,
		Channels:    p.codec.Channels,
		SDPFmtpLine: p.codec.SDPFmtpLine,
	}, consumerID, producerID)
	if err != nil {
		return ConsumerInfo{}, fmt.Errorf("create local track: %w", err)
	}

	sender, err := r.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return ConsumerInfo{}, fmt.Errorf("create sender: %w", err)
	}
	sendParams := sender.GetParameters()
	if err := sender.Send(sendParams); err != nil {
		_ = sender.Stop()
		return ConsumerInfo{}, fmt.Errorf("send: %w", err)
	}

	c := &consumer{
		id:          consumerID,
		transportID: transportID,
		routerID:    t.routerID,
		producerID:  producerID,
		kind:        p.kind,
		sender:      sender,
		fwd:         p.fwd,
	}
	c.sub = p.fwd.addSubscriber(consumerID, track)

	e.mu.Lock()
	e.consumers[c.id] = c
	e.mu.Unlock()

	if p.kind == KindVideo {
		p.fwd.requestKeyFrame()
	}

	return ConsumerInfo{
		ID:            c.id,
		ProducerID:    producerID,
		Kind:          p.kind,
		RTPParameters: consumerParams(p.codec, sendParams),
	}, nil
}

func (e *PionEngine) PauseConsumer(consumerID string) error {
	e.mu.Lock()
	c, ok := e.consumers[consumerID]
	e.mu.Unlock()
	if !ok {
		return ErrUnknownConsumer
	}
	c.sub.setPaused(true)
	return nil
}

func (e *PionEngine) ResumeConsumer(consumerID string) error {
	e.mu.Lock()
	c, ok := e.consumers[consumerID]
	e.mu.Unlock()
	if !ok {
		return ErrUnknownConsumer
	}
	c.sub.setPaused(false)
	if c.kind == KindVideo {
		c.fwd.requestKeyFrame()
	}
	return nil
}

func (e *PionEngine) CloseConsumer(consumerID string) error {
	e.mu.Lock()
	c, ok := e.consumers[consumerID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownConsumer
	}
	delete(e.consumers, consumerID)
	e.mu.Unlock()

	c.fwd.removeSubscriber(consumerID)
	return c.sender.Stop()
}

// Close tears down every router and worker.
func (e *PionEngine) Close() {
	e.mu.Lock()
	routerIDs := make([]string, 0, len(e.routers))
	for id := range e.routers {
		routerIDs = append(routerIDs, id)
	}
	workers := e.workers
	caps := e.caps
	e.mu.Unlock()

	for _, id := range routerIDs {
		_ = e.CloseRouter(id)
	}
	for _, w := range workers {
		w.close()
	}
	if caps != nil {
		caps.Close()
	}
}

// await runs fn off-goroutine so the caller's deadline is honored even
// when the underlying call has no context variant.
func await(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	go func() { errCh <- fn() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// terminalICEState reports whether ICE cannot recover. Disconnected is
// excluded: it is frequently transient and the agent may reconnect.
func terminalICEState(s webrtc.ICETransportState) bool {
	return s == webrtc.ICETransportStateFailed || s == webrtc.ICETransportStateClosed
}

// stopTransportStack tears down a partially built transport. Safe on
// unstarted transports and nil members.
func stopTransportStack(gatherer *webrtc.ICEGatherer, ice *webrtc.ICETransport, dtls *webrtc.DTLSTransport) {
	if dtls != nil {
		_ = dtls.Stop()
	}
	if ice != nil {
		_ = ice.Stop()
	}
	if gatherer != nil {
		_ = gatherer.Close()
	}
}

// consumerParams builds the downlink parameters for a consumer reply.
// The encodings come from the sender, whose SSRC and payload type are
// what actually appear on the wire, not the producer's uplink values.
func consumerParams(codec RTPCodecCapability, send webrtc.RTPSendParameters) RTPParameters {
	encodings := make([]RTPEncodingParameters, 0, len(send.Encodings))
	for _, enc := range send.Encodings {
		payloadType := uint8(enc.PayloadType)
		if payloadType == 0 {
			payloadType = codec.PayloadType
		}
		encodings = append(encodings, RTPEncodingParameters{
			SSRC:        uint32(enc.SSRC),
			PayloadType: payloadType,
			RID:         enc.RID,
		})
	}
	return RTPParameters{
		Codecs:    []RTPCodecCapability{codec},
		Encodings: encodings,
	}
}

func iceParamsToWire(p webrtc.ICEParameters) ICEParameters {
	return ICEParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		ICELite:          p.ICELite,
	}
}

func candidatesToWire(candidates []webrtc.ICECandidate, opts TransportOptions) []ICECandidate {
	out := make([]ICECandidate, 0, len(candidates))
	for _, c := range candidates {
		protocol := c.Protocol.String()
		if protocol == "udp" && !opts.UDP && opts.TCP {
			continue
		}
		if protocol == "tcp" && !opts.TCP && opts.UDP {
			continue
		}
		out = append(out, ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.Address,
			Protocol:   protocol,
			Port:       c.Port,
			Type:       c.Typ.String(),
			TCPType:    c.TCPType,
		})
	}
	return out
}

func dtlsParamsToWire(p webrtc.DTLSParameters) DTLSParameters {
	fingerprints := make([]DTLSFingerprint, 0, len(p.Fingerprints))
	for _, f := range p.Fingerprints {
		fingerprints = append(fingerprints, DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return DTLSParameters{
		Role:         dtlsRoleToWire(p.Role),
		Fingerprints: fingerprints,
	}
}

func dtlsParamsFromWire(p DTLSParameters) webrtc.DTLSParameters {
	fingerprints := make([]webrtc.DTLSFingerprint, 0, len(p.Fingerprints))
	for _, f := range p.Fingerprints {
		fingerprints = append(fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return webrtc.DTLSParameters{
		Role:         dtlsRoleFromWire(p.Role),
		Fingerprints: fingerprints,
	}
}

func dtlsRoleToWire(role webrtc.DTLSRole) string {
	switch role {
	case webrtc.DTLSRoleClient:
		return "client"
	case webrtc.DTLSRoleServer:
		return "server"
	default:
		return "auto"
	}
}

func dtlsRoleFromWire(role string) webrtc.DTLSRole {
	switch role {
	case "client":
		return webrtc.DTLSRoleClient
	case "server":
		return webrtc.DTLSRoleServer
	default:
		return webrtc.DTLSRoleAuto
	}
}
