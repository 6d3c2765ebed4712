package engine

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// forwarder reads RTP from a producer's remote track and fans packets
// out to every consumer track. Pure relay, no decode.
type forwarder struct {
	mu         sync.RWMutex
	producerID string
	remote     *webrtc.TrackRemote
	dtls       *webrtc.DTLSTransport
	ssrc       uint32

	subscribers map[string]*subscriber

	closed  int32
	closeCh chan struct{}

	packetsForwarded uint64
}

// subscriber is one consumer's sink plus its pause flag.
type subscriber struct {
	track  *webrtc.TrackLocalStaticRTP
	paused int32
}

func (s *subscriber) setPaused(paused bool) {
	v := int32(0)
	if paused {
		v = 1
	}
	atomic.StoreInt32(&s.paused, v)
}

func (s *subscriber) isPaused() bool { return atomic.LoadInt32(&s.paused) == 1 }

func newForwarder(producerID string, remote *webrtc.TrackRemote, dtls *webrtc.DTLSTransport, ssrc uint32) *forwarder {
	return &forwarder{
		producerID:  producerID,
		remote:      remote,
		dtls:        dtls,
		ssrc:        ssrc,
		subscribers: make(map[string]*subscriber),
		closeCh:     make(chan struct{}),
	}
}

// addSubscriber registers a consumer track. Consumers start paused.
func (f *forwarder) addSubscriber(consumerID string, track *webrtc.TrackLocalStaticRTP) *subscriber {
	sub := &subscriber{track: track, paused: 1}
	f.mu.Lock()
	f.subscribers[consumerID] = sub
	f.mu.Unlock()
	return sub
}

func (f *forwarder) removeSubscriber(consumerID string) {
	f.mu.Lock()
	delete(f.subscribers, consumerID)
	f.mu.Unlock()
}

// requestKeyFrame asks the producer for a keyframe via RTCP PLI so a
// fresh subscriber can render without waiting for the next natural one.
func (f *forwarder) requestKeyFrame() {
	if f.dtls == nil {
		return
	}
	_, _ = f.dtls.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: f.ssrc},
	})
}

// run pumps packets until the remote track errors or close is called.
func (f *forwarder) run() {
	for {
		select {
		case <-f.closeCh:
			return
		default:
		}

		pkt, _, err := f.remote.ReadRTP()
		if err != nil {
			return
		}
		f.forward(pkt)
	}
}

func (f *forwarder) forward(pkt *rtp.Packet) {
	f.mu.RLock()
	subs := make([]*subscriber, 0, len(f.subscribers))
	for _, s := range f.subscribers {
		subs = append(subs, s)
	}
	f.mu.RUnlock()

	for _, s := range subs {
		if s.isPaused() {
			continue
		}
		_ = s.track.WriteRTP(pkt)
	}
	atomic.AddUint64(&f.packetsForwarded, 1)
}

func (f *forwarder) close() {
	if !atomic.CompareAndSwapInt32(&f.closed, 0, 1) {
		return
	}
	close(f.closeCh)
	f.mu.Lock()
	f.subscribers = make(map[string]*subscriber)
	f.mu.Unlock()
}
