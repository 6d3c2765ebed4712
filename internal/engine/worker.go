package engine

import (
	"fmt"
	"net"
	"strconv"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// worker hosts a share of the media port range. Routers are placed on
// the worker with the fewest live routers.
type worker struct {
	id          string
	setting     webrtc.SettingEngine
	tcpListener net.Listener
	minPort     uint16
	maxPort     uint16
	routers     int
	failed      bool
}

// newWorker builds a worker owning the UDP port slice [minPort, maxPort]
// and a passive TCP listener on minPort.
func newWorker(id string, opts Options, minPort, maxPort uint16, lf logging.LoggerFactory) (*worker, error) {
	se := webrtc.SettingEngine{}
	se.LoggerFactory = lf

	if err := se.SetEphemeralUDPPortRange(minPort, maxPort); err != nil {
		return nil, fmt.Errorf("worker %s: set port range: %w", id, err)
	}
	if opts.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{opts.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	se.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeTCP4,
	})

	listener, err := net.Listen("tcp4", net.JoinHostPort(opts.ListenIP, strconv.Itoa(int(minPort))))
	if err != nil {
		return nil, fmt.Errorf("worker %s: tcp listen: %w", id, err)
	}
	tcpMux := webrtc.NewICETCPMux(lf.NewLogger("icetcp"), listener, 32)
	se.SetICETCPMux(tcpMux)

	return &worker{
		id:          id,
		setting:     se,
		tcpListener: listener,
		minPort:     minPort,
		maxPort:     maxPort,
	}, nil
}

// newAPI builds a webrtc API bound to this worker's network settings and
// the given codec capabilities.
func (w *worker) newAPI(caps RTPCapabilities) (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	for _, c := range caps.Codecs {
		kind := webrtc.RTPCodecTypeVideo
		if kindOf(c.MimeType) == KindAudio {
			kind = webrtc.RTPCodecTypeAudio
		}
		err := me.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    c.MimeType,
				ClockRate:   c.ClockRate,
				Channels:    c.Channels,
				SDPFmtpLine: c.SDPFmtpLine,
			},
			PayloadType: webrtc.PayloadType(c.PayloadType),
		}, kind)
		if err != nil {
			return nil, fmt.Errorf("worker %s: register %s: %w", w.id, c.MimeType, err)
		}
	}
	return webrtc.NewAPI(
		webrtc.WithSettingEngine(w.setting),
		webrtc.WithMediaEngine(me),
	), nil
}

func (w *worker) close() {
	if w.tcpListener != nil {
		w.tcpListener.Close()
	}
}

// splitPortRange partitions [min, max] into count contiguous slices.
func splitPortRange(minPort, maxPort, count int) [][2]uint16 {
	if count <= 0 {
		count = 1
	}
	total := maxPort - minPort + 1
	if total < count*2 {
		count = 1
	}
	slices := make([][2]uint16, 0, count)
	step := total / count
	for i := 0; i < count; i++ {
		lo := minPort + i*step
		hi := lo + step - 1
		if i == count-1 {
			hi = maxPort
		}
		slices = append(slices, [2]uint16{uint16(lo), uint16(hi)})
	}
	return slices
}
