package engine

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// DefaultCapabilities returns the built-in router codec list: Opus for
// audio, VP8/VP9/H264 for video.
func DefaultCapabilities() RTPCapabilities {
	return RTPCapabilities{Codecs: []RTPCodecCapability{
		{
			MimeType:    "audio/opus",
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
			PayloadType: 111,
		},
		{
			MimeType:     "video/VP8",
			ClockRate:    90000,
			PayloadType:  96,
			StartBitrate: 1000,
		},
		{
			MimeType:     "video/VP9",
			ClockRate:    90000,
			SDPFmtpLine:  "profile-id=2",
			PayloadType:  98,
			StartBitrate: 1000,
		},
		{
			MimeType:     "video/H264",
			ClockRate:    90000,
			SDPFmtpLine:  "packetization-mode=1;profile-level-id=4d0032;level-asymmetry-allowed=1",
			PayloadType:  102,
			StartBitrate: 1000,
		},
	}}
}

// kindOf maps a mime type to its media kind.
func kindOf(mimeType string) Kind {
	if strings.HasPrefix(strings.ToLower(mimeType), "audio/") {
		return KindAudio
	}
	return KindVideo
}

// codecMatch reports whether a remote capability can receive a stream
// encoded as local. Mime type and clock rate must agree; audio channel
// counts must agree when both sides declare them.
func codecMatch(local, remote RTPCodecCapability) bool {
	if !strings.EqualFold(local.MimeType, remote.MimeType) {
		return false
	}
	if local.ClockRate != remote.ClockRate {
		return false
	}
	if kindOf(local.MimeType) == KindAudio && local.Channels != 0 && remote.Channels != 0 && local.Channels != remote.Channels {
		return false
	}
	return true
}

// matchCapability returns the first remote capability compatible with
// local, if any.
func matchCapability(local RTPCodecCapability, remote RTPCapabilities) (RTPCodecCapability, bool) {
	for _, rc := range remote.Codecs {
		if codecMatch(local, rc) {
			return rc, true
		}
	}
	return RTPCodecCapability{}, false
}

// supportedCodec returns the router capability matching the first codec
// in the producer's parameters.
func supportedCodec(caps RTPCapabilities, params RTPParameters) (RTPCodecCapability, error) {
	if len(params.Codecs) == 0 {
		return RTPCodecCapability{}, fmt.Errorf("%w: no codecs", ErrInvalidParameters)
	}
	for _, pc := range params.Codecs {
		if match, ok := matchCapability(pc, caps); ok {
			return match, nil
		}
	}
	return RTPCodecCapability{}, fmt.Errorf("%w: %s", ErrCannotConsume, params.Codecs[0].MimeType)
}

// codecProfile is the YAML document shape for a deployment codec override.
type codecProfile struct {
	Codecs []RTPCodecCapability `yaml:"codecs"`
}

// LoadCapabilities reads a codec profile from a YAML file. An empty path
// yields the built-in defaults.
func LoadCapabilities(path string) (RTPCapabilities, error) {
	if path == "" {
		return DefaultCapabilities(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return RTPCapabilities{}, fmt.Errorf("read codec profile: %w", err)
	}
	var profile codecProfile
	if err := yaml.Unmarshal(raw, &profile); err != nil {
		return RTPCapabilities{}, fmt.Errorf("parse codec profile %s: %w", path, err)
	}
	if len(profile.Codecs) == 0 {
		return RTPCapabilities{}, fmt.Errorf("codec profile %s declares no codecs", path)
	}
	for _, c := range profile.Codecs {
		if c.MimeType == "" || c.ClockRate == 0 {
			return RTPCapabilities{}, fmt.Errorf("codec profile %s: codec entry missing mime_type or clock_rate", path)
		}
	}
	return RTPCapabilities{Codecs: profile.Codecs}, nil
}

// capabilitySource serves the current codec capabilities and optionally
// watches the profile file, so routers created after an edit pick up the
// new list. Live routers keep the capabilities they were created with.
type capabilitySource struct {
	mu      sync.RWMutex
	caps    RTPCapabilities
	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func newCapabilitySource(path string) (*capabilitySource, error) {
	caps, err := LoadCapabilities(path)
	if err != nil {
		return nil, err
	}
	cs := &capabilitySource{caps: caps, path: path, done: make(chan struct{})}
	if path != "" {
		if err := cs.watch(); err != nil {
			slog.Warn("codec profile watch unavailable",
				slog.String("path", path), slog.String("error", err.Error()))
		}
	}
	return cs, nil
}

func (cs *capabilitySource) watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(cs.path)); err != nil {
		watcher.Close()
		return err
	}
	cs.watcher = watcher

	go func() {
		for {
			select {
			case <-cs.done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != cs.path || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				caps, err := LoadCapabilities(cs.path)
				if err != nil {
					slog.Warn("codec profile reload failed",
						slog.String("path", cs.path), slog.String("error", err.Error()))
					continue
				}
				cs.mu.Lock()
				cs.caps = caps
				cs.mu.Unlock()
				slog.Info("codec profile reloaded", slog.String("path", cs.path))
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// Current returns a copy of the active capabilities.
func (cs *capabilitySource) Current() RTPCapabilities {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	codecs := make([]RTPCodecCapability, len(cs.caps.Codecs))
	copy(codecs, cs.caps.Codecs)
	return RTPCapabilities{Codecs: codecs}
}

func (cs *capabilitySource) Close() {
	close(cs.done)
	if cs.watcher != nil {
		cs.watcher.Close()
	}
}
