package engine

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultCapabilities(t *testing.T) {
	caps := DefaultCapabilities()
	if len(caps.Codecs) != 4 {
		t.Fatalf("got %d codecs, want 4", len(caps.Codecs))
	}

	opus := caps.Codecs[0]
	if opus.MimeType != "audio/opus" || opus.ClockRate != 48000 || opus.Channels != 2 {
		t.Errorf("unexpected opus capability: %+v", opus)
	}
	if opus.SDPFmtpLine != "minptime=10;useinbandfec=1" {
		t.Errorf("got opus fmtp %q", opus.SDPFmtpLine)
	}

	for _, c := range caps.Codecs[1:] {
		if kindOf(c.MimeType) != KindVideo {
			t.Errorf("%s classified as %s", c.MimeType, kindOf(c.MimeType))
		}
		if c.ClockRate != 90000 {
			t.Errorf("%s clock rate %d, want 90000", c.MimeType, c.ClockRate)
		}
		if c.StartBitrate != 1000 {
			t.Errorf("%s start bitrate %d, want 1000", c.MimeType, c.StartBitrate)
		}
	}

	h264 := caps.Codecs[3]
	if h264.SDPFmtpLine != "packetization-mode=1;profile-level-id=4d0032;level-asymmetry-allowed=1" {
		t.Errorf("got h264 fmtp %q", h264.SDPFmtpLine)
	}
}

func TestCodecMatch(t *testing.T) {
	vp8 := RTPCodecCapability{MimeType: "video/VP8", ClockRate: 90000}

	if !codecMatch(vp8, RTPCodecCapability{MimeType: "video/vp8", ClockRate: 90000}) {
		t.Error("mime comparison should be case-insensitive")
	}
	if codecMatch(vp8, RTPCodecCapability{MimeType: "video/VP9", ClockRate: 90000}) {
		t.Error("different mime types must not match")
	}
	if codecMatch(vp8, RTPCodecCapability{MimeType: "video/VP8", ClockRate: 48000}) {
		t.Error("different clock rates must not match")
	}

	opusStereo := RTPCodecCapability{MimeType: "audio/opus", ClockRate: 48000, Channels: 2}
	opusMono := RTPCodecCapability{MimeType: "audio/opus", ClockRate: 48000, Channels: 1}
	opusAny := RTPCodecCapability{MimeType: "audio/opus", ClockRate: 48000}
	if codecMatch(opusStereo, opusMono) {
		t.Error("mismatched declared channel counts must not match")
	}
	if !codecMatch(opusStereo, opusAny) {
		t.Error("undeclared remote channels should match")
	}
}

func TestSupportedCodec(t *testing.T) {
	caps := DefaultCapabilities()

	match, err := supportedCodec(caps, RTPParameters{
		Codecs: []RTPCodecCapability{{MimeType: "video/VP8", ClockRate: 90000, PayloadType: 101}},
	})
	if err != nil {
		t.Fatalf("supportedCodec: %v", err)
	}
	// The router side of the match carries the router payload type.
	if match.PayloadType != 96 {
		t.Errorf("got payload type %d, want 96", match.PayloadType)
	}

	_, err = supportedCodec(caps, RTPParameters{
		Codecs: []RTPCodecCapability{{MimeType: "video/AV1", ClockRate: 90000}},
	})
	if err == nil {
		t.Fatal("expected error for unsupported codec")
	}

	_, err = supportedCodec(caps, RTPParameters{})
	if err == nil {
		t.Fatal("expected error for empty codec list")
	}
}

func TestLoadCapabilitiesDefaultsOnEmptyPath(t *testing.T) {
	caps, err := LoadCapabilities("")
	if err != nil {
		t.Fatalf("LoadCapabilities: %v", err)
	}
	if len(caps.Codecs) != len(DefaultCapabilities().Codecs) {
		t.Errorf("got %d codecs, want defaults", len(caps.Codecs))
	}
}

func TestLoadCapabilitiesFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codecs.yaml")
	profile := `codecs:
  - mime_type: audio/opus
    clock_rate: 48000
    channels: 2
    payload_type: 111
  - mime_type: video/VP8
    clock_rate: 90000
    payload_type: 96
    start_bitrate: 1500
`
	if err := os.WriteFile(path, []byte(profile), 0o600); err != nil {
		t.Fatal(err)
	}

	caps, err := LoadCapabilities(path)
	if err != nil {
		t.Fatalf("LoadCapabilities: %v", err)
	}
	if len(caps.Codecs) != 2 {
		t.Fatalf("got %d codecs, want 2", len(caps.Codecs))
	}
	if caps.Codecs[1].StartBitrate != 1500 {
		t.Errorf("got start bitrate %d, want 1500", caps.Codecs[1].StartBitrate)
	}
}

func TestLoadCapabilitiesRejectsBadProfiles(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.yaml")
	if err := os.WriteFile(empty, []byte("codecs: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCapabilities(empty); err == nil {
		t.Error("expected error for empty codec list")
	}

	missing := filepath.Join(dir, "missing.yaml")
	if err := os.WriteFile(missing, []byte("codecs:\n  - channels: 2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCapabilities(missing); err == nil {
		t.Error("expected error for codec without mime_type")
	}

	if _, err := LoadCapabilities(filepath.Join(dir, "absent.yaml")); err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestSplitPortRange(t *testing.T) {
	slices := splitPortRange(10000, 10100, 4)
	if len(slices) != 4 {
		t.Fatalf("got %d slices, want 4", len(slices))
	}
	if slices[0][0] != 10000 {
		t.Errorf("first slice starts at %d, want 10000", slices[0][0])
	}
	if slices[3][1] != 10100 {
		t.Errorf("last slice ends at %d, want 10100", slices[3][1])
	}
	for i := 1; i < len(slices); i++ {
		if slices[i][0] != slices[i-1][1]+1 {
			t.Errorf("slice %d starts at %d, previous ends at %d", i, slices[i][0], slices[i-1][1])
		}
	}
}

func TestSplitPortRangeTooNarrow(t *testing.T) {
	slices := splitPortRange(10000, 10003, 8)
	if len(slices) != 1 {
		t.Fatalf("got %d slices, want 1", len(slices))
	}
	if slices[0][0] != 10000 || slices[0][1] != 10003 {
		t.Errorf("got slice %v, want [10000 10003]", slices[0])
	}
}
