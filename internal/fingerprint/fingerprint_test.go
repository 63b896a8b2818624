package fingerprint

import (
	"testing"

	"cartguard/internal/signal"
)

func cleanDevice() signal.Device {
	return signal.Device{
		UserAgent:           "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36",
		ScreenResolution:    "2560x1440",
		Timezone:            "Europe/Berlin",
		Language:            "de-DE",
		Platform:            "MacIntel",
		HardwareConcurrency: 8,
		DeviceMemoryGB:      16,
		ColorDepth:          24,
		PixelRatio:          2,
		TouchSupport:        false,
		WebGLVendor:         "Apple Inc.",
		WebGLRenderer:       "Apple M1 Pro",
		CanvasFingerprint:   "c4nv4sh4sh",
		AudioFingerprint:    "aud10h4sh",
		HasCookies:          true,
		InterActionMillis:   850,
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	e := NewEngine(nil, nil)
	dev := cleanDevice()

	a := e.Generate(dev, "Europe/Berlin")
	b := e.Generate(dev, "Europe/Berlin")

	if a.Hash != b.Hash {
		t.Errorf("identical devices produced different hashes: %s vs %s", a.Hash, b.Hash)
	}
	if a.TrustScore != b.TrustScore {
		t.Errorf("identical devices produced different trust scores: %d vs %d", a.TrustScore, b.TrustScore)
	}
}

func TestGenerate_ChangedInputChangesHash(t *testing.T) {
	e := NewEngine(nil, nil)

	a := e.Generate(cleanDevice(), "")
	dev := cleanDevice()
	dev.ScreenResolution = "1920x1080"
	b := e.Generate(dev, "")

	if a.Hash == b.Hash {
		t.Error("different screen resolutions must yield different hashes")
	}
}

func TestGenerate_CleanDeviceFullTrust(t *testing.T) {
	e := NewEngine(nil, nil)
	fp := e.Generate(cleanDevice(), "Europe/Berlin")

	if fp.TrustScore != 100 {
		t.Errorf("clean device trust = %d, want 100", fp.TrustScore)
	}
	if fp.IsVirtualDevice || fp.IsBotLike || fp.TimezoneMismatch {
		t.Errorf("clean device flagged: %+v", fp)
	}
	if len(fp.MissingComponents) != 0 {
		t.Errorf("unexpected missing components: %v", fp.MissingComponents)
	}
}

func TestGenerate_VirtualDevicePenalty(t *testing.T) {
	e := NewEngine(nil, nil)

	dev := cleanDevice()
	dev.UserAgent = "Mozilla/5.0 (X11; Linux x86_64) VMware Infrastructure Client"
	fp := e.Generate(dev, "Europe/Berlin")

	if !fp.IsVirtualDevice {
		t.Fatal("expected virtual-device flag")
	}
	if fp.TrustScore != 60 {
		t.Errorf("virtual device trust = %d, want 60", fp.TrustScore)
	}
}

func TestGenerate_SoftwareRendererIsVirtual(t *testing.T) {
	e := NewEngine(nil, nil)

	dev := cleanDevice()
	dev.WebGLRenderer = "Google SwiftShader"
	fp := e.Generate(dev, "")

	if !fp.IsVirtualDevice {
		t.Error("expected software renderer to flag virtual device")
	}
}

func TestGenerate_BotPenalty(t *testing.T) {
	e := NewEngine(nil, nil)

	dev := cleanDevice()
	dev.UserAgent = "Mozilla/5.0 HeadlessChrome/119.0"
	fp := e.Generate(dev, "")

	if !fp.IsBotLike {
		t.Fatal("expected bot flag for headless agent")
	}
	if fp.TrustScore != 50 {
		t.Errorf("bot trust = %d, want 50", fp.TrustScore)
	}
}

func TestGenerate_SuperhumanTiming(t *testing.T) {
	e := NewEngine(nil, nil)

	dev := cleanDevice()
	dev.InterActionMillis = 40
	fp := e.Generate(dev, "")

	if !fp.IsBotLike {
		t.Error("expected bot flag for 40ms action interval")
	}
}

func TestGenerate_MissingComponentsPenalty(t *testing.T) {
	e := NewEngine(nil, nil)

	// Only user agent present; well over the 5-component threshold.
	dev := signal.Device{UserAgent: "Mozilla/5.0", HasCookies: true, InterActionMillis: 500}
	fp := e.Generate(dev, "")

	if len(fp.MissingComponents) <= penaltyMissingThreshold {
		t.Fatalf("expected >%d missing components, got %d", penaltyMissingThreshold, len(fp.MissingComponents))
	}
	if fp.TrustScore != 80 {
		t.Errorf("sparse device trust = %d, want 80", fp.TrustScore)
	}
}

func TestGenerate_EmptyDeviceFailsOpen(t *testing.T) {
	e := NewEngine(nil, nil)

	fp := e.Generate(signal.Device{}, "")
	if fp == nil {
		t.Fatal("empty device must still produce a fingerprint")
	}
	if fp.Hash == "" {
		t.Error("empty device must still get an identity hash")
	}
	if fp.IsBotLike {
		t.Error("fully absent attributes are a missing-data problem, not a bot signature")
	}
}

func TestGenerate_TimezoneMismatch(t *testing.T) {
	e := NewEngine(nil, nil)

	dev := cleanDevice()
	dev.Timezone = "Asia/Shanghai"
	fp := e.Generate(dev, "Europe/Amsterdam")

	if !fp.TimezoneMismatch {
		t.Fatal("expected timezone mismatch flag")
	}
	if fp.TrustScore != 90 {
		t.Errorf("timezone mismatch trust = %d, want 90", fp.TrustScore)
	}
}

func TestGenerate_SameRegionTimezonesAgree(t *testing.T) {
	e := NewEngine(nil, nil)

	dev := cleanDevice()
	dev.Timezone = "Europe/Paris"
	fp := e.Generate(dev, "Europe/Amsterdam")

	if fp.TimezoneMismatch {
		t.Error("timezones in the same region must not be penalized")
	}
}

func TestGenerate_FloorAtZero(t *testing.T) {
	e := NewEngine(nil, nil)

	dev := signal.Device{
		UserAgent:         "curl/8.1 qemu guest",
		Timezone:          "Asia/Shanghai",
		InterActionMillis: 10,
	}
	fp := e.Generate(dev, "America/New_York")

	if fp.TrustScore != 0 {
		t.Errorf("stacked penalties must floor at 0, got %d", fp.TrustScore)
	}
}

func TestCustomRuleTable(t *testing.T) {
	custom := []SignatureRule{{
		Name:  "always",
		Match: func(signal.Device) bool { return true },
	}}
	e := NewEngine(custom, []SignatureRule{})

	fp := e.Generate(cleanDevice(), "")
	if !fp.IsVirtualDevice {
		t.Error("custom virtual rule table not consulted")
	}
	if fp.IsBotLike {
		t.Error("empty bot rule table must never flag")
	}
}
