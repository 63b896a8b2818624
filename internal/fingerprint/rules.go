package fingerprint

import (
	"strings"

	"cartguard/internal/signal"
)

// SignatureRule is a single pluggable detection heuristic. Rule tables are
// data handed to the engine so signature updates don't touch scoring code.
type SignatureRule struct {
	Name  string
	Match func(signal.Device) bool
}

// virtualizationMarkers are hypervisor and VM product names looked for in
// the user agent.
var virtualizationMarkers = []string{
	"vmware", "virtualbox", "qemu", "kvm", "xen", "hyper-v", "parallels", "bochs",
}

// softwareRendererMarkers identify emulated or software 3D renderers in the
// WebGL renderer string. A genuine device reports its GPU.
var softwareRendererMarkers = []string{
	"swiftshader", "llvmpipe", "softpipe", "software rasterizer", "mesa offscreen", "angle (software",
}

// botAgentMarkers are automation frameworks and non-browser clients.
var botAgentMarkers = []string{
	"headless", "phantomjs", "puppeteer", "playwright", "selenium",
	"bot", "spider", "crawler", "curl/", "wget/", "python-requests",
}

// minHumanActionMillis is the floor below which repeated cart actions are
// faster than a human can click.
const minHumanActionMillis = 120

// DefaultVirtualRules returns the built-in virtual-device signatures.
func DefaultVirtualRules() []SignatureRule {
	return []SignatureRule{
		{
			Name: "ua_hypervisor_marker",
			Match: func(d signal.Device) bool {
				return containsAny(strings.ToLower(d.UserAgent), virtualizationMarkers)
			},
		},
		{
			Name: "webgl_software_renderer",
			Match: func(d signal.Device) bool {
				return containsAny(strings.ToLower(d.WebGLRenderer), softwareRendererMarkers)
			},
		},
	}
}

// DefaultBotRules returns the built-in bot signatures.
func DefaultBotRules() []SignatureRule {
	return []SignatureRule{
		{
			Name: "ua_automation_marker",
			Match: func(d signal.Device) bool {
				return containsAny(strings.ToLower(d.UserAgent), botAgentMarkers)
			},
		},
		{
			Name: "superhuman_action_rate",
			Match: func(d signal.Device) bool {
				return d.InterActionMillis > 0 && d.InterActionMillis < minHumanActionMillis
			},
		},
		{
			Name: "cookieless_headless_profile",
			Match: func(d signal.Device) bool {
				// No cookie jar and no canvas or audio stack is the profile of
				// a scripted client, not a stripped-down browser.
				return !d.HasCookies && d.CanvasFingerprint == "" && d.AudioFingerprint == "" && d.UserAgent != ""
			},
		},
	}
}

func containsAny(s string, markers []string) bool {
	if s == "" {
		return false
	}
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
