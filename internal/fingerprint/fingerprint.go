// Package fingerprint derives a stable device identity hash and trust score
// from raw client attributes.
//
// The identity hash is a deterministic function of 14 normalized components,
// so a returning device is recognized without cookies. The trust score starts
// at 100 and is reduced by signature matches and missing data; it never drops
// below 0 and never fails the request — a client that sends nothing at all
// still gets a fingerprint, just a maximally penalized one.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"cartguard/internal/signal"
)

// ComponentCount is the number of normalized components hashed into the
// device identity.
const ComponentCount = 14

// Trust score penalties.
const (
	penaltyVirtualDevice    = 40
	penaltyBotLike          = 50
	penaltyMissingThreshold = 5 // more than this many absent components
	penaltyMissing          = 20
	penaltyTimezoneMismatch = 10
)

// Fingerprint is the derived device identity. Immutable once computed — a
// changed input produces a new record, not an update.
type Fingerprint struct {
	Hash              string    `json:"hash"`
	TrustScore        int       `json:"trustScore"` // 0-100
	IsVirtualDevice   bool      `json:"isVirtualDevice"`
	IsBotLike         bool      `json:"isBotLike"`
	MissingComponents []string  `json:"missingComponents,omitempty"`
	TimezoneMismatch  bool      `json:"timezoneMismatch"`
	GeneratedAt       time.Time `json:"generatedAt"`
}

// Engine computes fingerprints. Detection signatures are rule tables injected
// at construction, not business logic baked into the engine.
type Engine struct {
	virtualRules []SignatureRule
	botRules     []SignatureRule
}

// NewEngine creates an engine with the given rule tables. Nil tables fall
// back to the built-in signatures.
func NewEngine(virtualRules, botRules []SignatureRule) *Engine {
	if virtualRules == nil {
		virtualRules = DefaultVirtualRules()
	}
	if botRules == nil {
		botRules = DefaultBotRules()
	}
	return &Engine{virtualRules: virtualRules, botRules: botRules}
}

// Generate derives the fingerprint for the request's device attributes.
// ipTimezone, when known, is compared against the device-declared timezone.
// Deterministic: identical inputs always produce the identical hash and score.
func (e *Engine) Generate(dev signal.Device, ipTimezone string) *Fingerprint {
	components, missing := normalize(dev)

	fp := &Fingerprint{
		Hash:              hashComponents(components),
		TrustScore:        100,
		MissingComponents: missing,
		GeneratedAt:       time.Now(),
	}

	for _, rule := range e.virtualRules {
		if rule.Match(dev) {
			fp.IsVirtualDevice = true
			break
		}
	}
	for _, rule := range e.botRules {
		if rule.Match(dev) {
			fp.IsBotLike = true
			break
		}
	}

	if fp.IsVirtualDevice {
		fp.TrustScore -= penaltyVirtualDevice
	}
	if fp.IsBotLike {
		fp.TrustScore -= penaltyBotLike
	}
	if len(missing) > penaltyMissingThreshold {
		fp.TrustScore -= penaltyMissing
	}
	if dev.Timezone != "" && ipTimezone != "" && !timezonesAgree(dev.Timezone, ipTimezone) {
		fp.TimezoneMismatch = true
		fp.TrustScore -= penaltyTimezoneMismatch
	}

	if fp.TrustScore < 0 {
		fp.TrustScore = 0
	}
	return fp
}

// normalize produces the ordered component list plus the names of components
// the client did not provide.
func normalize(dev signal.Device) ([]string, []string) {
	type component struct {
		name  string
		value string
	}

	raw := []component{
		{"user_agent", strings.ToLower(strings.TrimSpace(dev.UserAgent))},
		{"screen_resolution", strings.TrimSpace(dev.ScreenResolution)},
		{"timezone", strings.TrimSpace(dev.Timezone)},
		{"language", strings.ToLower(strings.TrimSpace(dev.Language))},
		{"platform", strings.ToLower(strings.TrimSpace(dev.Platform))},
		{"hardware_concurrency", intComponent(dev.HardwareConcurrency)},
		{"device_memory", floatComponent(dev.DeviceMemoryGB)},
		{"color_depth", intComponent(dev.ColorDepth)},
		{"pixel_ratio", floatComponent(dev.PixelRatio)},
		{"touch_support", fmt.Sprintf("%t", dev.TouchSupport)},
		{"webgl_vendor", strings.ToLower(strings.TrimSpace(dev.WebGLVendor))},
		{"webgl_renderer", strings.ToLower(strings.TrimSpace(dev.WebGLRenderer))},
		{"canvas", strings.TrimSpace(dev.CanvasFingerprint)},
		{"audio", strings.TrimSpace(dev.AudioFingerprint)},
	}

	values := make([]string, 0, len(raw))
	var missing []string
	for _, c := range raw {
		values = append(values, c.value)
		if c.value == "" {
			missing = append(missing, c.name)
		}
	}
	return values, missing
}

func intComponent(v int) string {
	if v <= 0 {
		return ""
	}
	return fmt.Sprintf("%d", v)
}

func floatComponent(v float64) string {
	if v <= 0 {
		return ""
	}
	return fmt.Sprintf("%g", v)
}

func hashComponents(components []string) string {
	h := sha256.Sum256([]byte(strings.Join(components, "|")))
	return hex.EncodeToString(h[:])
}

// timezonesAgree compares an IANA zone declared by the device with the zone
// derived from the IP. Exact match or a shared region prefix ("Europe/",
// "America/", ...) counts as agreement; city-level differences inside one
// region are too common to penalize.
func timezonesAgree(device, ip string) bool {
	if strings.EqualFold(device, ip) {
		return true
	}
	dRegion, _, dOK := strings.Cut(device, "/")
	iRegion, _, iOK := strings.Cut(ip, "/")
	if dOK && iOK {
		return strings.EqualFold(dRegion, iRegion)
	}
	return false
}
