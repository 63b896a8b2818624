// Package signal defines the normalized per-request snapshot consumed by the
// fraud scoring pipeline. A Context is built once by the security gate, read
// by every component, and discarded when the request completes — only derived
// records (assessments, fingerprints, decisions) outlive it.
package signal

import "time"

// Operation is the cart mutation being gated.
type Operation string

const (
	OpAddItem     Operation = "add_item"
	OpUpdateItem  Operation = "update_item"
	OpRemoveItem  Operation = "remove_item"
	OpApplyCoupon Operation = "apply_coupon"
	OpCheckout    Operation = "checkout"
)

// Valid reports whether op names a known cart operation.
func (op Operation) Valid() bool {
	switch op {
	case OpAddItem, OpUpdateItem, OpRemoveItem, OpApplyCoupon, OpCheckout:
		return true
	}
	return false
}

// Device carries the raw client attributes used for fingerprinting.
// All fields are optional — missing components feed the anomaly penalty,
// they never fail the request.
type Device struct {
	UserAgent           string  `json:"userAgent"`
	ScreenResolution    string  `json:"screenResolution"`
	Timezone            string  `json:"timezone"`
	Language            string  `json:"language"`
	Platform            string  `json:"platform"`
	HardwareConcurrency int     `json:"hardwareConcurrency"`
	DeviceMemoryGB      float64 `json:"deviceMemoryGb"`
	ColorDepth          int     `json:"colorDepth"`
	PixelRatio          float64 `json:"pixelRatio"`
	TouchSupport        bool    `json:"touchSupport"`
	WebGLVendor         string  `json:"webglVendor"`
	WebGLRenderer       string  `json:"webglRenderer"`
	CanvasFingerprint   string  `json:"canvasFingerprint"`
	AudioFingerprint    string  `json:"audioFingerprint"`

	// Behavioral timing hints from the client runtime, used by bot heuristics.
	InterActionMillis float64 `json:"interActionMillis,omitempty"`
	HasCookies        bool    `json:"hasCookies"`
}

// Location is a geotagged point with the time it was observed.
type Location struct {
	Country   string    `json:"country"` // ISO 3166-1 alpha-2
	City      string    `json:"city,omitempty"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timezone  string    `json:"timezone,omitempty"`
	SeenAt    time.Time `json:"seenAt"`
}

// Zero reports whether the location carries no usable coordinates.
func (l Location) Zero() bool {
	return l.Latitude == 0 && l.Longitude == 0 && l.Country == ""
}

// Context is the immutable security snapshot of one cart-mutating request.
type Context struct {
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId"`
	IP        string    `json:"ip"`

	Operation Operation `json:"operation"`
	ProductID string    `json:"productId,omitempty"`
	Quantity  int       `json:"quantity"`
	// Price the client submitted and the price the catalog knows, both in
	// minor units. A mismatch is the price-tampering signal.
	UnitPrice    int64 `json:"unitPrice"`
	CatalogPrice int64 `json:"catalogPrice"`

	Device   Device   `json:"device"`
	Location Location `json:"location"`

	Timestamp time.Time `json:"timestamp"`
}

// ActorKey returns the identity the block store and history are keyed by.
// A known user wins over the session, the session over the bare IP.
func (c *Context) ActorKey() string {
	if c.UserID != "" {
		return "user:" + c.UserID
	}
	if c.SessionID != "" {
		return "session:" + c.SessionID
	}
	return "ip:" + c.IP
}
