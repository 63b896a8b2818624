package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"cartguard/internal/signal"
)

func TestIsValidIP(t *testing.T) {
	valid := []string{
		"203.0.113.7",
		"10.0.0.1",
		"2001:db8::1",
		"::1",
	}
	for _, ip := range valid {
		assert.True(t, IsValidIP(ip), "expected %q to be valid", ip)
	}

	invalid := []string{
		"",
		"not-an-ip",
		"999.0.0.1",
		"203.0.113",
		"203.0.113.7:8080",
	}
	for _, ip := range invalid {
		assert.False(t, IsValidIP(ip), "expected %q to be invalid", ip)
	}
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hello  ", 100))
	assert.Equal(t, "hello", SanitizeString("hel\x00lo", 100))
	assert.Equal(t, "abc", SanitizeString("abcdef", 3))
	assert.Equal(t, "", SanitizeString("   ", 100))
}

func TestSanitizeDevice(t *testing.T) {
	d := &signal.Device{
		UserAgent:         "  Mozilla/5.0\x00 (X11; Linux x86_64)  ",
		ScreenResolution:  strings.Repeat("1", 100),
		Timezone:          " America/New_York ",
		CanvasFingerprint: strings.Repeat("a", 500),
	}
	SanitizeDevice(d)

	assert.Equal(t, "Mozilla/5.0 (X11; Linux x86_64)", d.UserAgent)
	assert.Len(t, d.ScreenResolution, 32)
	assert.Equal(t, "America/New_York", d.Timezone)
	assert.Len(t, d.CanvasFingerprint, 128)
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("userId", "u-1"),
		ValidIP("ip", "203.0.113.7"),
		ValidOperation("operation", "add_item"),
		PositiveQuantity("quantity", 2),
	)
	assert.Empty(t, errs)

	errs = Validate(
		Required("userId", "  "),
		ValidIP("ip", "bogus"),
		ValidOperation("operation", "teleport_item"),
		PositiveQuantity("quantity", 0),
	)
	assert.Len(t, errs, 4)
	assert.Equal(t, "userId", errs[0].Field)
	assert.Contains(t, errs.Error(), "userId")
}

func TestValidIPSkipsEmpty(t *testing.T) {
	errs := Validate(ValidIP("ip", ""))
	assert.Empty(t, errs)
}

func TestMaxLength(t *testing.T) {
	assert.Empty(t, Validate(MaxLength("productId", "sku-123", 64)))
	assert.Len(t, Validate(MaxLength("productId", strings.Repeat("x", 65), 64)), 1)
}
