package gate

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newTestRouter(t *testing.T) (*gin.Engine, *testGate) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	tg := newTestGate(t)
	r := gin.New()
	NewHandler(tg.gate).RegisterRoutes(r.Group("/v1"))
	return r, tg
}

func postDecide(t *testing.T, r *gin.Engine, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/decide", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decideBody(quantity int) map[string]any {
	return map[string]any{
		"userId":       "u1",
		"ip":           "203.0.113.7",
		"operation":    "add_item",
		"productId":    "sku-1",
		"quantity":     quantity,
		"unitPrice":    1000,
		"catalogPrice": 1000,
		"device": map[string]any{
			"userAgent":           "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36",
			"screenResolution":    "1920x1080",
			"timezone":            "Europe/Berlin",
			"language":            "de-DE",
			"platform":            "Linux x86_64",
			"hardwareConcurrency": 8,
			"deviceMemoryGb":      8,
			"colorDepth":          24,
			"pixelRatio":          1,
			"webglVendor":         "Intel",
			"webglRenderer":       "Mesa Intel Xe",
			"canvasFingerprint":   "c4nv4s",
			"audioFingerprint":    "aud10",
			"hasCookies":          true,
		},
	}
}

func TestDecideEndpointAllows(t *testing.T) {
	r, _ := newTestRouter(t)

	w := postDecide(t, r, decideBody(1))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp decideResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.Allowed || resp.Action != "allow" {
		t.Errorf("want allow, got %+v", resp)
	}
	if resp.CorrelationID == "" {
		t.Error("response should carry a correlation id")
	}
}

func TestDecideEndpointChallenges(t *testing.T) {
	r, _ := newTestRouter(t)

	w := postDecide(t, r, decideBody(10))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp decideResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Action != "challenge" || !resp.Allowed {
		t.Errorf("want permitted challenge, got %+v", resp)
	}
}

func TestDecideEndpointBlocksTamperedPrice(t *testing.T) {
	r, _ := newTestRouter(t)

	body := decideBody(1)
	body["unitPrice"] = 100
	w := postDecide(t, r, body)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403, body = %s", w.Code, w.Body.String())
	}
	var resp decideResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Allowed || resp.Block == nil {
		t.Errorf("want denied with block, got %+v", resp)
	}
}

func TestDecideEndpointValidatesInput(t *testing.T) {
	r, _ := newTestRouter(t)

	cases := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"bad ip", func(b map[string]any) { b["ip"] = "not-an-ip" }},
		{"missing ip", func(b map[string]any) { delete(b, "ip") }},
		{"unknown operation", func(b map[string]any) { b["operation"] = "teleport" }},
		{"zero quantity", func(b map[string]any) { b["quantity"] = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := decideBody(1)
			tc.mutate(body)
			w := postDecide(t, r, body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400, body = %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestDecideEndpointEchoesCorrelationID(t *testing.T) {
	r, _ := newTestRouter(t)

	raw, _ := json.Marshal(decideBody(1))
	req := httptest.NewRequest(http.MethodPost, "/v1/decide", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", "req_abc123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp decideResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.CorrelationID != "req_abc123" {
		t.Errorf("correlationId = %q, want req_abc123", resp.CorrelationID)
	}
}

func TestDecideEndpointRejectsMalformedJSON(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/decide", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}
