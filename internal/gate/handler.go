package gate

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"cartguard/internal/blockstore"
	"cartguard/internal/idgen"
	"cartguard/internal/logging"
	"cartguard/internal/response"
	"cartguard/internal/signal"
	"cartguard/internal/validation"
)

// Handler exposes the decision endpoint.
type Handler struct {
	gate *Gate
}

func NewHandler(g *Gate) *Handler {
	return &Handler{gate: g}
}

// RegisterRoutes mounts the decision endpoint on the given router group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/decide", h.Decide)
}

type decideRequest struct {
	UserID       string           `json:"userId"`
	SessionID    string           `json:"sessionId"`
	IP           string           `json:"ip"`
	Operation    string           `json:"operation"`
	ProductID    string           `json:"productId"`
	Quantity     int              `json:"quantity"`
	UnitPrice    int64            `json:"unitPrice"`
	CatalogPrice int64            `json:"catalogPrice"`
	Device       signal.Device    `json:"device"`
	Location     *signal.Location `json:"location"`
}

type blockInfo struct {
	ID        string     `json:"id"`
	Reason    string     `json:"reason"`
	Permanent bool       `json:"permanent"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type decideResponse struct {
	Allowed           bool       `json:"allowed"`
	Action            string     `json:"action"`
	Score             int        `json:"score"`
	RiskLevel         string     `json:"riskLevel"`
	TriggeredRules    []string   `json:"triggeredRules,omitempty"`
	EscalationLevel   int        `json:"escalationLevel,omitempty"`
	RetryAfterSeconds int        `json:"retryAfterSeconds,omitempty"`
	Block             *blockInfo `json:"block,omitempty"`
	PolicyVersion     int        `json:"policyVersion"`
	Degraded          bool       `json:"degraded,omitempty"`
	CorrelationID     string     `json:"correlationId"`
}

// Decide handles POST /v1/decide.
func (h *Handler) Decide(c *gin.Context) {
	var req decideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "request body must be valid JSON",
		})
		return
	}

	needsQuantity := req.Operation == string(signal.OpAddItem) ||
		req.Operation == string(signal.OpUpdateItem)
	validators := []func() *validation.ValidationError{
		validation.Required("ip", req.IP),
		validation.ValidIP("ip", req.IP),
		validation.ValidOperation("operation", req.Operation),
		validation.MaxLength("userId", req.UserID, 128),
		validation.MaxLength("sessionId", req.SessionID, 128),
		validation.MaxLength("productId", req.ProductID, 128),
	}
	if needsQuantity {
		validators = append(validators, validation.PositiveQuantity("quantity", req.Quantity))
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": errs,
		})
		return
	}

	validation.SanitizeDevice(&req.Device)

	sc := &signal.Context{
		UserID:       validation.SanitizeString(req.UserID, 128),
		SessionID:    validation.SanitizeString(req.SessionID, 128),
		IP:           req.IP,
		Operation:    signal.Operation(req.Operation),
		ProductID:    validation.SanitizeString(req.ProductID, 128),
		Quantity:     req.Quantity,
		UnitPrice:    req.UnitPrice,
		CatalogPrice: req.CatalogPrice,
		Device:       req.Device,
		Timestamp:    time.Now(),
	}
	if req.Location != nil {
		sc.Location = *req.Location
	}

	cid := validation.SanitizeString(c.GetHeader("X-Correlation-ID"), 64)
	if cid == "" {
		cid = idgen.WithPrefix("req_")
	}
	ctx := logging.WithCorrelationID(c.Request.Context(), cid)

	d, err := h.gate.Decide(ctx, sc)
	if err != nil && d == nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "decision_failed",
			"message": "unable to evaluate request",
		})
		return
	}

	status := http.StatusOK
	if !d.Permitted() {
		status = http.StatusForbidden
	}
	c.JSON(status, toResponse(d, logging.CorrelationID(ctx)))
}

func toResponse(d *response.Decision, correlationID string) decideResponse {
	resp := decideResponse{
		Allowed:           d.Permitted(),
		Action:            string(d.Action),
		Score:             d.Assessment.Score,
		RiskLevel:         string(d.Assessment.Level),
		TriggeredRules:    d.Assessment.TriggeredRules,
		EscalationLevel:   d.EscalationLevel,
		RetryAfterSeconds: int(d.RetryAfter / time.Second),
		PolicyVersion:     d.PolicyVersion,
		Degraded:          d.Degraded,
		CorrelationID:     correlationID,
	}
	if d.Block != nil {
		resp.Block = blockView(d.Block)
	}
	return resp
}

func blockView(rec *blockstore.BlockRecord) *blockInfo {
	info := &blockInfo{
		ID:        rec.ID,
		Reason:    rec.Reason,
		Permanent: rec.Permanent,
	}
	if !rec.Permanent {
		t := rec.ExpiresAt
		info.ExpiresAt = &t
	}
	return info
}
