package blockstore

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"cartguard/internal/fraud"
	"cartguard/internal/idgen"
)

// Handler provides the admin HTTP surface for blocks and the whitelist.
// Authentication is applied by the router group it is registered on.
type Handler struct {
	store       Store
	assessments fraud.Store
}

func NewHandler(store Store, assessments fraud.Store) *Handler {
	return &Handler{store: store, assessments: assessments}
}

// RegisterRoutes sets up block and whitelist endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/blocks", h.ListBlocks)
	r.GET("/blocks/:actorKey", h.GetBlock)
	r.POST("/blocks", h.CreateBlock)
	r.DELETE("/blocks/:actorKey", h.DeleteBlock)

	r.GET("/whitelist", h.ListWhitelist)
	r.POST("/whitelist", h.AddWhitelist)
	r.DELETE("/whitelist/:actorKey", h.RemoveWhitelist)

	r.GET("/assessments/:actorKey", h.ListAssessments)
}

func (h *Handler) ListBlocks(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	blocks, err := h.store.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "store_error",
			"message": "Failed to list blocks",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocks": blocks, "count": len(blocks)})
}

func (h *Handler) GetBlock(c *gin.Context) {
	rec, err := h.store.Get(c.Request.Context(), c.Param("actorKey"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "store_error",
			"message": "Failed to read block",
		})
		return
	}
	if rec == nil || !rec.Active(time.Now()) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_blocked",
			"message": "Actor has no active block",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"block": rec})
}

type createBlockRequest struct {
	ActorKey        string `json:"actorKey" binding:"required"`
	Reason          string `json:"reason" binding:"required"`
	DurationMinutes int    `json:"durationMinutes"`
	Permanent       bool   `json:"permanent"`
}

// CreateBlock installs a manual block. Either permanent or a positive
// duration must be given.
func (h *Handler) CreateBlock(c *gin.Context) {
	var req createBlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "actorKey and reason are required",
		})
		return
	}
	if !req.Permanent && req.DurationMinutes <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Either permanent or a positive durationMinutes is required",
		})
		return
	}

	now := time.Now()
	rec := &BlockRecord{
		ID:        idgen.WithPrefix("blk_"),
		ActorKey:  req.ActorKey,
		Reason:    req.Reason,
		Permanent: req.Permanent,
		CreatedAt: now,
	}
	if !req.Permanent {
		rec.ExpiresAt = now.Add(time.Duration(req.DurationMinutes) * time.Minute)
	}

	if err := h.store.Upsert(c.Request.Context(), rec); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "store_error",
			"message": "Failed to install block",
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"block": rec})
}

func (h *Handler) DeleteBlock(c *gin.Context) {
	if err := h.store.Delete(c.Request.Context(), c.Param("actorKey")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "store_error",
			"message": "Failed to remove block",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": c.Param("actorKey")})
}

func (h *Handler) ListWhitelist(c *gin.Context) {
	entries, err := h.store.ListWhitelist(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "store_error",
			"message": "Failed to list whitelist",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"whitelist": entries, "count": len(entries)})
}

type whitelistRequest struct {
	ActorKey string `json:"actorKey" binding:"required"`
	Reason   string `json:"reason"`
	AddedBy  string `json:"addedBy"`
}

func (h *Handler) AddWhitelist(c *gin.Context) {
	var req whitelistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "actorKey is required",
		})
		return
	}
	e := WhitelistEntry{
		ActorKey:  req.ActorKey,
		Reason:    req.Reason,
		AddedBy:   req.AddedBy,
		CreatedAt: time.Now(),
	}
	if err := h.store.AddWhitelist(c.Request.Context(), e); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "store_error",
			"message": "Failed to add whitelist entry",
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": e})
}

func (h *Handler) RemoveWhitelist(c *gin.Context) {
	if err := h.store.RemoveWhitelist(c.Request.Context(), c.Param("actorKey")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "store_error",
			"message": "Failed to remove whitelist entry",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": c.Param("actorKey")})
}

func (h *Handler) ListAssessments(c *gin.Context) {
	if h.assessments == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "not_available",
			"message": "Assessment history is not persisted in this deployment",
		})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := h.assessments.ListByActor(c.Request.Context(), c.Param("actorKey"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "store_error",
			"message": "Failed to list assessments",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"assessments": list, "count": len(list)})
}
