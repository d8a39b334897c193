package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru"
	"github.com/jmerrifield20/medaudit/internal/audit"
	"github.com/jmerrifield20/medaudit/internal/auditledger"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	// DefaultBlockCacheSize is used when NewLedgerHandler gets a
	// non-positive size.
	DefaultBlockCacheSize = 1024
)

// LedgerHandler exposes read-only HTTP endpoints for the audit ledger.
type LedgerHandler struct {
	svc      *audit.Service
	cache    *lru.ARCCache
	onVerify func(auditledger.VerificationResult)
	logger   *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler caching up to cacheSize
// sealed blocks.
func NewLedgerHandler(svc *audit.Service, cacheSize int, logger *zap.Logger) *LedgerHandler {
	if cacheSize <= 0 {
		cacheSize = DefaultBlockCacheSize
	}
	cache, _ := lru.NewARC(cacheSize) // only errors on a non-positive size
	h := &LedgerHandler{svc: svc, cache: cache, logger: logger}
	svc.OnRollback(func(index int) { h.cache.Remove(index) })
	return h
}

// SetVerifyObserver registers fn to receive every on-demand verification
// result. The health monitor uses it to track validity transitions.
func (h *LedgerHandler) SetVerifyObserver(fn func(auditledger.VerificationResult)) {
	h.onVerify = fn
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/verify", h.Verify)
		l.GET("/verify/last", h.LastVerification)
		l.GET("/blocks", h.ListBlocks)
		l.GET("/blocks/:idx", h.GetBlock)
	}
}

// Overview handles GET /ledger and returns the chain length and tip hash.
func (h *LedgerHandler) Overview(c *gin.Context) {
	l := h.svc.Ledger()
	c.JSON(http.StatusOK, gin.H{
		"blocks":     l.Len(),
		"root":       l.Root(),
		"difficulty": l.Difficulty(),
		"ready":      h.svc.Ready(),
	})
}

// Verify handles GET /ledger/verify. It walks the full chain and always
// answers 200; an invalid chain is reported in the body.
func (h *LedgerHandler) Verify(c *gin.Context) {
	res := h.svc.VerifyChain(c.Request.Context())
	if !res.Valid {
		h.logger.Warn("ledger integrity check failed",
			zap.String("kind", string(res.FailureKind)),
			zap.Any("idx", res.FailureBlockIndex),
		)
	}
	if h.onVerify != nil {
		h.onVerify(res)
	}
	c.JSON(http.StatusOK, res)
}

// LastVerification handles GET /ledger/verify/last.
func (h *LedgerHandler) LastVerification(c *gin.Context) {
	res, ok := h.svc.LastVerification()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no verification has run yet"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetBlock handles GET /ledger/blocks/:idx.
func (h *LedgerHandler) GetBlock(c *gin.Context) {
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return
	}

	if v, ok := h.cache.Get(idx); ok {
		recordCache(true)
		c.JSON(http.StatusOK, v)
		return
	}
	recordCache(false)

	// Read before Get: a block already durable at this point stays in place.
	durable := h.svc.Durable()
	b, err := h.svc.Ledger().Get(idx)
	if errors.Is(err, auditledger.ErrBlockNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "block not found"})
		return
	}
	if err != nil {
		h.logger.Error("ledger Get", zap.Int("idx", idx), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read block"})
		return
	}

	if idx < durable {
		h.cache.Add(idx, b)
	}
	c.JSON(http.StatusOK, b)
}

// ListBlocks handles GET /ledger/blocks?from=&limit=.
func (h *LedgerHandler) ListBlocks(c *gin.Context) {
	from, err := strconv.Atoi(c.DefaultQuery("from", "0"))
	if err != nil || from < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be a non-negative integer"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	limit = min(limit, maxPageSize)

	blocks := h.svc.Ledger().Range(from, limit)
	if blocks == nil {
		blocks = []*auditledger.Block{}
	}
	c.JSON(http.StatusOK, gin.H{
		"blocks": blocks,
		"from":   from,
		"total":  h.svc.Ledger().Len(),
	})
}
