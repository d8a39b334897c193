package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/medaudit/internal/audit"
	"github.com/jmerrifield20/medaudit/internal/auditledger"
	"github.com/jmerrifield20/medaudit/internal/ingestauth"
	"go.uber.org/zap"
)

// AuditHandler accepts audit facts from the records layer.
type AuditHandler struct {
	svc    *audit.Service
	logger *zap.Logger
}

// NewAuditHandler creates a new AuditHandler.
func NewAuditHandler(svc *audit.Service, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{svc: svc, logger: logger}
}

// Register mounts POST /audits behind guard. guard may be nil.
func (h *AuditHandler) Register(rg *gin.RouterGroup, guard gin.HandlerFunc) {
	handlers := []gin.HandlerFunc{h.Create}
	if guard != nil {
		handlers = append([]gin.HandlerFunc{guard}, handlers...)
	}
	rg.POST("/audits", handlers...)
}

// Create handles POST /audits. The response is the sealed block.
func (h *AuditHandler) Create(c *gin.Context) {
	var fact audit.AuditFact
	if err := c.ShouldBindJSON(&fact); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	b, err := h.svc.AddAudit(c.Request.Context(), fact)
	if err != nil {
		status, msg := auditErrorStatus(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("add audit failed",
				zap.String("subject", ingestauth.SubjectFromCtx(c)),
				zap.String("request_id", RequestIDFromCtx(c)),
				zap.Error(err),
			)
		}
		c.JSON(status, gin.H{"error": msg})
		return
	}

	c.JSON(http.StatusCreated, b)
}

func auditErrorStatus(err error) (int, string) {
	var (
		encErr     *auditledger.EncodingError
		persistErr *auditledger.PersistenceFailure
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, "timed out sealing audit block"
	case errors.Is(err, audit.ErrInvalidFact), errors.As(err, &encErr):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, audit.ErrNotReady):
		return http.StatusServiceUnavailable, "audit ledger is not ready"
	case errors.As(err, &persistErr):
		return http.StatusBadGateway, "failed to persist audit block"
	default:
		return http.StatusInternalServerError, "failed to add audit"
	}
}
