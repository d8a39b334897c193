package webhooks

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler exposes the alert delivery log and a test trigger.
type Handler struct {
	d      *Dispatcher
	logger *zap.Logger
}

// NewHandler creates a new alert Handler.
func NewHandler(d *Dispatcher, logger *zap.Logger) *Handler {
	return &Handler{d: d, logger: logger}
}

// Register mounts the alert routes on rg. guard protects the test trigger.
func (h *Handler) Register(rg *gin.RouterGroup, guard gin.HandlerFunc) {
	a := rg.Group("/alerts")
	{
		a.GET("/deliveries", h.ListDeliveries)
		a.POST("/test", guard, h.SendTest)
	}
}

// ListDeliveries handles GET /alerts/deliveries?limit=N.
func (h *Handler) ListDeliveries(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	items := h.d.Deliveries().Recent(limit)
	c.JSON(http.StatusOK, gin.H{"deliveries": items, "count": len(items)})
}

// SendTest handles POST /alerts/test and dispatches a test event.
func (h *Handler) SendTest(c *gin.Context) {
	id := h.d.Dispatch(c.Request.Context(), EventTest, map[string]string{"message": "test alert"})
	h.logger.Info("test alert dispatched", zap.String("event_id", id.String()))
	c.JSON(http.StatusAccepted, gin.H{"event_id": id})
}
