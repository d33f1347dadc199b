package sse

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tommyshellberg/unquest-core/cache"
	"github.com/tommyshellberg/unquest-core/game/quest"
	"go.uber.org/zap"
)

// Handler streams engine events to the device shell. The shell decides
// how to present them; the engine only supplies the data.
type Handler struct {
	pubsub cache.PubSub
	logger *zap.Logger
}

// NewHandler creates a new SSE Handler.
func NewHandler(pubsub cache.PubSub, logger *zap.Logger) *Handler {
	return &Handler{pubsub: pubsub, logger: logger}
}

// ServeSSE handles GET /sse. Shell-key auth is applied by middleware.
func (h *Handler) ServeSSE(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	msgCh, unsub, err := h.pubsub.Subscribe(c.Request.Context(), quest.EventChannel)
	if err != nil {
		h.logger.Error("sse subscribe failed", zap.Error(err))
		c.Status(500)
		return
	}
	defer unsub()

	// Send initial connected event.
	fmt.Fprintf(c.Writer, "event: connected\ndata: {}\n\n")
	c.Writer.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			fmt.Fprintf(c.Writer, "event: quest\ndata: %s\n\n", msg.Payload)
			c.Writer.Flush()

		case <-ticker.C:
			// Keepalive comment to prevent proxy timeouts.
			fmt.Fprintf(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()

		case <-c.Request.Context().Done():
			return
		}
	}
}
