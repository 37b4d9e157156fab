package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// stream serves live outcomes as server-sent events. ?room_id= narrows the
// feed to one room. A "ready" event is sent once the subscription is live;
// earlier events are not replayed.
func (h *handler) stream(c *gin.Context) {
	sub, err := h.Hub.Subscribe()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream closed"})
		return
	}
	defer h.Hub.Unsubscribe(sub)

	room := c.Query("room_id")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent("ready", gin.H{"subscription_id": sub.ID})
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.Heartbeat)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-sub.C:
			if !ok {
				// Evicted as too slow or the hub shut down; the client reconnects.
				return
			}
			if room != "" && m.RoomID != room {
				continue
			}
			c.SSEvent(m.Event, m)
			c.Writer.Flush()
		case t := <-heartbeat.C:
			c.SSEvent("ping", gin.H{"ts": t.UTC()})
			c.Writer.Flush()
		}
	}
}
