package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/agent-sync-hub/backend/internal/events"
)

// EventsHandler streams namespace-scoped sync events over Server-Sent-Events.
type EventsHandler struct {
	publisher *events.Publisher
	clients   ClientGauge
}

// ClientGauge tracks connected SSE clients. A nil gauge records nothing.
type ClientGauge interface {
	Inc()
	Dec()
}

// NewEventsHandler creates a new EventsHandler.
func NewEventsHandler(publisher *events.Publisher, clients ClientGauge) *EventsHandler {
	return &EventsHandler{publisher: publisher, clients: clients}
}

// Stream handles GET /api/events.
//
// Each delivery's publisher sequence is sent as the SSE event id. A client
// reconnecting with a Last-Event-ID header first receives the backlog of
// newer deliveries for its namespace, then the live stream. A client that
// cannot keep up is disconnected so it reconnects and catches up through the
// backlog instead of silently missing events.
func (h *EventsHandler) Stream(c *gin.Context) {
	namespace := getNamespace(c)

	var afterSeq uint64
	if v := c.GetHeader("Last-Event-ID"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Last-Event-ID must be an integer")
			return
		}
		afterSeq = parsed
	}

	ch := make(chan events.Delivery, 64)
	overflow := make(chan struct{})
	unsubscribe := h.publisher.Subscribe(func(d events.Delivery) {
		if d.Event.Namespace != namespace {
			return
		}
		select {
		case ch <- d:
		default:
			select {
			case <-overflow:
			default:
				close(overflow)
			}
		}
	})
	defer unsubscribe()

	if h.clients != nil {
		h.clients.Inc()
		defer h.clients.Dec()
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	for _, d := range h.publisher.Replay(namespace, afterSeq) {
		writeDelivery(c, d)
		afterSeq = d.Seq
	}
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case d := <-ch:
			// Replay may already have covered this delivery.
			if d.Seq > afterSeq {
				writeDelivery(c, d)
			}
			return true
		case <-overflow:
			return false
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func writeDelivery(c *gin.Context, d events.Delivery) {
	c.Render(-1, sse.Event{
		Id:    strconv.FormatUint(d.Seq, 10),
		Event: string(d.Event.Type),
		Data:  d.Event,
	})
}

// RegisterRoutes registers the SSE route on a Gin router group.
func (h *EventsHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/events", h.Stream)
}
