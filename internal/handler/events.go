package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"wm-api/internal/model"
)

// EventsHandler streams server-sent events to browser clients.
type EventsHandler struct {
	heartbeatEvery time.Duration
	keepAliveEvery time.Duration
	logger         *slog.Logger
}

// NewEventsHandler creates an EventsHandler with a 5s heartbeat and a 15s
// keep-alive comment.
func NewEventsHandler(logger *slog.Logger) *EventsHandler {
	return &EventsHandler{
		heartbeatEvery: 5 * time.Second,
		keepAliveEvery: 15 * time.Second,
		logger:         logger.With("component", "events_handler"),
	}
}

// Stream writes heartbeat events until the client goes away.
func (h *EventsHandler) Stream(c echo.Context) error {
	heartbeat, err := json.Marshal(model.Event{Type: model.EventHeartbeat})
	if err != nil {
		return err
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	beat := time.NewTicker(h.heartbeatEvery)
	defer beat.Stop()
	keepAlive := time.NewTicker(h.keepAliveEvery)
	defer keepAlive.Stop()

	ctx := c.Request().Context()
	for {
		var frame string
		select {
		case <-ctx.Done():
			return nil
		case <-beat.C:
			frame = fmt.Sprintf("data: %s\n\n", heartbeat)
		case <-keepAlive.C:
			frame = ": keep-alive\n\n"
		}
		if _, err := res.Write([]byte(frame)); err != nil {
			h.logger.Debug("event stream closed", "err", err)
			return nil
		}
		res.Flush()
	}
}
