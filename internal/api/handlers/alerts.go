package handlers

import (
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	streamBatch     = 100
	streamWriteWait = 10 * time.Second
	streamPingEvery = 30 * time.Second

	// streamLateWindow is how many ids behind the cursor each poll re-reads,
	// so an alert whose insert commits after a higher id is still delivered.
	streamLateWindow = 64
)

func (h *Handlers) ListAlerts(c echo.Context) error {
	alerts, err := h.Alerts.ListRecent(c.Request().Context(), limitParam(c, 50, 500))
	if err != nil {
		return h.fail(c, err, "alerts")
	}
	return c.JSON(http.StatusOK, alerts)
}

func (h *Handlers) upgrader() *websocket.Upgrader {
	allowAny := len(h.AllowOrigins) == 0 || slices.Contains(h.AllowOrigins, "*")
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return allowAny || origin == "" || slices.Contains(h.AllowOrigins, origin)
		},
	}
}

// StreamAlerts upgrades to a websocket and pushes every alert created after
// the connection opened, or after ?after=<id> when resuming. Each alert is
// sent once. Alerts that become visible out of id order are picked up as long
// as they land within streamLateWindow ids of the newest one sent.
func (h *Handlers) StreamAlerts(c echo.Context) error {
	ctx := c.Request().Context()

	var cursor int64
	if after := c.QueryParam("after"); after != "" {
		v, err := strconv.ParseInt(after, 10, 64)
		if err != nil || v < 0 {
			return apiErr(c, http.StatusBadRequest, "after must be a non-negative alert id")
		}
		cursor = v
	} else {
		latest, err := h.Alerts.ListRecent(ctx, 1)
		if err != nil {
			return h.fail(c, err, "alerts")
		}
		if len(latest) > 0 {
			cursor = latest[0].ID
		}
	}

	ws, err := h.upgrader().Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.Log.Debug("alert stream upgrade failed", zap.Error(err))
		return nil
	}
	defer ws.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	floor := cursor
	sent := make(map[int64]struct{})

	poll := time.NewTicker(h.StreamPoll)
	defer poll.Stop()
	ping := time.NewTicker(streamPingEvery)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return nil
		case <-ctx.Done():
			return nil
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return nil
			}
		case <-poll.C:
			from := max(cursor-streamLateWindow, floor)
			alerts, err := h.Alerts.ListAfter(ctx, from, streamBatch+streamLateWindow)
			if err != nil {
				h.Log.Warn("alert stream poll failed", zap.Error(err))
				continue
			}
			for _, a := range alerts {
				if _, dup := sent[a.ID]; dup {
					continue
				}
				sent[a.ID] = struct{}{}
				cursor = max(cursor, a.ID)
				msg, err := json.Marshal(a)
				if err != nil {
					h.Log.Error("alert stream encode", zap.Int64("alert_id", a.ID), zap.Error(err))
					continue
				}
				_ = ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
					return nil
				}
			}
			for id := range sent {
				if id <= cursor-streamLateWindow {
					delete(sent, id)
				}
			}
		}
	}
}
