// Package ws streams pipeline progress events to WebSocket clients.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/couchcryptid/storm-reroute-service/internal/progress"
)

const (
	defaultPingInterval = 20 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// Handler upgrades requests and forwards every broker event as a JSON text
// frame. Each connection owns one broker subscription for its lifetime.
type Handler struct {
	broker         *progress.Broker
	pingInterval   time.Duration
	writeTimeout   time.Duration
	originPatterns []string
	logger         *slog.Logger
}

// NewHandler creates a progress stream handler. Zero durations take defaults.
// Cross-origin upgrades are accepted only from hosts matching originPatterns
// (path.Match syntax, e.g. "localhost:3000" or "*.example.com").
func NewHandler(broker *progress.Broker, pingInterval, writeTimeout time.Duration, originPatterns []string, logger *slog.Logger) *Handler {
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Handler{
		broker:         broker,
		pingInterval:   pingInterval,
		writeTimeout:   writeTimeout,
		originPatterns: originPatterns,
		logger:         logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "origin", r.Header.Get("Origin"), "error", err)
		return
	}

	sub := h.broker.Subscribe()
	defer sub.Close()

	// Clients never send; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := c.CloseRead(r.Context())
	h.logger.Info("progress client connected", "remote", r.RemoteAddr)

	err = h.stream(ctx, c, sub)
	switch {
	case err == nil:
		_ = c.Close(websocket.StatusGoingAway, "server shutting down")
	case errors.Is(err, context.Canceled), websocket.CloseStatus(err) != -1:
		_ = c.CloseNow()
	default:
		h.logger.Debug("progress stream ended", "error", err)
		_ = c.CloseNow()
	}
	h.logger.Info("progress client disconnected", "remote", r.RemoteAddr, "dropped", sub.Dropped())
}

// stream returns nil when the broker closes the subscription.
func (h *Handler) stream(ctx context.Context, c *websocket.Conn, sub *progress.Subscription) error {
	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := h.write(ctx, c, e); err != nil {
				return err
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err := c.Ping(pctx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (h *Handler) write(ctx context.Context, c *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c, v)
}
