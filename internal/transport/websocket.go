package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/ragops-web/internal/identity"
	"github.com/ashureev/ragops-web/internal/protocol"
	"github.com/ashureev/ragops-web/internal/session"
)

const (
	readLimit   = 1 << 20
	pingTimeout = 10 * time.Second
)

// Sessions looks up live sessions.
type Sessions interface {
	Get(id string) (*session.Session, error)
}

// HandlerConfig configures the WebSocket endpoint.
type HandlerConfig struct {
	AllowedOrigin string
	IsDev         bool
	PingInterval  time.Duration
	QueueSize     int
}

// WebSocketHandler binds a WebSocket to the session named in the URL.
type WebSocketHandler struct {
	sessions Sessions
	cfg      HandlerConfig
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(sessions Sessions, cfg HandlerConfig) *WebSocketHandler {
	return &WebSocketHandler{sessions: sessions, cfg: cfg}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "id")
	logger := slog.With("owner_id", ownerID, "session_id", sessionID)
	logger.Info("WebSocket connection request", "ip", identity.IPFromRequest(r))

	s, err := h.sessions.Get(sessionID)
	if err != nil || s.OwnerID != ownerID {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	ws.SetReadLimit(readLimit)

	conn := NewConn(ws, WithQueueSize(h.cfg.QueueSize), WithConnLogger(logger))
	s.Attach(conn)
	defer func() {
		s.Detach(conn)
		conn.Close("connection closed")
		<-conn.Done()
		logger.Info("WebSocket session ended")
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if h.cfg.PingInterval > 0 {
		go h.pingLoop(ctx, ws, conn, logger)
	}
	h.readLoop(ctx, ws, conn, s, logger)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.AllowedOrigin == "" || h.cfg.AllowedOrigin == "*" {
		return true
	}
	if origin == h.cfg.AllowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.AllowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, conn *Conn, s *session.Session, logger *slog.Logger) {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				logger.Debug("WebSocket closed", "error", err)
			} else {
				logger.Warn("WebSocket read error", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			h.reject(ctx, conn, "binary frames are not supported", logger)
			continue
		}

		msg, err := protocol.DecodeInbound(data)
		if err != nil {
			h.reject(ctx, conn, err.Error(), logger)
			continue
		}
		s.Handle(ctx, msg)
	}
}

func (h *WebSocketHandler) reject(ctx context.Context, conn *Conn, reason string, logger *slog.Logger) {
	logger.Warn("Rejected inbound message", "reason", reason)
	if err := conn.Send(ctx, protocol.Error{Error: reason, Code: protocol.CodeBadMessage}); err != nil {
		logger.Debug("Failed to send bad_message error", "error", err)
	}
}

// pingLoop probes the client so dead connections are detected while idle.
func (h *WebSocketHandler) pingLoop(ctx context.Context, ws *websocket.Conn, conn *Conn, logger *slog.Logger) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					logger.Info("WebSocket ping failed, closing", "error", err)
					conn.Close("ping timeout")
				}
				return
			}
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		}
	}
}
