// Package ws serves the client-facing WebSocket endpoint. Each connection
// owns an auth session, feeds its envelopes to the ingest processor and
// receives relayed telemetry once authenticated.
package ws

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"telemetry-bridge/internal/auth"
	"telemetry-bridge/internal/envelope"
	"telemetry-bridge/internal/ingest"
)

const maxMessageSize = 64 << 10

type Options struct {
	WriteTimeout time.Duration
	SendBuffer   int
}

type Server struct {
	proc     *ingest.Processor
	hub      *Hub
	opts     Options
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewServer(proc *ingest.Processor, hub *Hub, opts Options, logger *slog.Logger) *Server {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	return &Server{
		proc: proc,
		hub:  hub,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser dashboards are served from other origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger.With("component", "ws"),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	c := newClient(conn, s.opts.SendBuffer, s.opts.WriteTimeout)
	s.hub.add(c)
	logger := s.logger.With("session", c.session.ID(), "remote", r.RemoteAddr)
	logger.Info("websocket connected")

	go c.writeLoop()

	code, text := s.readLoop(r, c, logger)

	c.session.Close()
	s.hub.remove(c)
	c.shutdown(code, text)
	<-c.writerDone
	logger.Info("websocket disconnected", "close_code", code)
}

// readLoop processes frames until the peer goes away or the session must be
// ended, and returns the close frame to send.
func (s *Server) readLoop(r *http.Request, c *client, logger *slog.Logger) (int, string) {
	ctx := r.Context()
	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("websocket read failed", "error", err)
			}
			return websocket.CloseNormalClosure, ""
		}
		if msgType != websocket.TextMessage {
			logger.Debug("ignoring non-text frame", "type", msgType)
			continue
		}

		reply, err := s.proc.Handle(ctx, c.session, raw)
		if reply != nil {
			out, encErr := envelope.Encode(reply)
			if encErr != nil {
				logger.Error("encode reply", "error", encErr)
			} else if !c.trySend(out) {
				logger.Warn("reply dropped: send buffer full", "type", reply.Type())
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, auth.ErrAuthExhausted):
			return websocket.ClosePolicyViolation, "too many failed authentication attempts"
		case errors.Is(err, auth.ErrSessionClosed):
			return websocket.ClosePolicyViolation, "session closed"
		default:
			logger.Debug("envelope rejected", "error", err)
		}
	}
}
