// Package ws implements the WebSocket event stream. External consumers
// connect, authenticate with a shared token, and receive every plugin-emitted
// event as a JSON frame in real time.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/beamflow/beamflow/internal/events"
)

const (
	// subscriberBuffer bounds how far a slow consumer can lag before
	// events are dropped for it.
	subscriberBuffer = 64

	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Config configures the event stream server.
type Config struct {
	// Token authenticates consumers. Empty disables authentication.
	Token string
}

// Server streams plugin events to WebSocket consumers.
type Server struct {
	bus    *events.Bus
	cfg    Config
	logger *slog.Logger
}

// NewServer creates an event stream server over the given bus.
func NewServer(bus *events.Bus, cfg Config, logger *slog.Logger) *Server {
	return &Server{bus: bus, cfg: cfg, logger: logger}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Token != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = r.Header.Get("Authorization")
			if len(token) > 7 && token[:7] == "Bearer " {
				token = token[7:]
			}
		}
		if token != s.cfg.Token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"beamflow-events-v1"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.streamEvents(r.Context(), conn)
}

// streamEvents forwards bus events to the connection until the consumer
// disconnects or the context is canceled.
func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	ch, cancel := s.bus.Subscribe(subscriberBuffer)
	defer cancel()

	s.logger.Info("event stream consumer connected",
		slog.Int("subscribers", s.bus.SubscriberCount()),
	)
	defer s.logger.Info("event stream consumer disconnected")

	// Drain reads so close frames and pongs are processed; consumers
	// never send application data.
	readCtx := conn.CloseRead(ctx)

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-readCtx.Done():
			return
		case <-ping.C:
			pingCtx, pingCancel := context.WithTimeout(readCtx, writeTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				return
			}
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := s.writeEvent(readCtx, conn, evt); err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					s.logger.Warn("event stream write failed", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
