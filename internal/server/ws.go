package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Dryhten/whoAsr/internal/config"
	"github.com/Dryhten/whoAsr/internal/metrics"
	"github.com/Dryhten/whoAsr/internal/protocol"
	"github.com/Dryhten/whoAsr/internal/session"
)

// WSServer accepts persistent client connections and routes their control
// messages into the session registry. Each connection gets one reader (the
// dispatch loop) and one writer goroutine; all outbound traffic flows through
// the connection's message channel so concurrent producers never interleave
// writes on the socket.
type WSServer struct {
	cfg      config.ServerConfig
	logger   *slog.Logger
	registry *session.Registry
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	server   *http.Server

	conns sync.WaitGroup
}

// NewWSServer creates the streaming WebSocket server.
func NewWSServer(cfg config.ServerConfig, logger *slog.Logger, registry *session.Registry, m *metrics.Metrics) *WSServer {
	s := &WSServer{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  m,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024 * 16,
			WriteBufferSize: 1024 * 16,
		},
	}

	r := chi.NewRouter()
	r.Get("/ws", s.handleWS)
	r.Get("/ws/{client_id}", s.handleWS)

	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port),
		Handler:     r,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Start begins accepting connections.
func (s *WSServer) Start() error {
	s.logger.Info("Starting WebSocket server",
		slog.String("address", s.server.Addr),
	)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("WebSocket server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop stops accepting new connections and waits for live connections to
// finish their teardown.
func (s *WSServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping WebSocket server...")

	err := s.server.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	return err
}

// handleWS upgrades one client connection and runs its dispatch loop until
// the client disconnects. Clients without an explicit id in the URL get a
// generated one.
func (s *WSServer) handleWS(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)
		return
	}

	s.conns.Add(1)
	defer s.conns.Done()
	defer conn.Close()

	s.metrics.RecordConnectionOpened()
	defer s.metrics.RecordConnectionClosed()

	out := make(chan protocol.ServerMessage, s.cfg.OutboundBuffer)
	connClosed := make(chan struct{})

	sess, err := s.registry.Attach(clientID, out, connClosed)
	if err != nil {
		_ = conn.WriteJSON(protocol.ToErrorMessage(err))
		return
	}

	writerDone := make(chan struct{})
	go s.writer(conn, clientID, out, connClosed, writerDone)

	s.logger.Info("Client connected", slog.String("client_id", clientID))
	s.dispatch(conn, clientID, sess, out, connClosed)

	// Teardown order matters: unblock session emits first, let the writer
	// drain, then release the session once nothing can produce for it.
	close(connClosed)
	<-writerDone
	s.registry.Detach(clientID)
	s.logger.Info("Client disconnected", slog.String("client_id", clientID))
}

// dispatch is the per-connection read loop. Messages are handled in arrival
// order; errors on one message never tear the session down unless the engine
// itself failed.
func (s *WSServer) dispatch(conn *websocket.Conn, clientID string, sess *session.Session, out chan protocol.ServerMessage, connClosed chan struct{}) {
	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	readTimeout := s.cfg.GetReadTimeoutDuration()
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.reply(out, connClosed, protocol.NewError(protocol.CodeConnectionTimeout,
					"connection closed after read timeout", ""))
				s.logger.Info("Connection timed out",
					slog.String("client_id", clientID),
					slog.Duration("read_timeout", readTimeout),
				)
			} else if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("WebSocket read ended",
					slog.String("client_id", clientID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if mt != websocket.TextMessage {
			continue
		}

		msg, payload, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.reply(out, connClosed, protocol.ToErrorMessage(err))
			continue
		}
		s.metrics.RecordMessage(msg.Type)

		switch msg.Type {
		case protocol.TypeStartRecording:
			err = sess.StartRecording()
		case protocol.TypeAudioChunk:
			err = sess.AppendAudio(payload)
		case protocol.TypeStopRecording:
			err = sess.StopRecording()
		}
		if err != nil {
			s.reply(out, connClosed, protocol.ToErrorMessage(err))
		}
	}
}

// reply queues an error event for the writer without racing session emits.
func (s *WSServer) reply(out chan protocol.ServerMessage, connClosed chan struct{}, msg protocol.ServerMessage) {
	select {
	case out <- msg:
	case <-connClosed:
	}
}

// writer serializes all outbound messages for one connection and keeps the
// client alive with periodic pings.
func (s *WSServer) writer(conn *websocket.Conn, clientID string, out <-chan protocol.ServerMessage, connClosed <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	writeTimeout := s.cfg.GetWriteTimeoutDuration()
	pingInterval := s.cfg.GetReadTimeoutDuration() * 8 / 10
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debug("WebSocket write failed",
					slog.String("client_id", clientID),
					slog.String("error", err.Error()),
				)
				conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		case <-connClosed:
			// Flush anything the session emitted before teardown.
			for {
				select {
				case msg := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					_ = conn.WriteJSON(msg)
				default:
					return
				}
			}
		}
	}
}
