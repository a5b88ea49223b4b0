package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/phonectl/relay/internal/config"
	"github.com/phonectl/relay/internal/registry"
	"github.com/phonectl/relay/internal/router"
)

// Stats provides server statistics for the health endpoint.
type Stats struct {
	ActiveConnections int
	TotalAccepted     int64
}

// Server accepts websocket connections and runs their pumps.
type Server struct {
	cfg    config.ServerConfig
	reg    registry.Registry
	logger *slog.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu       sync.Mutex
	conns    map[string]*Conn
	accepted int64

	wg sync.WaitGroup
}

// New creates a Server. Connections it accepts register into reg.
func New(cfg config.ServerConfig, reg registry.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		reg:    reg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Pairing is by shared pairId, not by origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*Conn),
	}
}

// Handler returns the HTTP handler serving the websocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWS)
	return mux
}

// Start begins listening. It returns once the listener goroutine is
// launched; startup failures surface through the logger.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.Handler(),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("websocket server listening",
			"port", s.cfg.Port,
			"path", s.cfg.Path,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("websocket server failed", "error", err)
		}
	}()

	return nil
}

// Stop shuts the listener down and closes every live connection.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping websocket server")

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Warn("http shutdown", "error", err)
		}
	}

	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("websocket server stopped")
	case <-ctx.Done():
		s.logger.Warn("websocket server stop timed out")
	}

	return nil
}

// Stats returns current server statistics.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		ActiveConnections: len(s.conns),
		TotalAccepted:     s.accepted,
	}
}

// handleWS upgrades one HTTP request and runs the connection until it
// ends. The HTTP handler goroutine doubles as the read pump.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := newConn(ws, s.cfg, s.logger)
	session := router.NewSession(s.reg, conn, s.logger)

	s.track(conn)
	defer s.untrack(conn)

	s.logger.Debug("connection accepted",
		"conn_id", conn.ID(),
		"remote", r.RemoteAddr,
	)

	conn.run(session)
}

func (s *Server) track(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.ID()] = c
	s.accepted++
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.ID())
}
