// Package server implements the chat server: login, presence, direct and
// broadcast messages, offline delivery and private-session brokering.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aeolun/peerchat/pkg/account"
	"github.com/aeolun/peerchat/pkg/transport"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// Server represents the chat server
type Server struct {
	config   Config
	accounts *account.Registry
	sessions *SessionRegistry
	metrics  *Metrics

	listener    net.Listener
	httpServers []*http.Server
	shutdown    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	startTime time.Time // lower bound for WHOELSESINCE
	now       func() time.Time
}

// NewServer creates a server over a seeded account registry. metrics may be nil.
func NewServer(config Config, accounts *account.Registry, metrics *Metrics) *Server {
	return &Server{
		config:    config,
		accounts:  accounts,
		sessions:  NewSessionRegistry(accounts, metrics),
		metrics:   metrics,
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
		now:       time.Now,
	}
}

// Start binds the chat listener plus the optional metrics and WebSocket
// listeners, then starts accepting.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	s.listener = listener
	s.startTime = s.now()
	logger.WithFields(logrus.Fields{
		"addr":           listener.Addr().String(),
		"block_duration": s.config.BlockDuration,
		"timeout":        s.config.Timeout,
		"accounts":       s.accounts.Len(),
	}).Info("chat server listening")

	// Metrics server (internal only - never expose publicly!)
	if s.config.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/health", s.HealthHandler)
		if err := s.serveHTTP("metrics", s.config.MetricsPort, mux); err != nil {
			s.Stop()
			return err
		}
	}

	if s.config.WebSocketPort > 0 {
		mux := http.NewServeMux()
		mux.HandleFunc(transport.Path, s.HandleWebSocket)
		if err := s.serveHTTP("websocket", s.config.WebSocketPort, mux); err != nil {
			s.Stop()
			return err
		}
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

func (s *Server) serveHTTP(name string, port int, handler http.Handler) error {
	addr := fmt.Sprintf(":%d", port)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s for %s", addr, name)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	s.httpServers = append(s.httpServers, srv)

	logger.WithFields(logrus.Fields{"addr": l.Addr().String(), "listener": name}).Info("http server listening")
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).WithField("listener", name).Error("http server error")
		}
	}()
	return nil
}

// Addr returns the chat listener's address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes all listeners and sessions and waits for the accept loop.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		logger.Info("shutting down")
		close(s.shutdown)

		if s.listener != nil {
			s.listener.Close()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range s.httpServers {
			if err := srv.Shutdown(ctx); err != nil {
				logger.WithError(err).Warn("http shutdown")
			}
		}

		s.sessions.closeAll()
		s.wg.Wait()
		logger.Info("shutdown complete")
	})
	return nil
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.WithError(err).Warn("accept error")
			continue
		}

		go s.handleConnection(conn, "tcp")
	}
}

// handleConnection registers a handler for conn and runs it to completion.
func (s *Server) handleConnection(conn net.Conn, transportName string) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	select {
	case <-s.shutdown:
		conn.Close()
		return
	default:
	}

	h := newHandler(s, conn, transportName)
	s.sessions.add(h)
	s.metrics.RecordSessionCreated()
	h.log.Debug("connection accepted")

	h.run()
}

// HandleWebSocket upgrades the request and runs the chat protocol over it.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Upgrade(w, r)
	if err != nil {
		logger.WithError(err).Debug("websocket upgrade failed")
		return
	}
	s.handleConnection(conn, "websocket")
}

// HealthHandler reports liveness and a few gauges as JSON.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
		Online   int    `json:"online"`
		Uptime   int64  `json:"uptime_seconds"`
	}{
		Status:   "ok",
		Sessions: s.sessions.Len(),
		Online:   s.sessions.OnlineCount(),
		Uptime:   int64(time.Since(s.startTime).Seconds()),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}
