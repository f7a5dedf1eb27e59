// Package server implements the TCP listener that accepts Stratum
// connections and hands each one to a session.Session.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/viddhana/pool/internal/config"
	"github.com/viddhana/pool/internal/session"
)

var (
	activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stratum_active_connections",
		Help: "Number of active connections",
	})
	totalConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratum_total_connections",
		Help: "Total number of connections",
	})
	connectionErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratum_connection_errors",
		Help: "Total number of connection errors",
	})
)

func init() {
	prometheus.MustRegister(activeConnections)
	prometheus.MustRegister(totalConnections)
	prometheus.MustRegister(connectionErrors)
}

// Server listens for Stratum connections and runs a session.Session per
// accepted socket using a shared session.Deps.
type Server struct {
	cfg    config.ServerConfig
	logger *zap.Logger
	deps   session.Deps

	listener      net.Listener
	metricsServer *http.Server
	connCount     int64
	shutdown      int32
	wg            sync.WaitGroup
}

// New creates a Server that will construct sessions using deps.
func New(cfg config.ServerConfig, logger *zap.Logger, deps session.Deps) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger.Named("server"),
		deps:   deps,
	}
}

// Start listens and accepts connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	var listener net.Listener
	var err error
	if s.cfg.TLS.Enabled {
		listener, err = s.createTLSListener(addr)
	} else {
		listener, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.listener = listener

	s.logger.Info("server started",
		zap.String("address", addr),
		zap.Bool("tls", s.cfg.TLS.Enabled),
		zap.Int("max_connections", s.cfg.MaxConnections),
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.shutdown) == 1 {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			s.logger.Error("accept failed", zap.Error(err))
			connectionErrors.Inc()
			continue
		}

		if s.cfg.MaxConnections > 0 && atomic.LoadInt64(&s.connCount) >= int64(s.cfg.MaxConnections) {
			s.logger.Warn("max connections reached, rejecting", zap.String("remote_addr", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) createTLSListener(addr string) (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("server: loading TLS certificate: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	return tls.Listen("tcp", addr, tlsConfig)
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	atomic.AddInt64(&s.connCount, 1)
	activeConnections.Inc()
	totalConnections.Inc()
	defer func() {
		atomic.AddInt64(&s.connCount, -1)
		activeConnections.Dec()
	}()

	s.logger.Debug("new connection", zap.String("remote_addr", conn.RemoteAddr().String()))
	sess := session.New(conn, s.deps)
	sess.Run(ctx)
}

// StartMetricsServer serves Prometheus metrics and a liveness probe until
// the process is shut down; callers run this in its own goroutine.
func (s *Server) StartMetricsServer() error {
	addr := fmt.Sprintf(":%d", s.cfg.Metrics.Port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	s.metricsServer = &http.Server{Addr: addr, Handler: mux}
	s.logger.Info("metrics server started", zap.String("address", addr))
	return s.metricsServer.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight sessions to
// close, bounded by ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&s.shutdown, 1)
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all connections closed")
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout, some connections may be forcefully closed")
	}

	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown metrics server", zap.Error(err))
		}
	}
	return nil
}

// ConnectionCount reports the current number of active connections.
func (s *Server) ConnectionCount() int64 {
	return atomic.LoadInt64(&s.connCount)
}
