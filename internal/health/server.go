// Package health provides the health and metrics HTTP endpoint for socksgate.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsProvider exposes the live proxy state reported by /healthz.
// *socks5.Server satisfies it.
type StatsProvider interface {
	IsRunning() bool
	ConnectionCount() int64
	Address() net.Addr
}

// Config holds health server configuration.
type Config struct {
	// Address to listen on (e.g., "127.0.0.1:9633")
	Address string

	// Gatherer for the /metrics endpoint. Defaults to the global
	// Prometheus gatherer.
	Gatherer prometheus.Gatherer
}

// Status is the /healthz response body.
type Status struct {
	Status   string `json:"status"`
	Running  bool   `json:"running"`
	Sessions int64  `json:"sessions"`
	SOCKS5   string `json:"socks5_address,omitempty"`
}

// Server serves /healthz and /metrics.
type Server struct {
	cfg   Config
	stats StatsProvider
	httpd *http.Server

	addr    net.Addr
	running atomic.Bool
}

// NewServer creates a health server reporting on the given provider.
func NewServer(cfg Config, stats StatsProvider) *Server {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		cfg:   cfg,
		stats: stats,
	}
}

// Start binds the HTTP listener and begins serving.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("health server already running")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Address, err)
	}

	s.addr = ln.Addr()
	s.httpd = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.running.Store(true)

	go func() {
		s.httpd.Serve(ln)
	}()

	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpd.Shutdown(ctx)
}

// Address returns the bound address.
func (s *Server) Address() net.Addr {
	return s.addr
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := Status{Status: "ok"}
	if s.stats != nil {
		status.Running = s.stats.IsRunning()
		status.Sessions = s.stats.ConnectionCount()
		if addr := s.stats.Address(); addr != nil {
			status.SOCKS5 = addr.String()
		}
	}
	if !status.Running {
		status.Status = "stopped"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
