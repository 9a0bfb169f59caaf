package health

import (
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type fakeStats struct {
	running  bool
	sessions int64
	addr     net.Addr
}

func (f *fakeStats) IsRunning() bool        { return f.running }
func (f *fakeStats) ConnectionCount() int64 { return f.sessions }
func (f *fakeStats) Address() net.Addr      { return f.addr }

func startHealth(t *testing.T, stats StatsProvider) *Server {
	t.Helper()

	reg := prometheus.NewRegistry()
	s := NewServer(Config{Address: "127.0.0.1:0", Gatherer: reg}, stats)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestHealthz(t *testing.T) {
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1080}
	s := startHealth(t, &fakeStats{running: true, sessions: 3, addr: addr})

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + s.Address().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Status != "ok" || !status.Running {
		t.Errorf("status = %+v, want ok/running", status)
	}
	if status.Sessions != 3 {
		t.Errorf("Sessions = %d, want 3", status.Sessions)
	}
	if status.SOCKS5 != "127.0.0.1:1080" {
		t.Errorf("SOCKS5 = %q", status.SOCKS5)
	}
}

func TestHealthz_Stopped(t *testing.T) {
	s := startHealth(t, &fakeStats{running: false})

	resp, err := http.Get("http://" + s.Address().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Status != "stopped" {
		t.Errorf("Status = %q, want stopped", status.Status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := startHealth(t, &fakeStats{running: true})

	resp, err := http.Get("http://" + s.Address().String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestDoubleStartStop(t *testing.T) {
	s := startHealth(t, nil)

	if err := s.Start(); err == nil {
		t.Error("double Start() should fail")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("double Stop() error = %v", err)
	}
}
