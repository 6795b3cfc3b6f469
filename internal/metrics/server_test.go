package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewServer(t *testing.T) {
	s := NewServer(":0")
	if s.addr != ":0" {
		t.Errorf("addr = %q, want %q", s.addr, ":0")
	}
	if s.Addr() != ":0" {
		t.Errorf("Addr() before Start = %q, want %q", s.Addr(), ":0")
	}
}

func TestServer_StartAndClose(t *testing.T) {
	s := NewServerWithRegistry("127.0.0.1:0", prometheus.NewRegistry())
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	addr := s.Addr()
	if !strings.Contains(addr, ":") || strings.HasSuffix(addr, ":0") {
		t.Errorf("Addr() = %q, expected bound host:port", addr)
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := http.Get("http://" + addr + "/metrics"); err == nil {
		t.Error("expected error after server close")
	}
}

func TestServerWithCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCollectMetricsWithRegistry(reg)
	m.RecordUnit("object", 0.5, true)
	m.RecordUnit("object", 1.5, false)

	s := NewServerWithRegistry(":0", reg)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	bodyStr := string(body)

	if !strings.Contains(bodyStr, "ecsmeta_collect_units_total") {
		t.Error("expected ecsmeta_collect_units_total in metrics output")
	}
	if !strings.Contains(bodyStr, `status="success"`) {
		t.Error("expected status=success label in metrics output")
	}
	if !strings.Contains(bodyStr, `status="failure"`) {
		t.Error("expected status=failure label in metrics output")
	}
	if !strings.Contains(rec.Header().Get("Content-Type"), "text/plain") {
		t.Errorf("Content-Type = %q, expected text/plain", rec.Header().Get("Content-Type"))
	}
}

func TestServer_CloseWithoutStart(t *testing.T) {
	s := NewServer(":0")
	if err := s.Close(); err != nil {
		t.Errorf("Close on unstarted server returned error: %v", err)
	}
}
