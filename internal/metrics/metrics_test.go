package metrics

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestCollector_Sessions(t *testing.T) {
	c := New()

	c.SessionOpened()
	c.SessionOpened()
	c.Reconnect()
	if c.ActiveSessions() != 2 {
		t.Errorf("active = %d, want 2", c.ActiveSessions())
	}
	if c.TotalSessions() != 2 {
		t.Errorf("total = %d, want 2", c.TotalSessions())
	}

	c.SessionClosed()
	if c.ActiveSessions() != 1 {
		t.Errorf("active = %d, want 1", c.ActiveSessions())
	}
	if c.TotalSessions() != 2 {
		t.Errorf("total should remain 2, got %d", c.TotalSessions())
	}
	if c.Reconnects() != 1 {
		t.Errorf("reconnects = %d, want 1", c.Reconnects())
	}
}

func TestCollector_Relays(t *testing.T) {
	c := New()

	c.RelayOpened()
	c.RelayOpened()
	c.RelayClosed(1024, 100)
	c.RelayClosed(0, 24)

	if c.ActiveRelays() != 0 {
		t.Errorf("active relays = %d, want 0", c.ActiveRelays())
	}
	if c.BytesUp() != 1024 {
		t.Errorf("bytes up = %d, want 1024", c.BytesUp())
	}
	if c.BytesDown() != 124 {
		t.Errorf("bytes down = %d, want 124", c.BytesDown())
	}
}

func TestCollector_Errors(t *testing.T) {
	c := New()

	c.RecordError("auth", "first error")
	c.RecordError("network", "second error")
	c.RecordError("network", "third error")

	if c.ErrorCount() != 3 {
		t.Errorf("errors = %d, want 3", c.ErrorCount())
	}
	byKind := c.ErrorsByKind()
	if byKind["network"] != 2 || byKind["auth"] != 1 {
		t.Errorf("by kind = %v", byKind)
	}
	if msg := c.Snapshot().LastErrorMessage; msg != "third error" {
		t.Errorf("last error = %q", msg)
	}
}

func TestCollector_HealthCheck(t *testing.T) {
	c := New()
	c.RecordHealthCheck()

	if c.Snapshot().LastHealthCheck == "" {
		t.Error("expected non-empty health check timestamp")
	}
}

func TestCollector_JSON(t *testing.T) {
	c := New()
	c.SessionOpened()
	c.TransferCompleted(4096)
	c.TransferCancelled()

	var snap Snapshot
	if err := json.Unmarshal([]byte(c.JSON()), &snap); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if snap.SessionsActive != 1 || snap.TransfersCompleted != 1 ||
		snap.TransfersCancelled != 1 || snap.TransferBytes != 4096 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector

	c.SessionOpened()
	c.SessionClosed()
	c.RelayOpened()
	c.RelayClosed(1, 1)
	c.TransferCompleted(1)
	c.RecordError("x", "y")
	c.RecordHealthCheck()
	c.TunnelRecreated()

	if c.ActiveSessions() != 0 || c.ErrorCount() != 0 || c.ErrorsByKind() != nil {
		t.Error("nil collector should report zeros")
	}
	if s := c.Snapshot(); s.Uptime != "" {
		t.Error("nil snapshot should be empty")
	}
}

func TestCollector_Concurrent(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RelayOpened()
			c.RelayClosed(10, 20)
			c.RecordError("network", "x")
		}()
	}
	wg.Wait()

	if c.BytesUp() != 500 || c.BytesDown() != 1000 {
		t.Errorf("bytes = %d/%d, want 500/1000", c.BytesUp(), c.BytesDown())
	}
	if c.ErrorsByKind()["network"] != 50 {
		t.Errorf("network errors = %d, want 50", c.ErrorsByKind()["network"])
	}
}

func TestHandler(t *testing.T) {
	c := New()
	c.SessionOpened()
	c.RelayOpened()
	c.RelayClosed(7, 9)
	c.RecordError("auth", "denied")

	srv := httptest.NewServer(Handler(c))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		"sshlink_sessions_active 1",
		"sshlink_sessions_total 1",
		`sshlink_relay_bytes_total{direction="up"} 7`,
		`sshlink_relay_bytes_total{direction="down"} 9`,
		`sshlink_errors_total{kind="auth"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}
