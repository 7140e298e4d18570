package debug

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"blockplacer/internal/storage"
	logx "blockplacer/pkg/logx"
)

type auditOnly struct{ entries []storage.AuditEntry }

func (a auditOnly) AppendAudit(context.Context, storage.AuditEntry) error { return nil }
func (a auditOnly) RecentAudit(_ context.Context, limit int) ([]storage.AuditEntry, error) {
	return a.entries[:min(limit, len(a.entries))], nil
}
func (auditOnly) PutDedup(context.Context, string, time.Time) error { return nil }
func (auditOnly) GetDedup(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}
func (auditOnly) Close() error { return nil }

func TestHandlerServesViews(t *testing.T) {
	t.Parallel()
	s := New(Config{}, Sources{
		Views: map[string]func() any{"placer": func() any { return map[string]int{"queued": 7} }},
		Audit: auditOnly{entries: []storage.AuditEntry{{Kind: "queue.locked"}, {Kind: "queue.unlocked"}}},
	}, logx.Nop())
	srv := httptest.NewServer(s.Handler(Config{}))
	defer srv.Close()

	var body map[string]int
	getJSON(t, srv.URL+"/debug/placer", &body)
	if body["queued"] != 7 {
		t.Fatalf("body = %v", body)
	}
	var audit []storage.AuditEntry
	getJSON(t, srv.URL+"/debug/audit?limit=1", &audit)
	if len(audit) != 1 || audit[0].Kind != "queue.locked" {
		t.Fatalf("audit = %+v", audit)
	}
	var index map[string]any
	getJSON(t, srv.URL+"/debug/", &index)
	if index["audit"] != true {
		t.Fatalf("index = %v", index)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	var down atomic.Bool
	s := New(Config{}, Sources{Health: func() error {
		if down.Load() {
			return errors.New("tick loop stopped")
		}
		return nil
	}}, logx.Nop())
	srv := httptest.NewServer(s.Handler(Config{}))
	defer srv.Close()

	if code := status(t, srv.URL+"/healthz", ""); code != http.StatusOK {
		t.Fatalf("healthy code = %d", code)
	}
	down.Store(true)
	if code := status(t, srv.URL+"/healthz", ""); code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy code = %d", code)
	}
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	cfg := Config{Token: "s3cret"}
	s := New(cfg, Sources{}, logx.Nop())
	srv := httptest.NewServer(s.Handler(cfg))
	defer srv.Close()

	if code := status(t, srv.URL+"/healthz", ""); code != http.StatusUnauthorized {
		t.Fatalf("no token code = %d", code)
	}
	if code := status(t, srv.URL+"/healthz", "s3cret"); code != http.StatusOK {
		t.Fatalf("bearer code = %d", code)
	}
	if code := status(t, srv.URL+"/healthz?token=s3cret", ""); code != http.StatusOK {
		t.Fatalf("query token code = %d", code)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		cfg Config
		ok  bool
	}{
		{Config{Enabled: true}, true},
		{Config{Enabled: true, Addr: "0.0.0.0:6060"}, false},
		{Config{Enabled: true, Addr: "0.0.0.0:6060", Token: "x"}, true},
		{Config{Enabled: true, Addr: "0.0.0.0:6060", AllowInsecure: true}, true},
		{Config{Enabled: true, Addr: "nope"}, false},
		{Config{Enabled: false, Addr: "nope"}, true},
	}
	for i, tc := range cases {
		if err := tc.cfg.Validate(); (err == nil) != tc.ok {
			t.Errorf("case %d: Validate() = %v, want ok=%v", i, err, tc.ok)
		}
	}
}

func TestStartServesOnEphemeralPort(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Sources{}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not bind")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if code := status(t, "http://"+s.Addr()+"/healthz", ""); code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func status(t *testing.T, url, bearer string) int {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp.StatusCode
}
