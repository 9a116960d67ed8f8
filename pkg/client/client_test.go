package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sovereign-ledger/sovereign/internal/integrity"
	"github.com/sovereign-ledger/sovereign/pkg/client"
)

var ctx = context.Background()

func newServer(t *testing.T, handler http.HandlerFunc) *client.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := client.New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestStatus(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/status" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"genesis_id":   "GENESIS-AAAA0000BBBB1111",
			"events_total": 42,
			"tip_hash":     "abc123",
			"frozen":       false,
			"pin_backends": []string{"filesystem", "s3"},
		})
	})

	s, err := c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.GenesisID != "GENESIS-AAAA0000BBBB1111" || s.EventsTotal != 42 {
		t.Errorf("status = %+v", s)
	}
	if len(s.PinBackends) != 2 {
		t.Errorf("backends = %v", s.PinBackends)
	}
}

func TestVerify_failingReportIsNotAnError(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(integrity.Report{
			OK:     false,
			Events: 10,
			Issues: []integrity.Issue{{Check: "hash_chain", EventIndex: 3, Detail: "content hash mismatch"}},
		})
	})

	report, err := c.Verify(ctx)
	if err != nil {
		t.Fatalf("409 with report should not error: %v", err)
	}
	if report.OK || len(report.Issues) != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestProof_notFound(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/v1/events/") {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "event deadbeef not found"})
	})

	_, err := c.Proof(ctx, "deadbeef")
	if err == nil || !strings.Contains(err.Error(), "deadbeef") {
		t.Errorf("expected not-found error naming the event, got %v", err)
	}
}

func TestHealthz(t *testing.T) {
	healthy := true
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	})

	if err := c.Healthz(ctx); err != nil {
		t.Errorf("healthy server reported unhealthy: %v", err)
	}
	healthy = false
	if err := c.Healthz(ctx); err == nil {
		t.Error("unhealthy server reported healthy")
	}
}
