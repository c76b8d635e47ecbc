package blob

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loykin/otad/internal/telemetry"
)

func TestStorePutsJSONBlob(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method=%s want PUT", r.Method)
		}
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := New(srv.URL, "", "tok")
	rec := telemetry.Record{
		Timestamp:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		TargetVersion: "2.0.0",
		Status:        telemetry.StatusFailed,
		Stage:         telemetry.StageHealthCheck,
		Action:        telemetry.ActionRolledBack,
	}
	if err := s.Store(context.Background(), rec); err != nil {
		t.Fatalf("store: %v", err)
	}
	if !strings.HasPrefix(gotPath, "/"+telemetry.DefaultBucket+"/update_logs/2.0.0_") {
		t.Fatalf("unexpected object path %q", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("bearer token missing, got %q", gotAuth)
	}
	var decoded telemetry.Record
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("body not JSON: %v", err)
	}
	if decoded.Stage != telemetry.StageHealthCheck || decoded.Action != telemetry.ActionRolledBack {
		t.Fatalf("round-trip mismatch: %+v", decoded)
	}
}

func TestStoreErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	s := New(srv.URL, "ota-logs", "")
	if err := s.Store(context.Background(), telemetry.Record{TargetVersion: "1.0.0"}); err == nil {
		t.Fatalf("expected error for 403")
	}
}
