package runnerclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/example/manager/pkg/managerapi"
)

func contextBG() context.Context { return context.Background() }

func TestPingParsesSuccessResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-123" {
			t.Errorf("missing or wrong bearer header: %q", r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode(managerapi.RunnerPingResponse{Available: true, Registered: true, TaskTypes: []string{"encoding"}})
	}))
	defer srv.Close()

	c := New()
	resp, err := c.Ping(contextBG(), srv.URL, "tok-123")
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if !resp.Available || !resp.Registered || len(resp.TaskTypes) != 1 {
		t.Fatalf("unexpected ping response: %+v", resp)
	}
}

func TestRunReturnsRunErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("at capacity"))
	}))
	defer srv.Close()

	c := New()
	err := c.Run(contextBG(), srv.URL, "tok", managerapi.RunnerRunRequest{TaskID: "t1"})
	if err == nil {
		t.Fatalf("expected error")
	}
	var runErr *RunError
	if !asRunError(err, &runErr) {
		t.Fatalf("expected *RunError, got %T: %v", err, err)
	}
	if runErr.Status != http.StatusServiceUnavailable || !strings.Contains(runErr.Body, "at capacity") {
		t.Fatalf("unexpected run error: %+v", runErr)
	}
}

func TestManifestReturnsBodyAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"files":["a.txt"]}`))
	}))
	defer srv.Close()

	c := New()
	body, status, err := c.Manifest(contextBG(), srv.URL, "tok", "t1")
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if status != http.StatusOK || !strings.Contains(string(body), "a.txt") {
		t.Fatalf("unexpected manifest result: %d %s", status, body)
	}
}

func asRunError(err error, target **RunError) bool {
	re, ok := err.(*RunError)
	if !ok {
		return false
	}
	*target = re
	return true
}
