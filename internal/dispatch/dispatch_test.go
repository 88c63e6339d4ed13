package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/example/manager/internal/domain"
	"github.com/example/manager/internal/registry"
	"github.com/example/manager/internal/runnerclient"
	"github.com/example/manager/pkg/managerapi"
)

func mustVersion(t *testing.T, s string) domain.Version {
	t.Helper()
	v, err := domain.ParseVersion(s)
	if err != nil {
		t.Fatalf("parse version: %v", err)
	}
	return v
}

func TestDispatchHappyPath(t *testing.T) {
	runnerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/runner/ping":
			json.NewEncoder(w).Encode(managerapi.RunnerPingResponse{Available: true, Registered: true, TaskTypes: []string{"encoding"}})
		case r.URL.Path == "/task/run":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer runnerSrv.Close()

	reg := registry.New(mustVersion(t, "1.2.0"))
	if err := reg.Register(runnerSrv.URL, "r1", "tok", "1.2.0", []string{"encoding"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	d := New(reg, runnerclient.New(), Config{CompletionCallbackBase: "https://manager.example.org"})
	task := domain.Task{TaskID: "t1", TaskType: "encoding"}
	out := d.Dispatch(context.Background(), task, "run-1")
	if out.Kind != Dispatched {
		t.Fatalf("expected Dispatched, got %+v", out)
	}
	if out.RunnerURL != runnerSrv.URL || out.RunnerName != "r1" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestDispatchNoEligibleRunner(t *testing.T) {
	reg := registry.New(mustVersion(t, "1.2.0"))
	d := New(reg, runnerclient.New(), Config{})
	out := d.Dispatch(context.Background(), domain.Task{TaskID: "t1", TaskType: "encoding"}, "run-1")
	if out.Kind != NoRunnerAvailable {
		t.Fatalf("expected NoRunnerAvailable, got %+v", out)
	}
}

func TestDispatchSkipsUnavailableRunnerThenUsesNext(t *testing.T) {
	busy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/runner/ping" {
			json.NewEncoder(w).Encode(managerapi.RunnerPingResponse{Available: false, Registered: true, TaskTypes: []string{"encoding"}})
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer busy.Close()
	free := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/runner/ping" {
			json.NewEncoder(w).Encode(managerapi.RunnerPingResponse{Available: true, Registered: true, TaskTypes: []string{"encoding"}})
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer free.Close()

	reg := registry.New(mustVersion(t, "1.2.0"))
	_ = reg.Register(busy.URL, "busy", "tok", "1.2.0", []string{"encoding"})
	_ = reg.Register(free.URL, "free", "tok", "1.2.0", []string{"encoding"})

	d := New(reg, runnerclient.New(), Config{})
	out := d.Dispatch(context.Background(), domain.Task{TaskID: "t1", TaskType: "encoding"}, "run-1")
	if out.Kind != Dispatched || out.RunnerURL != free.URL {
		t.Fatalf("expected dispatch to free runner, got %+v", out)
	}
}

func TestDispatchAllRunnersRejectReturnsRunnerRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/runner/ping" {
			json.NewEncoder(w).Encode(managerapi.RunnerPingResponse{Available: true, Registered: true, TaskTypes: []string{"encoding"}})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := registry.New(mustVersion(t, "1.2.0"))
	_ = reg.Register(srv.URL, "r1", "tok", "1.2.0", []string{"encoding"})

	d := New(reg, runnerclient.New(), Config{})
	out := d.Dispatch(context.Background(), domain.Task{TaskID: "t1", TaskType: "encoding"}, "run-1")
	if out.Kind != RunnerRejected {
		t.Fatalf("expected RunnerRejected, got %+v", out)
	}
}
