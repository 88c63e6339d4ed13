package registry

import (
	"testing"
	"time"

	"github.com/example/manager/internal/domain"
)

func mustVersion(t *testing.T, s string) domain.Version {
	t.Helper()
	v, err := domain.ParseVersion(s)
	if err != nil {
		t.Fatalf("parsing version %q: %v", s, err)
	}
	return v
}

func TestRegisterRejectsIncompatibleVersion(t *testing.T) {
	reg := New(mustVersion(t, "1.4.0"))
	err := reg.Register("http://runner-1:9000", "runner-1", "tok", "2.0.0", []string{"transcode"})
	if err != ErrVersionMismatch {
		t.Fatalf("got %v, want ErrVersionMismatch", err)
	}
}

func TestRegisterAndFindEligible(t *testing.T) {
	reg := New(mustVersion(t, "1.4.0"))
	if err := reg.Register("http://runner-1:9000", "runner-1", "tok1", "1.4.2", []string{"transcode"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("http://runner-2:9000", "runner-2", "tok2", "1.4.0", []string{"thumbnail"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	eligible := reg.FindEligible("transcode")
	if len(eligible) != 1 || eligible[0].URL != "http://runner-1:9000" {
		t.Fatalf("got %+v, want only runner-1", eligible)
	}
}

func TestHeartbeatUnknownRunner(t *testing.T) {
	reg := New(mustVersion(t, "1.4.0"))
	err := reg.Heartbeat("http://ghost:9000", "1.4.0")
	if err != ErrUnknownRunner {
		t.Fatalf("got %v, want ErrUnknownRunner", err)
	}
}

func TestHeartbeatRevivesUnreachableRunner(t *testing.T) {
	reg := New(mustVersion(t, "1.4.0"))
	_ = reg.Register("http://runner-1:9000", "runner-1", "tok", "1.4.0", []string{"transcode"})

	sweeper := NewSweeper(reg, time.Millisecond, 0)
	sweeper.sweepOnce()

	snap, ok := reg.Get("http://runner-1:9000")
	if !ok || snap.Status != domain.RunnerUnreachable {
		t.Fatalf("expected runner marked unreachable, got %+v ok=%v", snap, ok)
	}

	if err := reg.Heartbeat("http://runner-1:9000", "1.4.1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	snap, _ = reg.Get("http://runner-1:9000")
	if snap.Status != domain.RunnerRegistered {
		t.Fatalf("expected runner registered again, got %s", snap.Status)
	}

	eligible := reg.FindEligible("transcode")
	if len(eligible) != 1 {
		t.Fatalf("expected revived runner eligible again, got %d", len(eligible))
	}
}

func TestUnregisterRemovesRunner(t *testing.T) {
	reg := New(mustVersion(t, "1.4.0"))
	_ = reg.Register("http://runner-1:9000", "runner-1", "tok", "1.4.0", []string{"transcode"})
	reg.Unregister("http://runner-1:9000")
	if _, ok := reg.Get("http://runner-1:9000"); ok {
		t.Fatalf("expected runner to be gone after unregister")
	}
}

func TestListOrderIsDeterministic(t *testing.T) {
	reg := New(mustVersion(t, "1.4.0"))
	_ = reg.Register("http://b:9000", "b", "tok", "1.4.0", nil)
	_ = reg.Register("http://a:9000", "a", "tok", "1.4.0", nil)

	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 runners, got %d", len(list))
	}
	if list[0].URL != "http://b:9000" || list[1].URL != "http://a:9000" {
		t.Fatalf("expected registration order (b then a), got %+v", list)
	}
}
