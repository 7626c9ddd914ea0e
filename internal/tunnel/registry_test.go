package tunnel

import (
	"errors"
	"testing"

	"github.com/porticodev/portico/internal/model"
)

func TestRegisterRejectsLivePortConflict(t *testing.T) {
	r := NewRegistry()

	a := newSession(model.RemoteTarget{ID: "i-a"}, model.MediatingHost{ID: "i-b"}, 51000, "tester")
	if err := r.Register(a); err != nil {
		t.Fatalf("register a: %v", err)
	}

	b := newSession(model.RemoteTarget{ID: "i-c"}, model.MediatingHost{ID: "i-b"}, 51000, "tester")
	err := r.Register(b)
	if !errors.Is(err, ErrPortConflict) {
		t.Fatalf("expected ErrPortConflict, got %v", err)
	}
}

func TestRegisterAllowsPortReuseAfterClose(t *testing.T) {
	r := NewRegistry()

	a := newSession(model.RemoteTarget{ID: "i-a"}, model.MediatingHost{ID: "i-b"}, 51000, "tester")
	if err := r.Register(a); err != nil {
		t.Fatalf("register a: %v", err)
	}
	a.beginTermination()
	a.markClosed()

	b := newSession(model.RemoteTarget{ID: "i-c"}, model.MediatingHost{ID: "i-b"}, 51000, "tester")
	if err := r.Register(b); err != nil {
		t.Fatalf("closed session must not hold its port: %v", err)
	}
}

func TestUnregisterRefusesLiveSession(t *testing.T) {
	r := NewRegistry()

	s := newSession(model.RemoteTarget{ID: "i-a"}, model.MediatingHost{ID: "i-b"}, 51000, "tester")
	if err := r.Register(s); err != nil {
		t.Fatalf("register: %v", err)
	}

	r.Unregister(s.ID())
	if _, ok := r.Get(s.ID()); !ok {
		t.Fatal("live session must not be removable")
	}

	s.beginTermination()
	s.markClosed()
	r.Unregister(s.ID())
	if _, ok := r.Get(s.ID()); ok {
		t.Fatal("closed session should be removed")
	}
}

func TestListOrdersByStartTime(t *testing.T) {
	r := NewRegistry()

	first := newSession(model.RemoteTarget{ID: "i-a"}, model.MediatingHost{ID: "i-b"}, 51000, "tester")
	second := newSession(model.RemoteTarget{ID: "i-c"}, model.MediatingHost{ID: "i-b"}, 51001, "tester")
	second.startedAt = first.startedAt.Add(1)

	if err := r.Register(second); err != nil {
		t.Fatalf("register second: %v", err)
	}
	if err := r.Register(first); err != nil {
		t.Fatalf("register first: %v", err)
	}

	got := r.List()
	if len(got) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(got))
	}
	if got[0].ID != first.ID() {
		t.Fatalf("oldest session should list first")
	}
}
