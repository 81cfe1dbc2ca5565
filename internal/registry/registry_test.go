package registry_test

import (
	"context"
	"strings"
	"testing"

	"github.com/TwistedAndy/actionqueue/internal/domain"
	"github.com/TwistedAndy/actionqueue/internal/registry"
)

func handlerA(_ context.Context, _ ...any) error { return nil }
func handlerB(_ context.Context, _ ...any) error { return nil }
func handlerC(_ context.Context, _ ...any) error { return nil }

func TestRegister_RejectsLongName(t *testing.T) {
	r := registry.New()
	_, err := r.Register(strings.Repeat("x", 192), handlerA, 10, true)
	if err != domain.ErrActionNameTooLong {
		t.Fatalf("expected ErrActionNameTooLong, got %v", err)
	}
}

func TestRegister_ClampsPriority(t *testing.T) {
	r := registry.New()
	if _, err := r.Register("a", handlerA, 999, true); err != nil {
		t.Fatalf("register: %v", err)
	}
	entries := r.Instant("a")
	if len(entries) != 1 || entries[0].Priority != 255 {
		t.Fatalf("expected one entry at priority 255, got %+v", entries)
	}
}

func TestLookup(t *testing.T) {
	r := registry.New()
	key, err := r.Register("user.signup", handlerA, 10, false)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, ok := r.Lookup("user.signup", key); !ok {
		t.Fatal("registered handler not found")
	}
	if _, ok := r.Lookup("user.signup", "nope"); ok {
		t.Fatal("lookup matched an unknown key")
	}
	if _, ok := r.Lookup("other.action", key); ok {
		t.Fatal("lookup matched the wrong action")
	}
}

func TestInstant_AscendingPriorityOrder(t *testing.T) {
	r := registry.New()
	mustRegister(t, r, "evt", handlerA, 10, true)
	mustRegister(t, r, "evt", handlerB, 5, true)
	mustRegister(t, r, "evt", handlerC, 200, true)

	entries := r.Instant("evt")
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []int{5, 10, 200} {
		if entries[i].Priority != want {
			t.Fatalf("entry %d: priority %d, want %d", i, entries[i].Priority, want)
		}
	}
}

func TestDeferred_DescendingPriorityOrder(t *testing.T) {
	r := registry.New()
	mustRegister(t, r, "evt", handlerA, 10, false)
	mustRegister(t, r, "evt", handlerB, 200, false)

	entries := r.Deferred("evt")
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Priority != 200 || entries[1].Priority != 10 {
		t.Fatalf("unexpected order: %d, %d", entries[0].Priority, entries[1].Priority)
	}
}

func TestRegister_SameKeyReplaces(t *testing.T) {
	r := registry.New()
	mustRegister(t, r, "evt", handlerA, 10, true)
	mustRegister(t, r, "evt", handlerA, 10, true)

	if entries := r.Instant("evt"); len(entries) != 1 {
		t.Fatalf("re-registration must replace, got %d entries", len(entries))
	}
}

func TestRegister_InsertionOrderWithinPriority(t *testing.T) {
	r := registry.New()
	mustRegister(t, r, "evt", handlerB, 10, true)
	mustRegister(t, r, "evt", handlerA, 10, true)

	entries := r.Instant("evt")
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if !strings.Contains(entries[0].Key, "handlerB") {
		t.Fatalf("first entry should be handlerB, got %q", entries[0].Key)
	}
}

func mustRegister(t *testing.T, r *registry.Registry, action string, h registry.Handler, priority int, instant bool) {
	t.Helper()
	if _, err := r.Register(action, h, priority, instant); err != nil {
		t.Fatalf("register %s: %v", action, err)
	}
}
