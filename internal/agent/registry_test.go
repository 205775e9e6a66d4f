package agent

import (
	"testing"
	"time"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	r.Register(Identity{AgentID: "Atlas", DisplayName: "Atlas the Researcher"})

	if !r.IsAgent("atlas") {
		t.Fatal("lookup should be case-folded")
	}
	if !r.IsAgent(" ATLAS ") {
		t.Fatal("lookup should trim whitespace")
	}
	if r.IsAgent("birch") {
		t.Fatal("unregistered name matched")
	}

	got, ok := r.Get("atlas")
	if !ok || got.DisplayName != "Atlas the Researcher" {
		t.Fatalf("Get = %+v ok=%v, want stored identity", got, ok)
	}
	if got.RegisteredAt.IsZero() {
		t.Fatal("registration time should be stamped")
	}
}

func TestRegistry_ReRegisterKeepsOriginalTime(t *testing.T) {
	r := NewRegistry()
	first := time.Now().UTC().Add(-time.Hour)
	r.Register(Identity{AgentID: "atlas", RegisteredAt: first})
	r.Register(Identity{AgentID: "atlas", DisplayName: "renamed"})

	got, _ := r.Get("atlas")
	if !got.RegisteredAt.Equal(first) {
		t.Fatalf("registeredAt = %v, want original %v", got.RegisteredAt, first)
	}
	if got.DisplayName != "renamed" {
		t.Fatalf("displayName = %q, want refreshed metadata", got.DisplayName)
	}
}

func TestRegistry_DeregisterAndReset(t *testing.T) {
	r := NewRegistry()
	r.Register(Identity{AgentID: "atlas"})
	r.Register(Identity{AgentID: "birch"})

	r.Deregister("ATLAS")
	if r.IsAgent("atlas") {
		t.Fatal("deregistered agent still present")
	}
	if r.Len() != 1 {
		t.Fatalf("len = %d, want 1", r.Len())
	}

	r.Reset()
	if r.Len() != 0 {
		t.Fatalf("len after reset = %d, want 0", r.Len())
	}
}

func TestRegistry_ListSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(Identity{AgentID: "cedar"})
	r.Register(Identity{AgentID: "atlas"})
	r.Register(Identity{AgentID: "birch"})

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("len = %d, want 3", len(list))
	}
	if list[0].AgentID != "atlas" || list[2].AgentID != "cedar" {
		t.Fatalf("list order = %v, want sorted by id", []string{list[0].AgentID, list[1].AgentID, list[2].AgentID})
	}
}

func TestRegistry_EmptyIDIgnored(t *testing.T) {
	r := NewRegistry()
	r.Register(Identity{AgentID: "   "})
	if r.Len() != 0 {
		t.Fatal("blank agent id must not register")
	}
}
