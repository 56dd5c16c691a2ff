package policy

import (
	"errors"
	"testing"
	"time"

	"github.com/agusx1211/crew/internal/config"
	"github.com/agusx1211/crew/internal/registry"
)

func boolPtr(b bool) *bool { return &b }

func defaultPolicy(t *testing.T) *TeamPolicy {
	t.Helper()
	p, err := FromConfig(&config.TeamConfig{})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	return p
}

func TestDefaults(t *testing.T) {
	p := defaultPolicy(t)
	if p.RootRole != "coord" {
		t.Errorf("root role: got %q", p.RootRole)
	}
	if !p.EnabledRoles["impl"] || !p.EnabledRoles["coord"] {
		t.Errorf("default roles missing: %v", p.SortedRoles())
	}
	if !p.MayHire("coord", "admin") {
		t.Error("coord should hire admin by default")
	}
	if !p.MayHire("admin", "impl") {
		t.Error("admin should hire impl by default")
	}
	if p.MayHire("impl", "impl") {
		t.Error("impl must not hire")
	}
	if !p.MayBroadcast("coord") || p.MayBroadcast("impl") {
		t.Error("broadcast default should be root only")
	}
	if !p.AllowParentChild || !p.RequireHandoff {
		t.Error("comm defaults wrong")
	}
	if !p.MayCreateHandoff("coord") || p.MayCreateHandoff("admin") {
		t.Error("handoff creator default should be root only")
	}
}

func TestRootRoleMustBeEnabled(t *testing.T) {
	_, err := FromConfig(&config.TeamConfig{Policy: config.PolicyConfig{
		RootRole:     "boss",
		EnabledRoles: []string{"impl"},
	}})
	if err == nil {
		t.Fatal("expected error for root role outside enabled set")
	}
}

func TestRequireRole(t *testing.T) {
	p := defaultPolicy(t)
	if r, err := p.RequireRole(" Impl "); err != nil || r != "impl" {
		t.Fatalf("RequireRole: %q, %v", r, err)
	}
	if _, err := p.RequireRole("ghost"); !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
}

func newRegistry(t *testing.T) *registry.Store {
	t.Helper()
	s := registry.Open(t.TempDir())
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	seed := []registry.Member{
		{Full: "coord-1-1", Base: "coord", Role: "coord"},
		{Full: "admin-1-1", Base: "admin-a", Role: "admin", Parent: "coord-1-1"},
		{Full: "impl-1-1", Base: "impl-a", Role: "impl", Parent: "admin-1-1"},
		{Full: "impl-2-1", Base: "impl-b", Role: "impl", Parent: "admin-1-1"},
	}
	err := s.Locked(func(tx *registry.Tx) error {
		for _, m := range seed {
			if err := tx.Put(m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func commCheck(t *testing.T, p *TeamPolicy, s *registry.Store, actor, target string) CommCheck {
	t.Helper()
	var check CommCheck
	err := s.Locked(func(tx *registry.Tx) error {
		var err error
		check, err = p.CommAllowed(tx, actor, target)
		return err
	})
	if err != nil {
		t.Fatalf("CommAllowed(%s,%s): %v", actor, target, err)
	}
	return check
}

func TestCommAllowedOrder(t *testing.T) {
	p := defaultPolicy(t)
	s := newRegistry(t)

	if c := commCheck(t, p, s, "impl-1-1", "impl-1-1"); !c.Allowed || c.Reason != "self" {
		t.Errorf("self: %+v", c)
	}
	if c := commCheck(t, p, s, "admin-1-1", "impl-1-1"); !c.Allowed || c.Reason != "parent-child" {
		t.Errorf("parent-child down: %+v", c)
	}
	if c := commCheck(t, p, s, "impl-1-1", "admin-1-1"); !c.Allowed || c.Reason != "parent-child" {
		t.Errorf("parent-child up: %+v", c)
	}
	// Siblings have no path by default.
	if c := commCheck(t, p, s, "impl-1-1", "impl-2-1"); c.Allowed {
		t.Errorf("siblings should be denied: %+v", c)
	}
	if c := commCheck(t, p, s, "impl-1-1", "ghost-1-1"); c.Allowed {
		t.Errorf("unknown target should be denied: %+v", c)
	}
}

func TestCommAllowedViaPermit(t *testing.T) {
	p := defaultPolicy(t)
	s := newRegistry(t)
	err := s.Locked(func(tx *registry.Tx) error {
		_, err := tx.AddPermit("impl-a", "impl-b", "coord-1-1", "coord", "pairing", time.Hour)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if c := commCheck(t, p, s, "impl-1-1", "impl-2-1"); !c.Allowed || c.Reason != "handoff-permit" {
		t.Errorf("permit should allow: %+v", c)
	}
}

func TestCommAllowedDirectAllow(t *testing.T) {
	cfg := &config.TeamConfig{Policy: config.PolicyConfig{
		Comm: config.CommConfig{DirectAllow: map[string][]string{"impl": {"impl"}}},
	}}
	p, err := FromConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	s := newRegistry(t)
	if c := commCheck(t, p, s, "impl-1-1", "impl-2-1"); !c.Allowed || c.Reason != "direct-allow" {
		t.Errorf("direct-allow should apply: %+v", c)
	}
}

func TestCommAllowedHandoffNotRequired(t *testing.T) {
	cfg := &config.TeamConfig{Policy: config.PolicyConfig{
		Comm: config.CommConfig{RequireHandoff: boolPtr(false)},
	}}
	p, err := FromConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	s := newRegistry(t)
	if c := commCheck(t, p, s, "impl-1-1", "impl-2-1"); !c.Allowed || c.Reason != "handoff-not-required" {
		t.Errorf("should allow without handoff: %+v", c)
	}
}

func TestRequireCommWrapsDenied(t *testing.T) {
	p := defaultPolicy(t)
	s := newRegistry(t)
	err := s.Locked(func(tx *registry.Tx) error {
		return p.RequireComm(tx, "impl-1-1", "impl-2-1")
	})
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
}
