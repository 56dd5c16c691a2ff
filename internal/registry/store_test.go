package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s := Open(t.TempDir())
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func put(t *testing.T, s *Store, m Member) Member {
	t.Helper()
	err := s.Locked(func(tx *Tx) error { return tx.Put(m) })
	if err != nil {
		t.Fatalf("Put %s: %v", m.Full, err)
	}
	got, err := s.Get(m.Full)
	if err != nil {
		t.Fatalf("Get %s: %v", m.Full, err)
	}
	return got
}

func TestPutGetDelete(t *testing.T) {
	s := newStore(t)
	put(t, s, Member{Full: "codex-a-100-1", Base: "codex-a", Role: "impl", Running: true})

	m, err := s.Get("codex-a-100-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if m.Base != "codex-a" || !m.Running || m.CreatedAt.IsZero() {
		t.Fatalf("unexpected record: %+v", m)
	}

	err = s.Locked(func(tx *Tx) error { return tx.Delete("codex-a-100-1") })
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get("codex-a-100-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	err = s.Locked(func(tx *Tx) error { return tx.Delete("codex-a-100-1") })
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete should be ErrNotFound, got %v", err)
	}
}

func TestListSkipsCorruptRecords(t *testing.T) {
	s := newStore(t)
	put(t, s, Member{Full: "a-1-1", Base: "a"})
	put(t, s, Member{Full: "b-1-1", Base: "b"})
	bad := filepath.Join(s.TeamDir(), "registry", "broken-2-2.json")
	if err := os.WriteFile(bad, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}

	members, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected corrupt record skipped, got %d members", len(members))
	}
}

func TestResolveExactThenLatestBase(t *testing.T) {
	s := newStore(t)
	older := put(t, s, Member{Full: "codex-a-100-1", Base: "codex-a"})
	time.Sleep(5 * time.Millisecond)
	newer := put(t, s, Member{Full: "codex-a-200-1", Base: "codex-a"})

	m, err := s.Resolve("codex-a")
	if err != nil {
		t.Fatalf("Resolve base: %v", err)
	}
	if m.Full != newer.Full {
		t.Fatalf("expected latest %s, got %s", newer.Full, m.Full)
	}

	m, err = s.Resolve(older.Full)
	if err != nil {
		t.Fatalf("Resolve full: %v", err)
	}
	if m.Full != older.Full {
		t.Fatalf("exact full name must win, got %s", m.Full)
	}

	if _, err := s.Resolve("nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolvePrefersRunningInstance(t *testing.T) {
	s := newStore(t)
	running := put(t, s, Member{Full: "codex-a-100-1", Base: "codex-a", Running: true})
	time.Sleep(5 * time.Millisecond)
	stopped := put(t, s, Member{Full: "codex-a-200-1", Base: "codex-a"})

	m, err := s.Resolve("codex-a")
	if err != nil {
		t.Fatalf("Resolve base: %v", err)
	}
	if m.Full != running.Full {
		t.Fatalf("a live instance must win over a newer stopped one, got %s", m.Full)
	}

	// The stopped record is still reachable by its exact full name.
	m, err = s.Resolve(stopped.Full)
	if err != nil || m.Full != stopped.Full {
		t.Fatalf("Resolve full: %v, %v", m.Full, err)
	}
}

func TestLatestByRole(t *testing.T) {
	s := newStore(t)
	put(t, s, Member{Full: "coord-100-1", Base: "coord", Role: "coord"})
	time.Sleep(5 * time.Millisecond)
	want := put(t, s, Member{Full: "coord-200-1", Base: "coord", Role: "coord"})
	put(t, s, Member{Full: "impl-100-1", Base: "impl", Role: "impl"})

	m, err := s.LatestByRole("coord")
	if err != nil {
		t.Fatalf("LatestByRole: %v", err)
	}
	if m.Full != want.Full {
		t.Fatalf("expected %s, got %s", want.Full, m.Full)
	}
}

func TestConcurrentSpawnLinksNoLostUpdates(t *testing.T) {
	s := newStore(t)
	put(t, s, Member{Full: "parent-1-1", Base: "parent"})

	const n = 12
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			child := fmt.Sprintf("child%d-1-1", i)
			err := s.Locked(func(tx *Tx) error {
				if err := tx.Put(Member{Full: child, Base: fmt.Sprintf("child%d", i), Parent: "parent-1-1"}); err != nil {
					return err
				}
				p, err := tx.Get("parent-1-1")
				if err != nil {
					return err
				}
				p.AddChild(child)
				return tx.Put(p)
			})
			if err != nil {
				t.Errorf("spawn %d: %v", i, err)
			}
		}()
	}
	wg.Wait()

	p, err := s.Get("parent-1-1")
	if err != nil {
		t.Fatalf("Get parent: %v", err)
	}
	if len(p.Children) != n {
		t.Fatalf("lost updates: expected %d children, got %d (%v)", n, len(p.Children), p.Children)
	}
	seen := map[string]bool{}
	for _, c := range p.Children {
		if seen[c] {
			t.Fatalf("duplicate child %s", c)
		}
		seen[c] = true
	}
}

func TestSubtreeCycleSafe(t *testing.T) {
	s := newStore(t)
	// Hand-built cycle: a -> b -> a. The write path cannot produce this, but
	// traversal must not hang on it.
	put(t, s, Member{Full: "a-1-1", Base: "a", Children: []string{"b-1-1"}})
	put(t, s, Member{Full: "b-1-1", Base: "b", Parent: "a-1-1", Children: []string{"a-1-1"}})

	order, err := s.Subtree("a-1-1")
	if err != nil {
		t.Fatalf("Subtree: %v", err)
	}
	if len(order) != 2 || order[0] != "a-1-1" || order[1] != "b-1-1" {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestNewFullNameUnique(t *testing.T) {
	taken := map[string]bool{}
	for i := 0; i < 50; i++ {
		full, err := NewFullName("codex-a", func(s string) bool { return taken[s] })
		if err != nil {
			t.Fatalf("NewFullName: %v", err)
		}
		if taken[full] {
			t.Fatalf("duplicate full name %s", full)
		}
		if !IsFullName(full) {
			t.Fatalf("generated name does not match shape: %s", full)
		}
		if BaseOf(full) != "codex-a" {
			t.Fatalf("BaseOf(%s) = %s", full, BaseOf(full))
		}
		taken[full] = true
	}
}

func TestNewFullNameRejectsBadBase(t *testing.T) {
	for _, base := range []string{"", "has space", "a/b", "-leading"} {
		if _, err := NewFullName(base, nil); err == nil {
			t.Errorf("expected error for base %q", base)
		}
	}
}

func TestPermits(t *testing.T) {
	s := newStore(t)
	err := s.Locked(func(tx *Tx) error {
		if _, err := tx.AddPermit("impl-a", "impl-b", "coord-1-1", "coord", "pairing", time.Hour); err != nil {
			return err
		}
		_, err := tx.AddPermit("impl-a", "impl-c", "coord-1-1", "coord", "expired", -time.Minute)
		return err
	})
	if err != nil {
		t.Fatalf("AddPermit: %v", err)
	}

	check := func(a, b string, want bool) {
		t.Helper()
		var got bool
		err := s.Locked(func(tx *Tx) error {
			var err error
			got, err = tx.PermitAllows(a, b)
			return err
		})
		if err != nil {
			t.Fatalf("PermitAllows(%s,%s): %v", a, b, err)
		}
		if got != want {
			t.Errorf("PermitAllows(%s,%s) = %v, want %v", a, b, got, want)
		}
	}
	check("impl-a", "impl-b", true)
	check("impl-b", "impl-a", true) // symmetric
	check("impl-a", "impl-c", false) // expired
	check("impl-a", "impl-z", false)

	permits, err := s.ListPermits()
	if err != nil || len(permits) != 2 {
		t.Fatalf("ListPermits: %v, %d", err, len(permits))
	}
}
