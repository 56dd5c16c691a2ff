// Package registry persists worker records as one JSON file per worker and
// serializes all mutation through a single team-wide file lock, so that
// concurrent crew invocations never lose updates.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agusx1211/crew/internal/debug"
	"github.com/agusx1211/crew/internal/fsio"
)

// ErrNotFound indicates the referenced worker record does not exist.
var ErrNotFound = errors.New("worker not found")

// Store is a directory-backed worker registry rooted at a team directory.
type Store struct {
	teamDir string
}

// Open returns a Store for teamDir. Call Init before first use.
func Open(teamDir string) *Store {
	return &Store{teamDir: teamDir}
}

// Init creates the registry directory structure.
func (s *Store) Init() error {
	return os.MkdirAll(s.registryDir(), 0o755)
}

// TeamDir returns the team directory this store is rooted at.
func (s *Store) TeamDir() string { return s.teamDir }

// LockPath returns the team-wide lock file protecting all shared state.
func (s *Store) LockPath() string { return filepath.Join(s.teamDir, ".lock") }

func (s *Store) registryDir() string { return filepath.Join(s.teamDir, "registry") }

func (s *Store) memberPath(full string) string {
	return filepath.Join(s.registryDir(), full+".json")
}

func (s *Store) permitsPath() string { return filepath.Join(s.teamDir, "permits.json") }

// Tx exposes unlocked record access inside a Locked block. Multi-record
// updates (spawn's two-sided link, subtree pruning) go through one Tx so
// both sides land under a single lock acquisition.
type Tx struct {
	s *Store
}

// Locked runs fn under the team lock.
func (s *Store) Locked(fn func(tx *Tx) error) error {
	return fsio.WithLock(s.LockPath(), func() error {
		return fn(&Tx{s: s})
	})
}

// Get reads one record without locking (single-file reads are atomic thanks
// to the rename-based writer).
func (s *Store) Get(full string) (Member, error) {
	return (&Tx{s: s}).Get(full)
}

// Get reads one record. Returns ErrNotFound for missing records.
func (tx *Tx) Get(full string) (Member, error) {
	var m Member
	err := fsio.ReadJSON(tx.s.memberPath(full), &m)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Member{}, fmt.Errorf("%w: %s", ErrNotFound, full)
		}
		return Member{}, err
	}
	return m, nil
}

// Put writes a record, stamping UpdatedAt.
func (tx *Tx) Put(m Member) error {
	if strings.TrimSpace(m.Full) == "" {
		return errors.New("registry: member has no full name")
	}
	m.UpdatedAt = time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = m.UpdatedAt
	}
	return fsio.WriteJSONAtomic(tx.s.memberPath(m.Full), &m)
}

// Delete removes a record. Deleting a missing record returns ErrNotFound.
func (tx *Tx) Delete(full string) error {
	err := os.Remove(tx.s.memberPath(full))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, full)
	}
	return err
}

// Exists reports whether a record file is present.
func (tx *Tx) Exists(full string) bool {
	_, err := os.Stat(tx.s.memberPath(full))
	return err == nil
}

// List returns all readable records sorted by full name. Corrupt record
// files are skipped so one bad file cannot block the rest of the registry.
func (s *Store) List() ([]Member, error) {
	return (&Tx{s: s}).List()
}

// List enumerates records inside a transaction.
func (tx *Tx) List() ([]Member, error) {
	entries, err := os.ReadDir(tx.s.registryDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var members []Member
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var m Member
		if err := fsio.ReadJSON(filepath.Join(tx.s.registryDir(), e.Name()), &m); err != nil {
			debug.Logf("registry", "skipping corrupt record %s: %v", e.Name(), err)
			continue
		}
		if strings.TrimSpace(m.Full) == "" {
			continue
		}
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Full < members[j].Full })
	return members, nil
}

// Update applies a read-modify-write to one record under the team lock.
func (s *Store) Update(full string, mutate func(*Member) error) (Member, error) {
	var out Member
	err := s.Locked(func(tx *Tx) error {
		m, err := tx.Get(full)
		if err != nil {
			return err
		}
		if err := mutate(&m); err != nil {
			return err
		}
		if err := tx.Put(m); err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

// Resolve maps a target (full name or base label) to a record: an exact full
// name wins; otherwise the record with that base, a running instance before
// any stopped one, newest first.
func (s *Store) Resolve(target string) (Member, error) {
	return (&Tx{s: s}).Resolve(target)
}

// Resolve resolves a target inside a transaction.
func (tx *Tx) Resolve(target string) (Member, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return Member{}, fmt.Errorf("%w: empty target", ErrNotFound)
	}
	if IsFullName(target) {
		if m, err := tx.Get(target); err == nil {
			return m, nil
		}
	}
	members, err := tx.List()
	if err != nil {
		return Member{}, err
	}
	var best *Member
	for i := range members {
		m := &members[i]
		if m.Base != target && m.Full != target {
			continue
		}
		if best == nil || moreCurrent(m, best) {
			best = m
		}
	}
	if best == nil {
		return Member{}, fmt.Errorf("%w: %s", ErrNotFound, target)
	}
	return *best, nil
}

// moreCurrent ranks same-base candidates: a running record beats a stopped
// one, then recency decides.
func moreCurrent(a, b *Member) bool {
	if a.Running != b.Running {
		return a.Running
	}
	return a.UpdatedAt.After(b.UpdatedAt)
}

// LatestByRole returns the most recently updated record with the given role.
func (s *Store) LatestByRole(role string) (Member, error) {
	members, err := s.List()
	if err != nil {
		return Member{}, err
	}
	var best *Member
	for i := range members {
		m := &members[i]
		if !strings.EqualFold(m.Role, role) {
			continue
		}
		if best == nil || m.UpdatedAt.After(best.UpdatedAt) {
			best = m
		}
	}
	if best == nil {
		return Member{}, fmt.Errorf("%w: no member with role %s", ErrNotFound, role)
	}
	return *best, nil
}

// Subtree returns root plus all descendants in pre-order. Traversal keeps a
// visited set so hand-edited records with cycles cannot hang it.
func (tx *Tx) Subtree(rootFull string) ([]string, error) {
	root, err := tx.Get(rootFull)
	if err != nil {
		return nil, err
	}
	visited := map[string]bool{}
	var order []string
	var walk func(full string)
	walk = func(full string) {
		if visited[full] {
			return
		}
		visited[full] = true
		order = append(order, full)
		m, err := tx.Get(full)
		if err != nil {
			return
		}
		for _, c := range m.Children {
			walk(c)
		}
	}
	walk(root.Full)
	return order, nil
}

// Subtree is the lock-free variant used by read-only commands.
func (s *Store) Subtree(rootFull string) ([]string, error) {
	return (&Tx{s: s}).Subtree(rootFull)
}
