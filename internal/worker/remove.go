package worker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agusx1211/crew/internal/debug"
	"github.com/agusx1211/crew/internal/home"
	"github.com/agusx1211/crew/internal/policy"
	"github.com/agusx1211/crew/internal/registry"
	"github.com/agusx1211/crew/internal/tmux"
)

// Remove deletes a worker: session killed, registry record dropped, home
// directory deleted. With recursive set the whole subtree goes, leaves
// first; without it a worker with children is refused. Survivors' links to
// removed workers are pruned in the same locked pass.
//
// The home is only deleted when it lies inside the configured workers root.
// A record claiming any other path keeps its registry cleanup but the path
// stays on disk and the call reports ErrUnsafeDeletePath.
//
// Only full names are accepted. A bare base label is ambiguous when several
// instances share it, and deletion never guesses.
func (m *Manager) Remove(target string, recursive, purgeInbox bool) ([]string, error) {
	if !registry.IsFullName(target) {
		return nil, fmt.Errorf("%w: remove requires a full worker name, got %q", policy.ErrDenied, target)
	}
	var removed []string
	var failures []error
	err := m.Registry.Locked(func(tx *registry.Tx) error {
		member, err := tx.Get(target)
		if err != nil {
			return err
		}
		order, err := tx.Subtree(member.Full)
		if err != nil {
			return err
		}
		if !recursive && len(order) > 1 {
			return fmt.Errorf("%w: %s has %d descendants (use recursive remove)", ErrHasChildren, member.Full, len(order)-1)
		}
		// Reverse pre-order: children always go before their parent.
		for i := len(order) - 1; i >= 0; i-- {
			if err := m.removeOne(tx, order[i]); err != nil {
				failures = append(failures, err)
			}
			removed = append(removed, order[i])
		}
		if err := pruneLinks(tx, removed); err != nil {
			return err
		}
		if purgeInbox {
			if err := m.purgeInboxes(tx, removed); err != nil {
				failures = append(failures, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, errors.Join(failures...)
}

// Disband removes every registered worker, roots last, then clears the
// residual team state (permits, sequence counter). DryRun via Plan.
func (m *Manager) Disband(purgeInbox bool) ([]string, error) {
	var removed []string
	var failures []error
	err := m.Registry.Locked(func(tx *registry.Tx) error {
		order, err := disbandOrder(tx)
		if err != nil {
			return err
		}
		for _, full := range order {
			if err := m.removeOne(tx, full); err != nil {
				failures = append(failures, err)
			}
			removed = append(removed, full)
		}
		if purgeInbox {
			if err := m.purgeInboxes(tx, removed); err != nil {
				failures = append(failures, err)
			}
		}
		for _, leftover := range []string{"permits.json", "msg_seq.json"} {
			if err := os.Remove(filepath.Join(m.Registry.TeamDir(), leftover)); err != nil && !errors.Is(err, os.ErrNotExist) {
				failures = append(failures, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, errors.Join(failures...)
}

// DisbandPlan returns the removal order Disband would use, for dry runs.
func (m *Manager) DisbandPlan() ([]string, error) {
	var order []string
	err := m.Registry.Locked(func(tx *registry.Tx) error {
		var err error
		order, err = disbandOrder(tx)
		return err
	})
	return order, err
}

// disbandOrder lists every record, descendants before ancestors and roots
// last. Orphans (parent record gone) count as roots.
func disbandOrder(tx *registry.Tx) ([]string, error) {
	members, err := tx.List()
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var order []string
	for _, mm := range members {
		if mm.Parent != "" && tx.Exists(mm.Parent) {
			continue
		}
		sub, err := tx.Subtree(mm.Full)
		if err != nil {
			continue
		}
		for i := len(sub) - 1; i >= 0; i-- {
			if !seen[sub[i]] {
				seen[sub[i]] = true
				order = append(order, sub[i])
			}
		}
	}
	// Records reachable from no root (cycles in hand-edited state).
	for _, mm := range members {
		if !seen[mm.Full] {
			order = append(order, mm.Full)
		}
	}
	return order, nil
}

// removeOne kills the session, deletes the home (guarded), and drops the
// record. Session and home failures do not keep the record around: a
// half-dead worker must not stay resolvable.
func (m *Manager) removeOne(tx *registry.Tx, full string) error {
	member, err := tx.Get(full)
	if err != nil {
		return err
	}
	if err := m.Tmux.KillSession(full); err != nil && !errors.Is(err, tmux.ErrNoSuchSession) {
		debug.Logf("worker", "kill-session %s: %v", full, err)
	}
	var homeErr error
	if member.HomePath != "" {
		if home.Within(member.HomePath, m.Cfg.EffectiveWorkersRoot()) {
			homeErr = os.RemoveAll(member.HomePath)
		} else {
			homeErr = fmt.Errorf("%w: %s claims home %s", ErrUnsafeDeletePath, full, member.HomePath)
		}
	}
	if err := tx.Delete(full); err != nil {
		return err
	}
	debug.LogKV("worker", "removed", "full", full)
	return homeErr
}

// pruneLinks clears survivors' parent/children references into the removed
// set.
func pruneLinks(tx *registry.Tx, removed []string) error {
	gone := make(map[string]bool, len(removed))
	for _, full := range removed {
		gone[full] = true
	}
	members, err := tx.List()
	if err != nil {
		return err
	}
	for _, mm := range members {
		changed := false
		if gone[mm.Parent] {
			mm.Parent = ""
			changed = true
		}
		kept := mm.Children[:0]
		for _, c := range mm.Children {
			if gone[c] {
				changed = true
				continue
			}
			kept = append(kept, c)
		}
		mm.Children = kept
		if changed {
			if err := tx.Put(mm); err != nil {
				return err
			}
		}
	}
	return nil
}

// purgeInboxes deletes inbox dirs for removed workers' bases, but only for
// bases no surviving worker still uses: inboxes are keyed by base, and a
// replacement instance of the same base inherits the thread history.
func (m *Manager) purgeInboxes(tx *registry.Tx, removed []string) error {
	survivors, err := tx.List()
	if err != nil {
		return err
	}
	inUse := map[string]bool{}
	for _, mm := range survivors {
		inUse[mm.Base] = true
	}
	var failures []error
	seen := map[string]bool{}
	for _, full := range removed {
		base := registry.BaseOf(full)
		if seen[base] || inUse[base] {
			continue
		}
		seen[base] = true
		dir := filepath.Join(m.Registry.TeamDir(), "inbox", base)
		if err := os.RemoveAll(dir); err != nil {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}
