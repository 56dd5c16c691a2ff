// Package worker is the lifecycle layer: it composes the tmux backend, the
// home materializer, the registry, and the log reader into the operations
// the CLI exposes (start, spawn, stop, resume, remove, ask).
package worker

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/agusx1211/crew/internal/config"
	"github.com/agusx1211/crew/internal/debug"
	"github.com/agusx1211/crew/internal/home"
	"github.com/agusx1211/crew/internal/registry"
	"github.com/agusx1211/crew/internal/tmux"
)

// ErrUnsafeDeletePath indicates a worker record pointed at a home path
// outside the configured workers root. The path is never deleted.
var ErrUnsafeDeletePath = errors.New("refusing to delete path outside the workers root")

// ErrHasChildren indicates a non-recursive remove hit a worker that still
// has registered children.
var ErrHasChildren = errors.New("worker has children")

// Manager runs lifecycle operations against one team.
type Manager struct {
	Cfg      *config.GlobalConfig
	Tmux     *tmux.Client
	Registry *registry.Store
}

// NewManager wires a Manager.
func NewManager(cfg *config.GlobalConfig, tm *tmux.Client, reg *registry.Store) *Manager {
	return &Manager{Cfg: cfg, Tmux: tm, Registry: reg}
}

// StartOptions parameterizes Start.
type StartOptions struct {
	Base       string
	Role       string
	Scope      string
	WorkDir    string
	Parent     string // parent full name; set by Spawn
	Credential string // optional credential file overlaid into the home
}

// Start allocates a new worker instance: a fresh full name, an isolated
// home seeded from the template, a detached tmux session running the agent,
// and a registry record. Every call creates a new instance; base-name reuse
// is a resolution concern (ask-style "use latest"), never a start concern.
func (m *Manager) Start(opts StartOptions) (registry.Member, error) {
	if !registry.ValidBase(opts.Base) {
		return registry.Member{}, fmt.Errorf("invalid base name: %q", opts.Base)
	}
	workDir := strings.TrimSpace(opts.WorkDir)
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return registry.Member{}, err
		}
		workDir = wd
	}

	// The name is reserved under the lock; the template copy runs outside it.
	// Seeding a large home must not stall every other team operation.
	var full string
	err := m.Registry.Locked(func(tx *registry.Tx) error {
		var err error
		full, err = registry.NewFullName(opts.Base, tx.Exists)
		return err
	})
	if err != nil {
		return registry.Member{}, err
	}

	homePath, err := home.Materialize(m.Cfg.EffectiveWorkersRoot(), full, m.Cfg.EffectiveTemplateHome())
	if err != nil {
		return registry.Member{}, err
	}
	if opts.Credential != "" {
		if err := home.OverlayCredential(homePath, opts.Credential); err != nil {
			m.discardHome(homePath)
			return registry.Member{}, err
		}
	}

	var member registry.Member
	err = m.Registry.Locked(func(tx *registry.Tx) error {
		if tx.Exists(full) {
			return fmt.Errorf("worker %s already registered", full)
		}
		var parent registry.Member
		if opts.Parent != "" {
			var err error
			parent, err = tx.Get(opts.Parent)
			if err != nil {
				return err
			}
		}
		member = registry.Member{
			Full:     full,
			Base:     opts.Base,
			Role:     opts.Role,
			Scope:    opts.Scope,
			Parent:   opts.Parent,
			WorkDir:  workDir,
			HomePath: homePath,
			LogRoot:  home.SessionsDir(homePath),
			Running:  true,
		}
		if err := m.Tmux.NewSession(full, workDir, m.launchCommand(homePath, "")); err != nil {
			return err
		}
		if err := tx.Put(member); err != nil {
			return err
		}
		// Spawn's two-sided link lands under the same lock acquisition as the
		// child record, so no interleaved crew invocation can observe one side
		// without the other.
		if opts.Parent != "" {
			parent.AddChild(full)
			return tx.Put(parent)
		}
		return nil
	})
	if err != nil {
		if killErr := m.Tmux.KillSession(full); killErr != nil && !errors.Is(killErr, tmux.ErrNoSuchSession) {
			debug.Logf("worker", "start cleanup kill-session %s: %v", full, killErr)
		}
		m.discardHome(homePath)
		return registry.Member{}, err
	}
	debug.LogKV("worker", "started", "full", member.Full, "role", member.Role, "dir", workDir)
	return member, nil
}

// discardHome removes a home materialized for a start that did not commit.
func (m *Manager) discardHome(homePath string) {
	if home.Within(homePath, m.Cfg.EffectiveWorkersRoot()) {
		if err := os.RemoveAll(homePath); err != nil {
			debug.Logf("worker", "discard home %s: %v", homePath, err)
		}
	}
}

// Spawn starts a child under parentTarget (full name or base label) and
// links both sides. The child inherits the parent's work dir unless one is
// given.
func (m *Manager) Spawn(parentTarget string, opts StartOptions) (registry.Member, error) {
	parent, err := m.Registry.Resolve(parentTarget)
	if err != nil {
		return registry.Member{}, err
	}
	opts.Parent = parent.Full
	if strings.TrimSpace(opts.WorkDir) == "" {
		opts.WorkDir = parent.WorkDir
	}
	return m.Start(opts)
}

// Stop kills the worker's session and marks it stopped. The record and home
// survive for a later Resume.
func (m *Manager) Stop(target string) (registry.Member, error) {
	member, err := m.Registry.Resolve(target)
	if err != nil {
		return registry.Member{}, err
	}
	if err := m.Tmux.KillSession(member.Full); err != nil && !errors.Is(err, tmux.ErrNoSuchSession) {
		return registry.Member{}, err
	}
	return m.Registry.Update(member.Full, func(mm *registry.Member) error {
		mm.Running = false
		return nil
	})
}

// Resume restarts a stopped worker's session, passing the recorded agent
// session id so the agent reopens its previous conversation. Resuming a
// live worker is a no-op.
func (m *Manager) Resume(target string) (registry.Member, error) {
	member, err := m.Registry.Resolve(target)
	if err != nil {
		return registry.Member{}, err
	}
	alive, err := m.Tmux.HasSession(member.Full)
	if err != nil {
		return registry.Member{}, err
	}
	if !alive {
		if err := m.Tmux.NewSession(member.Full, member.WorkDir, m.launchCommand(member.HomePath, member.SessionID)); err != nil {
			return registry.Member{}, err
		}
	}
	return m.Registry.Update(member.Full, func(mm *registry.Member) error {
		mm.Running = true
		return nil
	})
}

// ResumeTree restarts target and every stopped descendant, parents before
// children so a coordinator is live before the workers reporting to it.
// Live workers in the subtree are left alone.
func (m *Manager) ResumeTree(target string) ([]registry.Member, error) {
	root, err := m.Registry.Resolve(target)
	if err != nil {
		return nil, err
	}
	order, err := m.Registry.Subtree(root.Full)
	if err != nil {
		return nil, err
	}
	resumed := make([]registry.Member, 0, len(order))
	for _, full := range order {
		member, err := m.Resume(full)
		if err != nil {
			return resumed, fmt.Errorf("resume %s: %w", full, err)
		}
		resumed = append(resumed, member)
	}
	return resumed, nil
}

// SyncRunning reconciles each record's running flag with the live tmux
// session list and returns the fulls whose flag flipped.
func (m *Manager) SyncRunning() ([]string, error) {
	sessions, err := m.Tmux.ListSessions()
	if err != nil {
		return nil, err
	}
	live := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		live[s] = true
	}
	var flipped []string
	err = m.Registry.Locked(func(tx *registry.Tx) error {
		members, err := tx.List()
		if err != nil {
			return err
		}
		for _, mm := range members {
			if mm.Running == live[mm.Full] {
				continue
			}
			mm.Running = live[mm.Full]
			if err := tx.Put(mm); err != nil {
				return err
			}
			flipped = append(flipped, mm.Full)
		}
		return nil
	})
	return flipped, err
}

// launchCommand builds the shell command the worker session runs: the agent
// binary with its home pinned to the worker's isolated home, resuming a
// previous agent session when resumeID is set. Debug logging is propagated
// so a worker's own crew invocations land in the same log.
func (m *Manager) launchCommand(homePath, resumeID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CODEX_HOME=%s ", shellQuote(homePath))
	if debug.Enabled() {
		b.WriteString("CREW_DEBUG_ENABLED=1 ")
		if p := debug.Path(); p != "" {
			fmt.Fprintf(&b, "CREW_DEBUG_LOG_PATH=%s ", shellQuote(p))
		}
	}
	b.WriteString(m.Cfg.EffectiveAgentCommand())
	if resumeID != "" {
		b.WriteString(" resume " + shellQuote(resumeID))
	}
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// waitStep is the poll interval for log-binding waits.
const waitStep = 200 * time.Millisecond
