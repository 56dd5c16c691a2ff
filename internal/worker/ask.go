package worker

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/agusx1211/crew/internal/codexlog"
	"github.com/agusx1211/crew/internal/debug"
	"github.com/agusx1211/crew/internal/inject"
	"github.com/agusx1211/crew/internal/registry"
)

// Re-exported so callers branch on injection outcomes without importing the
// inject package.
var (
	ErrNoReply               = inject.ErrNoReply
	ErrSubmissionUnconfirmed = inject.ErrSubmissionUnconfirmed
)

// bindWait bounds how long BindLog waits for a freshly started agent to
// create its session file.
const bindWait = 15 * time.Second

// Injector builds the injector tuned by the global config.
func (m *Manager) Injector() *inject.Injector {
	return inject.New(m.Tmux, inject.NudgePolicy{
		SettleDelay: m.Cfg.Inject.EffectiveSettleDelay(),
		NudgeAfter:  m.Cfg.Inject.EffectiveNudgeAfter(),
		NudgeMax:    m.Cfg.Inject.EffectiveNudgeMax(),
	}, m.Cfg.Inject.EffectivePasteThreshold())
}

// BindLog resolves the worker's session log file, preferring the cached
// path and otherwise searching the worker's log root for the newest session
// whose recorded cwd matches the worker's work dir. A freshly started agent
// may not have created the file yet, so the search retries until wait
// elapses. The resolved path is cached on the record.
func (m *Manager) BindLog(member *registry.Member, wait time.Duration) (string, error) {
	if member.LogPath != "" {
		if _, err := os.Stat(member.LogPath); err == nil {
			return member.LogPath, nil
		}
		debug.LogKV("worker", "cached log path gone, rebinding", "full", member.Full, "path", member.LogPath)
	}
	deadline := time.Now().Add(wait)
	for {
		path, err := codexlog.FindForCwd(member.LogRoot, member.WorkDir)
		if err == nil {
			m.recordBinding(member, path)
			return path, nil
		}
		if !errors.Is(err, codexlog.ErrNoLog) {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("no session log for %s under %s: %w", member.Full, member.LogRoot, err)
		}
		time.Sleep(waitStep)
	}
}

// recordBinding caches the bound log path and the agent session id found in
// its head record, which Resume later feeds back to the agent.
func (m *Manager) recordBinding(member *registry.Member, path string) {
	sessionID := member.SessionID
	if meta, ok := codexlog.HeadMeta(path); ok && meta.SessionID != "" {
		sessionID = meta.SessionID
	}
	if member.LogPath == path && member.SessionID == sessionID {
		return
	}
	member.LogPath = path
	member.SessionID = sessionID
	updated, err := m.Registry.Update(member.Full, func(mm *registry.Member) error {
		mm.LogPath = path
		mm.SessionID = sessionID
		return nil
	})
	if err != nil {
		debug.Logf("worker", "could not persist log binding for %s: %v", member.Full, err)
		return
	}
	*member = updated
}

// Ask injects text into the worker's terminal, confirms submission through
// the worker's log, and waits up to timeout for the agent's reply. A timeout
// yields ErrNoReply, a normal outcome the caller branches on.
func (m *Manager) Ask(target, text string, timeout time.Duration) (string, error) {
	member, err := m.Registry.Resolve(target)
	if err != nil {
		return "", err
	}
	logPath, err := m.BindLog(&member, bindWait)
	if err != nil {
		return "", err
	}
	tail, err := codexlog.TailerAtEnd(logPath)
	if err != nil {
		return "", err
	}

	in := m.Injector()
	if err := in.Inject(member.Full, text, tail); err != nil {
		return "", err
	}
	reply, err := in.WaitReply(tail, timeout)
	if err != nil {
		return "", err
	}
	// The agent may have rolled over to a new session file mid-conversation;
	// re-record the binding so resume targets the session that answered.
	m.recordBinding(&member, logPath)
	return reply, nil
}

// Inject delivers text and confirms submission without waiting for a reply.
func (m *Manager) Inject(target, text string) error {
	member, err := m.Registry.Resolve(target)
	if err != nil {
		return err
	}
	logPath, err := m.BindLog(&member, bindWait)
	if err != nil {
		return err
	}
	tail, err := codexlog.TailerAtEnd(logPath)
	if err != nil {
		return err
	}
	return m.Injector().Inject(member.Full, text, tail)
}

// Pend returns the worker's latest n question/answer exchanges straight
// from its log, injecting nothing. ErrNoReply when the log holds no
// completed exchange.
func (m *Manager) Pend(target string, n int) ([]codexlog.Exchange, error) {
	member, err := m.Registry.Resolve(target)
	if err != nil {
		return nil, err
	}
	logPath, err := m.BindLog(&member, 0)
	if err != nil {
		return nil, err
	}
	exchanges, err := codexlog.LatestExchanges(logPath, n)
	if err != nil {
		return nil, err
	}
	if len(exchanges) == 0 {
		return nil, fmt.Errorf("%w: %s has no completed exchange", ErrNoReply, member.Full)
	}
	return exchanges, nil
}

// Ping captures the tail of the worker's visible pane, stripped of escape
// sequences. A coarse liveness and activity snapshot, nothing more.
func (m *Manager) Ping(target string, lines int) (string, error) {
	member, err := m.Registry.Resolve(target)
	if err != nil {
		return "", err
	}
	raw, err := m.Tmux.CapturePane(member.Full, lines)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(ansi.Strip(raw), "\n"), nil
}
