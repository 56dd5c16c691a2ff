package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agusx1211/crew/internal/comm"
	"github.com/agusx1211/crew/internal/config"
	"github.com/agusx1211/crew/internal/policy"
	"github.com/agusx1211/crew/internal/registry"
	"github.com/agusx1211/crew/internal/tmux"
	"github.com/agusx1211/crew/internal/watch"
	"github.com/agusx1211/crew/internal/worker"
)

// teamManager opens the team rooted at the working directory, creating the
// team directory on first use.
func teamManager() (*worker.Manager, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	dir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	reg := registry.Open(config.TeamDir(dir))
	if err := reg.Init(); err != nil {
		return nil, err
	}
	return worker.NewManager(cfg, tmux.NewClient(), reg), nil
}

// loadTeamConfig reads <team-dir>/team.yaml; a missing file yields defaults.
func loadTeamConfig(mgr *worker.Manager) (*config.TeamConfig, error) {
	return config.LoadTeam(filepath.Join(mgr.Registry.TeamDir(), "team.yaml"))
}

// teamMessenger opens the full messaging stack over the current team.
func teamMessenger() (*comm.Messenger, *worker.Manager, error) {
	mgr, err := teamManager()
	if err != nil {
		return nil, nil, err
	}
	msgr, err := messengerFor(mgr)
	if err != nil {
		return nil, nil, err
	}
	return msgr, mgr, nil
}

func messengerFor(mgr *worker.Manager) (*comm.Messenger, error) {
	tc, err := loadTeamConfig(mgr)
	if err != nil {
		return nil, err
	}
	pol, err := policy.FromConfig(tc)
	if err != nil {
		return nil, err
	}
	msgr := comm.NewMessenger(mgr, pol)
	msgr.MaxUnreadPerThread = tc.Inbox.EffectiveMaxUnreadPerThread()
	return msgr, nil
}

// teamWatcher opens the watcher with team-configured cadence.
func teamWatcher() (*watch.Watcher, error) {
	msgr, mgr, err := teamMessenger()
	if err != nil {
		return nil, err
	}
	tc, err := loadTeamConfig(mgr)
	if err != nil {
		return nil, err
	}
	w := watch.New(mgr, msgr)
	if d, err := time.ParseDuration(tc.Watch.Interval); err == nil && d > 0 {
		w.Interval = d
	}
	return w, nil
}

// hasTeam reports whether any worker has ever been registered here.
func hasTeam(mgr *worker.Manager) bool {
	members, err := mgr.Registry.List()
	return err == nil && len(members) > 0
}

// callerWorker resolves which registered worker is invoking crew: the
// surrounding tmux session's name, when it is a member. Agents run inside
// their own sessions, so this makes --as optional for them.
func callerWorker(mgr *worker.Manager) string {
	name := mgr.Tmux.CurrentSession()
	if name == "" {
		return ""
	}
	if _, err := mgr.Registry.Get(name); err == nil {
		return name
	}
	return ""
}

// actorOrCaller picks the acting worker: the --as flag when given, else the
// invoking worker's session.
func actorOrCaller(mgr *worker.Manager, as string) (string, error) {
	if as != "" {
		return as, nil
	}
	if caller := callerWorker(mgr); caller != "" {
		return caller, nil
	}
	return "", fmt.Errorf("not running inside a worker session; pass --as <worker>")
}

// gatherTimeout parses a --timeout value, falling back to the team default.
func gatherTimeout(raw string, tc *config.TeamConfig) (time.Duration, error) {
	if raw != "" {
		return time.ParseDuration(raw)
	}
	if tc.Gather.DefaultTimeout != "" {
		if d, err := time.ParseDuration(tc.Gather.DefaultTimeout); err == nil {
			return d, nil
		}
	}
	return 2 * time.Hour, nil
}
