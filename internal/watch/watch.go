// Package watch runs the background maintenance loop: reconciling liveness
// flags, finalizing due reply-needed requests, and reminding targets that
// sit on pending request slots.
//
// The loop is stateless between ticks; everything it needs lives in the
// team directory, so a crashed watcher resumes cleanly and two watchers
// racing the same team stay correct (finalization is exactly-once under the
// team lock).
package watch

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/agusx1211/crew/internal/comm"
	"github.com/agusx1211/crew/internal/debug"
	"github.com/agusx1211/crew/internal/request"
	"github.com/agusx1211/crew/internal/worker"
	"github.com/agusx1211/crew/pkg/envelope"
)

// Watcher is one team's maintenance loop.
type Watcher struct {
	Manager   *worker.Manager
	Messenger *comm.Messenger

	// Interval between ticks. Zero means 15s.
	Interval time.Duration
	// NudgeEvery spaces reminders per pending request slot. Zero means 60s.
	NudgeEvery time.Duration
}

// New wires a Watcher.
func New(mgr *worker.Manager, msgr *comm.Messenger) *Watcher {
	return &Watcher{Manager: mgr, Messenger: msgr}
}

func (w *Watcher) interval() time.Duration {
	if w.Interval > 0 {
		return w.Interval
	}
	return 15 * time.Second
}

func (w *Watcher) nudgeEvery() time.Duration {
	if w.NudgeEvery > 0 {
		return w.NudgeEvery
	}
	return time.Minute
}

// Run ticks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval())
	defer ticker.Stop()
	debug.LogKV("watch", "loop started", "interval", w.interval().String())
	for {
		w.Tick(time.Now())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one maintenance pass.
func (w *Watcher) Tick(now time.Time) {
	if _, err := w.Manager.SyncRunning(); err != nil {
		debug.Logf("watch", "sync running: %v", err)
	}
	if done, err := w.Messenger.FinalizeDue(now); err != nil {
		debug.Logf("watch", "finalize due: %v", err)
	} else if len(done) > 0 {
		debug.LogKV("watch", "finalized requests", "ids", strings.Join(done, ","))
	}
	w.nudgePending(now)
}

// nudgePending re-injects the wake notice for request slots that stay
// unanswered: pending slots on their reminder cadence, and blocked slots
// once their snooze expires.
func (w *Watcher) nudgePending(now time.Time) {
	reqs, err := w.Messenger.Requests.List()
	if err != nil {
		debug.Logf("watch", "list requests: %v", err)
		return
	}
	for _, req := range reqs {
		if req.State != request.StatePending || req.Due(now) {
			continue
		}
		for _, base := range req.Targets {
			slot := req.Slots[base]
			if slot == nil || !w.slotDue(req, slot, now) {
				continue
			}
			w.remind(req, base, slot)
			if err := w.Messenger.Requests.MarkNudged(req.ID, base, now); err != nil {
				debug.Logf("watch", "mark nudged %s/%s: %v", req.ID, base, err)
			}
		}
	}
}

func (w *Watcher) slotDue(req request.Request, slot *request.Slot, now time.Time) bool {
	switch slot.Status {
	case request.SlotPending:
	case request.SlotBlocked:
		if now.Before(slot.BlockedUntil) {
			return false
		}
	default:
		return false
	}
	last := slot.NudgedAt
	if last.IsZero() {
		last = req.CreatedAt
	}
	return now.Sub(last) >= w.nudgeEvery()
}

func (w *Watcher) remind(req request.Request, base string, slot *request.Slot) {
	if slot.MsgID == "" {
		return
	}
	msg, err := w.Messenger.Inbox.Find(base, slot.MsgID)
	if err != nil {
		return // fan-out message purged; nothing to point at
	}
	notice := "Reminder: " + envelope.Notice(msg.Meta(), envelope.Summary(msg.Body, 80))
	if err := w.Manager.Inject(base, notice); err != nil {
		debug.Logf("watch", "remind %s about %s: %v", base, req.ID, err)
	}
}

var sessionSafe = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// SessionName returns the tmux session the team's watcher runs in. The
// digest keeps names unique across projects with the same directory name.
func SessionName(projectDir string) string {
	sum := sha1.Sum([]byte(filepath.Clean(projectDir)))
	base := sessionSafe.ReplaceAllString(filepath.Base(filepath.Clean(projectDir)), "-")
	return fmt.Sprintf("crew-watch-%s-%s", base, hex.EncodeToString(sum[:4]))
}
