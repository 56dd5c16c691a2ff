// Package inject delivers a text prompt into a running worker's terminal
// session and confirms, via the worker's own log, that the prompt was seen
// and submitted.
//
// Interactive REPLs apply paste heuristics to rapid keystroke bursts and can
// swallow or defer a submit key, so "text was sent" is never trusted: the
// only success signal is a user-message record appearing in the log. The
// corrective action is re-sending the submit key alone, never the text,
// which keeps retries idempotent.
package inject

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/agusx1211/crew/internal/codexlog"
	"github.com/agusx1211/crew/internal/debug"
)

// ErrSubmissionUnconfirmed indicates the nudge budget was exhausted without
// the log acknowledging the prompt. The prompt may never have been seen.
var ErrSubmissionUnconfirmed = errors.New("submission unconfirmed")

// ErrNoReply indicates a bounded reply wait elapsed. A normal outcome, not a
// failure: callers decide whether to keep waiting or treat it as a stall.
var ErrNoReply = errors.New("no reply within timeout")

// Session is the slice of the tmux backend the injector needs.
type Session interface {
	SendLiteral(name, text string) error
	SendEnter(name string) error
	PasteText(name, buffer, text string) error
}

// Action is the nudge policy's verdict for one point in time.
type Action int

const (
	ActionWait Action = iota
	ActionNudge
	ActionGiveUp
)

// NudgePolicy is the pure timing policy for submit confirmation: wait,
// re-send the submit key, or give up, as a function of elapsed time and
// nudges already sent.
type NudgePolicy struct {
	SettleDelay time.Duration // between text delivery and the first submit key
	NudgeAfter  time.Duration // spacing of submit-key nudges
	NudgeMax    int           // nudge budget
}

// Next returns the action to take given the time elapsed since the first
// submit key and the number of nudges already sent.
func (p NudgePolicy) Next(elapsed time.Duration, nudgesSent int) Action {
	if nudgesSent < p.NudgeMax && elapsed >= p.NudgeAfter*time.Duration(nudgesSent+1) {
		return ActionNudge
	}
	if nudgesSent >= p.NudgeMax && elapsed >= p.NudgeAfter*time.Duration(p.NudgeMax+1) {
		return ActionGiveUp
	}
	return ActionWait
}

// Injector delivers prompts to one worker session.
type Injector struct {
	Backend        Session
	Policy         NudgePolicy
	PasteThreshold int    // chars above which paste mode is chosen
	Buffer         string // tmux paste buffer name

	// tickEvery bounds how long the confirm loop sleeps between checks when
	// no filesystem signal arrives. Overridden in tests.
	tickEvery time.Duration
}

// New returns an Injector with the given tuning.
func New(backend Session, policy NudgePolicy, pasteThreshold int) *Injector {
	return &Injector{
		Backend:        backend,
		Policy:         policy,
		PasteThreshold: pasteThreshold,
		Buffer:         fmt.Sprintf("crew-ask-%d", os.Getpid()),
		tickEvery:      50 * time.Millisecond,
	}
}

// UsesPaste reports whether text will be delivered via the paste buffer.
// Multiline text always pastes; so does anything over the threshold.
func (in *Injector) UsesPaste(text string) bool {
	return strings.Contains(text, "\n") || len(text) > in.PasteThreshold
}

// Inject delivers text to the session and blocks until the log confirms the
// submission or the nudge budget runs out. tail must be positioned at the
// pre-injection baseline (typically TailerAtEnd); on success it is left just
// past the acknowledging record.
func (in *Injector) Inject(session, text string, tail *codexlog.Tailer) error {
	sentAfter := time.Now().Add(-500 * time.Millisecond)

	if in.UsesPaste(text) {
		debug.LogKV("inject", "paste delivery", "session", session, "bytes", len(text))
		if err := in.Backend.PasteText(session, in.Buffer, text); err != nil {
			return err
		}
	} else {
		debug.LogKV("inject", "literal delivery", "session", session, "bytes", len(text))
		if err := in.Backend.SendLiteral(session, text); err != nil {
			return err
		}
	}

	time.Sleep(in.Policy.SettleDelay)
	if err := in.Backend.SendEnter(session); err != nil {
		return err
	}

	match := func(ev codexlog.Event) bool {
		if ev.Kind != codexlog.KindUserMessage {
			return false
		}
		// Records carrying a timestamp must postdate the injection (with
		// slack); timestampless records are trusted because the tailer
		// already started at the pre-injection offset.
		return ev.Timestamp.IsZero() || !ev.Timestamp.Before(sentAfter)
	}

	watcher := codexlog.WatchFile(tail.Path(), in.tick())
	defer watcher.Close()

	start := time.Now()
	nudges := 0
	for {
		_, found, err := tail.PollFirst(match)
		if err != nil && !codexlog.IsMissing(err) {
			return err
		}
		if found {
			debug.LogKV("inject", "submission confirmed", "session", session, "nudges", nudges, "offset", tail.Offset())
			return nil
		}

		switch in.Policy.Next(time.Since(start), nudges) {
		case ActionGiveUp:
			return fmt.Errorf("%w: %d nudges over %s", ErrSubmissionUnconfirmed, nudges, time.Since(start).Truncate(time.Millisecond))
		case ActionNudge:
			nudges++
			debug.LogKV("inject", "nudge", "session", session, "n", nudges)
			if err := in.Backend.SendEnter(session); err != nil {
				return err
			}
		}

		select {
		case <-watcher.C():
		case <-time.After(in.tick()):
		}
	}
}

// WaitReply polls the log from tail's current position until an assistant
// message appears or timeout elapses. Timeout yields ("", ErrNoReply).
func (in *Injector) WaitReply(tail *codexlog.Tailer, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	interval := rescanInterval(timeout)

	watcher := codexlog.WatchFile(tail.Path(), interval)
	defer watcher.Close()

	for {
		ev, found, err := tail.PollFirst(func(ev codexlog.Event) bool {
			return ev.Kind == codexlog.KindAgentMessage && strings.TrimSpace(ev.Text) != ""
		})
		if err != nil && !codexlog.IsMissing(err) {
			return "", err
		}
		if found {
			return ev.Text, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", ErrNoReply
		}
		wait := interval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-watcher.C():
		case <-time.After(wait):
		}
	}
}

func (in *Injector) tick() time.Duration {
	if in.tickEvery > 0 {
		return in.tickEvery
	}
	return 50 * time.Millisecond
}

// rescanInterval matches the reply-wait cadence to the timeout scale:
// between 200ms and 2s, never more than half the timeout.
func rescanInterval(timeout time.Duration) time.Duration {
	half := timeout / 2
	switch {
	case half < 200*time.Millisecond:
		return 200 * time.Millisecond
	case half > 2*time.Second:
		return 2 * time.Second
	default:
		return half
	}
}
