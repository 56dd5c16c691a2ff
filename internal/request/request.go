// Package request implements the fan-out/fan-in state behind reply-needed
// messages: one durable request record per gather, a response slot per
// target, and exactly-once consolidation of the result.
//
// Layout under the team directory:
//
//	requests/<req-id>/meta.json
//	requests/<req-id>/responses/<base>.md
//
// Mutating operations assume the caller holds the team lock. A request is
// finalized exactly once: the consolidated result's inbox message id is
// recorded in meta.json, and finalization is skipped whenever that field is
// already set.
package request

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
	"github.com/agusx1211/crew/pkg/envelope"
)

// ErrNotFound indicates no request record exists for the given id.
var ErrNotFound = errors.New("request not found")

// Request completion states.
const (
	StatePending  = "pending"
	StateComplete = "complete"
	StateTimedOut = "timed_out"
)

// Per-target slot statuses.
const (
	SlotPending = "pending"
	SlotReplied = "replied"
	SlotBlocked = "blocked"
)

// Overall deadline and blocked-snooze bounds.
const (
	MinTimeout = 60 * time.Second
	MaxTimeout = 24 * time.Hour
	MinSnooze  = 30 * time.Second
	MaxSnooze  = 24 * time.Hour
)

// Slot tracks one target's response state. The substantive response body
// lives in responses/<base>.md; the slot carries status and bookkeeping.
type Slot struct {
	Status        string    `json:"status"`
	MsgID         string    `json:"msg_id,omitempty"` // inbox id of the fan-out message
	RespondedAt   time.Time `json:"responded_at,omitempty"`
	BlockedReason string    `json:"blocked_reason,omitempty"`
	WaitingOn     string    `json:"waiting_on,omitempty"`
	BlockedUntil  time.Time `json:"blocked_until,omitempty"`
	NudgedAt      time.Time `json:"nudged_at,omitempty"`
}

// Request is one gather's durable record.
type Request struct {
	ID         string           `json:"id"`
	From       string           `json:"from"`
	FromFull   string           `json:"from_full,omitempty"`
	Body       string           `json:"body"`
	Targets    []string         `json:"targets"`
	Slots      map[string]*Slot `json:"slots"`
	CreatedAt  time.Time        `json:"created_at"`
	Deadline   time.Time        `json:"deadline"`
	State      string           `json:"state"`
	FinalMsgID string           `json:"final_msg_id,omitempty"`
}

// AllReplied reports whether every target has a substantive reply. Blocked
// targets do not count: they snooze nudging but keep the request open until
// they reply or the deadline passes.
func (r *Request) AllReplied() bool {
	for _, base := range r.Targets {
		s := r.Slots[base]
		if s == nil || s.Status != SlotReplied {
			return false
		}
	}
	return true
}

// Due reports whether the overall deadline has passed.
func (r *Request) Due(now time.Time) bool {
	return !now.Before(r.Deadline)
}

// Finalizable reports whether the request should produce its consolidated
// result now.
func (r *Request) Finalizable(now time.Time) bool {
	return r.State == StatePending && r.FinalMsgID == "" && (r.AllReplied() || r.Due(now))
}

// ClampTimeout bounds a gather's overall deadline window.
func ClampTimeout(d time.Duration) time.Duration {
	if d < MinTimeout {
		return MinTimeout
	}
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}

// ClampSnooze bounds a blocked target's re-check delay.
func ClampSnooze(d time.Duration) time.Duration {
	if d < MinSnooze {
		return MinSnooze
	}
	if d > MaxSnooze {
		return MaxSnooze
	}
	return d
}

// NewID returns a fresh request id.
func NewID() string {
	return fmt.Sprintf("req-%d-%d", time.Now().UnixMilli(), os.Getpid())
}

// Store is the request root for one team directory.
type Store struct {
	teamDir string
}

// Open returns a Store rooted at teamDir.
func Open(teamDir string) *Store {
	return &Store{teamDir: teamDir}
}

func (s *Store) dir(id string) string {
	return filepath.Join(s.teamDir, "requests", id)
}

func (s *Store) metaPath(id string) string {
	return filepath.Join(s.dir(id), "meta.json")
}

func (s *Store) responsePath(id, base string) string {
	return filepath.Join(s.dir(id), "responses", base+".md")
}

// Create persists a new pending request. Caller must hold the team lock.
// timeout is clamped to the allowed window; slots start pending.
func (s *Store) Create(id, from, fromFull, body string, targets []string, timeout time.Duration, now time.Time) (Request, error) {
	if len(targets) == 0 {
		return Request{}, errors.New("request: no targets")
	}
	req := Request{
		ID:        id,
		From:      from,
		FromFull:  fromFull,
		Body:      body,
		Targets:   append([]string(nil), targets...),
		Slots:     make(map[string]*Slot, len(targets)),
		CreatedAt: now,
		Deadline:  now.Add(ClampTimeout(timeout)),
		State:     StatePending,
	}
	for _, base := range targets {
		req.Slots[base] = &Slot{Status: SlotPending}
	}
	if err := s.save(req); err != nil {
		return Request{}, err
	}
	debug.LogKV("request", "created", "id", id, "targets", len(targets), "deadline", req.Deadline.Format(time.RFC3339))
	return req, nil
}

// Get loads a request by id.
func (s *Store) Get(id string) (Request, error) {
	var req Request
	if err := fsio.ReadJSON(s.metaPath(id), &req); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Request{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Request{}, err
	}
	if req.Slots == nil {
		req.Slots = make(map[string]*Slot)
	}
	return req, nil
}

// List returns all request records, oldest first. Corrupt records are
// skipped.
func (s *Store) List() ([]Request, error) {
	entries, err := os.ReadDir(filepath.Join(s.teamDir, "requests"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []Request
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		req, err := s.Get(e.Name())
		if err != nil {
			debug.Logf("request", "skipping unreadable request %s: %v", e.Name(), err)
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SetSlotMsgID records the inbox id of the fan-out message delivered to a
// target. Caller must hold the team lock.
func (s *Store) SetSlotMsgID(id, base, msgID string) error {
	req, err := s.Get(id)
	if err != nil {
		return err
	}
	slot := req.Slots[base]
	if slot == nil {
		return fmt.Errorf("request %s has no target %s", id, base)
	}
	slot.MsgID = msgID
	return s.save(req)
}

// Respond records a substantive reply from base, overwriting any earlier
// response for the same target. Caller must hold the team lock.
func (s *Store) Respond(id, base, body string, now time.Time) (Request, error) {
	req, err := s.Get(id)
	if err != nil {
		return Request{}, err
	}
	slot := req.Slots[base]
	if slot == nil {
		return Request{}, fmt.Errorf("request %s has no target %s", id, base)
	}
	if err := fsio.WriteFileAtomic(s.responsePath(id, base), []byte(strings.TrimRight(body, "\n")+"\n")); err != nil {
		return Request{}, err
	}
	*slot = Slot{Status: SlotReplied, MsgID: slot.MsgID, RespondedAt: now}
	if err := s.save(req); err != nil {
		return Request{}, err
	}
	debug.LogKV("request", "response recorded", "id", id, "target", base)
	return req, nil
}

// RespondBlocked records a structured blocked response: the target cannot
// answer yet, optionally naming who it waits on and when to re-check.
// Overwrites any earlier response for the same target. Caller must hold the
// team lock.
func (s *Store) RespondBlocked(id, base, reason, waitingOn string, recheck time.Duration, now time.Time) (Request, error) {
	req, err := s.Get(id)
	if err != nil {
		return Request{}, err
	}
	slot := req.Slots[base]
	if slot == nil {
		return Request{}, fmt.Errorf("request %s has no target %s", id, base)
	}
	*slot = Slot{
		Status:        SlotBlocked,
		MsgID:         slot.MsgID,
		RespondedAt:   now,
		BlockedReason: strings.TrimSpace(reason),
		WaitingOn:     waitingOn,
		BlockedUntil:  now.Add(ClampSnooze(recheck)),
	}
	// A stale substantive response must not survive into the consolidated
	// result once the target declares itself blocked.
	if err := os.Remove(s.responsePath(id, base)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Request{}, err
	}
	if err := s.save(req); err != nil {
		return Request{}, err
	}
	debug.LogKV("request", "blocked recorded", "id", id, "target", base, "until", slot.BlockedUntil.Format(time.RFC3339))
	return req, nil
}

// MarkNudged timestamps a pending slot so the watcher spaces its reminders.
// Caller must hold the team lock.
func (s *Store) MarkNudged(id, base string, now time.Time) error {
	req, err := s.Get(id)
	if err != nil {
		return err
	}
	slot := req.Slots[base]
	if slot == nil {
		return fmt.Errorf("request %s has no target %s", id, base)
	}
	slot.NudgedAt = now
	return s.save(req)
}

// ReadResponse returns the stored response body for a target.
func (s *Store) ReadResponse(id, base string) (string, error) {
	data, err := os.ReadFile(s.responsePath(id, base))
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// MarkFinalized stamps the request with its consolidated result's message
// id and terminal state. Caller must hold the team lock; callers check
// Finalizable first, so a request is finalized at most once.
func (s *Store) MarkFinalized(id, finalMsgID, state string) error {
	req, err := s.Get(id)
	if err != nil {
		return err
	}
	if req.FinalMsgID != "" {
		return fmt.Errorf("request %s already finalized as %s", id, req.FinalMsgID)
	}
	req.FinalMsgID = finalMsgID
	req.State = state
	return s.save(req)
}

// Remove deletes a request record and its responses. Caller must hold the
// team lock.
func (s *Store) Remove(id string) error {
	if _, err := s.Get(id); err != nil {
		return err
	}
	return os.RemoveAll(s.dir(id))
}

func (s *Store) save(req Request) error {
	return fsio.WriteJSONAtomic(s.metaPath(req.ID), req)
}

// RenderResult builds the consolidated result body delivered to the
// requester's inbox: every target's reply, blocked targets with their
// reason, and a no-response marker for the rest.
func (s *Store) RenderResult(req Request, now time.Time) string {
	replied := 0
	for _, base := range req.Targets {
		if slot := req.Slots[base]; slot != nil && slot.Status == SlotReplied {
			replied++
		}
	}
	outcome := "complete"
	if !req.AllReplied() {
		outcome = "timed out"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[REPLY-NEEDED RESULT %s] %d/%d replied (%s)\n", req.ID, replied, len(req.Targets), outcome)
	if q := envelope.Summary(req.Body, 120); q != "" {
		fmt.Fprintf(&b, "Request: %s\n", q)
	}

	var blocked, pending []string
	b.WriteString("\nReplied:\n")
	anyReplied := false
	for _, base := range req.Targets {
		slot := req.Slots[base]
		switch {
		case slot != nil && slot.Status == SlotReplied:
			anyReplied = true
			body, err := s.ReadResponse(req.ID, base)
			if err != nil {
				body = "(response file unreadable)"
			}
			fmt.Fprintf(&b, "- %s:\n%s\n", base, indent(body, "  "))
		case slot != nil && slot.Status == SlotBlocked:
			line := base
			if slot.BlockedReason != "" {
				line += ": " + slot.BlockedReason
			}
			if slot.WaitingOn != "" {
				line += " (waiting on " + slot.WaitingOn + ")"
			}
			blocked = append(blocked, line)
		default:
			pending = append(pending, base)
		}
	}
	if !anyReplied {
		b.WriteString("- (none)\n")
	}
	if len(blocked) > 0 {
		b.WriteString("\nBlocked:\n")
		for _, line := range blocked {
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}
	if len(pending) > 0 {
		b.WriteString("\nPending (no response):\n")
		for _, base := range pending {
			fmt.Fprintf(&b, "- %s\n", base)
		}
	}
	return b.String()
}

func indent(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
