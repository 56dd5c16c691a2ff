// Package comm is the messaging layer: policy-checked sends into durable
// inboxes, broadcasts, and the reply-needed (gather) fan-out/fan-in flow.
//
// Delivery is inbox-first: the body always lands in the recipient's durable
// inbox, and the terminal only ever receives a short wake notice pointing
// at the message id. Terminal injection is best-effort; the inbox is the
// source of truth.
package comm

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agusx1211/crew/internal/debug"
	"github.com/agusx1211/crew/internal/inbox"
	"github.com/agusx1211/crew/internal/policy"
	"github.com/agusx1211/crew/internal/registry"
	"github.com/agusx1211/crew/internal/request"
	"github.com/agusx1211/crew/internal/worker"
	"github.com/agusx1211/crew/pkg/envelope"
)

// Message kinds.
const (
	KindNotice      = "notice"
	KindAction      = "action"
	KindReplyNeeded = "reply-needed"
	KindResult      = "reply-needed-result"
)

// SystemSender is the reserved sender name for messages crew itself
// produces (consolidated gather results, watcher reminders).
const SystemSender = "crew"

// summaryWidth truncates bodies quoted in wake notices.
const summaryWidth = 80

// Messenger runs messaging operations for one team.
type Messenger struct {
	Manager  *worker.Manager
	Policy   *policy.TeamPolicy
	Registry *registry.Store
	Inbox    *inbox.Store
	Requests *request.Store

	// MaxUnreadPerThread caps live unread messages per sender/recipient
	// pair; older ones overflow. Zero means the default of 20.
	MaxUnreadPerThread int
}

// NewMessenger wires a Messenger over the manager's team.
func NewMessenger(mgr *worker.Manager, pol *policy.TeamPolicy) *Messenger {
	teamDir := mgr.Registry.TeamDir()
	return &Messenger{
		Manager:  mgr,
		Policy:   pol,
		Registry: mgr.Registry,
		Inbox:    inbox.Open(teamDir),
		Requests: request.Open(teamDir),
	}
}

// Send delivers one message from fromTarget to toTarget after a comm-policy
// check. With wake set, a short notice is additionally injected into the
// recipient's terminal; injection failure never fails the send.
func (c *Messenger) Send(fromTarget, toTarget, kind, body string, wake bool) (inbox.Message, error) {
	var msg inbox.Message
	err := c.Registry.Locked(func(tx *registry.Tx) error {
		from, err := tx.Resolve(fromTarget)
		if err != nil {
			return err
		}
		to, err := tx.Resolve(toTarget)
		if err != nil {
			return err
		}
		if err := c.Policy.RequireComm(tx, from.Full, to.Full); err != nil {
			return err
		}
		msg, err = c.writeMessage(from, to, kind, body, "")
		return err
	})
	if err != nil {
		return inbox.Message{}, err
	}
	if wake {
		c.wake(msg)
	}
	return msg, nil
}

// Broadcast fans a message out to every registered base matching the role
// filter (all roles when role is empty), excluding the sender and any role
// the policy excludes as a broadcast target. Requires broadcast permission
// for the sender's role.
func (c *Messenger) Broadcast(fromTarget, kind, body, role string, wake bool) ([]inbox.Message, error) {
	var msgs []inbox.Message
	err := c.Registry.Locked(func(tx *registry.Tx) error {
		from, err := tx.Resolve(fromTarget)
		if err != nil {
			return err
		}
		if !c.Policy.MayBroadcast(from.Role) {
			return fmt.Errorf("%w: role %q may not broadcast", policy.ErrDenied, from.Role)
		}
		targets, err := latestPerBase(tx, func(m registry.Member) bool {
			if m.Base == from.Base {
				return false
			}
			if role != "" && !strings.EqualFold(m.Role, role) {
				return false
			}
			return c.Policy.BroadcastTarget(m.Role)
		})
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			return fmt.Errorf("%w: no broadcast targets", registry.ErrNotFound)
		}
		for _, to := range targets {
			msg, err := c.writeMessage(from, to, kind, body, "")
			if err != nil {
				return err
			}
			msgs = append(msgs, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if wake {
		for _, msg := range msgs {
			c.wake(msg)
		}
	}
	return msgs, nil
}

// Open fetches a message body for a recipient without changing its state.
func (c *Messenger) Open(asBase, id string) (inbox.Message, error) {
	return c.Inbox.Find(asBase, id)
}

// Ack marks a message read.
func (c *Messenger) Ack(asBase, id string) (inbox.Message, error) {
	var msg inbox.Message
	err := c.Registry.Locked(func(tx *registry.Tx) error {
		var err error
		msg, err = c.Inbox.MarkRead(asBase, id)
		return err
	})
	return msg, err
}

// Receipts reports each recipient's read-tracking state for a message id.
func (c *Messenger) Receipts(id string, recipients []string) map[string]string {
	out := make(map[string]string, len(recipients))
	for _, base := range recipients {
		out[base] = c.Inbox.Receipt(base, id)
	}
	return out
}

// Gather creates a reply-needed request and fans one message per target
// into the targets' inboxes, all under one lock so a crash never leaves a
// request without its fan-out ids. Targets are base labels; each must pass
// the comm policy against the sender.
func (c *Messenger) Gather(fromTarget string, targets []string, body string, timeout time.Duration, wake bool) (request.Request, []inbox.Message, error) {
	var req request.Request
	var msgs []inbox.Message
	err := c.Registry.Locked(func(tx *registry.Tx) error {
		from, err := tx.Resolve(fromTarget)
		if err != nil {
			return err
		}
		resolved := make([]registry.Member, 0, len(targets))
		bases := make([]string, 0, len(targets))
		for _, t := range targets {
			to, err := tx.Resolve(t)
			if err != nil {
				return err
			}
			if err := c.Policy.RequireComm(tx, from.Full, to.Full); err != nil {
				return err
			}
			resolved = append(resolved, to)
			bases = append(bases, to.Base)
		}
		req, err = c.Requests.Create(request.NewID(), from.Base, from.Full, body, bases, timeout, time.Now())
		if err != nil {
			return err
		}
		for _, to := range resolved {
			msg, err := c.writeMessage(from, to, KindReplyNeeded, body, req.ID)
			if err != nil {
				return err
			}
			if err := c.Requests.SetSlotMsgID(req.ID, to.Base, msg.ID); err != nil {
				return err
			}
			msgs = append(msgs, msg)
		}
		req, err = c.Requests.Get(req.ID)
		return err
	})
	if err != nil {
		return request.Request{}, nil, err
	}
	if wake {
		for _, msg := range msgs {
			c.wake(msg)
		}
	}
	return req, msgs, nil
}

// Respond records asBase's substantive reply to a request and finalizes the
// request when it became complete.
func (c *Messenger) Respond(reqID, asBase, body string) (request.Request, bool, error) {
	var req request.Request
	finalized := false
	err := c.Registry.Locked(func(tx *registry.Tx) error {
		var err error
		req, err = c.Requests.Respond(reqID, asBase, body, time.Now())
		if err != nil {
			return err
		}
		finalized, err = c.finalizeLocked(&req, time.Now())
		return err
	})
	return req, finalized, err
}

// RespondBlocked records a structured blocked response with an optional
// re-check delay and waiting-on reference. Blocked never completes the
// request, so no finalization is attempted here.
func (c *Messenger) RespondBlocked(reqID, asBase, reason, waitingOn string, recheck time.Duration) (request.Request, error) {
	var req request.Request
	err := c.Registry.Locked(func(tx *registry.Tx) error {
		var err error
		req, err = c.Requests.RespondBlocked(reqID, asBase, reason, waitingOn, recheck, time.Now())
		return err
	})
	return req, err
}

// FinalizeDue consolidates every request that is complete or past its
// deadline, returning the finalized request ids. The watcher calls this on
// its tick; the respond path already finalizes the all-replied case, so
// this mostly sweeps timeouts.
func (c *Messenger) FinalizeDue(now time.Time) ([]string, error) {
	reqs, err := c.Requests.List()
	if err != nil {
		return nil, err
	}
	var done []string
	for i := range reqs {
		if !reqs[i].Finalizable(now) {
			continue
		}
		err := c.Registry.Locked(func(tx *registry.Tx) error {
			req, err := c.Requests.Get(reqs[i].ID)
			if err != nil {
				return err
			}
			finalized, err := c.finalizeLocked(&req, now)
			if err != nil {
				return err
			}
			if finalized {
				done = append(done, req.ID)
			}
			return nil
		})
		if err != nil {
			debug.Logf("comm", "finalize %s: %v", reqs[i].ID, err)
		}
	}
	return done, nil
}

// finalizeLocked delivers the consolidated result exactly once. The caller
// holds the team lock; the Finalizable check under that lock is the
// exactly-once guard (the final message id is stamped before release).
func (c *Messenger) finalizeLocked(req *request.Request, now time.Time) (bool, error) {
	if !req.Finalizable(now) {
		return false, nil
	}
	state := request.StateTimedOut
	if req.AllReplied() {
		state = request.StateComplete
	}
	id, err := c.Inbox.NextID()
	if err != nil {
		return false, err
	}
	msg := inbox.Message{
		ID:        envelope.FormatID(id),
		Kind:      KindResult,
		From:      SystemSender,
		To:        req.From,
		RequestID: req.ID,
		SentAt:    now,
		Body:      c.Requests.RenderResult(*req, now),
	}
	if _, err := c.Inbox.Write(msg); err != nil {
		return false, err
	}
	if err := c.Requests.MarkFinalized(req.ID, msg.ID, state); err != nil {
		return false, err
	}
	req.FinalMsgID = msg.ID
	req.State = state
	debug.LogKV("comm", "request finalized", "id", req.ID, "state", state, "msg", msg.ID)
	return true, nil
}

// writeMessage allocates an id, writes the inbox entry, and enforces the
// per-thread unread cap. Caller holds the team lock.
func (c *Messenger) writeMessage(from, to registry.Member, kind, body, reqID string) (inbox.Message, error) {
	id, err := c.Inbox.NextID()
	if err != nil {
		return inbox.Message{}, err
	}
	msg := inbox.Message{
		ID:        envelope.FormatID(id),
		Kind:      kind,
		From:      from.Base,
		FromFull:  from.Full,
		FromRole:  from.Role,
		To:        to.Base,
		ToFull:    to.Full,
		ToRole:    to.Role,
		RequestID: reqID,
		SentAt:    time.Now(),
		Body:      body,
	}
	if _, err := c.Inbox.Write(msg); err != nil {
		return inbox.Message{}, err
	}
	if _, err := c.Inbox.EnforceUnreadCap(to.Base, from.Base, c.unreadCap()); err != nil {
		return inbox.Message{}, err
	}
	return msg, nil
}

func (c *Messenger) unreadCap() int {
	if c.MaxUnreadPerThread > 0 {
		return c.MaxUnreadPerThread
	}
	return 20
}

// wake injects a short notice pointing at msg into the recipient's
// terminal. Best-effort: the durable inbox already holds the body.
func (c *Messenger) wake(msg inbox.Message) {
	if c.Manager == nil {
		return
	}
	notice := envelope.Notice(msg.Meta(), envelope.Summary(msg.Body, summaryWidth))
	if err := c.Manager.Inject(msg.To, notice); err != nil {
		debug.Logf("comm", "wake %s for msg %s: %v", msg.To, msg.ID, err)
	}
}

// latestPerBase returns the most recently updated member per base label
// among those pass admits.
func latestPerBase(tx *registry.Tx, pass func(registry.Member) bool) ([]registry.Member, error) {
	members, err := tx.List()
	if err != nil {
		return nil, err
	}
	best := map[string]registry.Member{}
	for _, m := range members {
		if !pass(m) {
			continue
		}
		if cur, ok := best[m.Base]; !ok || m.UpdatedAt.After(cur.UpdatedAt) {
			best[m.Base] = m
		}
	}
	out := make([]registry.Member, 0, len(best))
	for _, m := range best {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })
	return out, nil
}
