// Package inbox implements the durable, file-backed message store behind
// crew's messaging protocol.
//
// Layout under the team directory:
//
//	inbox/<to>/unread/from-<sender>/<id>.md
//	inbox/<to>/read/from-<sender>/<id>.md
//	inbox/<to>/overflow/from-<sender>/<id>.md
//	msg_seq.json
//
// Message ids come from a single team-wide counter, so ids are strictly
// increasing in delivery order for every recipient. Mutating operations
// assume the caller holds the team lock (the same lock the registry uses);
// read-only operations are safe without it because files are written
// atomically and moved, never edited in place.
package inbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agusx1211/crew/internal/debug"
	"github.com/agusx1211/crew/internal/fsio"
	"github.com/agusx1211/crew/pkg/envelope"
)

// ErrMsgNotFound indicates no message with the given id exists for the
// recipient.
var ErrMsgNotFound = errors.New("message not found")

// Message states.
const (
	StateUnread   = "unread"
	StateRead     = "read"
	StateOverflow = "overflow"
	// StateMissing is a receipt-only state: the recipient no longer exists.
	StateMissing = "missing"
)

// Message is one inbox entry.
type Message struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	From      string    `json:"from"`
	FromFull  string    `json:"from_full,omitempty"`
	FromRole  string    `json:"from_role,omitempty"`
	To        string    `json:"to"`
	ToFull    string    `json:"to_full,omitempty"`
	ToRole    string    `json:"to_role,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	SentAt    time.Time `json:"sent_at"`
	Body      string    `json:"-"`
	State     string    `json:"-"`
	Path      string    `json:"-"`
}

// Meta converts the message header to an envelope Meta for framing.
func (m *Message) Meta() envelope.Meta {
	return envelope.Meta{
		ID:       m.ID,
		Kind:     m.Kind,
		From:     m.From,
		To:       m.To,
		FromRole: m.FromRole,
		SentAt:   m.SentAt,
	}
}

// Store is the inbox root for one team directory.
type Store struct {
	teamDir string
}

// Open returns a Store rooted at teamDir.
func Open(teamDir string) *Store {
	return &Store{teamDir: teamDir}
}

func (s *Store) inboxDir(toBase string) string {
	return filepath.Join(s.teamDir, "inbox", toBase)
}

func (s *Store) stateDir(toBase, state, fromBase string) string {
	return filepath.Join(s.inboxDir(toBase), state, "from-"+fromBase)
}

func (s *Store) seqPath() string {
	return filepath.Join(s.teamDir, "msg_seq.json")
}

type seqFile struct {
	NextID int64 `json:"next_id"`
}

// NextID allocates one message id. Caller must hold the team lock.
func (s *Store) NextID() (int64, error) {
	ids, err := s.ReserveIDs(1)
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// ReserveIDs allocates n consecutive message ids. Caller must hold the team
// lock. Pre-reserving lets a fan-out stamp every per-target notification
// before any of them is written.
func (s *Store) ReserveIDs(n int) ([]int64, error) {
	if n <= 0 {
		return nil, nil
	}
	var sf seqFile
	if err := fsio.ReadJSON(s.seqPath(), &sf); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if sf.NextID < 1 {
		sf.NextID = 1
	}
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = sf.NextID + int64(i)
	}
	sf.NextID += int64(n)
	if err := fsio.WriteJSONAtomic(s.seqPath(), sf); err != nil {
		return nil, err
	}
	return ids, nil
}

// Write stores msg as unread. Caller must hold the team lock and must have
// set msg.ID (via NextID/ReserveIDs). Returns the stored path.
func (s *Store) Write(msg Message) (string, error) {
	if strings.TrimSpace(msg.ID) == "" {
		return "", errors.New("inbox: message has no id")
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	dir := s.stateDir(msg.To, StateUnread, msg.From)
	path := filepath.Join(dir, msg.ID+".md")
	if err := fsio.WriteFileAtomic(path, []byte(render(msg))); err != nil {
		return "", err
	}
	debug.LogKV("inbox", "message written", "id", msg.ID, "to", msg.To, "kind", msg.Kind)
	return path, nil
}

// EnforceUnreadCap moves the oldest unread messages from fromBase beyond
// max into the overflow dir. Overflowed messages stay durable and fetchable;
// they are just no longer counted against the live backlog. Caller must
// hold the team lock. Returns how many messages moved.
func (s *Store) EnforceUnreadCap(toBase, fromBase string, max int) (int, error) {
	if max <= 0 {
		return 0, nil
	}
	unreadDir := s.stateDir(toBase, StateUnread, fromBase)
	ids, err := listIDs(unreadDir)
	if err != nil {
		return 0, err
	}
	if len(ids) <= max {
		return 0, nil
	}
	excess := ids[:len(ids)-max] // oldest first
	overflowDir := s.stateDir(toBase, StateOverflow, fromBase)
	if err := os.MkdirAll(overflowDir, 0o755); err != nil {
		return 0, err
	}
	moved := 0
	for _, id := range excess {
		src := filepath.Join(unreadDir, id+".md")
		dst := filepath.Join(overflowDir, id+".md")
		if err := os.Rename(src, dst); err != nil {
			return moved, err
		}
		moved++
	}
	debug.LogKV("inbox", "unread cap enforced", "to", toBase, "from", fromBase, "moved", moved)
	return moved, nil
}

// List returns the recipient's messages in the given states (all states
// when none given), ordered by id.
func (s *Store) List(toBase string, states ...string) ([]Message, error) {
	if len(states) == 0 {
		states = []string{StateUnread, StateOverflow, StateRead}
	}
	var out []Message
	for _, state := range states {
		stateRoot := filepath.Join(s.inboxDir(toBase), state)
		entries, err := os.ReadDir(stateRoot)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() || !strings.HasPrefix(e.Name(), "from-") {
				continue
			}
			dir := filepath.Join(stateRoot, e.Name())
			ids, err := listIDs(dir)
			if err != nil {
				return nil, err
			}
			for _, id := range ids {
				msg, err := readMessage(filepath.Join(dir, id+".md"))
				if err != nil {
					debug.Logf("inbox", "skipping unreadable message %s/%s: %v", dir, id, err)
					continue
				}
				msg.State = state
				out = append(out, msg)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Find locates a message by id in any state.
func (s *Store) Find(toBase, id string) (Message, error) {
	id = canonicalID(id)
	for _, state := range []string{StateUnread, StateOverflow, StateRead} {
		stateRoot := filepath.Join(s.inboxDir(toBase), state)
		entries, err := os.ReadDir(stateRoot)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || !strings.HasPrefix(e.Name(), "from-") {
				continue
			}
			path := filepath.Join(stateRoot, e.Name(), id+".md")
			if _, err := os.Stat(path); err != nil {
				continue
			}
			msg, err := readMessage(path)
			if err != nil {
				return Message{}, err
			}
			msg.State = state
			return msg, nil
		}
	}
	return Message{}, fmt.Errorf("%w: %s for %s", ErrMsgNotFound, id, toBase)
}

// MarkRead moves a message to the read dir. Caller must hold the team lock.
// Marking an already-read message is a no-op.
func (s *Store) MarkRead(toBase, id string) (Message, error) {
	msg, err := s.Find(toBase, id)
	if err != nil {
		return Message{}, err
	}
	if msg.State == StateRead {
		return msg, nil
	}
	dst := filepath.Join(s.stateDir(toBase, StateRead, msg.From), msg.ID+".md")
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Message{}, err
	}
	if err := os.Rename(msg.Path, dst); err != nil {
		return Message{}, err
	}
	msg.Path = dst
	msg.State = StateRead
	return msg, nil
}

// Receipt reports the read-tracking state of a message for a recipient:
// unread, read, overflow, or missing (no such message for that recipient).
func (s *Store) Receipt(toBase, id string) string {
	msg, err := s.Find(toBase, id)
	if err != nil {
		return StateMissing
	}
	return msg.State
}

func canonicalID(id string) string {
	id = strings.TrimSpace(id)
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return envelope.FormatID(n)
	}
	return id
}

func listIDs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".md"))
	}
	sort.Strings(ids)
	return ids, nil
}

func render(msg Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "id: %s\n", msg.ID)
	fmt.Fprintf(&b, "kind: %s\n", msg.Kind)
	fmt.Fprintf(&b, "from: %s\n", msg.From)
	if msg.FromFull != "" {
		fmt.Fprintf(&b, "from_full: %s\n", msg.FromFull)
	}
	if msg.FromRole != "" {
		fmt.Fprintf(&b, "from_role: %s\n", msg.FromRole)
	}
	fmt.Fprintf(&b, "to: %s\n", msg.To)
	if msg.ToFull != "" {
		fmt.Fprintf(&b, "to_full: %s\n", msg.ToFull)
	}
	if msg.ToRole != "" {
		fmt.Fprintf(&b, "to_role: %s\n", msg.ToRole)
	}
	if msg.RequestID != "" {
		fmt.Fprintf(&b, "request_id: %s\n", msg.RequestID)
	}
	fmt.Fprintf(&b, "sent_at: %s\n", msg.SentAt.Format(time.RFC3339))
	b.WriteString("---\n")
	b.WriteString(strings.TrimRight(msg.Body, "\n"))
	b.WriteString("\n")
	return b.String()
}

func readMessage(path string) (Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Message{}, err
	}
	msg := Message{Path: path}
	lines := strings.Split(string(data), "\n")
	bodyStart := len(lines)
	for i, line := range lines {
		if strings.TrimSpace(line) == "---" {
			bodyStart = i + 1
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "id":
			msg.ID = value
		case "kind":
			msg.Kind = value
		case "from":
			msg.From = value
		case "from_full":
			msg.FromFull = value
		case "from_role":
			msg.FromRole = value
		case "to":
			msg.To = value
		case "to_full":
			msg.ToFull = value
		case "to_role":
			msg.ToRole = value
		case "request_id":
			msg.RequestID = value
		case "sent_at":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				msg.SentAt = t
			}
		}
	}
	if bodyStart < len(lines) {
		msg.Body = strings.TrimRight(strings.Join(lines[bodyStart:], "\n"), "\n")
	}
	if msg.ID == "" {
		return Message{}, fmt.Errorf("inbox: %s has no id header", path)
	}
	return msg, nil
}
