package registry

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// Member is one worker record, stored as registry/<full>.json in the team
// directory. Identity never changes after creation; lifecycle fields are
// mutated in place.
type Member struct {
	Full  string `json:"full"`            // globally unique, doubles as tmux session and home dir name
	Base  string `json:"base"`            // human label, e.g. "codex-a"
	Role  string `json:"role,omitempty"`  // policy role, e.g. "coord", "admin", "impl"
	Scope string `json:"scope,omitempty"` // free-form responsibility note

	Parent   string   `json:"parent,omitempty"`   // full name; empty for a root
	Children []string `json:"children,omitempty"` // full names, set only at spawn

	WorkDir  string `json:"work_dir,omitempty"`
	HomePath string `json:"home_path,omitempty"` // isolated home under the workers root
	LogRoot  string `json:"log_root,omitempty"`  // sessions dir inside the home

	LogPath   string `json:"log_path,omitempty"`   // cached bound log file
	SessionID string `json:"session_id,omitempty"` // agent session id, used for resume

	Running   bool      `json:"running"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasChild reports whether full is already linked as a child.
func (m *Member) HasChild(full string) bool {
	for _, c := range m.Children {
		if c == full {
			return true
		}
	}
	return false
}

// AddChild links a child full name, deduplicating.
func (m *Member) AddChild(full string) {
	if full == "" || m.HasChild(full) {
		return
	}
	m.Children = append(m.Children, full)
}

// fullNameRe matches "<base>-<millis>-<pid>". Base labels are restricted so
// they stay safe as tmux session names and directory names.
var fullNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*-\d+-\d+$`)

var baseNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// IsFullName reports whether s has the shape of a generated full name.
func IsFullName(s string) bool {
	return fullNameRe.MatchString(s)
}

// ValidBase reports whether s is acceptable as a base label.
func ValidBase(s string) bool {
	return baseNameRe.MatchString(s)
}

// NewFullName allocates a unique full name for base. Millisecond timestamp
// plus pid makes collisions practically impossible; taken guards against the
// residual case (two allocations in the same millisecond in one process).
func NewFullName(base string, taken func(string) bool) (string, error) {
	base = strings.TrimSpace(base)
	if !ValidBase(base) {
		return "", fmt.Errorf("invalid base name: %q", base)
	}
	pid := os.Getpid()
	ts := time.Now().UnixMilli()
	for i := 0; i < 1000; i++ {
		full := fmt.Sprintf("%s-%d-%d", base, ts+int64(i), pid)
		if taken == nil || !taken(full) {
			return full, nil
		}
	}
	return "", fmt.Errorf("could not allocate a unique name for base %q", base)
}

// BaseOf extracts the base label from a full name, or returns s unchanged
// when it is not a full name.
func BaseOf(s string) string {
	if !IsFullName(s) {
		return s
	}
	parts := strings.Split(s, "-")
	if len(parts) < 3 {
		return s
	}
	return strings.Join(parts[:len(parts)-2], "-")
}
