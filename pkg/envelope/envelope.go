// Package envelope defines the plain-text framing crew wraps around message
// bodies when they are injected into a worker's terminal, and the short
// notice format that points at a durable inbox entry instead of carrying
// the body.
//
// The framing is deliberately line-oriented and greppable: workers are CLI
// agents that read their own terminal, so the envelope has to survive being
// interleaved with arbitrary program output.
package envelope

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// IDWidth is the zero-padded width of message ids in file names and frames.
const IDWidth = 6

// Meta is the header of a framed message.
type Meta struct {
	ID       string
	Kind     string // notice | action | reply-needed | reply-needed-result | report
	From     string // sender base
	To       string // recipient base
	FromRole string
	SentAt   time.Time
}

// FormatID renders a numeric message id in its canonical zero-padded form.
func FormatID(n int64) string {
	return fmt.Sprintf("%0*d", IDWidth, n)
}

// Format frames a full message body for terminal delivery.
func Format(m Meta, body string) string {
	ts := m.SentAt
	if ts.IsZero() {
		ts = time.Now()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[CREW-MSG id=%s kind=%s from=%s to=%s role=%s ts=%s]\n",
		m.ID, m.Kind, m.From, m.To, m.FromRole, ts.Format("2006-01-02T15:04:05"))
	b.WriteString(strings.TrimRight(body, "\n"))
	fmt.Fprintf(&b, "\n[CREW-END id=%s]", m.ID)
	return b.String()
}

// Notice renders the short wake line injected instead of a body: enough for
// the recipient to fetch and acknowledge the real message.
func Notice(m Meta, summary string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[CREW-INBOX] new %s msg id=%s from=%s (role=%s).", m.Kind, m.ID, m.From, m.FromRole)
	if s := strings.TrimSpace(summary); s != "" {
		fmt.Fprintf(&b, " %s.", s)
	}
	fmt.Fprintf(&b, " Open: `crew inbox open %s --as %s` then ack: `crew inbox ack %s --as %s`.",
		m.ID, m.To, m.ID, m.To)
	return b.String()
}

var headerRe = regexp.MustCompile(`^\[CREW-MSG id=(\S+) kind=(\S+) from=(\S+) to=(\S+) role=(\S*) ts=(\S+)\]$`)

// Parse extracts a framed message from text. Returns ok=false when text does
// not contain a complete frame.
func Parse(text string) (Meta, string, bool) {
	lines := strings.Split(text, "\n")
	start := -1
	var m Meta
	for i, line := range lines {
		if groups := headerRe.FindStringSubmatch(strings.TrimSpace(line)); groups != nil {
			m = Meta{ID: groups[1], Kind: groups[2], From: groups[3], To: groups[4], FromRole: groups[5]}
			if ts, err := time.Parse("2006-01-02T15:04:05", groups[6]); err == nil {
				m.SentAt = ts
			}
			start = i
			break
		}
	}
	if start < 0 {
		return Meta{}, "", false
	}
	endMark := fmt.Sprintf("[CREW-END id=%s]", m.ID)
	for i := start + 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == endMark {
			return m, strings.Join(lines[start+1:i], "\n"), true
		}
	}
	return Meta{}, "", false
}

// Summary returns the first non-empty body line, truncated for notices and
// receipts listings.
func Summary(body string, max int) string {
	for _, line := range strings.Split(body, "\n") {
		s := strings.TrimSpace(line)
		if s == "" {
			continue
		}
		if runes := []rune(s); max > 0 && len(runes) > max {
			return string(runes[:max-1]) + "…"
		}
		return s
	}
	return ""
}
