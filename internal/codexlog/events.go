// Package codexlog reads the append-only JSONL session logs written by a
// codex-style CLI agent.
//
// The log schema is external and loosely specified, so parsing is tolerant
// by design: records are matched against a small set of known shapes and
// everything else is skipped, never treated as an error. The only structural
// assumptions are the ones the rest of crew depends on: a session_meta first
// line carrying the working directory, a record marking accepted user input,
// and a record carrying the assistant's reply text.
package codexlog

import (
	"encoding/json"
	"strings"
	"time"
)

// Kind discriminates the record families crew extracts.
type Kind int

const (
	// KindSessionMeta is the first-line metadata record binding a log file to
	// a working directory and session id.
	KindSessionMeta Kind = iota + 1
	// KindUserMessage marks accepted user input (the submission ack).
	KindUserMessage
	// KindAgentMessage carries assistant reply text.
	KindAgentMessage
)

// Event is one extracted log record.
type Event struct {
	Kind      Kind
	Text      string    // message text for user/agent records
	SessionID string    // session id for session_meta records
	Cwd       string    // working directory for session_meta records
	Timestamp time.Time // zero when the record carries no parseable timestamp
}

// Raw envelope shapes. Payloads stay as RawMessage until the discriminator
// says what they are.
type logRecord struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

type sessionMetaPayload struct {
	ID  string `json:"id"`
	Cwd string `json:"cwd"`
}

type eventMsgPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type responseItemPayload struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// ParseLine parses one log line. It returns (event, true, nil) for a
// recognized record, (zero, false, nil) for a valid record of an unknown or
// irrelevant shape, and (zero, false, err) only when the line is not JSON at
// all. Callers treat all three as normal outcomes.
func ParseLine(raw []byte) (Event, bool, error) {
	line := strings.TrimSpace(string(raw))
	if line == "" {
		return Event{}, false, nil
	}

	var rec logRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return Event{}, false, err
	}

	ts := parseTimestamp(rec.Timestamp)

	switch rec.Type {
	case "session_meta":
		var p sessionMetaPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return Event{}, false, nil
		}
		return Event{Kind: KindSessionMeta, SessionID: p.ID, Cwd: p.Cwd, Timestamp: ts}, true, nil

	case "event_msg":
		var p eventMsgPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return Event{}, false, nil
		}
		switch p.Type {
		case "user_message":
			return Event{Kind: KindUserMessage, Text: p.Message, Timestamp: ts}, true, nil
		case "agent_message":
			return Event{Kind: KindAgentMessage, Text: p.Message, Timestamp: ts}, true, nil
		}
		return Event{}, false, nil

	case "response_item":
		var p responseItemPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return Event{}, false, nil
		}
		if p.Type != "message" {
			return Event{}, false, nil
		}
		var kind Kind
		var want string
		switch p.Role {
		case "assistant":
			kind, want = KindAgentMessage, "output_text"
		case "user":
			kind, want = KindUserMessage, "input_text"
		default:
			return Event{}, false, nil
		}
		var parts []string
		for _, c := range p.Content {
			if c.Type == want && c.Text != "" {
				parts = append(parts, c.Text)
			}
		}
		if len(parts) == 0 {
			return Event{}, false, nil
		}
		return Event{Kind: kind, Text: strings.Join(parts, "\n"), Timestamp: ts}, true, nil
	}

	return Event{}, false, nil
}

func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
