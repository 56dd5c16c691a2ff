package codexlog

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func metaLine(id, cwd string) string {
	return fmt.Sprintf(`{"timestamp":"2026-01-02T10:00:00Z","type":"session_meta","payload":{"id":%q,"cwd":%q}}`, id, cwd)
}

func userLine(msg string) string {
	return fmt.Sprintf(`{"timestamp":"2026-01-02T10:00:01Z","type":"event_msg","payload":{"type":"user_message","message":%q}}`, msg)
}

func agentLine(msg string) string {
	return fmt.Sprintf(`{"timestamp":"2026-01-02T10:00:02Z","type":"event_msg","payload":{"type":"agent_message","message":%q}}`, msg)
}

func TestParseLineSessionMeta(t *testing.T) {
	ev, ok, err := ParseLine([]byte(metaLine("sess-1", "/work/proj")))
	if err != nil || !ok {
		t.Fatalf("ParseLine: ok=%v err=%v", ok, err)
	}
	if ev.Kind != KindSessionMeta || ev.SessionID != "sess-1" || ev.Cwd != "/work/proj" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Fatal("timestamp should parse")
	}
}

func TestParseLineEventMessages(t *testing.T) {
	ev, ok, _ := ParseLine([]byte(userLine("hello")))
	if !ok || ev.Kind != KindUserMessage || ev.Text != "hello" {
		t.Fatalf("user: %+v ok=%v", ev, ok)
	}
	ev, ok, _ = ParseLine([]byte(agentLine("你好")))
	if !ok || ev.Kind != KindAgentMessage || ev.Text != "你好" {
		t.Fatalf("agent: %+v ok=%v", ev, ok)
	}
}

func TestParseLineResponseItem(t *testing.T) {
	line := `{"type":"response_item","payload":{"type":"message","role":"assistant","content":[{"type":"output_text","text":"part1"},{"type":"reasoning","text":"hidden"},{"type":"output_text","text":"part2"}]}}`
	ev, ok, err := ParseLine([]byte(line))
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if ev.Kind != KindAgentMessage || ev.Text != "part1\npart2" {
		t.Fatalf("unexpected: %+v", ev)
	}

	line = `{"type":"response_item","payload":{"type":"message","role":"user","content":[{"type":"input_text","text":"question"}]}}`
	ev, ok, _ = ParseLine([]byte(line))
	if !ok || ev.Kind != KindUserMessage || ev.Text != "question" {
		t.Fatalf("user response_item: %+v ok=%v", ev, ok)
	}
}

func TestParseLineUnknownShapesSkippedNotErrors(t *testing.T) {
	for _, line := range []string{
		`{"type":"turn_context","payload":{"model":"gpt"}}`,
		`{"type":"event_msg","payload":{"type":"token_count","count":12}}`,
		`{"type":"response_item","payload":{"type":"function_call","name":"shell"}}`,
		`{"type":"something_new","extra_field":true}`,
		`{}`,
		``,
	} {
		ev, ok, err := ParseLine([]byte(line))
		if err != nil {
			t.Errorf("line %q: unexpected error %v", line, err)
		}
		if ok {
			t.Errorf("line %q: should be skipped, got %+v", line, ev)
		}
	}
}

func TestParseLineMalformed(t *testing.T) {
	_, ok, err := ParseLine([]byte("not json at all"))
	if ok || err == nil {
		t.Fatal("expected parse error for non-JSON line")
	}
}

func writeLog(t *testing.T, path string, lines ...string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	for _, l := range lines {
		if _, err := f.WriteString(l + "\n"); err != nil {
			t.Fatal(err)
		}
	}
}

func TestFindForCwdPrefersMatchingMeta(t *testing.T) {
	root := t.TempDir()
	work := t.TempDir()
	other := filepath.Join(root, "2026", "01", "01", "other.jsonl")
	match := filepath.Join(root, "2026", "01", "02", "match.jsonl")
	writeLog(t, other, metaLine("s-other", "/somewhere/else"))
	writeLog(t, match, metaLine("s-match", work))
	// The non-matching log is newer; cwd matching must still win.
	newer := time.Now().Add(time.Hour)
	if err := os.Chtimes(other, newer, newer); err != nil {
		t.Fatal(err)
	}

	got, err := FindForCwd(root, work)
	if err != nil {
		t.Fatalf("FindForCwd: %v", err)
	}
	if got != match {
		t.Fatalf("got %s, want %s", got, match)
	}
}

func TestFindForCwdFallsBackToNewest(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "a.jsonl")
	b := filepath.Join(root, "b.jsonl")
	writeLog(t, a, metaLine("s-a", "/elsewhere"))
	writeLog(t, b, metaLine("s-b", "/also-elsewhere"))
	newer := time.Now().Add(time.Hour)
	if err := os.Chtimes(b, newer, newer); err != nil {
		t.Fatal(err)
	}

	got, err := FindForCwd(root, "/no/such/dir")
	if err != nil {
		t.Fatalf("FindForCwd: %v", err)
	}
	if got != b {
		t.Fatalf("fallback should pick newest, got %s", got)
	}
}

func TestFindForCwdEmptyRoot(t *testing.T) {
	if _, err := FindForCwd(t.TempDir(), "/work"); err == nil {
		t.Fatal("expected ErrNoLog")
	}
}

func TestTailerWholeLinesOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	writeLog(t, path, metaLine("s", "/w"))
	tl := NewTailer(path, 0)

	events, err := tl.Poll()
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(events) != 1 || events[0].Kind != KindSessionMeta {
		t.Fatalf("unexpected events: %+v", events)
	}
	offsetAfterMeta := tl.Offset()

	// Append a partial line: it must not be consumed yet.
	partial := userLine("hi")
	half := partial[:len(partial)/2]
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(half); err != nil {
		t.Fatal(err)
	}
	f.Close()

	events, err = tl.Poll()
	if err != nil {
		t.Fatalf("Poll partial: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("partial line must not produce events: %+v", events)
	}
	if tl.Offset() != offsetAfterMeta {
		t.Fatal("offset must not advance past a partial line")
	}

	// Complete the line.
	f, err = os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(partial[len(half):] + "\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	events, err = tl.Poll()
	if err != nil {
		t.Fatalf("Poll completed: %v", err)
	}
	if len(events) != 1 || events[0].Text != "hi" {
		t.Fatalf("expected completed user message, got %+v", events)
	}
	if tl.Offset() <= offsetAfterMeta {
		t.Fatal("offset should advance past the completed line")
	}
}

func TestPollFirstPreservesLaterEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	writeLog(t, path,
		metaLine("s", "/w"),
		userLine("prompt"),
		agentLine("reply"),
	)
	tl := NewTailer(path, 0)

	ack, found, err := tl.PollFirst(func(ev Event) bool { return ev.Kind == KindUserMessage })
	if err != nil || !found {
		t.Fatalf("ack: found=%v err=%v", found, err)
	}
	if ack.Text != "prompt" {
		t.Fatalf("ack text: %q", ack.Text)
	}

	// The reply recorded after the ack must still be readable.
	reply, found, err := tl.PollFirst(func(ev Event) bool { return ev.Kind == KindAgentMessage })
	if err != nil || !found {
		t.Fatalf("reply: found=%v err=%v", found, err)
	}
	if reply.Text != "reply" {
		t.Fatalf("reply text: %q", reply.Text)
	}
}

func TestTailerSkipsGarbageLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	writeLog(t, path, "garbage not json", agentLine("ok"))
	tl := NewTailer(path, 0)
	events, err := tl.Poll()
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(events) != 1 || events[0].Text != "ok" {
		t.Fatalf("garbage should be skipped: %+v", events)
	}
}

func TestLatestExchanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	writeLog(t, path,
		metaLine("s", "/w"),
		userLine("q1"), agentLine("a1"),
		userLine("q2"), agentLine("a2-draft"), agentLine("a2"),
		userLine("q3"),
	)

	all, err := LatestExchanges(path, 0)
	if err != nil {
		t.Fatalf("LatestExchanges: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 exchanges, got %d", len(all))
	}
	if all[1].Prompt != "q2" || all[1].Reply != "a2" {
		t.Fatalf("consecutive replies should keep latest: %+v", all[1])
	}
	if all[2].Prompt != "q3" || all[2].Reply != "" {
		t.Fatalf("unanswered prompt: %+v", all[2])
	}

	last, err := LatestExchanges(path, 1)
	if err != nil || len(last) != 1 || last[0].Prompt != "q3" {
		t.Fatalf("limit: %+v err=%v", last, err)
	}
}

func TestWatchFileSignalsOnAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	writeLog(t, path, metaLine("s", "/w"))

	w := WatchFile(path, 50*time.Millisecond)
	defer w.Close()

	writeLog(t, path, userLine("hi"))
	select {
	case <-w.C():
	case <-time.After(2 * time.Second):
		t.Fatal("no wake signal within 2s (even the fallback ticker should fire)")
	}
}
