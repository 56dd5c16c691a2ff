package inject

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agusx1211/crew/internal/codexlog"
)

type fakeSession struct {
	mu       sync.Mutex
	literals []string
	pastes   []string
	enters   int
}

func (f *fakeSession) SendLiteral(name, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.literals = append(f.literals, text)
	return nil
}

func (f *fakeSession) SendEnter(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enters++
	return nil
}

func (f *fakeSession) PasteText(name, buffer, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pastes = append(f.pastes, text)
	return nil
}

func (f *fakeSession) counts() (literals, pastes, enters int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.literals), len(f.pastes), f.enters
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		t.Fatal(err)
	}
}

func userLine(msg string) string {
	return fmt.Sprintf(`{"timestamp":%q,"type":"event_msg","payload":{"type":"user_message","message":%q}}`,
		time.Now().UTC().Format(time.RFC3339Nano), msg)
}

func agentLine(msg string) string {
	return fmt.Sprintf(`{"timestamp":%q,"type":"event_msg","payload":{"type":"agent_message","message":%q}}`,
		time.Now().UTC().Format(time.RFC3339Nano), msg)
}

func newTestInjector(backend Session) *Injector {
	in := New(backend, NudgePolicy{
		SettleDelay: 5 * time.Millisecond,
		NudgeAfter:  40 * time.Millisecond,
		NudgeMax:    3,
	}, 200)
	in.tickEvery = 5 * time.Millisecond
	return in
}

func TestNudgePolicyNext(t *testing.T) {
	p := NudgePolicy{NudgeAfter: 700 * time.Millisecond, NudgeMax: 3}
	cases := []struct {
		elapsed time.Duration
		nudges  int
		want    Action
	}{
		{0, 0, ActionWait},
		{699 * time.Millisecond, 0, ActionWait},
		{700 * time.Millisecond, 0, ActionNudge},
		{900 * time.Millisecond, 1, ActionWait},
		{1400 * time.Millisecond, 1, ActionNudge},
		{2100 * time.Millisecond, 2, ActionNudge},
		{2100 * time.Millisecond, 3, ActionWait},
		{2800 * time.Millisecond, 3, ActionGiveUp},
	}
	for _, c := range cases {
		if got := p.Next(c.elapsed, c.nudges); got != c.want {
			t.Errorf("Next(%v, %d) = %v, want %v", c.elapsed, c.nudges, got, c.want)
		}
	}
}

func TestUsesPaste(t *testing.T) {
	in := New(&fakeSession{}, NudgePolicy{}, 200)
	if in.UsesPaste("short") {
		t.Error("short single-line text should be literal")
	}
	if !in.UsesPaste("line1\nline2") {
		t.Error("multiline must paste")
	}
	long := make([]byte, 201)
	for i := range long {
		long[i] = 'x'
	}
	if !in.UsesPaste(string(long)) {
		t.Error("long text must paste")
	}
}

func TestInjectConfirmsWithDelayedAck(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "s.jsonl")
	appendLine(t, logPath, `{"type":"session_meta","payload":{"id":"s","cwd":"/w"}}`)

	backend := &fakeSession{}
	in := newTestInjector(backend)

	tail, err := codexlog.TailerAtEnd(logPath)
	if err != nil {
		t.Fatal(err)
	}

	// Simulated REPL that acks only after a delay longer than one nudge
	// interval, forcing at least one nudge.
	go func() {
		time.Sleep(90 * time.Millisecond)
		appendLine(t, logPath, userLine("the prompt\nline two"))
	}()

	prompt := "the prompt\nline two"
	if err := in.Inject("w-1-1", prompt, tail); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	literals, pastes, enters := backend.counts()
	if pastes != 1 || literals != 0 {
		t.Fatalf("multiline prompt must be pasted exactly once: pastes=%d literals=%d", pastes, literals)
	}
	// The full text is delivered once; nudges only re-send the submit key.
	if enters < 2 {
		t.Fatalf("expected initial submit plus at least one nudge, got %d enters", enters)
	}
}

func TestInjectGivesUpAfterNudgeBudget(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "s.jsonl")
	appendLine(t, logPath, `{"type":"session_meta","payload":{"id":"s","cwd":"/w"}}`)

	backend := &fakeSession{}
	in := newTestInjector(backend)

	tail, err := codexlog.TailerAtEnd(logPath)
	if err != nil {
		t.Fatal(err)
	}

	err = in.Inject("w-1-1", "never acked", tail)
	if !errors.Is(err, ErrSubmissionUnconfirmed) {
		t.Fatalf("expected ErrSubmissionUnconfirmed, got %v", err)
	}

	literals, pastes, enters := backend.counts()
	if literals != 1 || pastes != 0 {
		t.Fatalf("short prompt should be sent literally exactly once: literals=%d pastes=%d", literals, pastes)
	}
	// Initial submit + full nudge budget, never the text again.
	if enters != 1+3 {
		t.Fatalf("expected 4 enters (1 submit + 3 nudges), got %d", enters)
	}
}

func TestInjectIgnoresStaleUserMessages(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "s.jsonl")
	// A stale user message that predates the injection by far.
	stale := fmt.Sprintf(`{"timestamp":%q,"type":"event_msg","payload":{"type":"user_message","message":"old"}}`,
		time.Now().Add(-time.Hour).UTC().Format(time.RFC3339Nano))
	appendLine(t, logPath, stale)

	backend := &fakeSession{}
	in := newTestInjector(backend)

	// Baseline at end already excludes the stale line; rewind to force the
	// timestamp filter to do the work.
	tail := codexlog.NewTailer(logPath, 0)

	err := in.Inject("w-1-1", "hello", tail)
	if !errors.Is(err, ErrSubmissionUnconfirmed) {
		t.Fatalf("stale ack must not confirm, got %v", err)
	}
}

func TestWaitReply(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "s.jsonl")
	appendLine(t, logPath, `{"type":"session_meta","payload":{"id":"s","cwd":"/w"}}`)

	in := newTestInjector(&fakeSession{})
	tail, err := codexlog.TailerAtEnd(logPath)
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		appendLine(t, logPath, agentLine("the reply"))
	}()

	reply, err := in.WaitReply(tail, 5*time.Second)
	if err != nil {
		t.Fatalf("WaitReply: %v", err)
	}
	if reply != "the reply" {
		t.Fatalf("reply: %q", reply)
	}
}

func TestWaitReplyTimeout(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "s.jsonl")
	appendLine(t, logPath, `{"type":"session_meta","payload":{"id":"s","cwd":"/w"}}`)

	in := newTestInjector(&fakeSession{})
	tail, err := codexlog.TailerAtEnd(logPath)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err = in.WaitReply(tail, 150*time.Millisecond)
	if !errors.Is(err, ErrNoReply) {
		t.Fatalf("expected ErrNoReply, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout overshot: %v", elapsed)
	}
}

func TestRescanInterval(t *testing.T) {
	cases := []struct {
		timeout time.Duration
		want    time.Duration
	}{
		{30 * time.Second, 2 * time.Second},
		{1 * time.Second, 500 * time.Millisecond},
		{200 * time.Millisecond, 200 * time.Millisecond},
	}
	for _, c := range cases {
		if got := rescanInterval(c.timeout); got != c.want {
			t.Errorf("rescanInterval(%v) = %v, want %v", c.timeout, got, c.want)
		}
	}
}
