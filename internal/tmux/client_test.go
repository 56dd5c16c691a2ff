package tmux

import (
	"errors"
	"os/exec"
	"strings"
	"testing"
)

type fakeRunner struct {
	calls   [][]string
	inputs  [][]byte
	outputs map[string][]byte
	errs    map[string]error
}

func (f *fakeRunner) Run(args []string, input []byte) ([]byte, error) {
	f.calls = append(f.calls, args)
	f.inputs = append(f.inputs, input)
	key := args[0]
	return f.outputs[key], f.errs[key]
}

func (f *fakeRunner) call(i int) string {
	return strings.Join(f.calls[i], " ")
}

func TestNewSessionCreatesWhenAbsent(t *testing.T) {
	f := &fakeRunner{
		outputs: map[string][]byte{},
		errs:    map[string]error{"has-session": &exec.ExitError{}},
	}
	c := NewClientWithRunner(f)
	if err := c.NewSession("codex-a-1-2", "/work", "codex"); err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if len(f.calls) != 2 {
		t.Fatalf("expected has-session + new-session, got %v", f.calls)
	}
	got := f.call(1)
	want := "new-session -d -s codex-a-1-2 -c /work bash -lc codex"
	if got != want {
		t.Fatalf("new-session args: got %q, want %q", got, want)
	}
}

func TestNewSessionReusesExisting(t *testing.T) {
	f := &fakeRunner{outputs: map[string][]byte{}, errs: map[string]error{}}
	c := NewClientWithRunner(f)
	if err := c.NewSession("codex-a-1-2", "/work", "codex"); err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if len(f.calls) != 1 || f.calls[0][0] != "has-session" {
		t.Fatalf("expected only has-session, got %v", f.calls)
	}
}

func TestHasSessionBackendUnavailable(t *testing.T) {
	f := &fakeRunner{errs: map[string]error{"has-session": exec.ErrNotFound}}
	c := NewClientWithRunner(f)
	_, err := c.HasSession("x")
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestSendLiteralNoSuchSession(t *testing.T) {
	f := &fakeRunner{
		outputs: map[string][]byte{"send-keys": []byte("can't find session: x")},
		errs:    map[string]error{"send-keys": &exec.ExitError{}},
	}
	c := NewClientWithRunner(f)
	err := c.SendLiteral("x", "hello")
	if !errors.Is(err, ErrNoSuchSession) {
		t.Fatalf("expected ErrNoSuchSession, got %v", err)
	}
}

func TestSendLiteralEscapesText(t *testing.T) {
	f := &fakeRunner{outputs: map[string][]byte{}, errs: map[string]error{}}
	c := NewClientWithRunner(f)
	if err := c.SendLiteral("w", "-rf --help"); err != nil {
		t.Fatalf("SendLiteral: %v", err)
	}
	got := f.call(0)
	if !strings.Contains(got, "-l -- -rf --help") {
		t.Fatalf("literal text must follow --, got %q", got)
	}
}

func TestPasteTextLoadsPastesDeletes(t *testing.T) {
	f := &fakeRunner{outputs: map[string][]byte{}, errs: map[string]error{}}
	c := NewClientWithRunner(f)
	if err := c.PasteText("w", "crew-buf", "line1\nline2"); err != nil {
		t.Fatalf("PasteText: %v", err)
	}
	if len(f.calls) != 3 {
		t.Fatalf("expected 3 calls, got %v", f.calls)
	}
	if f.calls[0][0] != "load-buffer" || string(f.inputs[0]) != "line1\nline2" {
		t.Fatalf("load-buffer call wrong: %v input=%q", f.calls[0], f.inputs[0])
	}
	paste := f.call(1)
	for _, flag := range []string{"-b crew-buf", "-p", "-r"} {
		if !strings.Contains(paste, flag) {
			t.Errorf("paste-buffer missing %q: %q", flag, paste)
		}
	}
	if f.calls[2][0] != "delete-buffer" {
		t.Fatalf("expected delete-buffer last, got %v", f.calls[2])
	}
}

func TestListSessions(t *testing.T) {
	f := &fakeRunner{
		outputs: map[string][]byte{"list-sessions": []byte("codex-a-1-2\ncoord-3-4\n")},
		errs:    map[string]error{},
	}
	c := NewClientWithRunner(f)
	names, err := c.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(names) != 2 || names[0] != "codex-a-1-2" || names[1] != "coord-3-4" {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestListSessionsNoServer(t *testing.T) {
	f := &fakeRunner{
		outputs: map[string][]byte{"list-sessions": []byte("no server running on /tmp/tmux-0/default")},
		errs:    map[string]error{"list-sessions": &exec.ExitError{}},
	}
	c := NewClientWithRunner(f)
	names, err := c.ListSessions()
	if err != nil || names != nil {
		t.Fatalf("expected empty list without error, got %v / %v", names, err)
	}
}

func TestCapturePaneTailArgs(t *testing.T) {
	f := &fakeRunner{
		outputs: map[string][]byte{"capture-pane": []byte("output\n")},
		errs:    map[string]error{},
	}
	c := NewClientWithRunner(f)
	out, err := c.CapturePane("w", 50)
	if err != nil {
		t.Fatalf("CapturePane: %v", err)
	}
	if out != "output\n" {
		t.Fatalf("unexpected output %q", out)
	}
	if got := f.call(0); !strings.Contains(got, "-S -50") {
		t.Fatalf("expected -S -50, got %q", got)
	}
}
