// Package tmux wraps the tmux binary as the process/session backend.
//
// Every worker runs inside a detached tmux session named after the worker's
// full name. The client shells out per call; tmux commands are local IPC, so
// each invocation carries a short hard timeout instead of a context
// parameter.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ErrBackendUnavailable indicates tmux is not installed or its server cannot
// be reached. Never retried automatically.
var ErrBackendUnavailable = errors.New("tmux backend unavailable")

// ErrNoSuchSession indicates the target session does not exist.
var ErrNoSuchSession = errors.New("no such tmux session")

// commandTimeout bounds every tmux invocation.
const commandTimeout = 10 * time.Second

// CommandRunner executes tmux commands with optional stdin data.
type CommandRunner interface {
	Run(args []string, input []byte) ([]byte, error)
}

// Client executes tmux commands.
type Client struct {
	runner CommandRunner
}

// NewClient returns a tmux client using the default command runner.
func NewClient() *Client {
	return &Client{runner: execRunner{}}
}

// NewClientWithRunner returns a tmux client using a custom command runner.
func NewClientWithRunner(runner CommandRunner) *Client {
	return &Client{runner: runner}
}

// NewSession creates a detached session named name, in workDir, running
// shellCommand under `bash -lc`. If the session already exists the call is a
// no-op: an existing session is reused, never duplicated.
func (c *Client) NewSession(name, workDir, shellCommand string) error {
	exists, err := c.HasSession(name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	args := []string{"new-session", "-d", "-s", name}
	if strings.TrimSpace(workDir) != "" {
		args = append(args, "-c", workDir)
	}
	if strings.TrimSpace(shellCommand) != "" {
		args = append(args, "bash", "-lc", shellCommand)
	}
	return c.run(args, nil)
}

// HasSession reports whether the named session exists.
func (c *Client) HasSession(name string) (bool, error) {
	if c == nil || c.runner == nil {
		return false, ErrBackendUnavailable
	}
	output, err := c.runner.Run([]string{"has-session", "-t", "=" + name}, nil)
	if err != nil {
		if isMissingBinary(err) {
			return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		// tmux exits non-zero both for "no such session" and "no server
		// running"; either way the session is not there.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, fmt.Errorf("tmux has-session: %w", err)
	}
	_ = output
	return true, nil
}

// KillSession terminates the named session.
func (c *Client) KillSession(name string) error {
	return c.run([]string{"kill-session", "-t", "=" + name}, nil)
}

// ListSessions returns the names of all live sessions. An unreachable server
// (no sessions yet) yields an empty list, not an error.
func (c *Client) ListSessions() ([]string, error) {
	output, err := c.runWithOutput([]string{"list-sessions", "-F", "#{session_name}"}, nil)
	if err != nil {
		if errors.Is(err, ErrBackendUnavailable) {
			return nil, err
		}
		return nil, nil
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if s := strings.TrimSpace(line); s != "" {
			names = append(names, s)
		}
	}
	return names, nil
}

// SendLiteral types text into the session exactly as given, without key-name
// interpretation. Safe only for short single-line input.
func (c *Client) SendLiteral(name, text string) error {
	return c.run([]string{"send-keys", "-t", "=" + name, "-l", "--", text}, nil)
}

// SendKeys sends named keys (e.g. "Enter", "C-c") to the session.
func (c *Client) SendKeys(name string, keys ...string) error {
	args := append([]string{"send-keys", "-t", "=" + name}, keys...)
	return c.run(args, nil)
}

// SendEnter sends the submit key.
func (c *Client) SendEnter(name string) error {
	return c.SendKeys(name, "Enter")
}

// PasteText delivers text atomically via a named paste buffer with bracketed
// paste, so the receiving REPL sees one paste event rather than a keystroke
// burst. The buffer is deleted afterwards, success or not.
func (c *Client) PasteText(name, buffer, text string) error {
	if err := c.run([]string{"load-buffer", "-b", buffer, "-"}, []byte(text)); err != nil {
		return err
	}
	defer c.run([]string{"delete-buffer", "-b", buffer}, nil)
	return c.run([]string{"paste-buffer", "-t", "=" + name, "-b", buffer, "-p", "-r"}, nil)
}

// CapturePane returns the last lines of visible pane content. Best-effort
// snapshot for activity heuristics only.
func (c *Client) CapturePane(name string, lines int) (string, error) {
	if lines <= 0 {
		lines = 200
	}
	args := []string{"capture-pane", "-p", "-t", "=" + name, "-S", fmt.Sprintf("-%d", lines)}
	output, err := c.runWithOutput(args, nil)
	if err != nil {
		return "", err
	}
	return string(output), nil
}

// CurrentSession returns the name of the session this process runs inside,
// or "" when not running under tmux.
func (c *Client) CurrentSession() string {
	if strings.TrimSpace(os.Getenv("TMUX")) == "" {
		return ""
	}
	args := []string{"display-message", "-p", "#S"}
	if pane := strings.TrimSpace(os.Getenv("TMUX_PANE")); pane != "" {
		args = []string{"display-message", "-t", pane, "-p", "#S"}
	}
	output, err := c.runWithOutput(args, nil)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}

func (c *Client) run(args []string, input []byte) error {
	_, err := c.runWithOutput(args, input)
	return err
}

func (c *Client) runWithOutput(args []string, input []byte) ([]byte, error) {
	if c == nil || c.runner == nil {
		return nil, ErrBackendUnavailable
	}
	output, err := c.runner.Run(args, input)
	if err != nil {
		if isMissingBinary(err) {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		msg := string(bytes.TrimSpace(output))
		if strings.Contains(msg, "can't find session") || strings.Contains(msg, "session not found") {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchSession, msg)
		}
		if strings.Contains(msg, "no server running") {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchSession, msg)
		}
		if msg != "" {
			return nil, fmt.Errorf("tmux %s: %s", args[0], msg)
		}
		return nil, fmt.Errorf("tmux %s: %w", args[0], err)
	}
	return output, nil
}

func isMissingBinary(err error) bool {
	return errors.Is(err, exec.ErrNotFound)
}

type execRunner struct{}

func (execRunner) Run(args []string, input []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "tmux", args...)
	if len(input) > 0 {
		cmd.Stdin = bytes.NewReader(input)
	}
	return cmd.CombinedOutput()
}
