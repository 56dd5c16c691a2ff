// Package home materializes the isolated runtime directory each worker runs
// with, so concurrent workers never share mutable log or credential state.
//
// A worker home is seeded from a template tree (typically ~/.codex) minus
// the entries that must start empty per worker: live session logs, the log
// dir, command history, and the selected-credential pointer.
package home

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/agusx1211/crew/internal/debug"
)

// excludedRoot names template entries that are never copied into a worker
// home: each worker gets its own fresh copies of these.
var excludedRoot = map[string]bool{
	"sessions":           true,
	"log":                true,
	"history.jsonl":      true,
	".auth_current_name": true,
}

// CredentialFile is the credential blob inside an agent home.
const CredentialFile = "auth.json"

// credentialPointer records which credential the agent last selected; it is
// cleared on overlay so the worker re-resolves its identity.
const credentialPointer = ".auth_current_name"

// Materialize seeds (or re-seeds) the home for workerID under workersRoot
// from templateSrc and returns the home path, which is always a direct child
// of workersRoot. Seeding is idempotent: existing files are never
// overwritten, so a re-run only fills in template files the worker deleted
// or never had. The template is seed data, not enforced policy.
func Materialize(workersRoot, workerID, templateSrc string) (string, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" || workerID != filepath.Base(workerID) {
		return "", fmt.Errorf("home: invalid worker id %q", workerID)
	}
	dst := filepath.Join(workersRoot, workerID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", fmt.Errorf("home: create %s: %w", dst, err)
	}

	entries, err := os.ReadDir(templateSrc)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("home: read template %s: %w", templateSrc, err)
	}
	for _, e := range entries {
		if excludedRoot[e.Name()] {
			continue
		}
		if err := seedEntry(filepath.Join(templateSrc, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return "", err
		}
	}

	// Live directories the agent writes into must exist even when the
	// template lacked them.
	for _, sub := range []string{"sessions", "log"} {
		if err := os.MkdirAll(filepath.Join(dst, sub), 0o755); err != nil {
			return "", fmt.Errorf("home: create %s: %w", sub, err)
		}
	}
	debug.LogKV("home", "materialized", "worker", workerID, "path", dst)
	return dst, nil
}

// OverlayCredential replaces the home's credential file with the one at
// credSrc and clears the selected-credential pointer.
func OverlayCredential(homePath, credSrc string) error {
	data, err := os.ReadFile(credSrc)
	if err != nil {
		return fmt.Errorf("home: read credential %s: %w", credSrc, err)
	}
	if err := os.WriteFile(filepath.Join(homePath, CredentialFile), data, 0o600); err != nil {
		return fmt.Errorf("home: write credential: %w", err)
	}
	if err := os.Remove(filepath.Join(homePath, credentialPointer)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("home: clear credential pointer: %w", err)
	}
	return nil
}

// SessionsDir returns the worker's log root inside its home.
func SessionsDir(homePath string) string {
	return filepath.Join(homePath, "sessions")
}

// Within reports whether path lies under root after cleaning. Used as the
// deletion-safety guard: a home is only ever deleted when this holds for the
// configured workers root.
func Within(path, root string) bool {
	path = filepath.Clean(path)
	root = filepath.Clean(root)
	if path == root {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func seedEntry(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return fmt.Errorf("home: stat %s: %w", src, err)
	}
	switch {
	case info.IsDir():
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return fmt.Errorf("home: create dir %s: %w", dst, err)
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return fmt.Errorf("home: read dir %s: %w", src, err)
		}
		for _, e := range entries {
			if err := seedEntry(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
				return err
			}
		}
		return nil
	case info.Mode()&os.ModeSymlink != 0:
		// Symlinked template entries are skipped rather than followed, so a
		// template cannot smuggle content from outside itself.
		return nil
	default:
		if _, err := os.Lstat(dst); err == nil {
			return nil // never overwrite what the worker may have changed
		}
		return copyFile(src, dst, info.Mode().Perm())
	}
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("home: open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil
		}
		return fmt.Errorf("home: create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("home: copy %s: %w", dst, err)
	}
	return out.Close()
}
