package codexlog

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agusx1211/crew/internal/debug"
)

// ErrNoLog indicates no candidate log file exists under the log root.
var ErrNoLog = errors.New("no session log found")

// headLines is how many leading lines are scanned for a session_meta record
// when binding a log to a worker.
const headLines = 5

type candidate struct {
	path    string
	modTime time.Time
}

// FindForCwd locates the log whose session_meta working directory matches
// cwd, scanning candidates newest first. When none matches it falls back to
// the newest log under root (a low-confidence bind, logged as such).
func FindForCwd(root, cwd string) (string, error) {
	cands, err := listLogs(root)
	if err != nil {
		return "", err
	}
	if len(cands) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoLog, root)
	}

	want := normalizePath(cwd)
	for _, c := range cands {
		meta, ok := readHeadMeta(c.path)
		if !ok {
			continue
		}
		if normalizePath(meta.Cwd) == want {
			return c.path, nil
		}
	}

	debug.LogKV("codexlog", "no cwd match, binding newest log", "cwd", cwd, "path", cands[0].path)
	return cands[0].path, nil
}

// Latest returns the newest log under root.
func Latest(root string) (string, error) {
	cands, err := listLogs(root)
	if err != nil {
		return "", err
	}
	if len(cands) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoLog, root)
	}
	return cands[0].path, nil
}

// HeadMeta returns the session_meta event from the first lines of the log
// at path, if present.
func HeadMeta(path string) (Event, bool) {
	return readHeadMeta(path)
}

func listLogs(root string) ([]candidate, error) {
	var cands []candidate
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return nil // unreadable subtrees are skipped, not fatal
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".jsonl") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		cands = append(cands, candidate{path: path, modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].modTime.After(cands[j].modTime) })
	return cands, nil
}

func readHeadMeta(path string) (Event, bool) {
	f, err := os.Open(path)
	if err != nil {
		return Event{}, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for i := 0; i < headLines && scanner.Scan(); i++ {
		ev, ok, err := ParseLine(scanner.Bytes())
		if err != nil || !ok {
			continue
		}
		if ev.Kind == KindSessionMeta {
			return ev, true
		}
	}
	return Event{}, false
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return filepath.Clean(p)
}
