package codexlog

import (
	"bytes"
	"errors"
	"io"
	"os"

	"github.com/agusx1211/crew/internal/debug"
)

// maxLineSize bounds a single log line. Assistant replies can be large but a
// multi-megabyte single line means something else is wrong.
const maxLineSize = 10 * 1024 * 1024

// Tailer reads whole lines from a log file starting at a byte offset. A
// partial trailing line (no newline yet) is left in place for the next poll,
// so the offset only ever advances past fully terminated lines.
type Tailer struct {
	path   string
	offset int64
}

// NewTailer starts tailing path from offset.
func NewTailer(path string, offset int64) *Tailer {
	if offset < 0 {
		offset = 0
	}
	return &Tailer{path: path, offset: offset}
}

// TailerAtEnd starts tailing from the current end of file, establishing a
// baseline before an injection.
func TailerAtEnd(path string) (*Tailer, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &Tailer{path: path, offset: info.Size()}, nil
}

// Path returns the tailed file.
func (t *Tailer) Path() string { return t.path }

// Offset returns the current byte offset. Monotonically non-decreasing.
func (t *Tailer) Offset() int64 { return t.offset }

// Poll reads and parses every complete line appended since the last call.
// Unparseable or unrecognized lines are skipped; "no new events" is a normal
// result, not an error.
func (t *Tailer) Poll() ([]Event, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(f, maxLineSize))
	if err != nil {
		return nil, err
	}

	var events []Event
	consumed := 0
	for {
		idx := bytes.IndexByte(data[consumed:], '\n')
		if idx < 0 {
			break // partial trailing line stays for the next poll
		}
		line := data[consumed : consumed+idx]
		consumed += idx + 1

		ev, ok, err := ParseLine(line)
		if err != nil {
			debug.Logf("codexlog", "skipping unparseable line at %d: %v", t.offset+int64(consumed), err)
			continue
		}
		if ok {
			events = append(events, ev)
		}
	}
	t.offset += int64(consumed)
	return events, nil
}

// PollFirst returns the first new event matching match. The offset advances
// only up to and including the matched line, so events after the match are
// preserved for subsequent polls.
func (t *Tailer) PollFirst(match func(Event) bool) (Event, bool, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return Event{}, false, err
	}
	defer f.Close()

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return Event{}, false, err
	}
	data, err := io.ReadAll(io.LimitReader(f, maxLineSize))
	if err != nil {
		return Event{}, false, err
	}

	consumed := 0
	for {
		idx := bytes.IndexByte(data[consumed:], '\n')
		if idx < 0 {
			break
		}
		line := data[consumed : consumed+idx]
		consumed += idx + 1

		ev, ok, err := ParseLine(line)
		if err != nil || !ok {
			continue
		}
		if match(ev) {
			t.offset += int64(consumed)
			return ev, true, nil
		}
	}
	t.offset += int64(consumed)
	return Event{}, false, nil
}

// IsMissing reports whether the underlying error means the log file is not
// there yet (a freshly started worker may not have created it).
func IsMissing(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
