package envelope

import (
	"strings"
	"testing"
	"time"
)

func TestFormatParseRoundTrip(t *testing.T) {
	m := Meta{
		ID:       FormatID(123),
		Kind:     "action",
		From:     "coord",
		To:       "impl-a",
		FromRole: "coord",
		SentAt:   time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}
	body := "do the thing\n\nwith details"
	framed := Format(m, body)

	if !strings.HasPrefix(framed, "[CREW-MSG id=000123 kind=action from=coord to=impl-a role=coord ts=2026-08-30T12:00:00]") {
		t.Fatalf("unexpected header: %s", framed)
	}
	if !strings.HasSuffix(framed, "[CREW-END id=000123]") {
		t.Fatalf("unexpected trailer: %s", framed)
	}

	got, gotBody, ok := Parse(framed)
	if !ok {
		t.Fatal("Parse failed on a well-formed frame")
	}
	if got.ID != m.ID || got.Kind != m.Kind || got.From != m.From || got.To != m.To {
		t.Fatalf("meta mismatch: %+v", got)
	}
	if gotBody != body {
		t.Fatalf("body mismatch: %q", gotBody)
	}
}

func TestParseWithSurroundingNoise(t *testing.T) {
	framed := Format(Meta{ID: "000007", Kind: "notice", From: "a", To: "b", FromRole: "impl"}, "hello")
	noisy := "some terminal output\n" + framed + "\ntrailing prompt $ "
	m, body, ok := Parse(noisy)
	if !ok || m.ID != "000007" || body != "hello" {
		t.Fatalf("Parse noisy: ok=%v m=%+v body=%q", ok, m, body)
	}
}

func TestParseIncompleteFrame(t *testing.T) {
	if _, _, ok := Parse("[CREW-MSG id=000001 kind=notice from=a to=b role= ts=2026-08-30T12:00:00]\nbody without end"); ok {
		t.Fatal("frame without end marker must not parse")
	}
	if _, _, ok := Parse("no frame here"); ok {
		t.Fatal("plain text must not parse")
	}
}

func TestNotice(t *testing.T) {
	n := Notice(Meta{ID: "000042", Kind: "reply-needed", From: "coord", To: "impl-a", FromRole: "coord"}, "deploy question")
	for _, want := range []string{"[CREW-INBOX]", "id=000042", "from=coord", "deploy question", "crew inbox open 000042 --as impl-a", "crew inbox ack 000042 --as impl-a"} {
		if !strings.Contains(n, want) {
			t.Errorf("notice missing %q: %s", want, n)
		}
	}
}

func TestFormatID(t *testing.T) {
	if got := FormatID(7); got != "000007" {
		t.Fatalf("FormatID(7) = %q", got)
	}
	if got := FormatID(1234567); got != "1234567" {
		t.Fatalf("ids wider than the pad must not be truncated: %q", got)
	}
}

func TestSummary(t *testing.T) {
	if got := Summary("\n\n  first line  \nsecond", 0); got != "first line" {
		t.Fatalf("Summary: %q", got)
	}
	if got := Summary("ααααα", 3); got != "αα…" {
		t.Fatalf("rune-safe truncation: %q", got)
	}
	if got := Summary("\n\n", 10); got != "" {
		t.Fatalf("empty body: %q", got)
	}
}
