package request

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var t0 = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

func create(t *testing.T, s *Store, targets ...string) Request {
	t.Helper()
	req, err := s.Create(NewID(), "coord", "coord-1-1", "status of the rollout?", targets, 10*time.Minute, t0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return req
}

func TestClamps(t *testing.T) {
	cases := []struct {
		name string
		fn   func(time.Duration) time.Duration
		in   time.Duration
		want time.Duration
	}{
		{"timeout floor", ClampTimeout, time.Second, MinTimeout},
		{"timeout pass", ClampTimeout, time.Hour, time.Hour},
		{"timeout ceil", ClampTimeout, 48 * time.Hour, MaxTimeout},
		{"snooze floor", ClampSnooze, time.Second, MinSnooze},
		{"snooze pass", ClampSnooze, 5 * time.Minute, 5 * time.Minute},
		{"snooze ceil", ClampSnooze, 100 * time.Hour, MaxSnooze},
	}
	for _, c := range cases {
		if got := c.fn(c.in); got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, got, c.want)
		}
	}
}

func TestCreateGetRoundTrip(t *testing.T) {
	s := Open(t.TempDir())
	req := create(t, s, "impl-a", "impl-b")

	got, err := s.Get(req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != StatePending || len(got.Targets) != 2 {
		t.Fatalf("round trip: %+v", got)
	}
	if got.Slots["impl-a"].Status != SlotPending {
		t.Fatalf("slot not pending: %+v", got.Slots["impl-a"])
	}
	if !got.Deadline.Equal(t0.Add(10 * time.Minute)) {
		t.Fatalf("deadline: %v", got.Deadline)
	}
}

func TestGetMissing(t *testing.T) {
	s := Open(t.TempDir())
	if _, err := s.Get("req-0-0"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRespondIsIdempotentPerTarget(t *testing.T) {
	s := Open(t.TempDir())
	req := create(t, s, "impl-a", "impl-b")

	if _, err := s.Respond(req.ID, "impl-a", "first answer", t0); err != nil {
		t.Fatal(err)
	}
	got, err := s.Respond(req.ID, "impl-a", "revised answer", t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if got.Slots["impl-a"].Status != SlotReplied {
		t.Fatalf("slot: %+v", got.Slots["impl-a"])
	}
	body, err := s.ReadResponse(req.ID, "impl-a")
	if err != nil {
		t.Fatal(err)
	}
	if body != "revised answer" {
		t.Fatalf("second response must overwrite, got %q", body)
	}
	if got.AllReplied() {
		t.Fatal("one of two targets replied, AllReplied must be false")
	}
}

func TestRespondUnknownTarget(t *testing.T) {
	s := Open(t.TempDir())
	req := create(t, s, "impl-a")
	if _, err := s.Respond(req.ID, "stranger", "hi", t0); err == nil {
		t.Fatal("responding as a non-target must fail")
	}
}

func TestBlockedDoesNotCompleteAndSnoozes(t *testing.T) {
	s := Open(t.TempDir())
	req := create(t, s, "impl-a", "impl-b")

	if _, err := s.Respond(req.ID, "impl-a", "done", t0); err != nil {
		t.Fatal(err)
	}
	got, err := s.RespondBlocked(req.ID, "impl-b", "waiting for CI", "impl-a", 5*time.Minute, t0)
	if err != nil {
		t.Fatal(err)
	}
	slot := got.Slots["impl-b"]
	if slot.Status != SlotBlocked || slot.BlockedReason != "waiting for CI" || slot.WaitingOn != "impl-a" {
		t.Fatalf("blocked slot: %+v", slot)
	}
	if !slot.BlockedUntil.Equal(t0.Add(5 * time.Minute)) {
		t.Fatalf("blocked_until: %v", slot.BlockedUntil)
	}
	if got.AllReplied() {
		t.Fatal("blocked target must keep the request open")
	}
	if got.Finalizable(t0.Add(time.Minute)) {
		t.Fatal("not finalizable before the deadline with a blocked target")
	}
	if !got.Finalizable(t0.Add(11 * time.Minute)) {
		t.Fatal("finalizable once the deadline passes")
	}

	// A later substantive reply overrides blocked.
	got, err = s.Respond(req.ID, "impl-b", "unblocked, done", t0.Add(2*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if !got.AllReplied() || !got.Finalizable(t0.Add(3*time.Minute)) {
		t.Fatal("all replied must make the request finalizable before the deadline")
	}
}

func TestBlockedDropsStaleResponseBody(t *testing.T) {
	s := Open(t.TempDir())
	req := create(t, s, "impl-a")
	if _, err := s.Respond(req.ID, "impl-a", "early answer", t0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RespondBlocked(req.ID, "impl-a", "actually stuck", "", time.Minute, t0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReadResponse(req.ID, "impl-a"); err == nil {
		t.Fatal("stale response body must be removed when a target goes blocked")
	}
}

func TestFinalizeExactlyOnce(t *testing.T) {
	s := Open(t.TempDir())
	req := create(t, s, "impl-a")
	if _, err := s.Respond(req.ID, "impl-a", "ok", t0); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Get(req.ID)
	if !got.Finalizable(t0) {
		t.Fatal("all replied, must be finalizable")
	}
	if err := s.MarkFinalized(req.ID, "000042", StateComplete); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Get(req.ID)
	if got.FinalMsgID != "000042" || got.State != StateComplete {
		t.Fatalf("after finalize: %+v", got)
	}
	if got.Finalizable(t0) {
		t.Fatal("finalized request must never be finalizable again")
	}
	if err := s.MarkFinalized(req.ID, "000043", StateComplete); err == nil {
		t.Fatal("second finalize must fail")
	}
}

func TestRenderResultSections(t *testing.T) {
	s := Open(t.TempDir())
	req := create(t, s, "impl-a", "impl-b", "impl-c")
	if _, err := s.Respond(req.ID, "impl-a", "deployed to staging\nall green", t0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RespondBlocked(req.ID, "impl-b", "waiting for review", "impl-a", time.Minute, t0); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Get(req.ID)
	out := s.RenderResult(got, t0.Add(11*time.Minute))

	for _, want := range []string{
		"[REPLY-NEEDED RESULT " + req.ID + "] 1/3 replied (timed out)",
		"Request: status of the rollout?",
		"- impl-a:\n  deployed to staging\n  all green",
		"Blocked:\n- impl-b: waiting for review (waiting on impl-a)",
		"Pending (no response):\n- impl-c",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("result missing %q:\n%s", want, out)
		}
	}
}

func TestListSkipsCorrupt(t *testing.T) {
	s := Open(t.TempDir())
	a := create(t, s, "impl-a")
	// Second record created later.
	b, err := s.Create(NewID()+"-b", "coord", "", "q2", []string{"impl-b"}, time.Hour, t0.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}

	reqs, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 2 || reqs[0].ID != a.ID || reqs[1].ID != b.ID {
		t.Fatalf("List order: %+v", reqs)
	}

	if err := s.Remove(a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("removed request still loads: %v", err)
	}
}
