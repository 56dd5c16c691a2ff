package cli

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/agusx1211/crew/internal/comm"
	"github.com/agusx1211/crew/internal/config"
	"github.com/agusx1211/crew/internal/inbox"
	"github.com/agusx1211/crew/internal/policy"
	"github.com/agusx1211/crew/internal/registry"
	"github.com/agusx1211/crew/internal/request"
	"github.com/agusx1211/crew/internal/worker"
)

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{worker.ErrNoReply, exitNoReply},
		{worker.ErrSubmissionUnconfirmed, exitNoReply},
		{registry.ErrNotFound, exitNotFound},
		{inbox.ErrMsgNotFound, exitNotFound},
		{request.ErrNotFound, exitNotFound},
		{policy.ErrDenied, exitDenied},
		{worker.ErrHasChildren, exitDenied},
		{errors.New("boom"), exitInternal},
	}
	for _, tc := range cases {
		if got := exitCodeFor(tc.err); got != tc.want {
			t.Errorf("exitCodeFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
	// Wrapped sentinels must map the same way.
	wrapped := fmt.Errorf("resolving: %w", registry.ErrNotFound)
	if got := exitCodeFor(wrapped); got != exitNotFound {
		t.Errorf("wrapped not-found = %d, want %d", got, exitNotFound)
	}
}

func TestParseKind(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", comm.KindNotice, false},
		{"notice", comm.KindNotice, false},
		{"Action", comm.KindAction, false},
		{"reply-needed", "", true},
		{"shout", "", true},
	}
	for _, tc := range cases {
		got, err := parseKind(tc.in)
		if tc.wantErr != (err != nil) {
			t.Errorf("parseKind(%q) err = %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseKind(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestGatherTimeout(t *testing.T) {
	tc := &config.TeamConfig{}
	if d, err := gatherTimeout("", tc); err != nil || d != 2*time.Hour {
		t.Fatalf("default timeout: %v, %v", d, err)
	}
	tc.Gather.DefaultTimeout = "45m"
	if d, err := gatherTimeout("", tc); err != nil || d != 45*time.Minute {
		t.Fatalf("team default: %v, %v", d, err)
	}
	if d, err := gatherTimeout("10m", tc); err != nil || d != 10*time.Minute {
		t.Fatalf("flag wins: %v, %v", d, err)
	}
	if _, err := gatherTimeout("not-a-duration", tc); err == nil {
		t.Fatal("garbage must error")
	}
}
