package registry

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/agusx1211/crew/internal/fsio"
)

// Permit allows direct communication between two bases that policy would
// otherwise keep apart. Permits are symmetric and may expire.
type Permit struct {
	ID            string    `json:"id"`
	A             string    `json:"a"` // base label
	B             string    `json:"b"` // base label
	CreatedBy     string    `json:"created_by,omitempty"`
	CreatedByRole string    `json:"created_by_role,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
}

type permitFile struct {
	Permits []Permit `json:"permits"`
}

func (tx *Tx) readPermits() ([]Permit, error) {
	var pf permitFile
	if err := fsio.ReadJSON(tx.s.permitsPath(), &pf); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return pf.Permits, nil
}

// AddPermit records a handoff permit between two bases. ttl of zero means no
// expiry.
func (tx *Tx) AddPermit(a, b, createdBy, createdByRole, reason string, ttl time.Duration) (Permit, error) {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" {
		return Permit{}, errors.New("registry: permit endpoints missing")
	}
	if a == b {
		return Permit{}, errors.New("registry: permit endpoints must differ")
	}
	permits, err := tx.readPermits()
	if err != nil {
		return Permit{}, err
	}
	now := time.Now()
	p := Permit{
		ID:            fmt.Sprintf("handoff-%s-%d-%d", now.Format("20060102-150405"), os.Getpid(), len(permits)+1),
		A:             a,
		B:             b,
		CreatedBy:     createdBy,
		CreatedByRole: createdByRole,
		Reason:        strings.TrimSpace(reason),
		CreatedAt:     now,
	}
	if ttl > 0 {
		p.ExpiresAt = now.Add(ttl)
	}
	permits = append(permits, p)
	if err := fsio.WriteJSONAtomic(tx.s.permitsPath(), permitFile{Permits: permits}); err != nil {
		return Permit{}, err
	}
	return p, nil
}

// PermitAllows reports whether an unexpired permit links the two bases, in
// either direction.
func (tx *Tx) PermitAllows(a, b string) (bool, error) {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" {
		return false, nil
	}
	permits, err := tx.readPermits()
	if err != nil {
		return false, err
	}
	now := time.Now()
	for _, p := range permits {
		if !((p.A == a && p.B == b) || (p.A == b && p.B == a)) {
			continue
		}
		if !p.ExpiresAt.IsZero() && !p.ExpiresAt.After(now) {
			continue
		}
		return true, nil
	}
	return false, nil
}

// ListPermits returns all recorded permits, expired ones included.
func (s *Store) ListPermits() ([]Permit, error) {
	return (&Tx{s: s}).readPermits()
}
