// Package policy decides who may hire and message whom inside a team.
//
// The rules come from team.yaml; unset sections fall back to a conventional
// coordinator-led hierarchy. Policy checks are pure functions over a
// registry snapshot so they can run before any side effect.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/agusx1211/crew/internal/config"
	"github.com/agusx1211/crew/internal/registry"
)

// ErrDenied indicates an operation is structurally disallowed by policy.
// Surfaced before any side effect.
var ErrDenied = errors.New("policy denied")

// DefaultRoles is the enabled-role set when team.yaml does not declare one.
var DefaultRoles = []string{"coord", "admin", "impl", "review", "test"}

// TeamPolicy is the resolved, immutable rule set for one team.
type TeamPolicy struct {
	RootRole     string
	EnabledRoles map[string]bool
	CanHire      map[string]map[string]bool

	BroadcastAllowed map[string]bool
	BroadcastExclude map[string]bool

	AllowParentChild bool
	RequireHandoff   bool
	DirectAllow      map[string]map[string]bool
	HandoffCreators  map[string]bool
}

// FromConfig resolves a TeamPolicy from a parsed team config.
func FromConfig(cfg *config.TeamConfig) (*TeamPolicy, error) {
	pc := cfg.Policy

	enabled := roleSet(pc.EnabledRoles)
	if len(enabled) == 0 {
		enabled = roleSet(DefaultRoles)
	}

	root := normRole(pc.RootRole)
	if root == "" {
		root = "coord"
	}
	if !enabled[root] {
		return nil, fmt.Errorf("policy: root_role %q is not in enabled_roles", root)
	}

	canHire := map[string]map[string]bool{}
	if len(pc.CanHire) == 0 {
		// Conventional hierarchy: root hires admins, admins hire the rest.
		workers := map[string]bool{}
		for r := range enabled {
			if r != root && r != "admin" {
				workers[r] = true
			}
		}
		if enabled["admin"] {
			canHire[root] = map[string]bool{"admin": true}
			canHire["admin"] = workers
		} else {
			canHire[root] = workers
		}
	} else {
		for parent, kids := range pc.CanHire {
			p := normRole(parent)
			if !enabled[p] {
				continue
			}
			set := map[string]bool{}
			for _, k := range kids {
				if r := normRole(k); enabled[r] {
					set[r] = true
				}
			}
			canHire[p] = set
		}
	}

	bcAllowed := roleSet(pc.Broadcast.AllowedRoles)
	if len(bcAllowed) == 0 {
		bcAllowed = map[string]bool{root: true}
	}
	intersect(bcAllowed, enabled)
	bcExclude := roleSet(pc.Broadcast.ExcludeRoles)
	intersect(bcExclude, enabled)

	allowPC := true
	if pc.Comm.AllowParentChild != nil {
		allowPC = *pc.Comm.AllowParentChild
	}
	requireHandoff := true
	if pc.Comm.RequireHandoff != nil {
		requireHandoff = *pc.Comm.RequireHandoff
	}

	direct := map[string]map[string]bool{}
	for a, bs := range pc.Comm.DirectAllow {
		ra := normRole(a)
		if !enabled[ra] {
			continue
		}
		for _, b := range bs {
			rb := normRole(b)
			if !enabled[rb] {
				continue
			}
			// Symmetric by construction.
			addPair(direct, ra, rb)
			addPair(direct, rb, ra)
		}
	}

	creators := roleSet(pc.Comm.HandoffCreators)
	if len(creators) == 0 {
		creators = map[string]bool{root: true}
	}
	intersect(creators, enabled)

	return &TeamPolicy{
		RootRole:         root,
		EnabledRoles:     enabled,
		CanHire:          canHire,
		BroadcastAllowed: bcAllowed,
		BroadcastExclude: bcExclude,
		AllowParentChild: allowPC,
		RequireHandoff:   requireHandoff,
		DirectAllow:      direct,
		HandoffCreators:  creators,
	}, nil
}

// RequireRole validates a role name against the enabled set.
func (p *TeamPolicy) RequireRole(role string) (string, error) {
	r := normRole(role)
	if !p.EnabledRoles[r] {
		return "", fmt.Errorf("%w: unsupported role %q (enabled: %s)", ErrDenied, role, strings.Join(p.SortedRoles(), ", "))
	}
	return r, nil
}

// SortedRoles returns the enabled roles sorted for display.
func (p *TeamPolicy) SortedRoles() []string {
	out := make([]string, 0, len(p.EnabledRoles))
	for r := range p.EnabledRoles {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// MayHire reports whether parentRole is allowed to spawn childRole.
func (p *TeamPolicy) MayHire(parentRole, childRole string) bool {
	kids, ok := p.CanHire[normRole(parentRole)]
	return ok && kids[normRole(childRole)]
}

// MayBroadcast reports whether role may send a broadcast.
func (p *TeamPolicy) MayBroadcast(role string) bool {
	return p.BroadcastAllowed[normRole(role)]
}

// BroadcastTarget reports whether role should receive broadcasts.
func (p *TeamPolicy) BroadcastTarget(role string) bool {
	r := normRole(role)
	return p.EnabledRoles[r] && !p.BroadcastExclude[r]
}

// MayCreateHandoff reports whether role may create handoff permits.
func (p *TeamPolicy) MayCreateHandoff(role string) bool {
	return p.HandoffCreators[normRole(role)]
}

// CommCheck is the verdict of a communication policy check.
type CommCheck struct {
	Allowed bool
	Reason  string
}

// CommAllowed decides whether actor may message target, given the registry
// transaction for member/permit lookups. Check order: self, parent-child,
// direct-allow, handoff permit, deny.
func (p *TeamPolicy) CommAllowed(tx *registry.Tx, actorFull, targetFull string) (CommCheck, error) {
	if actorFull == targetFull {
		return CommCheck{Allowed: true, Reason: "self"}, nil
	}

	actor, err := tx.Get(actorFull)
	if err != nil {
		return CommCheck{Reason: fmt.Sprintf("actor not registered: %s", actorFull)}, nil
	}
	target, err := tx.Get(targetFull)
	if err != nil {
		return CommCheck{Reason: fmt.Sprintf("target not registered: %s", targetFull)}, nil
	}

	actorRole := normRole(actor.Role)
	targetRole := normRole(target.Role)
	if !p.EnabledRoles[actorRole] {
		return CommCheck{Reason: fmt.Sprintf("actor role not enabled: %s", orMissing(actorRole))}, nil
	}
	if !p.EnabledRoles[targetRole] {
		return CommCheck{Reason: fmt.Sprintf("target role not enabled: %s", orMissing(targetRole))}, nil
	}

	if p.AllowParentChild && (actor.Parent == targetFull || target.Parent == actorFull) {
		return CommCheck{Allowed: true, Reason: "parent-child"}, nil
	}

	if p.DirectAllow[actorRole][targetRole] {
		return CommCheck{Allowed: true, Reason: "direct-allow"}, nil
	}

	if !p.RequireHandoff {
		return CommCheck{Allowed: true, Reason: "handoff-not-required"}, nil
	}

	ok, err := tx.PermitAllows(actor.Base, target.Base)
	if err != nil {
		return CommCheck{}, err
	}
	if ok {
		return CommCheck{Allowed: true, Reason: "handoff-permit"}, nil
	}

	return CommCheck{Reason: fmt.Sprintf("handoff required for %s->%s (no permit)", actorRole, targetRole)}, nil
}

// RequireComm returns ErrDenied (with the check's reason) unless actor may
// message target.
func (p *TeamPolicy) RequireComm(tx *registry.Tx, actorFull, targetFull string) error {
	check, err := p.CommAllowed(tx, actorFull, targetFull)
	if err != nil {
		return err
	}
	if check.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s: %s", ErrDenied, actorFull, targetFull, check.Reason)
}

func normRole(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func roleSet(roles []string) map[string]bool {
	out := map[string]bool{}
	for _, r := range roles {
		if n := normRole(r); n != "" {
			out[n] = true
		}
	}
	return out
}

func intersect(set, keep map[string]bool) {
	for r := range set {
		if !keep[r] {
			delete(set, r)
		}
	}
}

func addPair(m map[string]map[string]bool, a, b string) {
	if m[a] == nil {
		m[a] = map[string]bool{}
	}
	m[a][b] = true
}

func orMissing(s string) string {
	if s == "" {
		return "(missing)"
	}
	return s
}
