package worker

import (
	"fmt"
	"strings"

	"github.com/agusx1211/crew/internal/registry"
)

// Tree renders the worker forest, or the subtree rooted at target when one
// is given. Traversal keeps a visited set so corrupted link cycles render
// once instead of hanging.
func (m *Manager) Tree(target string) (string, error) {
	members, err := m.Registry.List()
	if err != nil {
		return "", err
	}
	byFull := make(map[string]*registry.Member, len(members))
	for i := range members {
		byFull[members[i].Full] = &members[i]
	}

	var roots []*registry.Member
	if target != "" {
		root, err := m.Registry.Resolve(target)
		if err != nil {
			return "", err
		}
		roots = append(roots, byFull[root.Full])
	} else {
		for i := range members {
			mm := &members[i]
			if mm.Parent == "" || byFull[mm.Parent] == nil {
				roots = append(roots, mm)
			}
		}
	}

	var b strings.Builder
	visited := map[string]bool{}
	for _, root := range roots {
		renderNode(&b, byFull, root, "", true, visited, target != "" || len(roots) == 1)
	}
	if b.Len() == 0 {
		return "(no workers)\n", nil
	}
	return b.String(), nil
}

func renderNode(b *strings.Builder, byFull map[string]*registry.Member, mm *registry.Member, prefix string, last bool, visited map[string]bool, isRoot bool) {
	if mm == nil || visited[mm.Full] {
		return
	}
	visited[mm.Full] = true

	connector := ""
	childPrefix := prefix
	if !isRoot {
		if last {
			connector = "└── "
			childPrefix = prefix + "    "
		} else {
			connector = "├── "
			childPrefix = prefix + "│   "
		}
	}
	fmt.Fprintf(b, "%s%s%s\n", prefix, connector, nodeLabel(mm))

	var kids []*registry.Member
	for _, c := range mm.Children {
		if child := byFull[c]; child != nil && !visited[c] {
			kids = append(kids, child)
		}
	}
	for i, child := range kids {
		renderNode(b, byFull, child, childPrefix, i == len(kids)-1, visited, false)
	}
}

func nodeLabel(mm *registry.Member) string {
	state := "stopped"
	if mm.Running {
		state = "running"
	}
	label := mm.Full
	if mm.Role != "" {
		label += " [" + mm.Role + "]"
	}
	label += " (" + state + ")"
	if mm.Scope != "" {
		label += " - " + mm.Scope
	}
	return label
}
