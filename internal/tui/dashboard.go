// Package tui is the live team dashboard: the worker forest with liveness
// and unread-inbox counts on the left, the selected worker's recent inbox
// on the right, refreshed on a timer.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/agusx1211/crew/internal/inbox"
	"github.com/agusx1211/crew/internal/registry"
	"github.com/agusx1211/crew/internal/theme"
	"github.com/agusx1211/crew/pkg/envelope"
)

const refreshEvery = 2 * time.Second

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(theme.ColorText).
			Background(theme.ColorSurface0).
			Bold(true).
			Padding(0, 1)
	selectedStyle = lipgloss.NewStyle().
			Foreground(theme.ColorText).
			Background(theme.ColorSurface1).
			Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(theme.ColorOverlay0)
	unreadStyle = lipgloss.NewStyle().Foreground(theme.ColorYellow).Bold(true)
	errStyle    = lipgloss.NewStyle().Foreground(theme.ColorRed)
)

type keyMap struct {
	Up      key.Binding
	Down    key.Binding
	Refresh key.Binding
	Quit    key.Binding
}

func defaultKeys() keyMap {
	return keyMap{
		Up:      key.NewBinding(key.WithKeys("up", "k")),
		Down:    key.NewBinding(key.WithKeys("down", "j")),
		Refresh: key.NewBinding(key.WithKeys("r")),
		Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c")),
	}
}

// row is one rendered line of the worker forest.
type row struct {
	member registry.Member
	depth  int
	unread int
}

type snapshotMsg struct {
	rows []row
	err  error
}

type tickMsg time.Time

// Snapshotter loads the dashboard's data. Satisfied by *worker.Manager's
// registry plus an inbox store; indirected so the model is testable without
// a live team.
type Snapshotter interface {
	Members() ([]registry.Member, error)
	Unread(base string) (int, error)
	Messages(base string) ([]inbox.Message, error)
}

// TeamSnapshot is the production Snapshotter over a team directory.
type TeamSnapshot struct {
	Registry *registry.Store
	Inbox    *inbox.Store
}

func (t TeamSnapshot) Members() ([]registry.Member, error) { return t.Registry.List() }

func (t TeamSnapshot) Unread(base string) (int, error) {
	msgs, err := t.Inbox.List(base, inbox.StateUnread)
	return len(msgs), err
}

func (t TeamSnapshot) Messages(base string) ([]inbox.Message, error) {
	return t.Inbox.List(base)
}

// Model is the dashboard's bubbletea model.
type Model struct {
	src    Snapshotter
	keys   keyMap
	rows   []row
	cursor int
	detail viewport.Model
	width  int
	height int
	err    error
}

// NewModel builds the dashboard over src.
func NewModel(src Snapshotter) Model {
	return Model{src: src, keys: defaultKeys(), detail: viewport.New(0, 0)}
}

// Run opens the dashboard full-screen until quit.
func Run(src Snapshotter) error {
	_, err := tea.NewProgram(NewModel(src), tea.WithAltScreen()).Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.snapshot, tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// snapshot loads the forest in depth-first order with unread counts.
func (m Model) snapshot() tea.Msg {
	members, err := m.src.Members()
	if err != nil {
		return snapshotMsg{err: err}
	}
	byFull := make(map[string]*registry.Member, len(members))
	for i := range members {
		byFull[members[i].Full] = &members[i]
	}
	var rows []row
	visited := map[string]bool{}
	var walk func(mm *registry.Member, depth int)
	walk = func(mm *registry.Member, depth int) {
		if mm == nil || visited[mm.Full] {
			return
		}
		visited[mm.Full] = true
		unread, err := m.src.Unread(mm.Base)
		if err != nil {
			unread = 0
		}
		rows = append(rows, row{member: *mm, depth: depth, unread: unread})
		kids := append([]string(nil), mm.Children...)
		sort.Strings(kids)
		for _, c := range kids {
			walk(byFull[c], depth+1)
		}
	}
	for i := range members {
		mm := &members[i]
		if mm.Parent == "" || byFull[mm.Parent] == nil {
			walk(mm, 0)
		}
	}
	return snapshotMsg{rows: rows}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Up):
			if m.cursor > 0 {
				m.cursor--
			}
			m.refreshDetail()
		case key.Matches(msg, m.keys.Down):
			if m.cursor < len(m.rows)-1 {
				m.cursor++
			}
			m.refreshDetail()
		case key.Matches(msg, m.keys.Refresh):
			return m, m.snapshot
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.detail.Width = m.width - m.treeWidth() - 3
		m.detail.Height = m.height - 3
		m.refreshDetail()
	case tickMsg:
		return m, tea.Batch(m.snapshot, tick())
	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.rows = msg.rows
			if m.cursor >= len(m.rows) {
				m.cursor = len(m.rows) - 1
			}
			if m.cursor < 0 {
				m.cursor = 0
			}
			m.refreshDetail()
		}
	}
	return m, nil
}

func (m *Model) refreshDetail() {
	if len(m.rows) == 0 {
		m.detail.SetContent(dimStyle.Render("no workers"))
		return
	}
	base := m.rows[m.cursor].member.Base
	msgs, err := m.src.Messages(base)
	if err != nil {
		m.detail.SetContent(errStyle.Render(err.Error()))
		return
	}
	var b strings.Builder
	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		state := msg.State
		if state == inbox.StateUnread {
			state = unreadStyle.Render(state)
		}
		fmt.Fprintf(&b, "%s %s %s %s\n  %s\n",
			dimStyle.Render(msg.ID), msg.Kind, dimStyle.Render("from "+msg.From), state,
			envelope.Summary(msg.Body, 100))
	}
	if b.Len() == 0 {
		b.WriteString(dimStyle.Render("inbox empty"))
	}
	m.detail.SetContent(b.String())
}

func (m Model) treeWidth() int {
	w := m.width / 2
	if w < 30 {
		w = 30
	}
	return w
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("crew") + "  " + dimStyle.Render("q quit · r refresh · ↑↓ select") + "\n")
	if m.err != nil {
		b.WriteString(errStyle.Render(m.err.Error()) + "\n")
	}
	left := m.renderTree()
	if m.width > 0 {
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
			lipgloss.NewStyle().Width(m.treeWidth()).Render(left),
			" │ ",
			m.detail.View()))
	} else {
		b.WriteString(left)
	}
	return b.String()
}

func (m Model) renderTree() string {
	if len(m.rows) == 0 {
		return dimStyle.Render("(no workers)")
	}
	var b strings.Builder
	for i, r := range m.rows {
		line := fmt.Sprintf("%s%s %s %s",
			strings.Repeat("  ", r.depth),
			theme.LivenessIndicator(r.member.Running),
			r.member.Full,
			theme.RoleStyle(r.member.Role).Render("["+r.member.Role+"]"))
		if r.unread > 0 {
			line += " " + unreadStyle.Render(fmt.Sprintf("✉ %d", r.unread))
		}
		if i == m.cursor {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}
