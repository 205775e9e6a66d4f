// Package tui renders the live status dashboard for `goloom status --watch`.
// It polls a StatusProvider once a second and draws whatever came back; the
// provider owns the HTTP plumbing so the dashboard stays testable without a
// daemon.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Snapshot is one poll of the daemon's status surfaces.
type Snapshot struct {
	Reachable bool
	Healthy   bool
	StoreOK   bool

	JobsTotal     int
	JobsPending   int
	JobsRunning   int
	JobsCompleted int
	JobsFailed    int
	JobsAbandoned int

	GateLimit   int
	GateInUse   int
	GateWaiting int

	AcksPending   int
	AgentCount    int
	JournalEvents int

	FetchedAt time.Time
	Err       string
}

// StatusProvider fetches a fresh snapshot. It must not block for long; the
// dashboard calls it from the update loop.
type StatusProvider func() Snapshot

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Width(10)
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	goodStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

type model struct {
	provider StatusProvider
	snap     Snapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	s := m.snap

	var out strings.Builder
	out.WriteString(titleStyle.Render("goloom status") + "\n\n")

	daemon := goodStyle.Render("healthy")
	switch {
	case !s.Reachable:
		daemon = badStyle.Render("unreachable")
	case !s.Healthy:
		daemon = badStyle.Render("degraded")
	}
	writeRow(&out, "daemon", daemon)

	store := goodStyle.Render("ok")
	if !s.StoreOK {
		store = badStyle.Render("unreadable")
	}
	writeRow(&out, "store", store)

	jobs := fmt.Sprintf("%d total · %d pending · %d running · %d completed",
		s.JobsTotal, s.JobsPending, s.JobsRunning, s.JobsCompleted)
	if s.JobsFailed > 0 || s.JobsAbandoned > 0 {
		jobs += " · " + warnStyle.Render(fmt.Sprintf("%d failed · %d abandoned",
			s.JobsFailed, s.JobsAbandoned))
	}
	writeRow(&out, "jobs", valueStyle.Render(jobs))

	gate := fmt.Sprintf("%d/%d in use", s.GateInUse, s.GateLimit)
	if s.GateWaiting > 0 {
		gate += warnStyle.Render(fmt.Sprintf(" · %d waiting", s.GateWaiting))
	}
	writeRow(&out, "gate", valueStyle.Render(gate))

	acks := fmt.Sprintf("%d pending", s.AcksPending)
	if s.AcksPending > 0 {
		acks = warnStyle.Render(acks)
	}
	writeRow(&out, "acks", valueStyle.Render(acks))
	writeRow(&out, "agents", valueStyle.Render(fmt.Sprintf("%d registered", s.AgentCount)))
	writeRow(&out, "journal", valueStyle.Render(fmt.Sprintf("%d events", s.JournalEvents)))

	out.WriteString("\n")
	footer := "press q to quit"
	if !s.FetchedAt.IsZero() {
		footer = "updated " + s.FetchedAt.Format("15:04:05") + " · " + footer
	}
	if s.Err != "" {
		out.WriteString(badStyle.Render("error: "+s.Err) + "\n")
	}
	out.WriteString(dimStyle.Render(footer) + "\n")
	return out.String()
}

func writeRow(out *strings.Builder, label, value string) {
	out.WriteString(labelStyle.Render(label) + " " + value + "\n")
}

// Run drives the dashboard until the user quits or ctx ends.
func Run(ctx context.Context, provider StatusProvider) error {
	defer bestEffortResetTTY()

	m := model{provider: provider, snap: provider()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
