// Package tui provides the terminal dashboard for watching a running
// orchestrator: queue depth by status, worker liveness, plan progress,
// and a live event feed.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/drover/internal/bus"
	"github.com/ShayCichocki/drover/internal/registry"
	"github.com/ShayCichocki/drover/internal/state"
	"github.com/ShayCichocki/drover/pkg/models"
)

// maxEvents bounds the event feed shown in the dashboard.
const maxEvents = 15

// tickMsg drives periodic state refresh.
type tickMsg time.Time

// snapshotMsg carries freshly loaded store state.
type snapshotMsg struct {
	counts  map[models.TaskStatus]int
	workers []models.Worker
	plans   []models.Plan
	err     error
}

// eventMsg wraps a bus event for the event feed.
type eventMsg bus.Event

// Monitor is the bubbletea model for the dashboard.
type Monitor struct {
	db      *state.DB
	reg     *registry.Registry
	bus     *bus.Bus
	refresh time.Duration

	counts  map[models.TaskStatus]int
	workers []models.Worker
	plans   []models.Plan
	events  []bus.Event
	loadErr error

	eventCh chan bus.Event
	subID   string

	spin     spinner.Model
	width    int
	height   int
	quitting bool

	headerStyle  lipgloss.Style
	labelStyle   lipgloss.Style
	valueStyle   lipgloss.Style
	okStyle      lipgloss.Style
	warnStyle    lipgloss.Style
	errStyle     lipgloss.Style
	dimStyle     lipgloss.Style
	barFullStyle lipgloss.Style
	barEmpty     lipgloss.Style
}

// NewMonitor creates a dashboard over the given store and registry.
// The bus may be nil; the event feed stays empty without it.
func NewMonitor(db *state.DB, reg *registry.Registry, b *bus.Bus, refresh time.Duration) *Monitor {
	if refresh <= 0 {
		refresh = 500 * time.Millisecond
	}

	m := &Monitor{
		db:      db,
		reg:     reg,
		bus:     b,
		refresh: refresh,
		counts:  make(map[models.TaskStatus]int),
		eventCh: make(chan bus.Event, 64),

		headerStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("238")),

		labelStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(16),

		valueStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Bold(true),

		okStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("34")),
		warnStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		errStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		dimStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("240")),

		barFullStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("34")),
		barEmpty:     lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}

	m.spin = spinner.New()
	m.spin.Spinner = spinner.Dot
	m.spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	if b != nil {
		m.subID = b.Subscribe("*", func(e bus.Event) {
			select {
			case m.eventCh <- e:
			default:
			}
		}, "monitor")
	}
	return m
}

// Init implements tea.Model.
func (m *Monitor) Init() tea.Cmd {
	cmds := []tea.Cmd{m.loadSnapshot, m.tick(), m.spin.Tick}
	if m.bus != nil {
		cmds = append(cmds, m.waitEvent)
	}
	return tea.Batch(cmds...)
}

// tick schedules the next refresh.
func (m *Monitor) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// waitEvent blocks for the next bus event.
func (m *Monitor) waitEvent() tea.Msg {
	return eventMsg(<-m.eventCh)
}

// loadSnapshot reads current state from the store.
func (m *Monitor) loadSnapshot() tea.Msg {
	snap := snapshotMsg{counts: make(map[models.TaskStatus]int)}

	for _, s := range []models.TaskStatus{
		models.TaskStatusQueued, models.TaskStatusAssigned, models.TaskStatusInProgress,
		models.TaskStatusReviewPending, models.TaskStatusEscalated,
		models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusCancelled,
	} {
		n, err := m.db.CountTasksByStatus(s)
		if err != nil {
			snap.err = err
			return snap
		}
		snap.counts[s] = n
	}

	workers, err := m.reg.ActiveWorkers("")
	if err != nil {
		snap.err = err
		return snap
	}
	snap.workers = workers

	plans, err := m.db.ListPlans()
	if err != nil {
		snap.err = err
		return snap
	}
	snap.plans = plans

	return snap
}

// Update implements tea.Model.
func (m *Monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			if m.bus != nil {
				m.bus.Unsubscribe(m.subID)
			}
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		return m, tea.Batch(m.loadSnapshot, m.tick())

	case snapshotMsg:
		if msg.err != nil {
			m.loadErr = msg.err
		} else {
			m.loadErr = nil
			m.counts = msg.counts
			m.workers = msg.workers
			m.plans = msg.plans
		}

	case eventMsg:
		m.events = append(m.events, bus.Event(msg))
		if len(m.events) > maxEvents {
			m.events = m.events[len(m.events)-maxEvents:]
		}
		return m, m.waitEvent

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View implements tea.Model.
func (m *Monitor) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	b.WriteString(m.spin.View() + " " + m.headerStyle.Render("Drover Monitor"))
	b.WriteString("\n\n")

	if m.loadErr != nil {
		b.WriteString(m.errStyle.Render("store error: " + m.loadErr.Error()))
		b.WriteString("\n\n")
	}

	b.WriteString(m.viewQueue())
	b.WriteString("\n")
	b.WriteString(m.viewWorkers())
	b.WriteString("\n")
	b.WriteString(m.viewPlans())
	b.WriteString("\n")
	b.WriteString(m.viewEvents())
	b.WriteString("\n")
	b.WriteString(m.dimStyle.Render("q to quit"))

	return b.String()
}

// viewQueue renders task counts by status.
func (m *Monitor) viewQueue() string {
	var b strings.Builder
	b.WriteString(m.labelStyle.Render("Queue:"))
	b.WriteString("\n")

	rows := []struct {
		status models.TaskStatus
		style  lipgloss.Style
	}{
		{models.TaskStatusQueued, m.valueStyle},
		{models.TaskStatusAssigned, m.valueStyle},
		{models.TaskStatusInProgress, m.okStyle},
		{models.TaskStatusReviewPending, m.warnStyle},
		{models.TaskStatusEscalated, m.errStyle},
		{models.TaskStatusCompleted, m.okStyle},
		{models.TaskStatusFailed, m.errStyle},
		{models.TaskStatusCancelled, m.dimStyle},
	}
	for _, r := range rows {
		n := m.counts[r.status]
		if n == 0 && r.status != models.TaskStatusQueued {
			continue
		}
		b.WriteString(fmt.Sprintf("  %-15s %s\n", r.status, r.style.Render(fmt.Sprintf("%d", n))))
	}
	return b.String()
}

// viewWorkers renders the live worker table.
func (m *Monitor) viewWorkers() string {
	var b strings.Builder
	b.WriteString(m.labelStyle.Render("Workers:"))
	b.WriteString("\n")

	if len(m.workers) == 0 {
		b.WriteString(m.dimStyle.Render("  none active"))
		b.WriteString("\n")
		return b.String()
	}

	for _, w := range m.workers {
		task := w.CurrentTaskID
		if task == "" {
			task = m.dimStyle.Render("idle")
		}
		b.WriteString(fmt.Sprintf("  %-14s %-10s %s\n", w.ID, w.Role, task))
	}
	return b.String()
}

// viewPlans renders plan progress bars.
func (m *Monitor) viewPlans() string {
	var b strings.Builder
	b.WriteString(m.labelStyle.Render("Plans:"))
	b.WriteString("\n")

	if len(m.plans) == 0 {
		b.WriteString(m.dimStyle.Render("  none"))
		b.WriteString("\n")
		return b.String()
	}

	for _, p := range m.plans {
		if p.Status == models.PlanCompleted || p.Status == models.PlanFailed {
			continue
		}
		b.WriteString(fmt.Sprintf("  %-14s %s %s %d/%d\n",
			p.ID, m.renderBar(p.Progress(), 20), p.Status,
			p.CompletedSubtasks, p.TotalSubtasks))
	}
	return b.String()
}

// viewEvents renders the recent event feed.
func (m *Monitor) viewEvents() string {
	var b strings.Builder
	b.WriteString(m.labelStyle.Render("Events:"))
	b.WriteString("\n")

	if len(m.events) == 0 {
		b.WriteString(m.dimStyle.Render("  quiet"))
		b.WriteString("\n")
		return b.String()
	}

	for _, e := range m.events {
		ts := e.Timestamp.Format("15:04:05")
		style := m.valueStyle
		if e.Error != "" {
			style = m.errStyle
		}
		subject := e.TaskID
		if subject == "" {
			subject = e.WorkerID
		}
		if subject == "" {
			subject = e.PlanID
		}
		b.WriteString(fmt.Sprintf("  %s %s %s\n", m.dimStyle.Render(ts), style.Render(e.Topic), subject))
	}
	return b.String()
}

// renderBar renders a fixed-width progress bar.
func (m *Monitor) renderBar(pct float64, width int) string {
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	filled := int(pct / 100 * float64(width))
	return "[" + m.barFullStyle.Render(strings.Repeat("█", filled)) +
		m.barEmpty.Render(strings.Repeat("░", width-filled)) + "]"
}

// Run starts the dashboard and blocks until the user quits.
func Run(db *state.DB, reg *registry.Registry, b *bus.Bus, refresh time.Duration) error {
	p := tea.NewProgram(NewMonitor(db, reg, b, refresh), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
