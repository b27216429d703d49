package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/termfilechooser/internal/events"
)

const eventLogSize = 50

// activity lights up on events and fades over ten seconds.
type activity struct {
	dots      int
	lastEvent time.Time
}

func (a *activity) onEvent(now time.Time) {
	a.dots = 5
	a.lastEvent = now
}

func (a *activity) decay(now time.Time) {
	elapsed := now.Sub(a.lastEvent)
	a.dots = 5 - int(elapsed/(2*time.Second))
	if a.dots < 0 {
		a.dots = 0
	}
}

func (a activity) render(theme Theme) string {
	var b strings.Builder
	for i := range 5 {
		if i < a.dots {
			b.WriteString(theme.DotActive.Render("●"))
		} else {
			b.WriteString(theme.DotInactive.Render("○"))
		}
	}
	return b.String()
}

type healthState struct {
	healthMsg
	Connected bool
}

// Model is the bubbletea model of the dashboard.
type Model struct {
	client Client

	width  int
	height int

	health    healthState
	tracker   *Tracker
	eventLog  []events.Event
	lastID    int64
	activity  activity
	requests  table.Model
	theme     Theme
	lastError string
	now       func() time.Time

	hubEvents chan events.Event
}

func New(client Client) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Handle", Width: 24},
			{Title: "Kind", Width: 5},
			{Title: "PID", Width: 7},
			{Title: "Result", Width: 12},
			{Title: "Duration", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		client:    client,
		tracker:   NewTracker(eventLogSize),
		requests:  t,
		theme:     NewDefaultTheme(),
		now:       time.Now,
		hubEvents: make(chan events.Event, 100),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribe(m.client, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		fetchHealth(m.client),
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.requests.SetWidth(max(m.width-6, 20))
		m.requests.SetHeight(max(m.height/3, 5))
		return m, nil

	case tickMsg:
		m.activity.decay(m.now())
		m.refreshTable()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		m.applyEvent(events.Event(msg))
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health = healthState{healthMsg: msg, Connected: true}
		m.lastError = ""
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.client)()
		})

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		// The pending receiveNextEvent keeps reading the same channel.
		return m, subscribe(m.client, m.lastID, m.hubEvents)

	case errMsg:
		m.health.Connected = false
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.client)()
		})
	}

	var cmd tea.Cmd
	m.requests, cmd = m.requests.Update(msg)
	return m, cmd
}

func (m *Model) applyEvent(e events.Event) {
	if e.ID > 0 && e.ID <= m.lastID {
		return
	}
	if e.ID > m.lastID {
		m.lastID = e.ID
	}
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > eventLogSize {
		m.eventLog = m.eventLog[:eventLogSize]
	}
	m.tracker.Apply(e)
	m.activity.onEvent(m.now())
	m.health.Connected = true
	m.lastError = ""
	m.refreshTable()
}

func (m *Model) refreshTable() {
	now := m.now()
	reqs := m.tracker.Requests()
	rows := make([]table.Row, 0, len(reqs))
	for _, r := range reqs {
		pid := "-"
		if r.PID > 0 {
			pid = fmt.Sprint(r.PID)
		}
		result := r.Status
		if r.Status == StatusPicked {
			result = fmt.Sprintf("%d file(s)", r.URIs)
		}
		rows = append(rows, table.Row{
			m.theme.statusSymbol(r.Status),
			r.Handle,
			r.Kind,
			pid,
			result,
			r.Duration(now).Round(time.Millisecond).String(),
		})
	}
	m.requests.SetRows(rows)
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}
	inner := m.width - 4

	parts := []string{
		m.renderHeader(inner),
		m.theme.Border.Width(inner).Render(lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("REQUESTS"),
			m.requests.View(),
		)),
		m.renderEvents(inner),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [↑/↓] Scroll"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func (m Model) renderHeader(inner int) string {
	status := m.theme.StatusOK.Render("HEALTHY")
	if !m.health.Connected {
		status = m.theme.StatusFailed.Render("CONNECTING")
	} else if m.health.Status != "ok" && m.health.Status != "" {
		status = m.theme.StatusFailed.Render("DEGRADED")
	}
	uptime := formatDuration(time.Duration(m.health.UptimeSeconds) * time.Second)

	lastEvent := "never"
	if !m.activity.lastEvent.IsZero() {
		lastEvent = m.now().Sub(m.activity.lastEvent).Round(time.Second).String() + " ago"
	}

	title := m.theme.Title.Render("TERMFILECHOOSER WATCH") + " " + m.theme.Dim.Render(m.client.URL)
	stats := fmt.Sprintf(" %s  up %s  live %d  started %d  completed %d  reaped %d",
		status, uptime, m.health.Live, m.health.Started, m.health.Completed, m.health.Reaped)
	act := fmt.Sprintf(" last event: %s %s", lastEvent, m.activity.render(m.theme))

	return m.theme.Border.Width(inner).Render(lipgloss.JoinVertical(lipgloss.Left, title, stats, act))
}

func (m Model) renderEvents(inner int) string {
	lines := make([]string, 0, 10)
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, m.formatEvent(e))
	}
	body := m.theme.Dim.Render("  Waiting for events...")
	if len(lines) > 0 {
		body = lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	}
	return m.theme.Border.Width(inner).Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("EVENT STREAM"),
		body,
	))
}

func (m Model) formatEvent(e events.Event) string {
	style := m.theme.Dim
	switch e.Type {
	case events.RequestStarted:
		style = m.theme.StatusRunning
	case events.RequestFinalized:
		style = m.theme.StatusOK
	case events.RequestFailed, events.RequestTimedOut:
		style = m.theme.StatusFailed
	case events.PickerExited:
		style = m.theme.Highlight
	}
	data := string(e.Data)
	if len(data) > 60 {
		data = data[:60] + "..."
	}
	return fmt.Sprintf("%s %s %s",
		m.theme.Dim.Render(e.At.Local().Format("15:04:05")),
		style.Render(fmt.Sprintf("%-18s", e.Type)),
		data)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
