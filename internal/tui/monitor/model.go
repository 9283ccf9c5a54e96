package monitor

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/hotpatch/internal/events"
)

const (
	healthInterval    = 5 * time.Second
	reconnectInterval = 3 * time.Second
)

// Model is the BubbleTea model for the monitor.
type Model struct {
	client *Client

	width  int
	height int

	health      HealthState
	commands    map[string]*CommandState
	eventLog    []events.Event // newest first
	lastEventID int64

	ticker  Ticker
	spinner Spinner
	theme   Theme
	now     func() time.Time

	table     table.Model
	log       viewport.Model
	focusLogs bool

	hubEvents chan events.Event
	lastError string
}

// New creates a monitor model for the admin API at apiURL.
func New(apiURL, apiKey string) Model {
	return Model{
		client:    &Client{BaseURL: apiURL, APIKey: apiKey},
		commands:  make(map[string]*CommandState),
		hubEvents: make(chan events.Event, 128),
		ticker:    NewTicker(),
		theme:     NewDefaultTheme(),
		now:       time.Now,
		table:     newCommandTable(),
		log:       viewport.New(80, 10),
	}
}

// Run starts the program and blocks until the user quits.
func Run(apiURL, apiKey string) error {
	_, err := tea.NewProgram(New(apiURL, apiKey), tea.WithAltScreen()).Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.subscribe(),
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
		case "tab":
			m.focusLogs = !m.focusLogs
			if m.focusLogs {
				m.table.Blur()
			} else {
				m.table.Focus()
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		return m, nil

	case tickMsg:
		m.ticker.Tick()
		m.spinner.Decay(time.Time(msg))
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		m.applyEvent(events.Event(msg))
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.healthMsg = msg
		m.health.Connected = true
		m.health.LastCheck = m.now()
		m.lastError = ""
		client := m.client
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg { return fetchHealth(client)() })

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(reconnectInterval, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.subscribe()

	case errMsg:
		m.health.Connected = false
		m.lastError = msg.Error()
		client := m.client
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg { return fetchHealth(client)() })
	}

	var cmd tea.Cmd
	if m.focusLogs {
		m.log, cmd = m.log.Update(msg)
	} else {
		m.table, cmd = m.table.Update(msg)
	}
	return m, cmd
}

// applyEvent records e in the log and the command table.
func (m *Model) applyEvent(e events.Event) {
	if e.ID > 0 && e.ID <= m.lastEventID {
		return
	}
	if e.ID > 0 {
		m.lastEventID = e.ID
	}
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}
	m.spinner.OnEvent(m.now())
	m.health.Connected = true
	m.lastError = ""

	if updateCommandState(m.commands, e) {
		m.table.SetRows(commandRows(m.commands, m.theme))
	}
	m.log.SetContent(renderEventLog(m.eventLog, m.theme))
}

func (m *Model) resize() {
	inner := max(20, m.width-6)
	m.table.SetColumns(commandColumns(inner))
	m.table.SetWidth(inner)
	// Header takes five lines, the two panes share what is left.
	body := max(6, m.height-12)
	m.table.SetHeight(body / 2)
	m.log.Width = inner
	m.log.Height = body - body/2
	m.log.SetContent(renderEventLog(m.eventLog, m.theme))
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing monitor..."
	}
	now := m.now()

	header := renderHeader(m.health, m.ticker, m.spinner, m.theme, m.width, now)
	commands := m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left, m.pane("COMMANDS", !m.focusLogs), m.table.View()),
	)
	eventLog := m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left, m.pane("EVENTS", m.focusLogs), m.log.View()),
	)

	parts := []string{header, commands, eventLog}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [tab] Switch pane • [↑/↓] Scroll"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func (m Model) pane(title string, focused bool) string {
	if focused {
		return m.theme.Title.Render("▸ " + title)
	}
	return m.theme.Title.Render("  " + title)
}
