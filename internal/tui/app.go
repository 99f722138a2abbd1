// Package tui provides the runq watch dashboard.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/fentz26/runq/internal/models"
)

// RefreshInterval is how often the dashboard polls the daemon.
const RefreshInterval = 2 * time.Second

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	activeTabStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	tabStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(0, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

type tab int

const (
	tabTasks tab = iota
	tabRunners
	tabNamespaces
)

var tabNames = []string{"Tasks", "Runners", "Namespaces"}

type mode int

const (
	modeList mode = iota
	modeDetail
	modeRespond
)

// statusFilters cycles with "f"; the empty filter shows every task.
var statusFilters = append([]models.TaskStatus{""}, models.AllStatuses...)

// App is the dashboard model.
type App struct {
	client *Client
	now    func() time.Time

	tab       tab
	mode      mode
	filterIdx int

	tasks      []models.QueueItem
	runners    []models.RunnerWithStatus
	namespaces []models.NamespaceSummary
	detail     *models.QueueItem

	taskTable   table.Model
	runnerTable table.Model
	nsTable     table.Model
	viewport    viewport.Model
	input       textinput.Model

	width, height int
	daemonOnline  bool
	message       string
	lastRefresh   time.Time
}

// New creates the dashboard for the daemon at apiAddr.
func New(apiAddr string) *App {
	ti := textinput.New()
	ti.Placeholder = "Type your answer and press Enter"
	ti.CharLimit = 4096
	ti.Width = 80

	return &App{
		client: NewClient(apiAddr),
		now:    time.Now,
		taskTable: newTable([]table.Column{
			{Title: "ID", Width: 12},
			{Title: "STATUS", Width: 18},
			{Title: "GROUP", Width: 14},
			{Title: "UPDATED", Width: 16},
			{Title: "PROMPT", Width: 40},
		}),
		runnerTable: newTable([]table.Column{
			{Title: "RUNNER", Width: 20},
			{Title: "STATE", Width: 8},
			{Title: "STATUS", Width: 8},
			{Title: "HEARTBEAT", Width: 16},
			{Title: "STARTED", Width: 16},
			{Title: "PROJECT", Width: 30},
		}),
		nsTable: newTable([]table.Column{
			{Title: "NAMESPACE", Width: 24},
			{Title: "TASKS", Width: 8},
			{Title: "RUNNERS", Width: 8},
			{Title: "ACTIVE", Width: 8},
		}),
		viewport: viewport.New(80, 20),
		input:    ti,
	}
}

func newTable(cols []table.Column) table.Model {
	t := table.New(
		table.WithColumns(cols),
		table.WithFocused(true),
		table.WithHeight(15),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(mutedColor).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(fgColor).
		Background(primaryColor).
		Bold(true)
	t.SetStyles(s)
	return t
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// --- Messages ---

type snapshotMsg struct {
	online     bool
	tasks      []models.QueueItem
	runners    []models.RunnerWithStatus
	namespaces []models.NamespaceSummary
	err        error
}

type taskDetailMsg struct {
	item *models.QueueItem
	err  error
}

type actionResultMsg struct {
	message string
	err     error
}

type tickMsg time.Time

// --- Commands ---

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(RefreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (a *App) refresh() tea.Cmd {
	c := a.client
	status := statusFilters[a.filterIdx]
	return func() tea.Msg {
		if !c.Healthy() {
			return snapshotMsg{online: false}
		}
		msg := snapshotMsg{online: true}
		if msg.tasks, msg.err = c.ListTasks(status); msg.err != nil {
			return msg
		}
		if msg.runners, msg.err = c.ListRunners(); msg.err != nil {
			return msg
		}
		msg.namespaces, msg.err = c.ListNamespaces()
		return msg
	}
}

func (a *App) fetchDetail(id string) tea.Cmd {
	c := a.client
	return func() tea.Msg {
		item, err := c.GetTask(id)
		return taskDetailMsg{item: item, err: err}
	}
}

func (a *App) cancelTask(id string) tea.Cmd {
	c := a.client
	return func() tea.Msg {
		msg, err := c.CancelTask(id)
		return actionResultMsg{message: msg, err: err}
	}
}

func (a *App) respond(id, answer string) tea.Cmd {
	c := a.client
	return func() tea.Msg {
		msg, err := c.Respond(id, answer)
		return actionResultMsg{message: msg, err: err}
	}
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.refresh(), a.tickCmd())
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		h := max(5, msg.Height-8)
		for _, t := range []*table.Model{&a.taskTable, &a.runnerTable, &a.nsTable} {
			t.SetHeight(h)
			t.SetWidth(msg.Width)
		}
		a.viewport.Width = msg.Width
		a.viewport.Height = h
		a.input.Width = msg.Width - 6
		return a, nil

	case tickMsg:
		return a, tea.Batch(a.refresh(), a.tickCmd())

	case snapshotMsg:
		a.daemonOnline = msg.online
		if msg.err != nil {
			a.message = "Error: " + msg.err.Error()
			return a, nil
		}
		if !msg.online {
			return a, nil
		}
		a.lastRefresh = a.now()
		a.tasks, a.runners, a.namespaces = msg.tasks, msg.runners, msg.namespaces
		a.syncRows()
		if a.mode != modeList && a.detail != nil {
			return a, a.fetchDetail(a.detail.TaskID)
		}
		return a, nil

	case taskDetailMsg:
		if msg.err != nil {
			a.message = "Error: " + msg.err.Error()
			return a, nil
		}
		a.detail = msg.item
		a.viewport.SetContent(renderTaskDetail(a.detail, a.viewport.Width, a.now()))
		return a, nil

	case actionResultMsg:
		if msg.err != nil {
			a.message = "Error: " + msg.err.Error()
		} else {
			a.message = "✓ " + msg.message
		}
		return a, a.refresh()
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		return a, tea.Quit
	}

	switch a.mode {
	case modeRespond:
		switch msg.String() {
		case "esc":
			a.mode = modeDetail
			a.input.Blur()
			a.input.SetValue("")
			return a, nil
		case "enter":
			answer := strings.TrimSpace(a.input.Value())
			if answer == "" || a.detail == nil {
				return a, nil
			}
			a.input.SetValue("")
			a.input.Blur()
			a.mode = modeDetail
			return a, a.respond(a.detail.TaskID, answer)
		}
		var cmd tea.Cmd
		a.input, cmd = a.input.Update(msg)
		return a, cmd

	case modeDetail:
		switch msg.String() {
		case "esc", "q":
			a.mode = modeList
			a.detail = nil
			return a, nil
		case "a":
			if a.detail != nil && a.detail.Status == models.StatusAwaitingResponse {
				a.mode = modeRespond
				return a, a.input.Focus()
			}
			return a, nil
		case "c":
			if a.detail != nil {
				return a, a.cancelTask(a.detail.TaskID)
			}
			return a, nil
		}
		var cmd tea.Cmd
		a.viewport, cmd = a.viewport.Update(msg)
		return a, cmd
	}

	switch msg.String() {
	case "q":
		return a, tea.Quit
	case "tab":
		a.tab = (a.tab + 1) % tab(len(tabNames))
		return a, nil
	case "shift+tab":
		a.tab = (a.tab + tab(len(tabNames)) - 1) % tab(len(tabNames))
		return a, nil
	case "r":
		a.message = ""
		return a, a.refresh()
	case "f":
		if a.tab == tabTasks {
			a.filterIdx = (a.filterIdx + 1) % len(statusFilters)
			return a, a.refresh()
		}
		return a, nil
	case "c":
		if item := a.selectedTask(); item != nil {
			if item.Status != models.StatusQueued {
				a.message = fmt.Sprintf("Error: only queued tasks can be cancelled here (task is %s)", item.Status)
				return a, nil
			}
			return a, a.cancelTask(item.TaskID)
		}
		return a, nil
	case "enter":
		if item := a.selectedTask(); item != nil {
			a.mode = modeDetail
			a.detail = item
			a.viewport.SetContent(renderTaskDetail(item, a.viewport.Width, a.now()))
			a.viewport.GotoTop()
			return a, a.fetchDetail(item.TaskID)
		}
		return a, nil
	}

	var cmd tea.Cmd
	switch a.tab {
	case tabTasks:
		a.taskTable, cmd = a.taskTable.Update(msg)
	case tabRunners:
		a.runnerTable, cmd = a.runnerTable.Update(msg)
	case tabNamespaces:
		a.nsTable, cmd = a.nsTable.Update(msg)
	}
	return a, cmd
}

// selectedTask returns a copy of the highlighted task on the tasks tab.
func (a *App) selectedTask() *models.QueueItem {
	if a.tab != tabTasks || len(a.tasks) == 0 {
		return nil
	}
	i := a.taskTable.Cursor()
	if i < 0 || i >= len(a.tasks) {
		return nil
	}
	item := a.tasks[i].Clone()
	return &item
}

func (a *App) syncRows() {
	now := a.now()

	rows := make([]table.Row, 0, len(a.tasks))
	for _, t := range a.tasks {
		rows = append(rows, table.Row{
			shortID(t.TaskID),
			string(t.Status),
			t.TaskGroupID,
			humanize.RelTime(t.UpdatedAt, now, "ago", "from now"),
			oneLine(t.Prompt),
		})
	}
	a.taskTable.SetRows(rows)
	clampCursor(&a.taskTable, len(rows))

	rows = make([]table.Row, 0, len(a.runners))
	for _, r := range a.runners {
		state := "stale"
		if r.IsAlive {
			state = "alive"
		}
		rows = append(rows, table.Row{
			r.RunnerID,
			state,
			string(r.Status),
			humanize.RelTime(r.LastHeartbeat, now, "ago", "from now"),
			humanize.RelTime(r.StartedAt, now, "ago", "from now"),
			r.ProjectRoot,
		})
	}
	a.runnerTable.SetRows(rows)
	clampCursor(&a.runnerTable, len(rows))

	rows = make([]table.Row, 0, len(a.namespaces))
	for _, n := range a.namespaces {
		rows = append(rows, table.Row{
			n.Namespace,
			fmt.Sprint(n.TaskCount),
			fmt.Sprint(n.RunnerCount),
			fmt.Sprint(n.ActiveRunnerCount),
		})
	}
	a.nsTable.SetRows(rows)
	clampCursor(&a.nsTable, len(rows))
}

func clampCursor(t *table.Model, n int) {
	if t.Cursor() >= n {
		t.SetCursor(max(0, n-1))
	}
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	// Header with daemon status
	daemonStatus := onlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemonStatus = offlineStyle.Render("○ DAEMON")
	}
	header := titleStyle.Render("runq") + "  " + daemonStatus
	header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(fmt.Sprintf("[%d tasks · %d runners]", len(a.tasks), len(a.runners)))
	if !a.lastRefresh.IsZero() {
		header += "  " + helpStyle.Render("updated "+a.lastRefresh.Format("15:04:05"))
	}
	b.WriteString(header + "\n")

	var tabs []string
	for i, name := range tabNames {
		if tab(i) == a.tab {
			tabs = append(tabs, activeTabStyle.Render(name))
		} else {
			tabs = append(tabs, tabStyle.Render(name))
		}
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, tabs...) + "\n")

	switch a.mode {
	case modeDetail, modeRespond:
		b.WriteString(a.viewport.View())
	default:
		switch a.tab {
		case tabTasks:
			label := "ALL"
			if f := statusFilters[a.filterIdx]; f != "" {
				label = string(f)
			}
			b.WriteString(helpStyle.Render(" Filter: ["+label+"]") + "\n")
			if len(a.tasks) == 0 {
				b.WriteString("\n  No tasks found. Add one with: runq task add --prompt \"...\"\n")
			} else {
				b.WriteString(a.taskTable.View())
			}
		case tabRunners:
			b.WriteString(a.runnerTable.View())
		case tabNamespaces:
			b.WriteString(a.nsTable.View())
		}
	}

	// Message bar
	b.WriteString("\n")
	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString(msgStyle.Render(a.message))
	}
	b.WriteString("\n")

	if a.mode == modeRespond {
		b.WriteString(inputBoxStyle.Render(a.input.View()) + "\n")
	}

	var status string
	switch a.mode {
	case modeDetail:
		status = " ↑↓:scroll | a:answer | c:cancel | Esc:back | Ctrl+C:quit"
	case modeRespond:
		status = " Enter:send | Esc:back"
	default:
		status = " Tab:switch | ↑↓:nav | Enter:details | f:filter | c:cancel | r:refresh | q:quit"
	}
	b.WriteString(statusBarStyle.Width(max(a.width, 1)).Render(status))
	return b.String()
}

func formatStatus(s models.TaskStatus) string {
	var style lipgloss.Style
	switch s {
	case models.StatusQueued:
		style = lipgloss.NewStyle().Foreground(warningColor)
	case models.StatusRunning:
		style = lipgloss.NewStyle().Foreground(cyanColor)
	case models.StatusAwaitingResponse:
		style = lipgloss.NewStyle().Foreground(primaryColor).Bold(true)
	case models.StatusComplete:
		style = lipgloss.NewStyle().Foreground(successColor)
	case models.StatusError:
		style = lipgloss.NewStyle().Foreground(errorColor)
	default:
		style = lipgloss.NewStyle().Foreground(mutedColor)
	}
	return style.Render("● " + string(s))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 60 {
		return s[:57] + "..."
	}
	return s
}
