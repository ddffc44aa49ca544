// Package tui renders a live dashboard over the daemon: the agent pool on the
// left, queue counters and the event log on the right.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/agentd/internal/agent"
	"github.com/aristath/agentd/internal/events"
	"github.com/aristath/agentd/internal/queue"
	"github.com/aristath/agentd/internal/task"
)

// Source is the daemon surface the dashboard reads from.
type Source interface {
	Agents() []agent.Descriptor
	Tasks() []*task.Task
	GetQueueStats() queue.Stats
}

// tickMsg drives the periodic refresh of agent and queue panes.
type tickMsg time.Time

const maxLogLines = 500

// Model is the root Bubble Tea model for the dashboard.
type Model struct {
	src      Source
	eventSub <-chan events.Event

	log      viewport.Model
	logLines []string

	width    int
	height   int
	quitting bool
}

// New creates a dashboard model subscribed to all bus events.
func New(src Source, bus *events.Bus) Model {
	return Model{
		src:      src,
		eventSub: bus.SubscribeAll(256),
		log:      viewport.New(0, 0),
	}
}

// Init starts the event wait and the refresh tick.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.eventSub), tick())
}

func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		default:
			var cmd tea.Cmd
			m.log, cmd = m.log.Update(msg)
			return m, cmd
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()
		return m, nil

	case tickMsg:
		return m, tick()

	case events.Event:
		m.appendLog(formatEvent(msg))
		return m, waitForEvent(m.eventSub)
	}

	return m, nil
}

func (m *Model) appendLog(line string) {
	m.logLines = append(m.logLines, line)
	if len(m.logLines) > maxLogLines {
		m.logLines = m.logLines[len(m.logLines)-maxLogLines:]
	}
	atBottom := m.log.AtBottom()
	m.log.SetContent(strings.Join(m.logLines, "\n"))
	if atBottom {
		m.log.GotoBottom()
	}
}

func (m *Model) computeLayout() {
	leftWidth := (m.width * 45) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // help bar

	// Log viewport sits below the stats block on the right.
	m.log.Width = rightWidth - 2
	m.log.Height = availableHeight - statsHeight - 2
	if m.log.Height < 3 {
		m.log.Height = 3
	}
}

const statsHeight = 6

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	leftWidth := (m.width * 45) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1

	left := stylePaneBorder.
		Width(leftWidth - 2).
		Height(availableHeight - 2).
		Render(styleTitle.Render("Agents") + "\n" + m.agentsView(leftWidth-4))

	stats := stylePaneBorder.
		Width(rightWidth - 2).
		Height(statsHeight - 2).
		Render(styleTitle.Render("Queue") + "\n" + m.statsView())

	logPane := stylePaneBorder.
		Width(rightWidth - 2).
		Render(styleTitle.Render("Events") + "\n" + m.log.View())

	right := lipgloss.JoinVertical(lipgloss.Left, stats, logPane)
	main := lipgloss.JoinHorizontal(lipgloss.Top, left, right)
	help := styleHelp.Render(" q: quit  up/down: scroll events")

	return lipgloss.JoinVertical(lipgloss.Left, main, help)
}

// agentsView renders one line per agent, grouped by type.
func (m Model) agentsView(width int) string {
	agents := m.src.Agents()
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].Type != agents[j].Type {
			return agents[i].Type < agents[j].Type
		}
		return agents[i].ID < agents[j].ID
	})

	if len(agents) == 0 {
		return styleDim.Render("no agents")
	}

	var b strings.Builder
	for _, d := range agents {
		line := fmt.Sprintf("%-24s %-11s pid=%-7d %d/%d  cpu %.0f%%  mem %.0fMB",
			d.ID, stateLabel(d.State), d.PID, d.Load(), d.MaxConcurrent,
			d.Usage.CPUPercent, d.Usage.MemoryMB)
		if len(line) > width && width > 3 {
			line = line[:width-3] + "..."
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func stateLabel(s agent.State) string {
	name := s.String()
	switch s {
	case agent.StateBusy:
		return styleRunning.Render(name)
	case agent.StateIdle:
		return styleHealthy.Render(name)
	case agent.StateUnhealthy, agent.StateTerminated:
		return styleFailed.Render(name)
	default:
		return styleDim.Render(name)
	}
}

// statsView renders queue counters as a compact fixed-height block.
func (m Model) statsView() string {
	st := m.src.GetQueueStats()
	queued := st.ByStatus[task.StatusQueued.String()] + st.ByStatus[task.StatusPending.String()]
	running := st.ByStatus[task.StatusRunning.String()] + st.ByStatus[task.StatusAssigned.String()]
	return fmt.Sprintf("queued %d   running %d   failed %d   done %d\nlocks held %d   total %d",
		queued, running,
		st.ByStatus[task.StatusFailed.String()]+st.ByStatus[task.StatusRetrying.String()],
		st.Archived, st.LocksHeld, st.Total)
}

// formatEvent renders a bus event as one log line.
func formatEvent(e events.Event) string {
	ts := time.Now().Format("15:04:05")
	switch ev := e.(type) {
	case events.TaskEvent:
		line := fmt.Sprintf("%s  %-16s %s", ts, ev.Type, ev.ID)
		if ev.AgentID != "" {
			line += " -> " + ev.AgentID
		}
		if ev.Reason != "" {
			line += "  (" + ev.Reason + ")"
		}
		return line
	case events.EscalationEvent:
		return styleFailed.Render(fmt.Sprintf("%s  escalated        %s after %d attempts: %s", ts, ev.ID, ev.Attempts, ev.Reason))
	case events.AgentEvent:
		line := fmt.Sprintf("%s  %-16s %s", ts, ev.Type, ev.AgentID)
		if ev.Reason != "" {
			line += "  (" + ev.Reason + ")"
		}
		return line
	case events.BreakerEvent:
		return styleRunning.Render(fmt.Sprintf("%s  breaker          %s: %s -> %s", ts, ev.AgentType, ev.From, ev.To))
	default:
		return fmt.Sprintf("%s  %s", ts, e.EventType())
	}
}
