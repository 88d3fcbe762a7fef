// Package tui renders pipeline plans, run history and live run progress.
package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/meds-etl/internal/events"
)

const maxEventLog = 8

// StageState tracks one planned stage as progress events arrive.
type StageState struct {
	Index    int
	Name     string
	Status   string
	Started  time.Time
	Duration time.Duration
	Error    string
}

// Progress is the BubbleTea model behind `run --tui`. It follows a single
// run through an event subscription and quits when the run ends.
type Progress struct {
	pipeline string
	runID    string
	stages   []*StageState
	eventLog []string

	events <-chan events.Event
	now    func() time.Time

	width    int
	ticker   Ticker
	activity Activity
	theme    Theme
	table    table.Model

	finished bool
	runErr   string
	aborted  bool
}

type eventMsg events.Event
type closedMsg struct{}
type tickMsg time.Time

// NewProgress creates a progress model for the given plan.
func NewProgress(pipeline string, stages []string, ch <-chan events.Event) Progress {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "#", Width: 2},
			{Title: "Stage", Width: 28},
			{Title: "Status", Width: 10},
			{Title: "Duration", Width: 10},
		}),
		table.WithHeight(len(stages)+1),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = lipgloss.NewStyle()
	t.SetStyles(s)

	m := Progress{
		pipeline: pipeline,
		events:   ch,
		now:      time.Now,
		ticker:   NewTicker(),
		theme:    NewDefaultTheme(),
		table:    t,
	}
	for i, name := range stages {
		m.stages = append(m.stages, &StageState{Index: i, Name: name, Status: "pending"})
	}
	m.refreshTable()
	return m
}

// Aborted reports whether the user quit before the run ended.
func (m Progress) Aborted() bool { return m.aborted }

// Stages returns the tracked stage states in plan order.
func (m Progress) Stages() []StageState {
	out := make([]StageState, len(m.stages))
	for i, st := range m.stages {
		out[i] = *st
	}
	return out
}

func (m Progress) Init() tea.Cmd {
	return tea.Batch(
		receiveNextEvent(m.events),
		tick(),
	)
}

func (m Progress) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.aborted = !m.finished
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tickMsg:
		m.ticker.Tick()
		m.activity.Decay(m.now())
		m.refreshTable()
		return m, tick()

	case eventMsg:
		e := events.Event(msg)
		m.apply(e)
		if e.Terminal() {
			m.finished = true
			return m, tea.Quit
		}
		return m, receiveNextEvent(m.events)

	case closedMsg:
		m.finished = true
		return m, tea.Quit
	}

	return m, nil
}

// apply folds one progress event into the model.
func (m *Progress) apply(e events.Event) {
	m.activity.OnEvent(m.now())
	m.eventLog = append([]string{fmt.Sprintf("%s %s", e.At.Local().Format("15:04:05"), describe(e))}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}

	switch e.Type {
	case events.RunStarted:
		var p events.RunPayload
		if e.Decode(&p) == nil {
			m.runID = p.RunID
		}
	case events.RunFailed:
		var p events.RunPayload
		if e.Decode(&p) == nil {
			m.runErr = p.Error
		}
	case events.StageStarted, events.StageCompleted, events.StageFailed, events.StageSkipped:
		var p events.StagePayload
		if e.Decode(&p) != nil || p.Index < 0 || p.Index >= len(m.stages) {
			return
		}
		st := m.stages[p.Index]
		switch e.Type {
		case events.StageStarted:
			st.Status = "running"
			st.Started = e.At
		case events.StageCompleted:
			st.Status = "succeeded"
			st.Duration = time.Duration(p.DurationMS) * time.Millisecond
		case events.StageFailed:
			st.Status = "failed"
			st.Duration = time.Duration(p.DurationMS) * time.Millisecond
			st.Error = p.Error
		case events.StageSkipped:
			st.Status = "skipped"
		}
	}
	m.refreshTable()
}

func (m *Progress) refreshTable() {
	rows := make([]table.Row, 0, len(m.stages))
	for _, st := range m.stages {
		duration := "-"
		switch {
		case st.Status == "running" && !st.Started.IsZero():
			duration = formatDuration(m.now().Sub(st.Started))
		case st.Duration > 0:
			duration = formatDuration(st.Duration)
		}
		sym := m.theme.Symbol(st.Status)
		if st.Status == "running" {
			sym = m.theme.StatusRunning.Render(m.ticker.Current())
		}
		rows = append(rows, table.Row{
			sym,
			strconv.Itoa(st.Index),
			st.Name,
			st.Status,
			duration,
		})
	}
	m.table.SetRows(rows)
}

func (m Progress) View() string {
	title := m.theme.Title.Render("MEDS ETL " + m.pipeline)
	runLine := m.theme.Dim.Render("run " + valueOr(m.runID, "starting..."))
	header := lipgloss.JoinVertical(lipgloss.Left,
		title,
		" "+runLine+"  "+m.activity.Render(m.theme),
	)

	parts := []string{
		m.theme.Border.Render(header),
		m.table.View(),
	}

	if len(m.eventLog) > 0 {
		var b strings.Builder
		b.WriteString(m.theme.Header.Render("Events"))
		for _, line := range m.eventLog {
			b.WriteString("\n  " + m.theme.Dim.Render(line))
		}
		parts = append(parts, b.String())
	}

	if m.runErr != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.runErr))
	}

	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func describe(e events.Event) string {
	switch e.Type {
	case events.RunStarted, events.RunCompleted, events.RunFailed:
		return e.Type
	}
	var p events.StagePayload
	if err := e.Decode(&p); err != nil {
		return e.Type
	}
	return fmt.Sprintf("%s %s", e.Type, p.Stage)
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return eventMsg(e)
	}
}

func tick() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
