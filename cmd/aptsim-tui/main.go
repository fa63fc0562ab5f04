package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/hyperion-flux/aptsim/pkg/client"
)

// Config
const (
	pollRate       = time.Second
	viewportHeight = 18
)

// Styles
var (
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			Width(100)

	paneStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1).
			Width(100)

	eventTimeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(10)
	eventStageStyle = lipgloss.NewStyle().Width(24).Bold(true)

	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // Red
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))  // Green
	detectStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("208")) // Orange
)

type tickMsg time.Time

type dataMsg struct {
	run        *client.Run
	events     []client.Event
	detections []client.Detection
	err        error
}

type model struct {
	api      *client.Client
	runID    string
	spinner  spinner.Model
	progress progress.Model
	viewport viewport.Model

	run        *client.Run
	events     []client.Event
	detections []client.Detection
	err        error
	ready      bool
}

func initialModel(api *client.Client, runID string) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	vp := viewport.New(100, viewportHeight)
	vp.Style = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		PaddingRight(2)

	return model{
		api:      api,
		runID:    runID,
		spinner:  s,
		progress: progress.New(progress.WithDefaultGradient()),
		viewport: vp,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		fetchData(m.api, m.runID),
		tick(),
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "c":
			// Best-effort cancel, next poll reflects the outcome
			api, runID := m.api, m.runID
			cmds = append(cmds, func() tea.Msg {
				_ = api.CancelRun(context.Background(), runID)
				return nil
			})
		}
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)
		return m, tea.Batch(cmds...)

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tickMsg:
		cmds = append(cmds, fetchData(m.api, m.runID), tick())

	case dataMsg:
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.err = nil
			m.run = msg.run
			m.events = msg.events
			m.detections = msg.detections
			m.updateViewportContent()
		}

		if !m.ready {
			m.ready = true
		}

	case tea.WindowSizeMsg:
		if !m.ready {
			m.viewport = viewport.New(msg.Width, viewportHeight)
			m.viewport.Style = lipgloss.NewStyle().
				BorderStyle(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62")).
				PaddingRight(2)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = viewportHeight
		}
	}

	return m, tea.Batch(cmds...)
}

func (m *model) updateViewportContent() {
	var sb strings.Builder

	detectedEvents := make(map[string]bool, len(m.detections))
	for _, d := range m.detections {
		detectedEvents[d.EventID] = true
	}

	for _, e := range m.events {
		ts := e.Timestamp.Format("15:04:05")

		var outcome string
		if e.Success {
			outcome = successStyle.Render("success")
		} else {
			outcome = failStyle.Render("failed ")
		}

		marker := "        "
		if detectedEvents[e.EventID] {
			marker = detectStyle.Render("DETECTED")
		}

		line := fmt.Sprintf("%s %s %s %s impact=%d\n",
			eventTimeStyle.Render(ts),
			eventStageStyle.Render(e.Stage),
			outcome,
			marker,
			e.ImpactScore,
		)
		sb.WriteString(line)
	}

	m.viewport.SetContent(sb.String())
	m.viewport.GotoBottom()
}

func (m model) View() string {
	if !m.ready {
		return fmt.Sprintf("\n%s Connecting...", m.spinner.View())
	}

	// Top Pane: Run summary
	var summary strings.Builder
	summary.WriteString(lipgloss.NewStyle().Bold(true).Underline(true).Render("Simulation Run") + "\n\n")
	if m.run != nil {
		summary.WriteString(fmt.Sprintf("Run:      %s\n", m.run.RunID))
		summary.WriteString(fmt.Sprintf("Status:   %s\n", styleStatus(m.run.Status)))
		summary.WriteString(fmt.Sprintf("Stage:    %s\n", m.run.CurrentStage))
		summary.WriteString(fmt.Sprintf("Seed:     %d\n", m.run.Seed))
		summary.WriteString(m.progress.ViewAs(float64(m.run.ProgressPercent) / 100.0))
		if m.run.Results != nil {
			summary.WriteString(fmt.Sprintf("\n\nSuccess rate: %.1f%%  Avg impact: %.1f  Events: %d  Detections: %d",
				m.run.Results.SuccessRate, m.run.Results.AvgImpact, m.run.Results.TotalEvents, len(m.detections)))
		}
	} else {
		summary.WriteString(subtleStyle.Render("Waiting for run data."))
	}

	topPane := paneStyle.Render(summary.String())

	// Bottom Pane: Event stream
	header := headerStyle.Render(fmt.Sprintf("%s Kill Chain Activity", m.spinner.View()))
	bottomPane := m.viewport.View()

	// Status Footer
	var status string
	if m.err != nil {
		status = errorStyle.Render(fmt.Sprintf("Offline: %v", m.err))
	} else {
		status = okStyle.Render(fmt.Sprintf("Online • %d Events • %d Detections", len(m.events), len(m.detections)))
	}
	footer := subtleStyle.Render(fmt.Sprintf("\n%s\nPress c to cancel, q to quit", status))

	return lipgloss.JoinVertical(lipgloss.Left, topPane, header, bottomPane, footer)
}

func styleStatus(status string) string {
	switch status {
	case "completed":
		return okStyle.Render(status)
	case "failed", "cancelled", "timed_out":
		return errorStyle.Render(status)
	default:
		return status
	}
}

// Commands

func fetchData(api *client.Client, runID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		run, err := api.GetRun(ctx, runID)
		if err != nil {
			return dataMsg{err: err}
		}

		events, err := api.GetRunEvents(ctx, runID)
		if err != nil {
			return dataMsg{err: err}
		}

		detections, err := api.GetRunDetections(ctx, runID)
		if err != nil {
			return dataMsg{err: err}
		}

		return dataMsg{
			run:        run,
			events:     events,
			detections: detections,
		}
	}
}

func tick() tea.Cmd {
	return tea.Tick(pollRate, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: aptsim-tui <run-id>")
		fmt.Fprintln(os.Stderr, "env: APTSIM_URL (default http://127.0.0.1:8090), APTSIM_TOKEN")
		os.Exit(1)
	}

	api := client.NewClient(os.Getenv("APTSIM_URL"), os.Getenv("APTSIM_TOKEN"))

	p := tea.NewProgram(initialModel(api, os.Args[1]), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
		os.Exit(1)
	}
}
