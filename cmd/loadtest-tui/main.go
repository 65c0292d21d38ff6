package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rmax-ai/loadtest/pkg/client"
)

const (
	pollRate       = 2 * time.Second
	fetchTimeout   = time.Second
	maxEvaluations = 30
	viewportHeight = 15
)

var (
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	boldStyle   = lipgloss.NewStyle().Bold(true)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			Width(110)

	paneStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1).
			Width(110)

	timeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(10)
	idStyle     = lipgloss.NewStyle().Width(24).Bold(true)
	metricStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("99")).Width(22)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	stateStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Width(11)
)

// source is the subset of the daemon client the dashboard polls.
type source interface {
	Scenarios(ctx context.Context) ([]client.ScenarioStatus, error)
	Summaries(ctx context.Context, opts client.SummaryOptions) ([]client.Summary, error)
	Evaluations(ctx context.Context, opts client.EvaluationOptions) ([]client.Evaluation, error)
}

type tickMsg time.Time

type dataMsg struct {
	scenarios   []client.ScenarioStatus
	summaries   []client.Summary
	evaluations []client.Evaluation
	err         error
}

type model struct {
	src         source
	spinner     spinner.Model
	viewport    viewport.Model
	scenarios   []client.ScenarioStatus
	summaries   []client.Summary
	evaluations []client.Evaluation
	err         error
	ready       bool
}

func newViewport(width int) viewport.Model {
	vp := viewport.New(width, viewportHeight)
	vp.Style = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		PaddingRight(2)
	return vp
}

func initialModel(src source) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return model{
		src:      src,
		spinner:  s,
		viewport: newViewport(110),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, fetchData(m.src), tick())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tickMsg:
		cmds = append(cmds, fetchData(m.src), tick())

	case dataMsg:
		m.err = msg.err
		if msg.err == nil {
			m.scenarios = msg.scenarios
			m.summaries = msg.summaries
			m.evaluations = msg.evaluations
			m.viewport.SetContent(renderEvaluations(m.evaluations))
		}
		m.ready = true

	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = viewportHeight
	}

	return m, tea.Batch(cmds...)
}

func renderEvaluations(list []client.Evaluation) string {
	if len(list) == 0 {
		return subtleStyle.Render("No evaluations recorded yet.")
	}
	if len(list) > maxEvaluations {
		list = list[len(list)-maxEvaluations:]
	}
	var sb strings.Builder
	for _, e := range list {
		status := passStyle.Render(e.Status)
		if e.Status != "PASS" {
			status = failStyle.Render(e.Status)
		}
		fmt.Fprintf(&sb, "%s %s %s %-13s %-14s %s\n",
			timeStyle.Render(e.EvaluatedAt.Local().Format("15:04:05")),
			idStyle.Render(e.ScenarioID),
			metricStyle.Render(e.MetricName),
			e.Scope,
			fmt.Sprintf("%.2f %s", e.MeasuredValue, e.MeasuredUnit),
			status+" "+subtleStyle.Render("expected "+e.ExpectedValue),
		)
	}
	return sb.String()
}

func renderScenarios(list []client.ScenarioStatus, sums []client.Summary) string {
	var sb strings.Builder
	sb.WriteString(boldStyle.Underline(true).Render("Scenarios") + "\n\n")
	if len(list) == 0 {
		sb.WriteString(subtleStyle.Render("No scenarios scheduled."))
		return sb.String()
	}

	byScenario := make(map[string][]client.Summary)
	for _, s := range sums {
		byScenario[s.ScenarioID] = append(byScenario[s.ScenarioID], s)
	}
	for _, sc := range list {
		next := "-"
		if !sc.NextFireAt.IsZero() {
			next = sc.NextFireAt.Local().Format("15:04:05")
		}
		fmt.Fprintf(&sb, "• %s %s fires %d, next %s\n",
			idStyle.Render(sc.ScenarioID), stateStyle.Render(sc.State), sc.FireCount, next)
		for _, s := range byScenario[sc.ScenarioID] {
			fmt.Fprintf(&sb, "    %s avg %.2f %s  p99 %.2f  n=%d\n",
				metricStyle.Render(s.MetricName), s.Avg, s.Unit, s.P99, s.SampleCount)
		}
	}
	return sb.String()
}

func (m model) View() string {
	if !m.ready {
		return fmt.Sprintf("\n%s Initializing...", m.spinner.View())
	}

	top := paneStyle.Render(renderScenarios(m.scenarios, m.summaries))
	header := headerStyle.Render(fmt.Sprintf("%s Evaluations", m.spinner.View()))

	var status string
	if m.err != nil {
		status = errorStyle.Render(fmt.Sprintf("Offline: %v", m.err))
	} else {
		status = okStyle.Render(fmt.Sprintf("Online • %d Scenarios • %d Evaluations", len(m.scenarios), len(m.evaluations)))
	}
	footer := subtleStyle.Render(fmt.Sprintf("\n%s\nPress q to quit", status))

	return lipgloss.JoinVertical(lipgloss.Left, top, header, m.viewport.View(), footer)
}

func fetchData(src source) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		scenarios, err := src.Scenarios(ctx)
		if err != nil {
			return dataMsg{err: err}
		}
		summaries, err := src.Summaries(ctx, client.SummaryOptions{Live: true})
		if err != nil {
			return dataMsg{err: err}
		}
		evaluations, err := src.Evaluations(ctx, client.EvaluationOptions{})
		if err != nil {
			return dataMsg{err: err}
		}
		return dataMsg{scenarios: scenarios, summaries: summaries, evaluations: evaluations}
	}
}

func tick() tea.Cmd {
	return tea.Tick(pollRate, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func main() {
	endpoint := flag.String("endpoint", "http://127.0.0.1:8090", "daemon base URL")
	flag.Parse()

	c := client.NewClient(*endpoint)
	c.SetRetry(0, client.DefaultBackoff())

	p := tea.NewProgram(initialModel(c), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
		os.Exit(1)
	}
}
