package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/franksops/docmover/engine"
)

// JobView is the TUI's copy of one job's state.
type JobView struct {
	ID        string
	Label     string
	Progress  engine.Progress
	Finished  bool
	Result    engine.Result
	submitted int
}

// ProgressMsg carries a throttled progress update for a job.
type ProgressMsg struct {
	JobID    string
	Label    string
	Progress engine.Progress
}

// FinishedMsg is sent once when a job reaches a terminal state.
type FinishedMsg struct {
	JobID  string
	Label  string
	Result engine.Result
}

// WorkerCountMsg is sent when modifying the worker count
type WorkerCountMsg int

// WorkerControl is the part of a job manager the TUI shows and drives.
// *engine.Manager implements it.
type WorkerControl interface {
	Workers() int
	SetWorkers(n int)
	Running() []*engine.Job
}

var _ WorkerControl = (*engine.Manager)(nil)

// TUIModel implements the tea.Model interface
type TUIModel struct {
	jobs     map[string]*JobView
	expected int
	workers  WorkerControl
	maxShown int

	spinner  spinner.Model
	progress progress.Model
	viewport viewport.Model

	width  int
	height int

	// Styles
	titleStyle   lipgloss.Style
	infoStyle    lipgloss.Style
	streamStyle  lipgloss.Style
	helpStyle    lipgloss.Style
	errorStyle   lipgloss.Style
	warnStyle    lipgloss.Style
	successStyle lipgloss.Style
}

// NewTUIModel creates a model for expected jobs. workers may be nil, which
// hides the worker summary and ignores +/-.
func NewTUIModel(expected int, workers WorkerControl) TUIModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	prog := progress.New(progress.WithDefaultGradient())

	return TUIModel{
		jobs:         make(map[string]*JobView),
		expected:     expected,
		workers:      workers,
		maxShown:     20,
		spinner:      s,
		progress:     prog,
		titleStyle:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1),
		infoStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		streamStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		helpStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1),
		errorStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		warnStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		successStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
}

func (m TUIModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
	)
}

func (m TUIModel) job(id, label string) *JobView {
	jv, ok := m.jobs[id]
	if !ok {
		jv = &JobView{ID: id, Label: label, submitted: len(m.jobs)}
		m.jobs[id] = jv
	}
	return jv
}

// Done reports whether every expected job has finished.
func (m TUIModel) Done() bool {
	if len(m.jobs) < m.expected {
		return false
	}
	for _, jv := range m.jobs {
		if !jv.Finished {
			return false
		}
	}
	return true
}

func (m TUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "+", "=":
			// Increase workers
			return m, func() tea.Msg { return WorkerCountMsg(1) }
		case "-":
			// Decrease workers
			return m, func() tea.Msg { return WorkerCountMsg(-1) }
		}

	case WorkerCountMsg:
		if m.workers != nil {
			m.workers.SetWorkers(max(1, m.workers.Workers()+int(msg)))
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		// Room for the label, amount and ETA columns beside the bar.
		m.progress.Width = max(msg.Width-90, 10)

		headerHeight := 5
		footerHeight := 2
		m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)

	case ProgressMsg:
		jv := m.job(msg.JobID, msg.Label)
		if !jv.Finished {
			jv.Progress = msg.Progress
		}

	case FinishedMsg:
		jv := m.job(msg.JobID, msg.Label)
		jv.Finished = true
		jv.Result = msg.Result
		jv.Progress = msg.Result.Progress

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m TUIModel) sorted() []*JobView {
	views := make([]*JobView, 0, len(m.jobs))
	for _, jv := range m.jobs {
		views = append(views, jv)
	}
	sort.Slice(views, func(i, k int) bool { return views[i].submitted < views[k].submitted })
	return views
}

func (m TUIModel) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var sb strings.Builder
	views := m.sorted()

	// Header
	header := fmt.Sprintf("%s docmove %s", m.spinner.View(), m.titleStyle.Render("Document Transfer"))
	sb.WriteString(header + "\n")

	finished := 0
	for _, jv := range views {
		if jv.Finished {
			finished++
		}
	}
	opsInfo := fmt.Sprintf("Jobs: %d/%d finished", finished, max(m.expected, len(views)))
	if m.workers != nil {
		opsInfo += fmt.Sprintf(" | Workers: %d (%d busy)", m.workers.Workers(), len(m.workers.Running()))
	}
	sb.WriteString(m.infoStyle.Render(opsInfo) + "\n\n")

	var content strings.Builder
	if len(views) == 0 {
		content.WriteString(m.infoStyle.Render("Waiting for jobs..."))
	}
	for i, jv := range views {
		if i == m.maxShown {
			content.WriteString(m.infoStyle.Render(fmt.Sprintf("... %d more", len(views)-i)) + "\n")
			break
		}
		content.WriteString(m.renderJob(jv))
	}

	m.viewport.SetContent(content.String())
	sb.WriteString(m.viewport.View())

	// Footer
	help := m.helpStyle.Render("q/ctrl+c: quit • +/-: adjust workers")
	if m.Done() {
		help = m.successStyle.Render("All jobs finished.") + " Press 'q' to exit."
	}
	sb.WriteString("\n" + help)

	return sb.String()
}

func (m TUIModel) renderJob(jv *JobView) string {
	label := jv.Label
	if len(label) > 40 {
		label = "..." + label[len(label)-37:]
	}

	if jv.Finished {
		return m.renderResult(label, jv.Result)
	}

	p := jv.Progress
	var bar string
	if p.Indeterminate {
		bar = m.spinner.View() + " " + m.infoStyle.Render("working")
	} else {
		bar = m.progress.ViewAs(p.Fraction)
	}
	// Format: label | [===       ] 30% | 12 MiB / 40 MiB | ETA 5s
	return fmt.Sprintf("%-40s | %s | %s | ETA %s\n",
		label, bar, m.streamStyle.Render(formatAmount(p)), formatETA(p))
}

func (m TUIModel) renderResult(label string, r engine.Result) string {
	var sb strings.Builder
	switch r.State {
	case engine.StateCompleted:
		sb.WriteString(m.successStyle.Render("done"))
	case engine.StateCancelled:
		sb.WriteString(m.warnStyle.Render("cancelled"))
	default:
		sb.WriteString(m.errorStyle.Render("failed"))
	}
	sb.WriteString(fmt.Sprintf(" %s in %s", label, r.Duration().Round(time.Millisecond)))
	if r.Err != nil {
		sb.WriteString(": " + m.errorStyle.Render(r.Err.Error()))
	}
	sb.WriteString("\n")
	for _, f := range r.Failures {
		sb.WriteString("  " + m.errorStyle.Render("✗ "+f.Error()) + "\n")
	}
	for _, doc := range r.Converted {
		sb.WriteString("  " + m.warnStyle.Render("! converted "+doc.Name) + "\n")
	}
	return sb.String()
}

// formatAmount renders what has been transferred for the tracker kind in use.
func formatAmount(p engine.Progress) string {
	switch p.Kind {
	case engine.DocumentCount:
		return fmt.Sprintf("%d / %d docs", p.DocumentsCompleted, p.DocumentsRequired)
	case engine.ByteCount:
		return fmt.Sprintf("%s / %s", humanize.IBytes(uint64(p.BytesCopied)), humanize.IBytes(uint64(p.BytesRequired)))
	default:
		return humanize.IBytes(uint64(p.BytesCopied))
	}
}

func formatETA(p engine.Progress) string {
	if p.Indeterminate || !p.RemainingKnown {
		return "Calculating..."
	}
	if p.Remaining <= 0 {
		return "0s"
	}
	if p.Remaining.Hours() > 24 {
		return "> 1d"
	}
	return p.Remaining.Round(time.Second).String()
}
