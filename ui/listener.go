package ui

import (
	"fmt"
	"log/slog"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"github.com/franksops/docmover/engine"
)

// JobLabel names a job for display: its operation, first source and
// destination.
func JobLabel(j *engine.Job) string {
	if len(j.Sources) == 0 {
		return j.Operation.String()
	}
	label := fmt.Sprintf("%s %s", j.Operation, j.Sources[0].Name)
	if n := len(j.Sources) - 1; n > 0 {
		label += fmt.Sprintf(" (+%d)", n)
	}
	return label + " -> " + j.Destination.Name
}

// ProgramListener forwards job events to a running tea.Program.
type ProgramListener struct {
	send func(tea.Msg)
}

// NewProgramListener creates a listener that delivers to p.
func NewProgramListener(p *tea.Program) *ProgramListener {
	return &ProgramListener{send: p.Send}
}

func (l *ProgramListener) OnProgress(j *engine.Job, p engine.Progress) {
	l.send(ProgressMsg{JobID: j.ID, Label: JobLabel(j), Progress: p})
}

func (l *ProgramListener) OnFinished(j *engine.Job, r engine.Result) {
	l.send(FinishedMsg{JobID: j.ID, Label: JobLabel(j), Result: r})
}

// LogListener reports job events as structured log records, for headless runs.
type LogListener struct {
	logger *slog.Logger
}

// NewLogListener creates a LogListener.
func NewLogListener(logger *slog.Logger) *LogListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogListener{logger: logger}
}

func (l *LogListener) OnProgress(j *engine.Job, p engine.Progress) {
	attrs := []any{"job", j.ID, "copied", humanize.IBytes(uint64(p.BytesCopied))}
	if !p.Indeterminate {
		attrs = append(attrs, "percent", p.Percent())
	}
	if p.RemainingKnown {
		attrs = append(attrs, "eta", formatETA(p))
	}
	l.logger.Info("progress", attrs...)
}

func (l *LogListener) OnFinished(j *engine.Job, r engine.Result) {
	attrs := []any{
		"job", j.ID,
		"label", JobLabel(j),
		"state", r.State,
		"copied", humanize.IBytes(uint64(r.Progress.BytesCopied)),
		"duration", r.Duration(),
	}
	switch {
	case r.Err != nil:
		l.logger.Error("job finished", append(attrs, "error", r.Err)...)
	case len(r.Failures) > 0:
		l.logger.Warn("job finished", append(attrs, "failed", len(r.Failures))...)
	default:
		l.logger.Info("job finished", attrs...)
	}
	for _, f := range r.Failures {
		l.logger.Warn("document failed", "job", j.ID, "document", f.Document.URI(), "error", f.Err)
	}
	for _, doc := range r.Converted {
		l.logger.Warn("document converted", "job", j.ID, "document", doc.URI(), "mime", doc.MimeType)
	}
}
