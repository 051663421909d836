// Package migrate holds the progress and reporting pieces shared by the
// migration phases and the command line.
package migrate

import (
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"
)

// Stage is one unit of work inside a run, such as the account import.
type Stage struct {
	Name  string
	Unit  string // plural noun for the items, e.g. "accounts"
	Index int    // 1-based
	Total int
}

func (s Stage) unit() string {
	if s.Unit == "" {
		return "items"
	}
	return s.Unit
}

// BatchProgress is the cumulative state of a stage after a batch.
type BatchProgress struct {
	Batch  int
	Done   int
	Failed int
	Total  int
}

// StageSummary describes a finished stage.
type StageSummary struct {
	Items   int
	Failed  int
	Elapsed time.Duration
}

// ProgressReporter receives progress from a batched stage. Calls for one
// stage are sequential; implementations must tolerate concurrent stages.
type ProgressReporter interface {
	StartStage(s Stage, total int)
	BatchDone(s Stage, p BatchProgress)
	FinishStage(s Stage, sum StageSummary)
	Warn(msg string)
}

// CLIReporter redraws a single progress line per stage on a terminal.
type CLIReporter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewCLIReporter(w io.Writer) *CLIReporter {
	return &CLIReporter{w: w}
}

func (r *CLIReporter) StartStage(s Stage, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "  [%d/%d] %-12s 0/%d %s", s.Index, s.Total, s.Name, total, s.unit())
}

func (r *CLIReporter) BatchDone(s Stage, p BatchProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	line := fmt.Sprintf("\r  [%d/%d] %-12s %d/%d %s", s.Index, s.Total, s.Name, p.Done, p.Total, s.unit())
	if p.Total > 0 {
		line += fmt.Sprintf(" (%d%%)", p.Done*100/p.Total)
	}
	if p.Failed > 0 {
		line += fmt.Sprintf(", %d failed", p.Failed)
	}
	fmt.Fprint(r.w, line)
}

func (r *CLIReporter) FinishStage(s Stage, sum StageSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sum.Items == 0 {
		fmt.Fprintf(r.w, "\r  [%d/%d] %-12s nothing to do\n", s.Index, s.Total, s.Name)
		return
	}
	result := fmt.Sprintf("%d %s", sum.Items, s.unit())
	if sum.Failed > 0 {
		result += fmt.Sprintf(", %d failed", sum.Failed)
	}
	fmt.Fprintf(r.w, "\r  [%d/%d] %-12s %s  done (%s, %s)\n",
		s.Index, s.Total, s.Name, result, FormatDuration(sum.Elapsed), FormatRate(sum.Items, sum.Elapsed))
}

func (r *CLIReporter) Warn(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "  Warning: %s\n", msg)
}

// NopReporter discards progress, for --json output and tests.
type NopReporter struct{}

func (NopReporter) StartStage(Stage, int)           {}
func (NopReporter) BatchDone(Stage, BatchProgress)  {}
func (NopReporter) FinishStage(Stage, StageSummary) {}
func (NopReporter) Warn(string)                     {}

// FormatDuration prints sub-second durations in milliseconds.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

// FormatRate prints n items over d as a per-second rate.
func FormatRate(n int, d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.0f/s", float64(n)/d.Seconds())
}

// FormatBytes prints a byte count with a binary unit.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit && exp < 3; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGT"[exp])
}

// Plan is what a user import will do, shown before anything is written.
type Plan struct {
	Source      string   `json:"source"`
	Phase       string   `json:"phase"`
	Users       int      `json:"users"`
	RoleGrants  int      `json:"roleGrants"`
	Strategy    string   `json:"passwordStrategy"`
	BatchSize   int      `json:"batchSize"`
	Concurrency int      `json:"concurrency"`
	DryRun      bool     `json:"dryRun"`
	Warnings    []string `json:"warnings,omitempty"`
}

// Batches is the number of batches the plan will run.
func (p *Plan) Batches() int {
	if p.BatchSize < 1 || p.Users == 0 {
		return 0
	}
	return (p.Users + p.BatchSize - 1) / p.BatchSize
}

func (p *Plan) PrintPlan(w io.Writer) {
	fmt.Fprintln(w)
	title := "Migration plan"
	if p.DryRun {
		title += " (dry run)"
	}
	fmt.Fprintf(w, "  %s: %s\n\n", title, p.Source)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if p.Phase != "" {
		fmt.Fprintf(tw, "  Current phase:\t%s\n", p.Phase)
	}
	fmt.Fprintf(tw, "  Accounts:\t%d\n", p.Users)
	fmt.Fprintf(tw, "  Role grants:\t%d\n", p.RoleGrants)
	if p.Strategy != "" {
		fmt.Fprintf(tw, "  Passwords:\t%s\n", p.Strategy)
	}
	if n := p.Batches(); n > 0 {
		fmt.Fprintf(tw, "  Batches:\t%d of %d, %d workers\n", n, p.BatchSize, max(p.Concurrency, 1))
	}
	tw.Flush()
	fmt.Fprintln(w)

	if len(p.Warnings) > 0 {
		fmt.Fprintln(w, "  Warnings:")
		for _, msg := range p.Warnings {
			fmt.Fprintf(w, "    - %s\n", msg)
		}
		fmt.Fprintln(w)
	}
}

// ValidationSummary compares legacy and target counts after a phase.
type ValidationSummary struct {
	SourceLabel string
	TargetLabel string
	Rows        []ValidationRow
	Warnings    []string
}

type ValidationRow struct {
	Label       string
	SourceCount int
	TargetCount int
}

// Matches reports whether every row has equal counts.
func (v *ValidationSummary) Matches() bool {
	for _, row := range v.Rows {
		if row.SourceCount != row.TargetCount {
			return false
		}
	}
	return true
}

func (v *ValidationSummary) PrintSummary(w io.Writer) {
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(tw, "  \t%s\t%s\t\t\n", v.SourceLabel, v.TargetLabel)
	for _, row := range v.Rows {
		status := "ok"
		if d := row.TargetCount - row.SourceCount; d != 0 {
			status = fmt.Sprintf("%+d", d)
		}
		fmt.Fprintf(tw, "  %s\t%d\t%d\t%s\t\n", row.Label, row.SourceCount, row.TargetCount, status)
	}
	tw.Flush()
	fmt.Fprintln(w)

	if v.Matches() {
		fmt.Fprintln(w, "  All counts match.")
	}
	if len(v.Warnings) > 0 {
		fmt.Fprintln(w, "  Warnings:")
		for _, warn := range v.Warnings {
			fmt.Fprintf(w, "    - %s\n", warn)
		}
	}
	fmt.Fprintln(w)
}
