package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/briandowns/spinner"
)

// Step shows progress for one long-running operation such as a backup or
// a phase validation. Without a terminal it prints plain text.
type Step struct {
	w       io.Writer
	plain   bool
	s       *spinner.Spinner
	msg     string
	started time.Time
}

// NewStep returns a Step writing to w. plain disables the animation.
func NewStep(w io.Writer, plain bool) *Step {
	return &Step{w: w, plain: plain}
}

// Start begins the step.
func (st *Step) Start(msg string) {
	st.msg = msg
	st.started = time.Now()
	if st.plain {
		fmt.Fprintf(st.w, "  %s", msg)
		return
	}
	st.s = spinner.New(spinner.CharSets[14], 80*time.Millisecond, spinner.WithWriter(st.w))
	st.s.Prefix = "  "
	st.s.Suffix = " " + msg
	st.s.Start()
}

// Done ends the step as successful.
func (st *Step) Done() { st.finish(StyleSuccess.Render(SymbolCheck)) }

// Warn ends the step as completed with problems, e.g. a checkpoint that
// was recorded but failed validation.
func (st *Step) Warn() { st.finish(StyleWarning.Render(SymbolWarning)) }

// Fail ends the step as failed.
func (st *Step) Fail() { st.finish(StyleError.Render(SymbolCross)) }

// Stop halts the animation without a result, for interrupts.
func (st *Step) Stop() {
	if st.s != nil {
		st.s.Stop()
		st.s = nil
	}
}

func (st *Step) finish(mark string) {
	elapsed := ""
	if !st.started.IsZero() {
		elapsed = " " + StyleHint.Render(formatElapsed(time.Since(st.started)))
	}
	if st.plain {
		fmt.Fprintf(st.w, " %s%s\n", mark, elapsed)
		return
	}
	st.Stop()
	fmt.Fprintf(st.w, "\r  %s %s%s\n", st.msg, mark, elapsed)
}

func formatElapsed(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("(%dms)", d.Milliseconds())
	}
	return fmt.Sprintf("(%.1fs)", d.Seconds())
}
