package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/huh/spinner"
	"github.com/fatih/color"
	"github.com/gosuri/uiprogress"
)

// reporter renders the operator-facing progress: one divider per phase, a
// spinner while a phase runs, a table-granularity progress bar during Sync,
// and the final tabular summary. With enabled=false nothing is rendered (run
// still executes its task), which is what tests and non-TTY runs use.
type reporter struct {
	enabled bool

	progress *uiprogress.Progress
	bar      *uiprogress.Bar
}

func newReporter(enabled bool) *reporter {
	return &reporter{enabled: enabled}
}

func (r *reporter) phase(title string) {
	if !r.enabled {
		return
	}
	color.New(color.FgCyan, color.Bold).Printf("──── %s ────\n", title)
}

// run executes task under a spinner titled msg.
func (r *reporter) run(msg string, task func() error) error {
	if !r.enabled {
		return task()
	}
	var err error
	ctx, cancel := context.WithCancel(context.Background())
	s := spinner.New().Context(ctx).Title(msg)
	go func() {
		defer cancel()
		err = task()
	}()
	s.Run()
	return err
}

func (r *reporter) startSync(total int) {
	if !r.enabled || total == 0 {
		return
	}
	r.progress = uiprogress.New()
	r.progress.Start()
	r.bar = r.progress.AddBar(total).AppendCompleted().PrependElapsed()
	r.bar.PrependFunc(func(b *uiprogress.Bar) string {
		return fmt.Sprintf("Tables %d/%d", b.Current(), total)
	})
}

func (r *reporter) tableDone() {
	if r.bar != nil {
		r.bar.Incr()
	}
}

func (r *reporter) stopSync() {
	if r.progress != nil {
		r.progress.Stop()
		r.progress, r.bar = nil, nil
	}
}

// summary prints the end-of-run report.
func (r *reporter) summary(stats *RunStats) {
	if !r.enabled {
		return
	}

	fmt.Println()
	color.New(color.Bold).Println("Replication Summary")
	fmt.Printf("  Run ID   : %s\n", stats.RunID)
	fmt.Printf("  Duration : %s\n", stats.Duration().Round(time.Millisecond))
	fmt.Printf("  Tables   : %d/%d synchronized\n", stats.SucceededTables, stats.TotalTables)
	fmt.Printf("  Rows     : %d inserted (%d planned)\n", stats.RowsInserted, stats.RowsPlanned)
	if c := stats.Transform; c.EnumTransformations+c.DefaultSubstitutions+c.NullSubstitutions+c.CoercionFailures > 0 {
		fmt.Printf("  Coerced  : %d enum, %d defaulted, %d nulled, %d failed\n",
			c.EnumTransformations, c.DefaultSubstitutions, c.NullSubstitutions, c.CoercionFailures)
	}

	if len(stats.Failed) == 0 {
		color.New(color.FgGreen).Println("  Result   : success")
		return
	}
	color.New(color.FgRed).Printf("  Result   : %d table(s) failed\n", len(stats.Failed))
	for _, f := range stats.Failed {
		fmt.Printf("    [%s] %-24s %s\n", f.Kind, f.Name, f.Detail)
	}
}

// analysisSummary prints the dry-run report.
func (r *reporter) analysisSummary(stats *RunStats) {
	if !r.enabled {
		return
	}

	fmt.Println()
	color.New(color.Bold).Println("Dry-Run Analysis")
	for i, a := range stats.Analyses {
		fmt.Printf("[%02d] %-24s rows=%d transform_needed=%d schema_change=%v\n",
			i+1, a.Name, a.RowCount, a.TransformNeeded, a.SchemaChange)
		if a.AnalysisError != "" {
			fmt.Printf("     └ error: %s\n", a.AnalysisError)
		}
	}
}
