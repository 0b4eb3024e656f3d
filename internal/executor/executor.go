// Package executor drives a replication run through its phases: Auth,
// Connect (with bootstrap and retry), Discover, Plan, then either a dry-run
// analysis or Clear and Sync, followed by Finalize and Cleanup. It owns the
// target connection and the RunStats; every other component borrows from it.
package executor

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bisibesi/replicator/internal/config"
	"github.com/bisibesi/replicator/internal/loader"
	"github.com/bisibesi/replicator/internal/pgtarget"
	"github.com/bisibesi/replicator/internal/planner"
	"github.com/bisibesi/replicator/internal/transform"
	"github.com/bisibesi/replicator/internal/upstream"
)

var (
	// ErrConnectFailed marks a target that stayed unreachable after the
	// retry budget, or a bootstrap create that failed.
	ErrConnectFailed = errors.New("target connect failed")
	// ErrSyncFailed is raised at Finalize when any table failed and
	// continue-on-error is off.
	ErrSyncFailed = errors.New("sync failed")
)

// Phase names for the run state machine.
type Phase string

const (
	PhaseInit          Phase = "INIT"
	PhaseAuth          Phase = "AUTH"
	PhaseConnect       Phase = "CONNECT"
	PhaseDiscover      Phase = "DISCOVER"
	PhasePlan          Phase = "PLAN"
	PhaseDryRunAnalyze Phase = "DRY_RUN_ANALYZE"
	PhaseClear         Phase = "CLEAR"
	PhaseSync          Phase = "SYNC"
	PhaseFinalize      Phase = "FINALIZE"
	PhaseCleanup       Phase = "CLEANUP"
	PhaseDone          Phase = "DONE"
	PhaseAborted       Phase = "ABORTED"
)

// Connect retry parameters (per-attempt backoff, exponential with cap).
const (
	connectAttempts    = 3
	connectBackoffBase = 1000 * time.Millisecond
	connectBackoffCap  = 10000 * time.Millisecond
	connectBackoffMult = 2
)

// dryRunSampleSize bounds the page fetched per table during analysis.
const dryRunSampleSize = 10

// Upstream is the slice of the Upstream Client the Executor consumes,
// injectable for tests.
type Upstream interface {
	Authenticate(ctx context.Context, username, password string) error
	ListTables(ctx context.Context) ([]upstream.TableDescriptor, error)
	CountRows(ctx context.Context, tableID int64) (int64, error)
	FetchPage(ctx context.Context, tableID int64, offset, limit int64) (*upstream.Page, error)
	Logout(ctx context.Context)
}

// Executor owns one run.
type Executor struct {
	cfg *config.RunConfig
	log *logrus.Logger

	// Up is the upstream client. Replaced by tests with a fake.
	Up Upstream
	// OpenTarget opens and pings one target connection from a DSN. Replaced
	// by tests with a mock factory.
	OpenTarget func(dsn string) (*sql.DB, error)
	// Sleep is the only suspension point inside the retry loop.
	Sleep func(time.Duration)
	// Progress enables the operator-facing spinner/progress rendering.
	Progress bool

	state  Phase
	db     *sql.DB
	insp   *pgtarget.Inspector
	stats  *RunStats
	report *reporter
}

// New constructs an Executor for one run.
func New(cfg *config.RunConfig, log *logrus.Logger) *Executor {
	return &Executor{
		cfg: cfg,
		log: log,
		Up:  upstream.NewClient(cfg.UpstreamBaseURL, cfg.UpstreamDatabaseID, cfg.ConnectTimeout, log),
		OpenTarget: func(dsn string) (*sql.DB, error) {
			db, err := sql.Open("postgres", dsn)
			if err != nil {
				return nil, err
			}
			if err := db.Ping(); err != nil {
				db.Close()
				return nil, err
			}
			return db, nil
		},
		Sleep: time.Sleep,
		state: PhaseInit,
	}
}

// Stats returns the RunStats of the last (or current) run.
func (e *Executor) Stats() *RunStats { return e.stats }

// State returns the current phase.
func (e *Executor) State() Phase { return e.state }

// Run drives the full phase sequence and returns the fatal error, if any.
// Cleanup always runs, and its own errors are logged, never propagated.
func (e *Executor) Run(ctx context.Context) error {
	e.stats = &RunStats{RunID: uuid.NewString(), StartedAt: time.Now()}
	e.report = newReporter(e.Progress)
	runLog := e.log.WithField("run_id", e.stats.RunID)

	err := e.run(ctx, runLog)

	e.transition(PhaseCleanup, runLog)
	e.cleanup(runLog)
	e.stats.FinishedAt = time.Now()

	if err != nil {
		e.state = PhaseAborted
		return err
	}
	e.state = PhaseDone
	return nil
}

func (e *Executor) run(ctx context.Context, runLog *logrus.Entry) error {
	// Auth.
	e.transition(PhaseAuth, runLog)
	e.report.phase("Authenticate")
	if err := e.report.run("Authenticating with upstream", func() error {
		return e.Up.Authenticate(ctx, e.cfg.UpstreamUsername, e.cfg.UpstreamPassword)
	}); err != nil {
		return err
	}

	// Connect.
	e.transition(PhaseConnect, runLog)
	e.report.phase("Connect")
	if err := e.report.run("Connecting to target", func() error {
		return e.connect(ctx, runLog)
	}); err != nil {
		return err
	}
	e.insp = pgtarget.NewInspector(e.db, e.log)

	// Discover.
	e.transition(PhaseDiscover, runLog)
	e.report.phase("Discover")
	var tables []upstream.TableDescriptor
	var catalog pgtarget.EnumCatalog
	edges := map[string][]string{}
	if err := e.report.run("Discovering tables", func() error {
		var err error
		tables, catalog, edges, err = e.discover(ctx)
		return err
	}); err != nil {
		return err
	}
	e.stats.TotalTables = len(tables)

	// Plan.
	e.transition(PhasePlan, runLog)
	names := make([]string, len(tables))
	byName := make(map[string]upstream.TableDescriptor, len(tables))
	for i, t := range tables {
		names[i] = t.Name
		byName[t.Name] = t
	}
	plan := planner.Compute(names, edges, e.log)

	tr := transform.New(catalog, e.log)

	if e.cfg.Mode == config.ModeDryRun {
		e.transition(PhaseDryRunAnalyze, runLog)
		e.report.phase("Analyze (dry-run)")
		if err := e.analyze(ctx, plan, byName, tr); err != nil {
			return err
		}
		e.stats.Transform = tr.Counters
		e.transition(PhaseFinalize, runLog)
		e.report.analysisSummary(e.stats)
		return nil
	}

	// Clear.
	e.transition(PhaseClear, runLog)
	e.report.phase("Clear")
	e.clear(plan.DeletionOrder, runLog)

	// Sync.
	e.transition(PhaseSync, runLog)
	e.report.phase("Sync")
	e.sync(ctx, plan, byName, tr, runLog)
	e.stats.Transform = tr.Counters

	// Finalize.
	e.transition(PhaseFinalize, runLog)
	e.report.phase("Finalize")
	return e.finalize(plan, runLog)
}

// connect opens the target connection, bootstrapping a missing database and
// retrying with exponential backoff before declaring connect-failed.
func (e *Executor) connect(ctx context.Context, runLog *logrus.Entry) error {
	var lastErr error
	for attempt := 0; attempt < connectAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		db, err := e.OpenTarget(e.cfg.TargetDSN())
		if err == nil {
			e.db = db
			return nil
		}

		err = pgtarget.ClassifyConnectError(err)
		if errors.Is(err, pgtarget.ErrDatabaseNotExist) {
			runLog.WithField("database", e.cfg.TargetName).Info("target database missing, bootstrapping")
			if bootErr := e.bootstrap(); bootErr != nil {
				return errors.Mark(errors.Wrap(bootErr, "bootstrap target database"), ErrConnectFailed)
			}
			// Immediate retry after a successful create.
			if db, retryErr := e.OpenTarget(e.cfg.TargetDSN()); retryErr == nil {
				e.db = db
				return nil
			} else {
				err = retryErr
			}
		}

		lastErr = err
		if attempt+1 < connectAttempts {
			delay := backoff(attempt)
			runLog.WithError(err).WithField("delay", delay).Warn("target connect failed, retrying")
			e.Sleep(delay)
		}
	}
	return errors.Mark(errors.Wrap(lastErr, "connect to target"), ErrConnectFailed)
}

// bootstrap creates the missing target database through the administrative
// database, owned by the configured user.
func (e *Executor) bootstrap() error {
	adminDB, err := e.OpenTarget(e.cfg.AdminDSN())
	if err != nil {
		return errors.Wrap(err, "connect to admin database")
	}
	defer adminDB.Close()
	return pgtarget.CreateDatabase(adminDB, e.cfg.TargetName, e.cfg.TargetUsername)
}

// discover pulls the upstream table set and the target's column, enum, and
// foreign-key metadata.
func (e *Executor) discover(ctx context.Context) ([]upstream.TableDescriptor, pgtarget.EnumCatalog, map[string][]string, error) {
	tables, err := e.Up.ListTables(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	catalog, err := e.insp.EnumCatalog()
	if err != nil {
		return nil, nil, nil, err
	}

	edges := map[string][]string{}
	for _, t := range tables {
		if _, err := e.insp.TableColumns(t.Name); err != nil {
			return nil, nil, nil, err
		}
		fks, err := e.insp.ForeignKeys(t.Name)
		if err != nil {
			return nil, nil, nil, err
		}
		for _, fk := range fks {
			edges[fk.Table] = append(edges[fk.Table], fk.ReferencedTable)
		}
	}
	return tables, catalog, edges, nil
}

// clear deletes every table in deletion order. A table that cannot be
// cleared is logged at WARN and skipped.
func (e *Executor) clear(deletionOrder []string, runLog *logrus.Entry) {
	ld := loader.New(e.db, e.insp, e.log)
	for _, table := range deletionOrder {
		if err := ld.Clear(table); err != nil {
			runLog.WithError(err).WithField("table", table).Warn("failed to clear table, continuing")
		}
	}
}

// sync replicates every table in insertion order. Failure handling follows
// continue_on_error: off stops at the first failed table, on records it and
// moves to the next.
func (e *Executor) sync(ctx context.Context, plan *planner.Plan, byName map[string]upstream.TableDescriptor, tr *transform.Transformer, runLog *logrus.Entry) {
	ld := loader.New(e.db, e.insp, e.log)

	e.report.startSync(len(plan.InsertionOrder))
	defer e.report.stopSync()

	for _, name := range plan.InsertionOrder {
		if ctx.Err() != nil {
			e.stats.recordFailure(name, KindExtractFailed, ctx.Err().Error())
			return
		}

		err := e.syncTable(ctx, byName[name], tr, ld, runLog)
		e.report.tableDone()
		if err == nil {
			e.stats.SucceededTables++
			continue
		}

		e.stats.recordFailure(name, failureKind(err), err.Error())
		runLog.WithError(err).WithField("table", name).Error("table sync failed")
		if !e.cfg.ContinueOnError {
			return
		}
	}
}

func (e *Executor) syncTable(ctx context.Context, desc upstream.TableDescriptor, tr *transform.Transformer, ld *loader.Loader, runLog *logrus.Entry) error {
	planned, err := e.Up.CountRows(ctx, desc.ID)
	if err != nil {
		return err
	}
	e.stats.RowsPlanned += planned
	if planned == 0 {
		return nil
	}

	cols, err := e.insp.TableColumns(desc.Name)
	if err != nil {
		return err
	}

	limit := int64(e.cfg.BatchSize)
	opts := loader.Options{ConflictPolicy: e.cfg.ConflictPolicy, BatchSize: e.cfg.BatchSize}

	var inserted int64
	var extracted int64
	for {
		page, err := e.Up.FetchPage(ctx, desc.ID, extracted, limit)
		if err != nil {
			return err
		}

		rows := make([]map[string]any, 0, len(page.Rows))
		for _, raw := range page.Rows {
			row := make(map[string]any, len(page.Columns))
			for i, col := range page.Columns {
				if i < len(raw) {
					row[col] = raw[i]
				}
			}
			rows = append(rows, tr.Row(row, cols))
		}

		res, err := ld.Load(desc.Name, rows, opts)
		if err != nil {
			return err
		}
		inserted += res.InsertedRows
		for _, re := range res.Errors {
			runLog.WithError(re.Err).WithFields(logrus.Fields{"table": desc.Name, "row": re.Index}).Warn("row rejected")
		}

		extracted += int64(len(page.Rows))
		if int64(len(page.Rows)) < limit || extracted >= planned {
			break
		}
	}

	e.stats.RowsInserted += inserted

	// Under skip/update a count mismatch is expected; only the error policy
	// verifies row-for-row.
	if e.cfg.ConflictPolicy == config.ConflictError && inserted != planned {
		return errors.Newf("table %s: inserted %d of %d planned rows", desc.Name, inserted, planned)
	}
	return nil
}

// analyze is the dry-run pass: a sample page per nonzero table, run through
// the Transformer in validate-only mode. No target mutations occur.
func (e *Executor) analyze(ctx context.Context, plan *planner.Plan, byName map[string]upstream.TableDescriptor, tr *transform.Transformer) error {
	for _, name := range plan.InsertionOrder {
		if err := ctx.Err(); err != nil {
			return err
		}
		desc := byName[name]

		analysis := TableAnalysis{Name: name}
		cols, err := e.insp.TableColumns(name)
		if err != nil {
			analysis.AnalysisError = err.Error()
			e.stats.Analyses = append(e.stats.Analyses, analysis)
			continue
		}
		for _, c := range cols {
			if c.TypeFamily == "enum" {
				analysis.SchemaChange = true
				break
			}
		}

		count, err := e.Up.CountRows(ctx, desc.ID)
		if err != nil {
			analysis.AnalysisError = err.Error()
			e.stats.Analyses = append(e.stats.Analyses, analysis)
			continue
		}
		analysis.RowCount = count
		if count == 0 {
			e.stats.Analyses = append(e.stats.Analyses, analysis)
			continue
		}

		page, err := e.Up.FetchPage(ctx, desc.ID, 0, dryRunSampleSize)
		if err != nil {
			analysis.AnalysisError = err.Error()
			e.stats.Analyses = append(e.stats.Analyses, analysis)
			continue
		}
		for _, raw := range page.Rows {
			row := make(map[string]any, len(page.Columns))
			for i, col := range page.Columns {
				if i < len(raw) {
					row[col] = raw[i]
				}
			}
			analysis.TransformNeeded += len(tr.Validate(row, cols))
		}
		e.stats.Analyses = append(e.stats.Analyses, analysis)
	}
	return nil
}

// finalize applies the all-or-nothing contract: any accrued table failure
// triggers a rollback (when enabled) and raises sync-failed, unless
// continue-on-error turned the run into a best-effort pass.
func (e *Executor) finalize(plan *planner.Plan, runLog *logrus.Entry) error {
	if len(e.stats.Failed) == 0 {
		e.report.summary(e.stats)
		return nil
	}

	if e.cfg.EnableRollback {
		runLog.WithField("failed_tables", len(e.stats.Failed)).Warn("rolling back all tables")
		e.rollback(plan.DeletionOrder, runLog)
	}
	e.report.summary(e.stats)

	if e.cfg.ContinueOnError {
		return nil
	}
	return errors.Mark(errors.Newf("%d of %d tables failed", len(e.stats.Failed), e.stats.TotalTables), ErrSyncFailed)
}

// rollback clears every table in deletion order. A table that cannot be
// cleared is logged and skipped, never raised.
func (e *Executor) rollback(deletionOrder []string, runLog *logrus.Entry) {
	ld := loader.New(e.db, e.insp, e.log)
	for _, table := range deletionOrder {
		if err := ld.Clear(table); err != nil {
			runLog.WithError(err).WithField("table", table).Warn("rollback could not clear table")
		}
	}
}

// cleanup closes the target connection and terminates the upstream session.
func (e *Executor) cleanup(runLog *logrus.Entry) {
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			runLog.WithError(err).Warn("closing target connection failed")
		}
		e.db = nil
	}
	// Logout is best-effort with its own short deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.Up.Logout(ctx)
}

func (e *Executor) transition(next Phase, runLog *logrus.Entry) {
	runLog.WithFields(logrus.Fields{"from": e.state, "to": next}).Debug("phase transition")
	e.state = next
}

// failureKind maps an error onto the table-failure kind recorded in stats.
func failureKind(err error) string {
	switch {
	case errors.Is(err, upstream.ErrExtractFailed):
		return KindExtractFailed
	case errors.Is(err, loader.ErrSchemaMismatch):
		return KindSchemaMismatch
	case errors.Is(err, loader.ErrInsertFailed):
		return KindInsertFailed
	case errors.Is(err, pgtarget.ErrInspectionFailed):
		return KindInspectionFailed
	default:
		return KindRowCountMismatch
	}
}

// backoff returns the connect retry delay for a 0-based attempt index:
// min(base * mult^attempt, cap).
func backoff(attempt int) time.Duration {
	d := connectBackoffBase
	for i := 0; i < attempt; i++ {
		d *= connectBackoffMult
		if d >= connectBackoffCap {
			return connectBackoffCap
		}
	}
	return d
}
