package executor

import (
	"time"

	"github.com/bisibesi/replicator/internal/transform"
)

// Failure kinds recorded against individual tables.
const (
	KindAuthFailed       = "auth-failed"
	KindConnectFailed    = "connect-failed"
	KindInspectionFailed = "schema-inspection-failed"
	KindExtractFailed    = "extract-failed"
	KindSchemaMismatch   = "schema-mismatch"
	KindInsertFailed     = "insert-failed"
	KindRowCountMismatch = "row-count-mismatch"
)

// TableFailure records one table that could not be synchronized.
type TableFailure struct {
	Name   string
	Kind   string
	Detail string
}

// TableAnalysis is one table's projected issues from a dry-run pass.
type TableAnalysis struct {
	Name            string
	RowCount        int64
	TransformNeeded int
	AnalysisError   string
	SchemaChange    bool
}

// RunStats accumulates the observable outcome of one run. It is written only
// from the Executor's goroutine and read by the summary renderer afterwards.
type RunStats struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time

	TotalTables     int
	SucceededTables int
	Failed          []TableFailure

	RowsPlanned  int64
	RowsInserted int64

	Transform transform.Counters

	Analyses []TableAnalysis
}

// Duration is the wall-clock span of the run.
func (s *RunStats) Duration() time.Duration {
	end := s.FinishedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.StartedAt)
}

func (s *RunStats) recordFailure(name, kind string, detail string) {
	s.Failed = append(s.Failed, TableFailure{Name: name, Kind: kind, Detail: detail})
}
