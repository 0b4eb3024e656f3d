// Package loader performs the batched, parameterized inserts of the
// replication pipeline: it partitions rows into batches, builds a single
// multi-row insert statement per batch with the configured conflict suffix,
// and falls back to row-at-a-time execution when a batch fails so poison
// rows never forfeit good ones.
package loader

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/bisibesi/replicator/internal/config"
	"github.com/bisibesi/replicator/internal/pgtarget"
)

var (
	// ErrSchemaMismatch marks a batch whose effective column set is empty:
	// no key of any row exists as a target column.
	ErrSchemaMismatch = errors.New("no incoming column matches the target schema")
	// ErrInsertFailed marks a connection-level fault during loading.
	ErrInsertFailed = errors.New("insert failed")
)

// Options controls one Load call.
type Options struct {
	ConflictPolicy string
	BatchSize      int
	ClearFirst     bool
}

// RowError records one row the per-row fallback could not insert.
type RowError struct {
	Index int
	Err   error
}

// Result summarizes one Load call. Per-row errors live in Errors; Load only
// returns an error for connection-level faults or an empty effective column
// set.
type Result struct {
	InsertedRows int64
	TotalRows    int
	Batches      int
	Errors       []RowError
}

// Loader writes rows into one target connection. Callers must not issue
// concurrent statements on the same handle.
type Loader struct {
	db   *sql.DB
	insp *pgtarget.Inspector
	log  *logrus.Logger
}

// New constructs a Loader borrowing the Executor's target connection.
func New(db *sql.DB, insp *pgtarget.Inspector, log *logrus.Logger) *Loader {
	return &Loader{db: db, insp: insp, log: log}
}

// Load inserts rows into table according to opts.
func (l *Loader) Load(table string, rows []map[string]any, opts Options) (*Result, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}

	if opts.ClearFirst {
		if err := l.Clear(table); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "clear %s", table), ErrInsertFailed)
		}
	}

	cols, err := l.insp.TableColumns(table)
	if err != nil {
		return nil, errors.Mark(err, ErrInsertFailed)
	}

	result := &Result{TotalRows: len(rows)}
	for start := 0; start < len(rows); start += opts.BatchSize {
		end := start + opts.BatchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := l.loadBatch(table, cols, rows[start:end], start, opts, result); err != nil {
			return nil, err
		}
		result.Batches++
	}
	return result, nil
}

// Clear unconditionally deletes every row of table.
func (l *Loader) Clear(table string) error {
	_, err := l.db.Exec(fmt.Sprintf("DELETE FROM %s", pq.QuoteIdentifier(table)))
	return err
}

func (l *Loader) loadBatch(table string, cols []pgtarget.ColumnMeta, batch []map[string]any, batchStart int, opts Options, result *Result) error {
	effective := effectiveColumns(cols, batch)
	if len(effective) == 0 {
		return errors.Mark(errors.Newf("table %s: effective column set is empty", table), ErrSchemaMismatch)
	}

	suffix, err := l.conflictSuffix(table, effective, opts.ConflictPolicy)
	if err != nil {
		return errors.Mark(err, ErrInsertFailed)
	}

	stmt := insertStatement(table, effective, len(batch), suffix)
	params := make([]any, 0, len(batch)*len(effective))
	for _, row := range batch {
		params = append(params, rowParams(row, effective)...)
	}
	if len(params) != len(batch)*len(effective) {
		panic("loader: parameter count does not match batch dimensions")
	}

	res, err := l.db.Exec(stmt, params...)
	if err == nil {
		n, _ := res.RowsAffected()
		result.InsertedRows += n
		return nil
	}

	if isConnectionFatal(err) {
		return errors.Mark(errors.Wrapf(err, "batch insert into %s", table), ErrInsertFailed)
	}

	// The batch failed as a whole; re-execute row by row with the identical
	// conflict suffix to isolate the poison rows.
	l.log.WithError(err).WithField("table", table).Debug("batch insert failed, falling back to per-row inserts")
	single := insertStatement(table, effective, 1, suffix)
	for i, row := range batch {
		res, rowErr := l.db.Exec(single, rowParams(row, effective)...)
		if rowErr != nil {
			if isConnectionFatal(rowErr) {
				return errors.Mark(errors.Wrapf(rowErr, "row insert into %s", table), ErrInsertFailed)
			}
			result.Errors = append(result.Errors, RowError{Index: batchStart + i, Err: rowErr})
			continue
		}
		n, _ := res.RowsAffected()
		result.InsertedRows += n
	}
	return nil
}

// effectiveColumns intersects the target columns with the union of keys
// present in any row, preserving target declaration order. Row keys with no
// matching target column are silently dropped.
func effectiveColumns(cols []pgtarget.ColumnMeta, rows []map[string]any) []string {
	present := map[string]bool{}
	for _, row := range rows {
		for k := range row {
			present[k] = true
		}
	}

	var effective []string
	for _, c := range cols {
		if present[c.Name] {
			effective = append(effective, c.Name)
		}
	}
	return effective
}

// insertStatement builds a parameterized multi-row insert. Placeholders are
// numbered sequentially across rows; identifiers are quoted with embedded
// quotes doubled.
func insertStatement(table string, columns []string, rowCount int, conflictSuffix string) string {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(pq.QuoteIdentifier(table))
	sb.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(pq.QuoteIdentifier(c))
	}
	sb.WriteString(") VALUES ")

	p := 0
	for r := 0; r < rowCount; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for i := range columns {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(pgtarget.Placeholder(p))
			p++
		}
		sb.WriteString(")")
	}

	sb.WriteString(conflictSuffix)
	return sb.String()
}

// conflictSuffix renders the on-conflict clause for the policy. The update
// policy needs an explicit conflict target; the table's primary key serves.
// A table with no primary key cannot conflict on update and degrades to the
// skip clause.
func (l *Loader) conflictSuffix(table string, effective []string, policy string) (string, error) {
	switch policy {
	case config.ConflictSkip:
		return " ON CONFLICT DO NOTHING", nil
	case config.ConflictUpdate:
		pk, err := l.insp.PrimaryKey(table)
		if err != nil {
			return "", err
		}
		if len(pk) == 0 {
			l.log.WithField("table", table).Warn("update conflict policy on a table without a primary key, using do-nothing")
			return " ON CONFLICT DO NOTHING", nil
		}

		var sb strings.Builder
		sb.WriteString(" ON CONFLICT (")
		for i, c := range pk {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(pq.QuoteIdentifier(c))
		}
		sb.WriteString(") DO UPDATE SET ")
		first := true
		for _, c := range effective {
			if isPKColumn(pk, c) {
				continue
			}
			if !first {
				sb.WriteString(", ")
			}
			first = false
			sb.WriteString(pq.QuoteIdentifier(c))
			sb.WriteString(" = EXCLUDED.")
			sb.WriteString(pq.QuoteIdentifier(c))
		}
		if first {
			// Every effective column is part of the key; nothing to update.
			return " ON CONFLICT DO NOTHING", nil
		}
		return sb.String(), nil
	default:
		return "", nil
	}
}

func isPKColumn(pk []string, col string) bool {
	for _, c := range pk {
		if c == col {
			return true
		}
	}
	return false
}

// rowParams prepares one row's parameter list in effective-column order:
// missing keys and empty strings become null, arrays and objects become
// their JSON text, pre-formatted JSON strings pass through.
func rowParams(row map[string]any, effective []string) []any {
	params := make([]any, 0, len(effective))
	for _, c := range effective {
		v, ok := row[c]
		if !ok || v == nil {
			params = append(params, nil)
			continue
		}
		switch tv := v.(type) {
		case string:
			if tv == "" {
				params = append(params, nil)
			} else {
				params = append(params, tv)
			}
		case []any, map[string]any:
			text, err := json.Marshal(tv)
			if err != nil {
				params = append(params, nil)
			} else {
				params = append(params, string(text))
			}
		default:
			params = append(params, v)
		}
	}
	return params
}

func isConnectionFatal(err error) bool {
	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone)
}
