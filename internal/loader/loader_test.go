package loader_test

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/bisibesi/replicator/internal/config"
	"github.com/bisibesi/replicator/internal/loader"
	"github.com/bisibesi/replicator/internal/pgtarget"
)

func newTestLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func expectColumns(mock sqlmock.Sqlmock, table string, names ...string) {
	rows := sqlmock.NewRows([]string{
		"table_name", "column_name", "data_type", "udt_name",
		"is_nullable", "column_default", "ordinal_position",
	})
	for i, n := range names {
		rows.AddRow(table, n, "text", "text", "YES", nil, i+1)
	}
	mock.ExpectQuery("SELECT(.|\n)*information_schema.columns").WithArgs(table).WillReturnRows(rows)
}

func TestLoad_ConflictSkipSuffix(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectColumns(mock, "users", "id", "name")
	mock.ExpectExec(`INSERT INTO "users" \("id", "name"\) VALUES \(\$1, \$2\), \(\$3, \$4\) ON CONFLICT DO NOTHING`).
		WithArgs(1, "A", 2, "B").
		WillReturnResult(sqlmock.NewResult(0, 1))

	l := loader.New(db, pgtarget.NewInspector(db, newTestLogger()), newTestLogger())
	res, err := l.Load("users", []map[string]any{
		{"id": 1, "name": "A"},
		{"id": 2, "name": "B"},
	}, loader.Options{ConflictPolicy: config.ConflictSkip, BatchSize: 1000})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.InsertedRows)
	require.Equal(t, 2, res.TotalRows)
	require.Equal(t, 1, res.Batches)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad_BatchFallbackIsolatesPoisonRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectColumns(mock, "users", "id")
	mock.ExpectExec(`INSERT INTO "users" \("id"\) VALUES \(\$1\), \(\$2\), \(\$3\)`).
		WillReturnError(errors.New("check constraint violated"))
	mock.ExpectExec(`INSERT INTO "users" \("id"\) VALUES \(\$1\)`).
		WithArgs(1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO "users" \("id"\) VALUES \(\$1\)`).
		WithArgs(2).WillReturnError(errors.New("check constraint violated"))
	mock.ExpectExec(`INSERT INTO "users" \("id"\) VALUES \(\$1\)`).
		WithArgs(3).WillReturnResult(sqlmock.NewResult(0, 1))

	l := loader.New(db, pgtarget.NewInspector(db, newTestLogger()), newTestLogger())
	rows := []map[string]any{{"id": 1}, {"id": 2}, {"id": 3}}
	res, err := l.Load("users", rows, loader.Options{ConflictPolicy: config.ConflictError, BatchSize: 1000})
	require.NoError(t, err)

	require.Equal(t, int64(2), res.InsertedRows)
	require.Len(t, res.Errors, 1)
	require.Equal(t, 1, res.Errors[0].Index)
	// Invariant: insertedRows + rowErrors covers every row of the batch.
	require.Equal(t, len(rows), int(res.InsertedRows)+len(res.Errors))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad_EmptyEffectiveColumnSet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectColumns(mock, "users", "id", "name")

	l := loader.New(db, pgtarget.NewInspector(db, newTestLogger()), newTestLogger())
	_, err = l.Load("users", []map[string]any{{"ghost": 1}}, loader.Options{BatchSize: 10})
	require.True(t, errors.Is(err, loader.ErrSchemaMismatch))
}

func TestLoad_DropsUnknownColumnsSilently(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectColumns(mock, "users", "id")
	mock.ExpectExec(`INSERT INTO "users" \("id"\) VALUES \(\$1\)`).
		WithArgs(1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	l := loader.New(db, pgtarget.NewInspector(db, newTestLogger()), newTestLogger())
	res, err := l.Load("users", []map[string]any{{"id": 1, "ghost": "dropped"}}, loader.Options{BatchSize: 10})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.InsertedRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad_ClearFirstDeletesTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`DELETE FROM "users"`).WillReturnResult(sqlmock.NewResult(0, 5))
	expectColumns(mock, "users", "id")
	mock.ExpectExec(`INSERT INTO "users"`).WillReturnResult(sqlmock.NewResult(0, 1))

	l := loader.New(db, pgtarget.NewInspector(db, newTestLogger()), newTestLogger())
	_, err = l.Load("users", []map[string]any{{"id": 1}}, loader.Options{ClearFirst: true, BatchSize: 10})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad_UpdatePolicyUsesPrimaryKeyConflictTarget(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectColumns(mock, "users", "id", "name")
	pkRows := sqlmock.NewRows([]string{"column_name"}).AddRow("id")
	mock.ExpectQuery("SELECT(.|\n)*PRIMARY KEY").WithArgs("users").WillReturnRows(pkRows)
	mock.ExpectExec(`INSERT INTO "users" \("id", "name"\) VALUES \(\$1, \$2\) ON CONFLICT \("id"\) DO UPDATE SET "name" = EXCLUDED."name"`).
		WithArgs(1, "A").
		WillReturnResult(sqlmock.NewResult(0, 1))

	l := loader.New(db, pgtarget.NewInspector(db, newTestLogger()), newTestLogger())
	_, err = l.Load("users", []map[string]any{{"id": 1, "name": "A"}}, loader.Options{ConflictPolicy: config.ConflictUpdate, BatchSize: 10})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad_EmptyStringAndMissingKeysBecomeNull(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectColumns(mock, "users", "id", "name", "bio")
	mock.ExpectExec(`INSERT INTO "users"`).
		WithArgs(1, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	l := loader.New(db, pgtarget.NewInspector(db, newTestLogger()), newTestLogger())
	_, err = l.Load("users", []map[string]any{{"id": 1, "name": "", "bio": nil}}, loader.Options{BatchSize: 10})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
