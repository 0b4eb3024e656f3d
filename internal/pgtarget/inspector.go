package pgtarget

import (
	"database/sql"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

// ErrInspectionFailed means the underlying connection itself is unusable.
// Individual queries that merely fail to find metadata are logged at WARN
// and yield empty results instead, so they never produce this error.
var ErrInspectionFailed = errors.New("schema inspection failed")

// Inspector is the Schema Inspector. It memoizes every query it issues
// against the target, keyed by (kind, name), for the lifetime of one run;
// entries are invalidated only by an explicit Reset.
type Inspector struct {
	db  *sql.DB
	log *logrus.Logger

	mu       sync.Mutex
	tables   []string
	tablesOK bool
	columns  map[string][]ColumnMeta
	fks      map[string][]ForeignKeyEdge
	pks      map[string][]string
	enums    EnumCatalog
	enumsOK  bool
}

// NewInspector constructs an Inspector bound to an open target connection.
func NewInspector(db *sql.DB, log *logrus.Logger) *Inspector {
	return &Inspector{
		db:      db,
		log:     log,
		columns: map[string][]ColumnMeta{},
		fks:     map[string][]ForeignKeyEdge{},
		pks:     map[string][]string{},
	}
}

// Reset drops every memoized entry. Never called mid-run; exposed for
// callers that reuse an Inspector across independent runs.
func (i *Inspector) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.tables, i.tablesOK = nil, false
	i.columns = map[string][]ColumnMeta{}
	i.fks = map[string][]ForeignKeyEdge{}
	i.pks = map[string][]string{}
	i.enums, i.enumsOK = nil, false
}

// TableList returns every base table in the public namespace.
func (i *Inspector) TableList() ([]string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.tablesOK {
		return i.tables, nil
	}

	names, err := TableList(i.db)
	if err != nil {
		if isConnectionFatal(err) {
			return nil, errors.Mark(errors.Wrap(err, "list tables"), ErrInspectionFailed)
		}
		i.log.WithError(err).Warn("table list query failed, yielding empty result")
		return nil, nil
	}

	i.tables, i.tablesOK = names, true
	return names, nil
}

// TableColumns returns the ColumnMeta for tableName, preserving declared
// positional order.
func (i *Inspector) TableColumns(tableName string) ([]ColumnMeta, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if cols, ok := i.columns[tableName]; ok {
		return cols, nil
	}

	cols, err := TableColumns(i.db, tableName)
	if err != nil {
		if isConnectionFatal(err) {
			return nil, errors.Mark(errors.Wrapf(err, "columns for %s", tableName), ErrInspectionFailed)
		}
		i.log.WithError(err).WithField("table", tableName).Warn("column query failed, yielding empty result")
		return nil, nil
	}

	i.columns[tableName] = cols
	return cols, nil
}

// ForeignKeys returns the FK edges where tableName is the dependent table.
func (i *Inspector) ForeignKeys(tableName string) ([]ForeignKeyEdge, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if edges, ok := i.fks[tableName]; ok {
		return edges, nil
	}

	edges, err := ForeignKeys(i.db, tableName)
	if err != nil {
		if isConnectionFatal(err) {
			return nil, errors.Mark(errors.Wrapf(err, "foreign keys for %s", tableName), ErrInspectionFailed)
		}
		i.log.WithError(err).WithField("table", tableName).Warn("foreign key query failed, yielding empty result")
		return nil, nil
	}

	i.fks[tableName] = edges
	return edges, nil
}

// PrimaryKey returns the primary key columns of tableName in declared order,
// empty when the table has none.
func (i *Inspector) PrimaryKey(tableName string) ([]string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if cols, ok := i.pks[tableName]; ok {
		return cols, nil
	}

	cols, err := PrimaryKeyColumns(i.db, tableName)
	if err != nil {
		if isConnectionFatal(err) {
			return nil, errors.Mark(errors.Wrapf(err, "primary key for %s", tableName), ErrInspectionFailed)
		}
		i.log.WithError(err).WithField("table", tableName).Warn("primary key query failed, yielding empty result")
		return nil, nil
	}

	i.pks[tableName] = cols
	return cols, nil
}

// EnumCatalog returns every user-defined enum type in the public namespace.
func (i *Inspector) EnumCatalog() (EnumCatalog, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.enumsOK {
		return i.enums, nil
	}

	catalog, err := QueryEnumCatalog(i.db)
	if err != nil {
		if isConnectionFatal(err) {
			return nil, errors.Mark(errors.Wrap(err, "enum catalog"), ErrInspectionFailed)
		}
		i.log.WithError(err).Warn("enum catalog query failed, yielding empty result")
		return EnumCatalog{}, nil
	}

	i.enums, i.enumsOK = catalog, true
	return catalog, nil
}

// isConnectionFatal reports whether err indicates the connection itself is
// unusable, as opposed to a single query failing to resolve.
func isConnectionFatal(err error) bool {
	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone)
}
