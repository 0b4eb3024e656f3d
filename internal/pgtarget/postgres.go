package pgtarget

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/lib/pq"
)

// ErrDatabaseNotExist is the sentinel the Executor checks for when deciding
// whether to attempt the one-shot bootstrap database creation.
var ErrDatabaseNotExist = errors.New("target database does not exist")

// pqInvalidCatalogName is the Postgres error code for "database does not
// exist" (3D000).
const pqInvalidCatalogName = "3D000"

// ClassifyConnectError rewraps err with ErrDatabaseNotExist when the
// underlying Postgres error is the "database does not exist" code.
func ClassifyConnectError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqInvalidCatalogName {
		return errors.Mark(errors.Wrap(err, "connect to target"), ErrDatabaseNotExist)
	}
	return err
}

const tablesQuery = `SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' AND table_type = 'BASE TABLE' ORDER BY table_name`

const columnsQuery = `
SELECT
	c.table_name,
	c.column_name,
	c.data_type,
	c.udt_name,
	c.is_nullable,
	c.column_default,
	c.ordinal_position
FROM information_schema.columns c
WHERE c.table_schema = 'public' AND c.table_name = $1
ORDER BY c.ordinal_position`

const foreignKeysQuery = `
SELECT DISTINCT
	kcu.table_name,
	ccu.table_name AS referenced_table_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
JOIN information_schema.constraint_column_usage ccu ON tc.constraint_name = ccu.constraint_name AND tc.table_schema = ccu.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = 'public' AND kcu.table_name = $1`

const enumCatalogQuery = `
SELECT t.typname, e.enumlabel
FROM pg_type t
JOIN pg_enum e ON t.oid = e.enumtypid
JOIN pg_catalog.pg_namespace n ON n.oid = t.typnamespace
WHERE n.nspname = 'public'
ORDER BY t.typname, e.enumsortorder`

// TableList returns every base table in the public namespace, sorted by
// table name (callers that need upstream discovery order should use that
// order instead).
func TableList(db *sql.DB) ([]string, error) {
	rows, err := db.Query(tablesQuery)
	if err != nil {
		return nil, errors.Wrap(err, "query tables")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "scan table name")
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// TableColumns returns the ColumnMeta for tableName in declared positional
// order.
func TableColumns(db *sql.DB, tableName string) ([]ColumnMeta, error) {
	rows, err := db.Query(columnsQuery, tableName)
	if err != nil {
		return nil, errors.Wrap(err, "query columns")
	}
	defer rows.Close()

	var cols []ColumnMeta
	for rows.Next() {
		var table, name, dataType, udtName, isNullable string
		var colDefault sql.NullString
		var ordinal int
		if err := rows.Scan(&table, &name, &dataType, &udtName, &isNullable, &colDefault, &ordinal); err != nil {
			return nil, errors.Wrap(err, "scan column")
		}
		family, enumName := typeFamily(dataType, udtName)
		cols = append(cols, ColumnMeta{
			Name:       name,
			TypeFamily: family,
			EnumName:   enumName,
			Nullable:   isNullable == "YES",
			HasDefault: colDefault.Valid,
			Ordinal:    ordinal,
		})
	}
	return cols, rows.Err()
}

// ForeignKeys returns the dependent->referenced edges for tableName,
// restricted to the public namespace.
func ForeignKeys(db *sql.DB, tableName string) ([]ForeignKeyEdge, error) {
	rows, err := db.Query(foreignKeysQuery, tableName)
	if err != nil {
		return nil, errors.Wrap(err, "query foreign keys")
	}
	defer rows.Close()

	var edges []ForeignKeyEdge
	for rows.Next() {
		var table, refTable string
		if err := rows.Scan(&table, &refTable); err != nil {
			return nil, errors.Wrap(err, "scan foreign key")
		}
		if table == refTable {
			continue
		}
		edges = append(edges, ForeignKeyEdge{Table: table, ReferencedTable: refTable})
	}
	return edges, rows.Err()
}

// QueryEnumCatalog returns every user-defined enum type in the public
// namespace mapped to its ordered labels.
func QueryEnumCatalog(db *sql.DB) (EnumCatalog, error) {
	rows, err := db.Query(enumCatalogQuery)
	if err != nil {
		return nil, errors.Wrap(err, "query enum catalog")
	}
	defer rows.Close()

	catalog := EnumCatalog{}
	for rows.Next() {
		var typeName, label string
		if err := rows.Scan(&typeName, &label); err != nil {
			return nil, errors.Wrap(err, "scan enum label")
		}
		catalog[typeName] = append(catalog[typeName], label)
	}
	return catalog, rows.Err()
}

// typeFamily maps a Postgres data_type/udt_name pair onto one of the column
// type families used by the Transformer and Loader.
func typeFamily(dataType, udtName string) (family, enumName string) {
	dt := strings.ToLower(dataType)
	switch dt {
	case "integer", "smallint", "bigint":
		return "integer", ""
	case "numeric", "real", "double precision", "money":
		return "numeric", ""
	case "boolean":
		return "boolean", ""
	case "date", "time without time zone", "time with time zone",
		"timestamp without time zone", "timestamp with time zone", "interval":
		return "temporal", ""
	case "json", "jsonb":
		return "json", ""
	case "character varying", "character", "text", "citext":
		return "text", ""
	case "uuid":
		return "text", ""
	case "array":
		return "json", ""
	case "user-defined":
		return "enum", udtName
	default:
		return "text", ""
	}
}

const primaryKeyQuery = `
SELECT kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = 'public' AND tc.table_name = $1
ORDER BY kcu.ordinal_position`

// PrimaryKeyColumns returns the primary key columns of tableName in declared
// order. The Loader uses them as the conflict target for update-policy
// inserts; an empty result means the table has no primary key.
func PrimaryKeyColumns(db *sql.DB, tableName string) ([]string, error) {
	rows, err := db.Query(primaryKeyQuery, tableName)
	if err != nil {
		return nil, errors.Wrap(err, "query primary key")
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "scan primary key column")
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// CreateDatabase bootstraps a missing target database through the
// administrative "postgres" database: UTF8 encoding, C collation, owned by
// the configured user.
func CreateDatabase(adminDB *sql.DB, name, owner string) error {
	stmt := fmt.Sprintf(
		"CREATE DATABASE %s WITH OWNER = %s ENCODING = 'UTF8' LC_COLLATE = 'C' LC_CTYPE = 'C' TEMPLATE = template0",
		pq.QuoteIdentifier(name), pq.QuoteIdentifier(owner),
	)
	if _, err := adminDB.Exec(stmt); err != nil {
		return errors.Wrap(err, "create database")
	}
	return nil
}
