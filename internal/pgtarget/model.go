// Package pgtarget implements the Schema Inspector and the Postgres-specific
// helpers the Loader and Executor need: information_schema queries, the enum
// catalog, primary-key lookup, and bootstrap database creation.
package pgtarget

// ColumnMeta describes one target column as discovered by the Schema
// Inspector. TypeFamily is one of: integer, numeric, boolean, temporal,
// text, json, enum.
type ColumnMeta struct {
	Name       string
	TypeFamily string
	EnumName   string // set only when TypeFamily == "enum"
	Nullable   bool
	HasDefault bool
	Ordinal    int
}

// ForeignKeyEdge is a single dependent -> referenced table relationship.
type ForeignKeyEdge struct {
	Table           string
	ReferencedTable string
}

// EnumCatalog maps a user-defined enum type name to its ordered labels.
type EnumCatalog map[string][]string
