package transform_test

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/bisibesi/replicator/internal/pgtarget"
	"github.com/bisibesi/replicator/internal/transform"
)

func newTestLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func statusColumn() []pgtarget.ColumnMeta {
	return []pgtarget.ColumnMeta{{Name: "status", TypeFamily: "enum", EnumName: "status_enum"}}
}

func TestEnum_CaseInsensitiveMatch(t *testing.T) {
	tr := transform.New(pgtarget.EnumCatalog{"status_enum": {"ACTIVE", "INACTIVE"}}, newTestLogger())

	row := tr.Row(map[string]any{"status": "active"}, statusColumn())
	require.Equal(t, "ACTIVE", row["status"])
	require.Equal(t, 1, tr.Counters.EnumTransformations)
	require.Zero(t, tr.Counters.DefaultSubstitutions)
}

func TestEnum_ExactMatchDoesNotCount(t *testing.T) {
	tr := transform.New(pgtarget.EnumCatalog{"status_enum": {"ACTIVE", "INACTIVE"}}, newTestLogger())

	row := tr.Row(map[string]any{"status": "ACTIVE"}, statusColumn())
	require.Equal(t, "ACTIVE", row["status"])
	require.Zero(t, tr.Counters.EnumTransformations)
}

func TestEnum_SubstringTieBreaksOnCatalogOrder(t *testing.T) {
	tr := transform.New(pgtarget.EnumCatalog{"status_enum": {"ACTIVE_USER", "ACTIVE_ADMIN"}}, newTestLogger())

	// Both labels contain "active"; the first in declared order wins.
	row := tr.Row(map[string]any{"status": "active"}, statusColumn())
	require.Equal(t, "ACTIVE_USER", row["status"])
}

func TestEnum_SynonymMapping(t *testing.T) {
	cols := []pgtarget.ColumnMeta{{Name: "kind", TypeFamily: "enum", EnumName: "kind_enum"}}
	tr := transform.New(pgtarget.EnumCatalog{"kind_enum": {"GROUP", "INDIVIDUAL"}}, newTestLogger())

	row := tr.Row(map[string]any{"kind": "activity"}, cols)
	require.Equal(t, "INDIVIDUAL", row["kind"])
	require.Equal(t, 1, tr.Counters.EnumTransformations)
}

func TestEnum_DefaultSubstitution(t *testing.T) {
	cols := []pgtarget.ColumnMeta{{Name: "type", TypeFamily: "enum", EnumName: "type_enum"}}
	tr := transform.New(pgtarget.EnumCatalog{"type_enum": {"USER", "ADMIN"}}, newTestLogger())

	row := tr.Row(map[string]any{"type": "INVALID_TYPE"}, cols)
	require.Equal(t, "USER", row["type"])
	require.Equal(t, 1, tr.Counters.DefaultSubstitutions)
}

func TestEnum_EmptyCatalogYieldsNull(t *testing.T) {
	tr := transform.New(pgtarget.EnumCatalog{"status_enum": {}}, newTestLogger())

	row := tr.Row(map[string]any{"status": "whatever"}, statusColumn())
	require.Nil(t, row["status"])
	require.Equal(t, 1, tr.Counters.NullSubstitutions)
}

// The cascade must short-circuit: a value that matches exactly may not be
// rewritten by a later substring or synonym rule.
func TestEnum_CascadeShortCircuits(t *testing.T) {
	// "yes" is both an exact label here and a synonym for "TRUE".
	cols := []pgtarget.ColumnMeta{{Name: "flag", TypeFamily: "enum", EnumName: "flag_enum"}}
	tr := transform.New(pgtarget.EnumCatalog{"flag_enum": {"yes", "TRUE"}}, newTestLogger())

	row := tr.Row(map[string]any{"flag": "yes"}, cols)
	require.Equal(t, "yes", row["flag"])
	require.Zero(t, tr.Counters.EnumTransformations)
}

func TestNullAndEmptyString(t *testing.T) {
	cols := []pgtarget.ColumnMeta{
		{Name: "a", TypeFamily: "text"},
		{Name: "b", TypeFamily: "text"},
	}
	tr := transform.New(nil, newTestLogger())

	row := tr.Row(map[string]any{"a": nil, "b": ""}, cols)
	require.Nil(t, row["a"])
	require.Nil(t, row["b"])
}

func TestTypeCoercions(t *testing.T) {
	tr := transform.New(nil, newTestLogger())

	cases := []struct {
		family string
		in     any
		want   any
	}{
		{"integer", "42", int64(42)},
		{"integer", "not-a-number", nil},
		{"numeric", "3.14", "3.14"},
		{"numeric", "nope", nil},
		{"boolean", "yes", true},
		{"boolean", "off", false},
		{"boolean", "maybe", nil},
		{"temporal", "2024-06-01", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)},
		{"temporal", "yesterday", nil},
		{"text", 42, "42"},
	}
	for _, tc := range cases {
		cols := []pgtarget.ColumnMeta{{Name: "v", TypeFamily: tc.family}}
		row := tr.Row(map[string]any{"v": tc.in}, cols)
		require.Equal(t, tc.want, row["v"], "family=%s in=%v", tc.family, tc.in)
	}
	require.Equal(t, 4, tr.Counters.CoercionFailures)
}

func TestJSON_NestedStructuresSerialized(t *testing.T) {
	cols := []pgtarget.ColumnMeta{{Name: "payload", TypeFamily: "json"}}
	tr := transform.New(nil, newTestLogger())

	row := tr.Row(map[string]any{"payload": []any{1, "two", map[string]any{"k": "v"}}}, cols)
	require.Equal(t, `[1,"two",{"k":"v"}]`, row["payload"])
}

func TestJSON_PreformattedStringPassesThrough(t *testing.T) {
	cols := []pgtarget.ColumnMeta{{Name: "payload", TypeFamily: "json"}}
	tr := transform.New(nil, newTestLogger())

	row := tr.Row(map[string]any{"payload": `{"already":"json"}`}, cols)
	require.Equal(t, `{"already":"json"}`, row["payload"])
}

func TestValidate_ReportsWithoutMutating(t *testing.T) {
	tr := transform.New(pgtarget.EnumCatalog{"status_enum": {"ACTIVE", "INACTIVE"}}, newTestLogger())

	row := map[string]any{"status": "active"}
	issues := tr.Validate(row, statusColumn())
	require.Len(t, issues, 1)
	require.Equal(t, "status", issues[0].Column)
	// The source row is untouched in validate-only mode.
	require.Equal(t, "active", row["status"])
	require.Zero(t, tr.Counters.EnumTransformations)
}
