// Package transform coerces incoming rows to target column types: enum label
// remapping through a short-circuiting cascade, numeric/boolean/temporal
// parsing, and canonical JSON serialization of nested structures. Coercion
// failures are counted, never raised.
package transform

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/bisibesi/replicator/internal/pgtarget"
)

// Counters accumulates per-run transformation statistics. Written only from
// the goroutine driving the Transformer.
type Counters struct {
	EnumTransformations  int
	DefaultSubstitutions int
	NullSubstitutions    int
	CoercionFailures     int
}

// Issue is one projected problem found in validate-only mode.
type Issue struct {
	Column string
	Value  any
	Detail string
}

// Transformer coerces rows against a fixed enum catalog for the lifetime of
// one run.
type Transformer struct {
	catalog pgtarget.EnumCatalog
	log     *logrus.Logger

	Counters Counters
}

// New constructs a Transformer bound to the target's enum catalog.
func New(catalog pgtarget.EnumCatalog, log *logrus.Logger) *Transformer {
	return &Transformer{catalog: catalog, log: log}
}

// Row transforms one row in place against the table's column metadata and
// returns it. Columns absent from cols are left untouched; the Loader drops
// them later.
func (t *Transformer) Row(row map[string]any, cols []pgtarget.ColumnMeta) map[string]any {
	for _, col := range cols {
		v, ok := row[col.Name]
		if !ok {
			continue
		}
		row[col.Name] = t.value(v, col)
	}
	return row
}

// Validate runs the same cascade in validate-only mode: nothing is mutated,
// and every value the cascade would have changed or nulled is reported.
func (t *Transformer) Validate(row map[string]any, cols []pgtarget.ColumnMeta) []Issue {
	var issues []Issue
	for _, col := range cols {
		v, ok := row[col.Name]
		if !ok {
			continue
		}
		scratch := &Transformer{catalog: t.catalog, log: t.log}
		out := scratch.value(v, col)
		if !equalValue(v, out) {
			issues = append(issues, Issue{
				Column: col.Name,
				Value:  v,
				Detail: fmt.Sprintf("would coerce %v to %v for %s column", v, out, col.TypeFamily),
			})
		}
		t.Counters.CoercionFailures += scratch.Counters.CoercionFailures
	}
	return issues
}

func (t *Transformer) value(v any, col pgtarget.ColumnMeta) any {
	// Null and undefined inputs pass through; empty string normalizes to null.
	if v == nil {
		return nil
	}
	if s, ok := v.(string); ok && s == "" {
		return nil
	}

	if col.TypeFamily == "enum" {
		if labels, ok := t.catalog[col.EnumName]; ok {
			return t.coerceEnum(v, labels)
		}
	}
	return t.coerceType(v, col.TypeFamily)
}

// coerceEnum resolves an incoming value against the catalog labels through
// the cascade, short-circuiting on the first matching rule.
func (t *Transformer) coerceEnum(v any, labels []string) any {
	s := asText(v)

	// Rule 1: exact match.
	for _, l := range labels {
		if l == s {
			return l
		}
	}

	// Rule 2: case-insensitive match.
	for _, l := range labels {
		if strings.EqualFold(l, s) {
			t.Counters.EnumTransformations++
			return l
		}
	}

	// Rule 3: substring match, either direction; catalog order breaks ties.
	folded := strings.ToLower(s)
	for _, l := range labels {
		lf := strings.ToLower(l)
		if strings.Contains(lf, folded) || strings.Contains(folded, lf) {
			t.Counters.EnumTransformations++
			return l
		}
	}

	// Rule 4: common-synonym mapping, honored only when the target label is
	// actually in the catalog.
	if target, ok := EnumSynonyms[folded]; ok {
		for _, l := range labels {
			if l == target {
				t.Counters.EnumTransformations++
				return l
			}
		}
	}

	// Rule 5: default to the first catalog label.
	if len(labels) > 0 {
		t.Counters.DefaultSubstitutions++
		t.log.WithFields(logrus.Fields{"value": s, "label": labels[0]}).Debug("no enum match, substituting default label")
		return labels[0]
	}

	// Rule 6: empty catalog.
	t.Counters.NullSubstitutions++
	return nil
}

// coerceType projects a non-enum value onto the declared type family.
func (t *Transformer) coerceType(v any, family string) any {
	switch family {
	case "integer":
		return t.coerceInteger(v)
	case "numeric":
		return t.coerceNumeric(v)
	case "boolean":
		return t.coerceBoolean(v)
	case "temporal":
		return t.coerceTemporal(v)
	case "json":
		return CanonicalJSON(v)
	default:
		return asText(v)
	}
}

func (t *Transformer) coerceInteger(v any) any {
	switch n := v.(type) {
	case int, int32, int64:
		return v
	case float64:
		return int64(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return int64(f)
		}
	case bool:
		if n {
			return int64(1)
		}
		return int64(0)
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return int64(f)
		}
	}
	t.Counters.CoercionFailures++
	return nil
}

func (t *Transformer) coerceNumeric(v any) any {
	switch n := v.(type) {
	case float64, float32, int, int32, int64:
		return v
	case json.Number:
		if d, err := decimal.NewFromString(n.String()); err == nil {
			return d.String()
		}
	case string:
		if d, err := decimal.NewFromString(strings.TrimSpace(n)); err == nil {
			return d.String()
		}
	}
	t.Counters.CoercionFailures++
	return nil
}

func (t *Transformer) coerceBoolean(v any) any {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		s := strings.ToLower(strings.TrimSpace(b))
		if truthy[s] {
			return true
		}
		if falsy[s] {
			return false
		}
	case float64:
		return b != 0
	case int, int32, int64:
		return fmt.Sprintf("%v", b) != "0"
	}
	t.Counters.CoercionFailures++
	return nil
}

func (t *Transformer) coerceTemporal(v any) any {
	switch ts := v.(type) {
	case time.Time:
		return ts
	case string:
		for _, layout := range []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02T15:04:05",
			"2006-01-02 15:04:05",
			"2006-01-02",
		} {
			if parsed, err := time.Parse(layout, ts); err == nil {
				return parsed
			}
		}
	}
	t.Counters.CoercionFailures++
	return nil
}

// CanonicalJSON serializes arrays and nested objects to their canonical JSON
// text. Strings that already parse as a JSON array or object pass through
// untouched; other scalars are stringified.
func CanonicalJSON(v any) any {
	switch s := v.(type) {
	case string:
		if LooksLikeJSON(s) {
			return s
		}
		out, err := json.Marshal(s)
		if err != nil {
			return s
		}
		return string(out)
	default:
		out, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return string(out)
	}
}

// LooksLikeJSON reports whether s parses syntactically as a JSON array or
// object.
func LooksLikeJSON(s string) bool {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) == 0 {
		return false
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return false
	}
	return json.Valid([]byte(trimmed))
}

func asText(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func equalValue(a, b any) bool {
	return fmt.Sprintf("%T:%v", a, a) == fmt.Sprintf("%T:%v", b, b)
}
