package planner_test

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/bisibesi/replicator/internal/planner"
)

func newTestLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func TestCompute_TopologicalOrder(t *testing.T) {
	// Discovery order fixed to users, orders, products, order_items.
	tables := []string{"users", "orders", "products", "order_items"}
	edges := map[string][]string{
		"orders":      {"users"},
		"order_items": {"orders", "products"},
	}

	plan := planner.Compute(tables, edges, newTestLogger())

	// Top-level traversal follows discovery order, and orders (with its
	// dependency users) is discovered before products, so products is
	// emitted after orders.
	require.Equal(t, []string{"users", "orders", "products", "order_items"}, plan.InsertionOrder)
	require.Equal(t, []string{"order_items", "products", "orders", "users"}, plan.DeletionOrder)
	require.Empty(t, plan.Cycles)
}

func TestCompute_ReferencedAlwaysPrecedesDependent(t *testing.T) {
	tables := []string{"e", "d", "c", "b", "a"}
	edges := map[string][]string{
		"a": {"b"},
		"b": {"c"},
		"c": {"d"},
		"d": {"e"},
	}

	plan := planner.Compute(tables, edges, newTestLogger())

	pos := map[string]int{}
	for i, name := range plan.InsertionOrder {
		pos[name] = i
	}
	for dependent, refs := range edges {
		for _, ref := range refs {
			require.Less(t, pos[ref], pos[dependent], "%s must precede %s", ref, dependent)
		}
	}
}

func TestCompute_DeletionIsExactReverse(t *testing.T) {
	tables := []string{"x", "y", "z"}
	plan := planner.Compute(tables, map[string][]string{"y": {"x"}, "z": {"y"}}, newTestLogger())

	require.Len(t, plan.DeletionOrder, len(plan.InsertionOrder))
	for i, name := range plan.InsertionOrder {
		require.Equal(t, name, plan.DeletionOrder[len(plan.DeletionOrder)-1-i])
	}
}

func TestCompute_CycleBrokenAtReentry(t *testing.T) {
	// a <-> b, plus c depending on b.
	tables := []string{"a", "b", "c"}
	edges := map[string][]string{
		"a": {"b"},
		"b": {"a"},
		"c": {"b"},
	}

	plan := planner.Compute(tables, edges, newTestLogger())

	// Both cycle members are emitted. Breaking the cycle at re-entry makes
	// the post-order append emit b (where the break happened) before a, the
	// entry point; best-effort, since no valid order exists inside a cycle.
	require.Len(t, plan.InsertionOrder, 3)
	require.NotEmpty(t, plan.Cycles)
	require.Equal(t, []string{"b", "a", "c"}, plan.InsertionOrder)
}

func TestCompute_EdgesOutsideSetIgnored(t *testing.T) {
	tables := []string{"a"}
	edges := map[string][]string{"a": {"missing"}}

	plan := planner.Compute(tables, edges, newTestLogger())
	require.Equal(t, []string{"a"}, plan.InsertionOrder)
}

func TestCompute_NilLoggerTolerated(t *testing.T) {
	plan := planner.Compute([]string{"a", "b"}, map[string][]string{"a": {"b"}, "b": {"a"}}, nil)
	require.Len(t, plan.InsertionOrder, 2)
}
