// Package planner computes the table insertion and deletion order for a
// replication run: a depth-first traversal over the table set with
// foreign-key edges as "must precede" relations.
package planner

import "github.com/sirupsen/logrus"

// Plan holds the two orders the Executor drives Clear/Sync/Rollback from.
type Plan struct {
	// InsertionOrder places every FK-referenced table before its
	// dependents, except inside a cycle.
	InsertionOrder []string
	// DeletionOrder is the exact reverse of InsertionOrder.
	DeletionOrder []string
	// Cycles lists tables whose ordering was resolved by breaking a cycle
	// at re-entry, surfaced as a warning.
	Cycles []string
}

// Compute builds a Plan from tables (in stable upstream discovery order)
// and edgesByTable, a dependent-table -> referenced-tables map. Tables
// referenced but absent from the tables slice are ignored. A cycle is
// broken at the point of re-entry and both members are emitted; the order
// within a cycle follows the traversal's post-order, which is best-effort
// since no valid order exists for mutually dependent tables.
func Compute(tables []string, edgesByTable map[string][]string, log *logrus.Logger) *Plan {
	inSet := make(map[string]bool, len(tables))
	for _, t := range tables {
		inSet[t] = true
	}

	visited := make(map[string]bool, len(tables))
	onStack := make(map[string]bool, len(tables))
	var order []string
	var cycles []string

	var visit func(t string)
	visit = func(t string) {
		if visited[t] {
			return
		}
		if onStack[t] {
			// A node already on the recursion stack is treated as visited;
			// the cycle is broken at the point of re-entry.
			cycles = append(cycles, t)
			return
		}

		onStack[t] = true
		for _, dep := range edgesByTable[t] {
			if !inSet[dep] {
				continue
			}
			visit(dep)
		}
		onStack[t] = false

		visited[t] = true
		order = append(order, t)
	}

	for _, t := range tables {
		if !visited[t] {
			visit(t)
		}
	}

	if len(cycles) > 0 && log != nil {
		log.WithField("tables", cycles).Warn("cycle detected while planning table order; continuing with best-effort ordering")
	}

	deletion := make([]string, len(order))
	for i, t := range order {
		deletion[len(order)-1-i] = t
	}

	return &Plan{InsertionOrder: order, DeletionOrder: deletion, Cycles: cycles}
}
