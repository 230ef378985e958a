package unit

import (
	"fmt"
	"sort"

	"github.com/coreforge/coreforge/pkg/corerr"
)

// DependencyCheck is the result of checking whether a unit's dependencies
// are satisfied, ported from nyx-serviced/src/dependency.rs's
// DependencyCheck enum.
type DependencyCheck struct {
	Satisfied bool
	Missing   []string // required units that don't exist at all
	NotRunning []string // units that exist but aren't running yet
}

// CanWait reports whether the check failed only because dependencies
// exist but haven't started yet (as opposed to not existing at all).
func (d DependencyCheck) CanWait() bool { return !d.Satisfied && len(d.Missing) == 0 }

// CheckDependencies reports whether starting unit u is currently
// possible given the sets of running and available (known) unit names.
//
// The source's check_dependencies treats an `after` name that names no
// known unit as already-running (spec.md §9 open question, preserved
// here rather than "fixed," per the specification's explicit
// instruction to keep the behavior and flag it).
func CheckDependencies(u Unit, running, available map[string]bool) DependencyCheck {
	var missing, notRunning []string

	for _, req := range u.Deps.Requires {
		if !available[req] {
			missing = append(missing, req)
		} else if !running[req] {
			notRunning = append(notRunning, req)
		}
	}
	for _, after := range u.Deps.After {
		if available[after] && !running[after] {
			notRunning = append(notRunning, after)
		}
	}

	return DependencyCheck{
		Satisfied:  len(missing) == 0 && len(notRunning) == 0,
		Missing:    missing,
		NotRunning: notRunning,
	}
}

// ErrCycle is returned (wrapped via corerr) when a dependency cycle is
// detected during planning.
type ErrCycle struct{ Units []string }

func (e ErrCycle) Error() string {
	return fmt.Sprintf("circular dependency detected involving: %v", e.Units)
}

// ResolveOrder performs a Kahn's-algorithm topological sort over units so
// that every unit appears after everything it `requires` or is `after`,
// and before everything it lists in `before` (spec.md §4.E). Ties are
// broken by name for deterministic output.
func ResolveOrder(units []Unit) ([]Unit, error) {
	byName := make(map[string]Unit, len(units))
	for _, u := range units {
		byName[u.Name] = u
	}

	edges := make(map[string][]string) // name -> names that depend on it
	inDegree := make(map[string]int)
	for _, u := range units {
		if _, ok := inDegree[u.Name]; !ok {
			inDegree[u.Name] = 0
		}
		for _, after := range u.Deps.After {
			if _, ok := byName[after]; ok {
				edges[after] = append(edges[after], u.Name)
				inDegree[u.Name]++
			}
		}
		for _, before := range u.Deps.Before {
			if _, ok := byName[before]; ok {
				edges[u.Name] = append(edges[u.Name], before)
				inDegree[before]++
			}
		}
		for _, req := range u.Deps.Requires {
			if _, ok := byName[req]; ok {
				edges[req] = append(edges[req], u.Name)
				inDegree[u.Name]++
			}
		}
	}

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	var order []Unit
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, byName[name])

		var freed []string
		for _, dep := range edges[name] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				freed = append(freed, dep)
			}
		}
		sort.Strings(freed)
		queue = append(queue, freed...)
		sort.Strings(queue)
	}

	if len(order) != len(units) {
		var remaining []string
		for name, deg := range inDegree {
			if deg > 0 {
				remaining = append(remaining, name)
			}
		}
		sort.Strings(remaining)
		return nil, corerr.New(corerr.Cycle, "resolve-order", ErrCycle{Units: remaining})
	}
	return order, nil
}

// ReverseDependents returns the names of units that `requires` unitName,
// used when planning a stop transaction.
func ReverseDependents(unitName string, units map[string]Unit) []string {
	var out []string
	for name, u := range units {
		for _, req := range u.Deps.Requires {
			if req == unitName {
				out = append(out, name)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// TransactionOpKind distinguishes the operations a planned transaction
// can contain.
type TransactionOpKind int

const (
	OpStart TransactionOpKind = iota
	OpStop
	OpRestart
)

// TransactionOp is one step of a planned transaction.
type TransactionOp struct {
	Kind TransactionOpKind
	Name string
}

// Transaction is an ordered, deduplicated plan of start/stop operations,
// ported from ServiceTransaction in nyx-serviced/src/dependency.rs.
// Transactions execute serially in Order; spec.md §4.E: "atomic in
// intent, not in effect" — no rollback on partial failure.
type Transaction struct {
	Order []TransactionOp

	started map[string]bool
	stopped map[string]bool
}

// NewTransaction returns an empty transaction plan.
func NewTransaction() *Transaction {
	return &Transaction{started: map[string]bool{}, stopped: map[string]bool{}}
}

// PlanStart appends whatever units must start before unitName (its
// transitive `after`/`requires` predecessors, in dependency order) and
// then unitName itself, skipping anything already running or already
// queued in this transaction.
func (t *Transaction) PlanStart(unitName string, units map[string]Unit, running map[string]bool) error {
	target, ok := units[unitName]
	if !ok {
		return corerr.New(corerr.NotFound, "plan-start", fmt.Errorf("unit %q not found", unitName))
	}

	needed := transitivePredecessors(target, units)
	needed[unitName] = true

	// spec.md §4.E: the topological sort runs over the transitive closure
	// of units that must be running first, not the entire unit store — a
	// cycle elsewhere in the store must not fail a start it can't affect.
	closure := make([]Unit, 0, len(needed))
	for name := range needed {
		if u, ok := units[name]; ok {
			closure = append(closure, u)
		}
	}
	ordered, err := ResolveOrder(closure)
	if err != nil {
		return err
	}

	for _, u := range ordered {
		if !needed[u.Name] {
			continue
		}
		if running[u.Name] || t.started[u.Name] {
			continue
		}
		t.started[u.Name] = true
		t.Order = append(t.Order, TransactionOp{Kind: OpStart, Name: u.Name})
	}
	return nil
}

func transitivePredecessors(u Unit, units map[string]Unit) map[string]bool {
	seen := map[string]bool{}
	var visit func(name string)
	visit = func(name string) {
		cur, ok := units[name]
		if !ok {
			return
		}
		for _, dep := range append(append([]string{}, cur.Deps.After...), cur.Deps.Requires...) {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			visit(dep)
		}
	}
	visit(u.Name)
	return seen
}

// PlanStop appends the reverse dependents of unitName (units that
// require it, stopped first) and then unitName itself.
func (t *Transaction) PlanStop(unitName string, units map[string]Unit, running map[string]bool) {
	for _, dep := range ReverseDependents(unitName, units) {
		if running[dep] && !t.stopped[dep] {
			t.stopped[dep] = true
			t.Order = append(t.Order, TransactionOp{Kind: OpStop, Name: dep})
		}
	}
	if running[unitName] && !t.stopped[unitName] {
		t.stopped[unitName] = true
		t.Order = append(t.Order, TransactionOp{Kind: OpStop, Name: unitName})
	}
}

// IsEmpty reports whether the transaction has no steps.
func (t *Transaction) IsEmpty() bool { return len(t.Order) == 0 }
