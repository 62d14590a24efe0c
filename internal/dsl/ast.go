// Package dsl compiles textual market predicates into evaluable trees.
//
// A condition string like
//
//	AND(rsi(14, BTC/USD) < 30, price(BTC/USD) crosses_above 40000)
//
// is parsed once at strategy-load time into an immutable AST, so every tick
// pays only evaluation cost. Evaluation is three-valued: a leaf whose asset
// has no snapshot, or whose indicator key is absent, yields NotReady rather
// than false, and the logical operators propagate readiness accordingly.
//
// Crossing nodes are stateful (they remember the previous comparison
// outcome), so a single compiled condition must not be evaluated from two
// goroutines; each evaluator works on its own Clone.
package dsl

import (
	"strings"

	"tradepilot/pkg/types"
)

// Result is the three-valued outcome of evaluating a condition node.
type Result int

const (
	False Result = iota
	True
	NotReady
)

// String returns a readable form for logs and events.
func (r Result) String() string {
	switch r {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "not_ready"
	}
}

// Snapshots is the per-tick market view conditions evaluate against.
type Snapshots map[string]types.MarketSnapshot

// node is one vertex of the compiled tree.
type node interface {
	eval(s Snapshots) Result
	clone() node
}

// Condition is a compiled predicate. Source returns the original text.
type Condition struct {
	root   node
	source string
}

// Eval evaluates the condition against the given snapshots.
func (c *Condition) Eval(s Snapshots) Result {
	return c.root.eval(s)
}

// Source returns the text the condition was compiled from.
func (c *Condition) Source() string {
	return c.source
}

// Clone returns an independent copy with fresh crossing state.
func (c *Condition) Clone() *Condition {
	return &Condition{root: c.root.clone(), source: c.source}
}

// ————————————————————————————————————————————————————————————————————————
// Operands
// ————————————————————————————————————————————————————————————————————————

// operand resolves a scalar from a snapshot map: either the mid price of an
// asset, or a named indicator value (key like "RSI_14").
type operand struct {
	asset        string
	indicatorKey string // empty for price()
}

// value returns the operand's scalar, or ok=false when not ready.
func (o operand) value(s Snapshots) (float64, bool) {
	snap, ok := s[o.asset]
	if !ok {
		return 0, false
	}
	if o.indicatorKey == "" {
		return snap.Mid(), true
	}
	v, ok := snap.Indicators[o.indicatorKey]
	return v, ok
}

// canonicalKey builds the indicator lookup key: the uppercased name joined
// with each leading argument by underscores (e.g. rsi(14, X) → RSI_14).
func canonicalKey(name string, args []string) string {
	parts := append([]string{strings.ToUpper(name)}, args...)
	return strings.Join(parts, "_")
}

// ————————————————————————————————————————————————————————————————————————
// Comparison and crossing nodes
// ————————————————————————————————————————————————————————————————————————

type compareOp int

const (
	opGT compareOp = iota
	opGE
	opLT
	opLE
	opEQ
	opNE
)

type compareNode struct {
	lhs operand
	op  compareOp
	rhs float64
}

func (n *compareNode) eval(s Snapshots) Result {
	v, ok := n.lhs.value(s)
	if !ok {
		return NotReady
	}
	var b bool
	switch n.op {
	case opGT:
		b = v > n.rhs
	case opGE:
		b = v >= n.rhs
	case opLT:
		b = v < n.rhs
	case opLE:
		b = v <= n.rhs
	case opEQ:
		b = v == n.rhs
	case opNE:
		b = v != n.rhs
	}
	if b {
		return True
	}
	return False
}

func (n *compareNode) clone() node {
	c := *n
	return &c
}

// crossNode fires true only on the tick where the underlying comparison
// flips in the commanded direction. The first evaluable tick records state
// and returns false.
type crossNode struct {
	lhs   operand
	above bool // true = crosses_above, false = crosses_below
	rhs   float64

	primed bool // a previous comparison outcome exists
	prev   bool
}

func (n *crossNode) eval(s Snapshots) Result {
	v, ok := n.lhs.value(s)
	if !ok {
		return NotReady
	}

	var curr bool
	if n.above {
		curr = v > n.rhs
	} else {
		curr = v < n.rhs
	}

	if !n.primed {
		n.primed = true
		n.prev = curr
		return False
	}

	fired := curr && !n.prev
	n.prev = curr
	if fired {
		return True
	}
	return False
}

func (n *crossNode) clone() node {
	return &crossNode{lhs: n.lhs, above: n.above, rhs: n.rhs}
}

// ————————————————————————————————————————————————————————————————————————
// Logical nodes
// ————————————————————————————————————————————————————————————————————————

type andNode struct {
	children []node
}

// eval visits every child even after the outcome is decided: crossing nodes
// in later branches must observe each tick to keep their edge state current.
func (n *andNode) eval(s Snapshots) Result {
	out := True
	for _, c := range n.children {
		switch c.eval(s) {
		case NotReady:
			out = NotReady
		case False:
			if out != NotReady {
				out = False
			}
		}
	}
	return out
}

func (n *andNode) clone() node {
	children := make([]node, len(n.children))
	for i, c := range n.children {
		children[i] = c.clone()
	}
	return &andNode{children: children}
}

type orNode struct {
	children []node
}

// eval visits every child even after a True child decides the outcome, for
// the same reason as andNode.
func (n *orNode) eval(s Snapshots) Result {
	out := False
	for _, c := range n.children {
		switch c.eval(s) {
		case True:
			out = True
		case NotReady:
			if out != True {
				out = NotReady
			}
		}
	}
	return out
}

func (n *orNode) clone() node {
	children := make([]node, len(n.children))
	for i, c := range n.children {
		children[i] = c.clone()
	}
	return &orNode{children: children}
}

type notNode struct {
	child node
}

func (n *notNode) eval(s Snapshots) Result {
	switch n.child.eval(s) {
	case True:
		return False
	case False:
		return True
	default:
		return NotReady
	}
}

func (n *notNode) clone() node {
	return &notNode{child: n.child.clone()}
}
