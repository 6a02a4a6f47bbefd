// Package token defines the atoms of the reactive expression language: the
// small set of operator kinds a Token may carry, and the Token type itself.
//
// See spec.md §3 "Token" for the full contract.
package token

// Kind identifies the operator (or leaf) a Token represents.
type Kind string

const (
	// Structural / leaf kinds.
	Get      Kind = "get"      // (object, key) lookup
	TopLevel Kind = "topLevel" // reference to a named top-level projection
	Context  Kind = "context"  // the ambient evaluation context
	Root     Kind = "root"     // the model root
	Key      Kind = "key"      // a bound positional key (rewritten to argN in setters)
	Trace    Kind = "trace"    // diagnostic passthrough

	// Logic.
	And     Kind = "and"
	Or      Kind = "or"
	Ternary Kind = "ternary"

	// Ranges.
	Range Kind = "range"

	// Arithmetic.
	Add Kind = "add"
	Sub Kind = "sub"
	Mul Kind = "mul"
	Div Kind = "div"
	Mod Kind = "mod"
	Neg Kind = "neg"

	// Comparison.
	Eq  Kind = "eq"
	Neq Kind = "neq"
	Lt  Kind = "lt"
	Lte Kind = "lte"
	Gt  Kind = "gt"
	Gte Kind = "gte"
	Not Kind = "not"

	// Collection combinators.
	MapValues          Kind = "mapValues"
	FilterBy           Kind = "filterBy"
	GroupBy            Kind = "groupBy"
	MapKeys            Kind = "mapKeys"
	Map                Kind = "map"
	Any                Kind = "any"
	Filter             Kind = "filter"
	AnyValues          Kind = "anyValues"
	KeyBy              Kind = "keyBy"
	RecursiveMap       Kind = "recursiveMap"
	RecursiveMapValues Kind = "recursiveMapValues"

	// Scalar collection ops.
	Keys     Kind = "keys"
	Values   Kind = "values"
	Assign   Kind = "assign"
	Size     Kind = "size"
	Defaults Kind = "defaults"
	Sum      Kind = "sum"
	Flatten  Kind = "flatten"
)

// combinatorKinds is the set of kinds that take a user callback argument and
// iterate a collection. Used by the projection builder and the VM dispatcher
// to decide whether funcLib involvement is expected.
var combinatorKinds = map[Kind]bool{
	MapValues: true, FilterBy: true, GroupBy: true, MapKeys: true, Map: true,
	Any: true, Filter: true, AnyValues: true, KeyBy: true,
	RecursiveMap: true, RecursiveMapValues: true,
}

// IsCombinator reports whether kind is a collection combinator that accepts a
// user-supplied callback.
func IsCombinator(kind Kind) bool {
	return combinatorKinds[kind]
}

// Location is a source position for error reporting and debug AST dumps.
// Zero value means "no location available".
type Location struct {
	File   string
	Line   int
	Column int
}

func (l Location) String() string {
	if l.File == "" && l.Line == 0 {
		return "<unknown>"
	}
	return l.File + ":" + itoa(l.Line) + ":" + itoa(l.Column)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Token is an atom of the expression language: the head of an Expression, or
// a standalone leaf node (e.g. Root, Context).
type Token struct {
	Kind   Kind
	Source *Location

	// Tracked marks a node as memoized by identity: identical instances of a
	// tracked node (by $ID) share downstream recomputation in and/or/ternary
	// short-circuit evaluation.
	Tracked bool

	// Invalidates is copied onto the projection's metadata record.
	Invalidates bool

	// ID is the tracked node's stable identity. Zero means "untracked" /
	// "no $id" (spec.md uses -1; Go's zero value plays that role here, so a
	// real $id must be non-zero). For an and/or/ternary head without one,
	// compile.Builder emits -1 as the node's identity argument.
	ID int64

	// Paths maps a condition expression to the raw (uncanonicalized) model
	// path it invalidates, for compound nodes. Keyed by pointer identity
	// since expr.Node is not comparable in the general case.
	Paths map[interface{}]Path
}

// PathRoot names which model root a Path is anchored at.
type PathRoot string

const (
	RootModel    PathRoot = "root"     // the model root
	RootContext  PathRoot = "context"  // the ambient evaluation context
	RootTopLevel PathRoot = "topLevel" // a named top-level projection
	RootOther    PathRoot = ""         // anything else — never caused by a setter
)

// Path is a raw, uncanonicalized sequence of path steps as authored by the
// front end. Root names which model root the path is anchored at; Steps
// holds the remaining steps, each either a literal key (string), a literal
// index (int), or a nested Node (an expr.Node, for computed steps) —
// declared as interface{} here to avoid an import cycle with package expr.
type Path struct {
	Root  PathRoot
	Steps []interface{}
}

// HasID reports whether t carries a tracked identity.
func (t *Token) HasID() bool {
	return t.Tracked && t.ID != 0
}
