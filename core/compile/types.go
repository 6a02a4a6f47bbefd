package compile

// Getter is the packed form of an intermediate Projection (spec.md §3): a
// single compiled sub-expression, deduplicated by structural hash. The
// field is named Getter, not Projection, to match the ProjectionData
// output schema in spec.md §6, which calls this table "getters".
type Getter struct {
	Type   Ref    // operator-kind tag, a primitives-table ref
	Meta   int    // index into MetaData (0 is always the no-op sentinel)
	Source string // optional source-location string, for debug/$ast()
	Args   []Ref
}

// MetaSentinel is the reserved "no invalidation contribution" metadata
// record, always at index 0 (spec.md §3 invariant).
var MetaSentinel = MetaData{Flags: 0, Paths: nil}

// MetaFlags is a bitmask on a MetaData record.
type MetaFlags uint8

const (
	// FlagInvalidates is copied from the originating token's Invalidates
	// flag (spec.md §3 "Token").
	FlagInvalidates MetaFlags = 1 << 0
)

// MetaData is a per-projection invalidation record: a flag set plus the
// indices (into the packed Paths table) of every path this projection's
// value depends on through a truthy condition.
type MetaData struct {
	Flags MetaFlags
	Paths []int // indices into ProjectionData.Paths
}

// Path is a packed invalidation path: [condition-ref, step-ref, ...]. The
// first step (Steps[0]) identifies a model root (spec.md §3 invariant);
// subsequent steps are scalar-ref keys or inline integers.
type Path struct {
	Cond  Ref
	Steps []Ref
}

// SetterKind names the mutation shape a Setter performs.
type SetterKind string

const (
	SetterSet    SetterKind = "set"
	SetterSplice SetterKind = "splice"
	SetterPush   SetterKind = "push"
)

// Setter is a compiled named mutation recipe (spec.md §3 "Setter"): a
// setter kind and name (both interned as primitives), the number of bound
// positional arguments, and the compiled step sequence used to locate the
// target container/key at runtime.
type Setter struct {
	Kind       Ref // primitives-table ref naming the SetterKind
	Name       Ref // primitives-table ref naming the setter
	TokenCount int
	Steps      []Ref
}

// ProjectionData is the compiler's sole output artifact — the contract
// between the compiler and the runtime (spec.md §3, §6). Field order
// matches spec.md §6 exactly.
type ProjectionData struct {
	Getters             []Getter
	Primitives          []interface{}
	TopLevelNames       []int // primitives-table index, or -1 for internal/hidden
	TopLevelProjections []Ref
	MetaData            []MetaData
	Paths               []Path
	Setters             []Setter
	Sources             []string
}
