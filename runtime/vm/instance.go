package vm

import (
	"fmt"
	"io"
	"sort"

	"github.com/reactorlang/reactor/core/compile"
	"github.com/reactorlang/reactor/core/token"
)

// State is the batching state machine described in spec.md §4.7.
type State int

const (
	// Idle means a setter call recalculates immediately.
	Idle State = iota
	// Batching means setter calls queue without recalculating.
	Batching
	// Recalculating means a recalculation pass is in flight; setter calls
	// made from inside a listener are queued and drained before the
	// triggering recalculate returns.
	Recalculating
)

// maxRecalcPasses bounds the number of follow-up recalculation passes
// triggered by setter calls issued from within listeners, per spec.md §4.6
// "recalculation ... until it reaches a fixpoint". The worklist propagation
// this Instance uses cannot itself diverge (it is bounded by the number of
// getters), so this guards only against listener-triggered setter storms.
const maxRecalcPasses = 4096

// pendingCall is a setter invocation queued while batching or recalculating.
type pendingCall struct {
	setterIdx int
	args      []interface{}
}

// Listener is notified once after a settled recalculation that actually
// changed at least one top-level value (spec.md §4.7).
type Listener func()

// Instance is a live, mutable reactive model bound to a compiled
// ProjectionData (spec.md §4.6, §4.7).
type Instance struct {
	pd      *compile.ProjectionData
	model   interface{}
	funcLib FuncLib
	debug   bool

	// TraceWriter receives a line for every evaluated `trace` node when
	// non-nil (spec.md §4.2 "trace" diagnostic passthrough).
	TraceWriter io.Writer

	values   map[int]interface{}
	computed map[int]bool
	ctxStack []interface{}

	loopCache map[int]map[string]interface{}

	dependents   map[int][]int // getter idx -> getter idxs that reference it
	metaGetters  map[int][]int // metaData idx -> getter idxs sharing that record
	setterByName map[string]int

	exportedNames []string // parallel to pd.TopLevelNames, "" when internal

	state          State
	batchDepth     int
	pending        []pendingCall
	listeners      []Listener
	passesInFlight int

	lastExportedStore lastExported
}

// New constructs an Instance over pd with the given initial model value
// (spec.md §4.6 "instance"). funcLib resolves named callbacks for
// collection combinators; debug makes a failed operand check in an
// arithmetic/comparison operator surface as a *TypeError rather than a plain
// error. Trace output is written whenever TraceWriter is set.
func New(pd *compile.ProjectionData, model interface{}, funcLib FuncLib, debug bool) *Instance {
	if funcLib == nil {
		funcLib = MapFuncLib{}
	}
	inst := &Instance{
		pd:              pd,
		model:           model,
		funcLib:         funcLib,
		debug:           debug,
		values:          make(map[int]interface{}),
		computed:        make(map[int]bool),
		loopCache:       make(map[int]map[string]interface{}),
		dependents:      make(map[int][]int),
		metaGetters:     make(map[int][]int),
		setterByName:    make(map[string]int),
		exportedNames:   make([]string, len(pd.TopLevelNames)),
	}

	for idx, g := range pd.Getters {
		inst.metaGetters[g.Meta] = append(inst.metaGetters[g.Meta], idx)
		for _, a := range g.Args {
			if a.IsProjection() {
				inst.dependents[int(a.Payload())] = append(inst.dependents[int(a.Payload())], idx)
			}
		}
	}

	// A get-on-topLevel getter reads another top-level projection through
	// the index in its key slot, not through a projection arg, so link it
	// to that projection explicitly.
	for idx, g := range pd.Getters {
		if token.Kind(inst.primitiveString(g.Type)) != token.Get || len(g.Args) != 2 {
			continue
		}
		if !inst.isTopLevelRef(g.Args[0]) || !g.Args[1].IsInt() {
			continue
		}
		tl := int(g.Args[1].Payload())
		if tl < len(pd.TopLevelProjections) && pd.TopLevelProjections[tl].IsProjection() {
			target := int(pd.TopLevelProjections[tl].Payload())
			inst.dependents[target] = append(inst.dependents[target], idx)
		}
	}

	for i, nameIdx := range pd.TopLevelNames {
		if nameIdx < 0 {
			continue
		}
		name, _ := pd.Primitives[nameIdx].(string)
		inst.exportedNames[i] = name
	}

	for i, s := range pd.Setters {
		name := inst.primitiveString(s.Name)
		inst.setterByName[name] = i
	}

	return inst
}

func (i *Instance) primitiveString(r compile.Ref) string {
	if !r.IsPrimitive() {
		return ""
	}
	s, _ := i.pd.Primitives[r.Payload()].(string)
	return s
}

// AddListener registers l to be called once after every settled
// recalculation that changes the exported surface.
func (i *Instance) AddListener(l Listener) {
	i.listeners = append(i.listeners, l)
}

// ListenerHandle identifies a registered listener for later removal.
type ListenerHandle int

// AddListenerHandle registers l and returns a handle RemoveListener accepts.
// Go func values aren't comparable, so removal goes through a handle rather
// than value equality.
func (i *Instance) AddListenerHandle(l Listener) ListenerHandle {
	i.listeners = append(i.listeners, l)
	return ListenerHandle(len(i.listeners) - 1)
}

// RemoveListener unregisters the listener identified by h.
func (i *Instance) RemoveListener(h ListenerHandle) {
	if int(h) < 0 || int(h) >= len(i.listeners) {
		return
	}
	i.listeners[h] = func() {}
}

// Get returns the current value of the named, non-internal top-level
// projection.
func (i *Instance) Get(name string) (interface{}, bool) {
	for idx, n := range i.exportedNames {
		if n == name {
			v, err := i.evalRef(i.pd.TopLevelProjections[idx])
			if err != nil {
				return nil, false
			}
			return v, true
		}
	}
	return nil, false
}

// Sources returns the distinct debug source locations carried by the
// compiled projections ($ast()/$source() surfacing, spec.md §6).
func (i *Instance) Sources() []string { return i.pd.Sources }

// StartBatch begins (or nests into) a batching scope: setter calls made
// while batching queue instead of recalculating immediately (spec.md §4.7
// "$startBatch"/"$runInBatch").
func (i *Instance) StartBatch() {
	i.batchDepth++
	if i.state == Idle {
		i.state = Batching
	}
}

// EndBatch ends one level of batching scope. At depth zero it triggers a
// single settling recalculation.
func (i *Instance) EndBatch() error {
	if i.batchDepth == 0 {
		return nil
	}
	i.batchDepth--
	if i.batchDepth > 0 {
		return nil
	}
	if i.state == Batching {
		i.state = Idle
	}
	return i.drainAndRecalculate()
}

// RunInBatch runs fn inside a batch scope, guaranteeing a single settling
// recalculation even if fn issues multiple setter calls (spec.md §4.7
// "$runInBatch").
func (i *Instance) RunInBatch(fn func() error) error {
	i.StartBatch()
	if err := fn(); err != nil {
		i.batchDepth--
		if i.batchDepth == 0 && i.state == Batching {
			i.state = Idle
		}
		return err
	}
	return i.EndBatch()
}

// Call invokes the named setter with the given positional arguments
// (spec.md §4.3, §4.6). The final element of args is always the
// mutation's own value (for "set"), item to push (for "push"), or the
// splice (start, deleteCount, items...) tail (for "splice").
func (i *Instance) Call(name string, args ...interface{}) error {
	idx, ok := i.setterByName[name]
	if !ok {
		return &InvalidSetterError{Setter: name, Reason: "no such setter"}
	}
	return i.invoke(idx, args)
}

func (i *Instance) invoke(setterIdx int, args []interface{}) error {
	if i.state != Idle {
		i.pending = append(i.pending, pendingCall{setterIdx: setterIdx, args: args})
		return nil
	}
	if err := i.applySetter(setterIdx, args); err != nil {
		return err
	}
	return i.drainAndRecalculate()
}

// resolveSteps binds a compiled setter's Steps against call-time positional
// arguments, producing the concrete model path (string/int64 elements) and
// the setter's own trailing value arguments.
func (i *Instance) resolveSteps(s compile.Setter, args []interface{}) ([]interface{}, []interface{}, error) {
	if len(args) < s.TokenCount {
		return nil, nil, &InvalidSetterError{
			Setter: i.primitiveString(s.Name),
			Reason: fmt.Sprintf("expected at least %d bound argument(s), got %d", s.TokenCount, len(args)),
		}
	}
	path := make([]interface{}, 0, len(s.Steps))
	for _, step := range s.Steps {
		switch {
		case step.IsArg():
			path = append(path, args[step.ArgIndex()])
		case step.IsInt():
			path = append(path, int64(step.Payload()))
		case step.IsPrimitive():
			path = append(path, i.pd.Primitives[step.Payload()])
		default:
			return nil, nil, fmt.Errorf("vm: setter step has unexpected tag %d", step.Tag())
		}
	}
	return path, args[s.TokenCount:], nil
}

func (i *Instance) applySetter(setterIdx int, args []interface{}) error {
	s := i.pd.Setters[setterIdx]
	kind := compile.SetterKind(i.primitiveString(s.Kind))
	name := i.primitiveString(s.Name)

	path, rest, err := i.resolveSteps(s, args)
	if err != nil {
		return err
	}

	switch kind {
	case compile.SetterSet:
		if len(rest) != 1 {
			return &InvalidSetterError{Setter: name, Reason: "set requires exactly one value argument"}
		}
		value := rest[0]
		if value == nil {
			value = Absent
		}
		newModel, err := i.setAtPath(path, value)
		if err != nil {
			return err
		}
		i.model = newModel

	case compile.SetterPush:
		if len(rest) != 1 {
			return &InvalidSetterError{Setter: name, Reason: "push requires exactly one value argument"}
		}
		newModel, err := rebuild(i.model, path, func(container interface{}) (interface{}, error) {
			list, ok := container.([]interface{})
			if !ok {
				if container == nil {
					list = nil
				} else {
					return nil, &InvalidSetterError{Setter: name, Reason: "push target is not a list"}
				}
			}
			return append(list, rest[0]), nil
		})
		if err != nil {
			return err
		}
		i.model = newModel

	case compile.SetterSplice:
		if len(rest) < 2 {
			return &InvalidSetterError{Setter: name, Reason: "splice requires (start, deleteCount, ...items)"}
		}
		start, ok := toInt(rest[0])
		if !ok {
			return &InvalidSetterError{Setter: name, Reason: "splice start must be numeric"}
		}
		deleteCount, ok := toInt(rest[1])
		if !ok {
			return &InvalidSetterError{Setter: name, Reason: "splice deleteCount must be numeric"}
		}
		items := rest[2:]
		newModel, err := rebuild(i.model, path, func(container interface{}) (interface{}, error) {
			list, ok := container.([]interface{})
			if !ok {
				if container != nil {
					return nil, &InvalidSetterError{Setter: name, Reason: "splice target is not a list"}
				}
			}
			return spliceList(list, int(start), int(deleteCount), items), nil
		})
		if err != nil {
			return err
		}
		i.model = newModel

	default:
		return &InvalidSetterError{Setter: name, Reason: fmt.Sprintf("unknown setter kind %q", kind)}
	}

	i.markDirtyForPath(path)
	return nil
}

func (i *Instance) setAtPath(path []interface{}, value interface{}) (interface{}, error) {
	if len(path) == 0 {
		return value, nil
	}
	parent, lastKey := path[:len(path)-1], path[len(path)-1]
	return rebuild(i.model, parent, func(container interface{}) (interface{}, error) {
		container = ensureContainer(container, lastKey)
		return setChild(container, lastKey, value), nil
	})
}

func spliceList(list []interface{}, start, deleteCount int, items []interface{}) []interface{} {
	if start < 0 {
		start = len(list) + start
	}
	if start < 0 {
		start = 0
	}
	if start > len(list) {
		start = len(list)
	}
	end := start + deleteCount
	if end > len(list) {
		end = len(list)
	}
	out := make([]interface{}, 0, len(list)-( end-start)+len(items))
	out = append(out, list[:start]...)
	out = append(out, items...)
	out = append(out, list[end:]...)
	return out
}

func toInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// markDirtyForPath implements the "root"-anchored half of spec.md §4.6
// "Invalidation": any metadata record whose condition evaluates truthy and
// whose canonical path could match the just-written model path dirties
// every getter sharing that record. "context"/"topLevel"-anchored records
// are not matched here; a change to a top-level value already reaches its
// dependents through the ordinary getter dependency graph below, so
// tracking those roots explicitly would be belt-and-suspenders.
func (i *Instance) markDirtyForPath(writtenPath []interface{}) {
	initial := make(map[int]bool)

	// Structural fallback: a `get` getter chained back to the model root
	// through nothing but other `get`s with literal keys has a read path
	// fully determined by the getter graph itself, with no front-end
	// supplied path metadata required. This covers the common case; the
	// metadata-table walk below additionally covers paths gated behind a
	// condition, which are not statically apparent from the getter graph.
	for idx, g := range i.pd.Getters {
		if token.Kind(i.primitiveString(g.Type)) != token.Get {
			continue
		}
		readPath, ok := i.structuralReadPath(idx)
		if !ok {
			continue
		}
		if pathsOverlap(readPath, writtenPath) {
			initial[idx] = true
		}
	}

	for metaIdx, rec := range i.pd.MetaData {
		for _, pidx := range rec.Paths {
			p := i.pd.Paths[pidx]
			if len(p.Steps) == 0 {
				continue
			}
			rootName := i.pd.Primitives[p.Steps[0].Payload()]
			if rootName != string(token.RootModel) {
				continue
			}
			ok, err := i.evalRef(p.Cond)
			if err != nil || !truthy(ok) {
				continue
			}
			concretePath, err := i.resolveConcretePath(p.Steps[1:])
			if err != nil {
				continue
			}
			if pathsOverlap(concretePath, writtenPath) {
				for _, getterIdx := range i.metaGetters[metaIdx] {
					initial[getterIdx] = true
				}
				break
			}
		}
	}
	i.propagateDirty(initial)
}

// structuralReadPath computes the concrete model path a `get` getter reads,
// when that path is statically derivable: the object side is either the
// model root or another structurally-resolvable `get`, and the key is a
// literal (not itself a computed sub-expression).
func (i *Instance) structuralReadPath(idx int) ([]interface{}, bool) {
	g := i.pd.Getters[idx]
	if token.Kind(i.primitiveString(g.Type)) != token.Get || len(g.Args) != 2 {
		return nil, false
	}
	objRef, keyRef := g.Args[0], g.Args[1]
	if !objRef.IsProjection() {
		return nil, false
	}
	objIdx := int(objRef.Payload())
	var base []interface{}
	switch token.Kind(i.primitiveString(i.pd.Getters[objIdx].Type)) {
	case token.Root:
		base = []interface{}{}
	case token.Get:
		p, ok := i.structuralReadPath(objIdx)
		if !ok {
			return nil, false
		}
		base = p
	default:
		return nil, false
	}

	var key interface{}
	switch {
	case keyRef.IsInt():
		key = int64(keyRef.Payload())
	case keyRef.IsPrimitive():
		key = i.pd.Primitives[keyRef.Payload()]
	default:
		return nil, false
	}
	return append(append([]interface{}{}, base...), key), true
}

func (i *Instance) resolveConcretePath(steps []compile.Ref) ([]interface{}, error) {
	out := make([]interface{}, len(steps))
	for idx, s := range steps {
		v, err := i.evalRef(s)
		if err != nil {
			return nil, err
		}
		out[idx] = v
	}
	return out, nil
}

func pathsOverlap(a, b []interface{}) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for idx := 0; idx < n; idx++ {
		if fmt.Sprint(a[idx]) != fmt.Sprint(b[idx]) {
			return false
		}
	}
	return true
}

// propagateDirty expands the initially-dirty getter set across the
// dependency graph to a fixpoint using a worklist, invalidating each
// dirtied getter's cache (and per-key loop cache).
func (i *Instance) propagateDirty(initial map[int]bool) {
	queue := make([]int, 0, len(initial))
	seen := make(map[int]bool, len(initial))
	for idx := range initial {
		queue = append(queue, idx)
		seen[idx] = true
	}
	for len(queue) > 0 {
		idx := queue[0]
		queue = queue[1:]
		delete(i.computed, idx)
		delete(i.values, idx)
		delete(i.loopCache, idx)
		for _, dep := range i.dependents[idx] {
			if !seen[dep] {
				seen[dep] = true
				queue = append(queue, dep)
			}
		}
	}
}

func (i *Instance) drainAndRecalculate() error {
	if i.state != Idle {
		return nil
	}
	i.state = Recalculating
	defer func() { i.state = Idle }()

	i.passesInFlight = 0
	for {
		i.passesInFlight++
		if i.passesInFlight > maxRecalcPasses {
			return &RecalculationDivergenceError{Passes: i.passesInFlight}
		}

		// Apply any setter calls queued while batching (or issued by a
		// listener during the previous pass) before evaluating, so a
		// settle's recalculation always reflects every queued mutation at
		// once (spec.md §4.7 "$runInBatch").
		pending := i.pending
		i.pending = nil
		for _, call := range pending {
			if err := i.applySetter(call.setterIdx, call.args); err != nil {
				return err
			}
		}

		changed, err := i.recalcOnce()
		if err != nil {
			return err
		}
		if changed {
			i.fireListeners()
		}
		if len(i.pending) == 0 {
			return nil
		}
	}
}

func (i *Instance) recalcOnce() (bool, error) {
	changed := false
	for idx, nameIdx := range i.pd.TopLevelNames {
		if nameIdx < 0 {
			if _, err := i.evalRef(i.pd.TopLevelProjections[idx]); err != nil {
				return false, err
			}
			continue
		}
		v, err := i.evalRef(i.pd.TopLevelProjections[idx])
		if err != nil {
			return false, err
		}
		name := i.exportedNames[idx]
		prev, had := i.lastExported(name)
		if !had || fmt.Sprint(prev) != fmt.Sprint(v) {
			changed = true
		}
		i.setLastExported(name, v)
	}
	return changed, nil
}

// lastExported tracks the last-fired snapshot per exported name, used
// only to decide whether to fire listeners (spec.md §4.7 "fires at most
// once per settle, only if something visible changed").
type lastExported struct {
	values map[string]interface{}
}

func (i *Instance) lastExported(name string) (interface{}, bool) {
	if i.lastExportedStore.values == nil {
		return nil, false
	}
	v, ok := i.lastExportedStore.values[name]
	return v, ok
}

func (i *Instance) setLastExported(name string, v interface{}) {
	if i.lastExportedStore.values == nil {
		i.lastExportedStore.values = make(map[string]interface{})
	}
	i.lastExportedStore.values[name] = v
}

func (i *Instance) fireListeners() {
	for _, l := range i.listeners {
		l()
	}
}

// Snapshot returns a shallow copy of every exported (non-internal)
// top-level name to its current value.
func (i *Instance) Snapshot() map[string]interface{} {
	out := make(map[string]interface{}, len(i.exportedNames))
	for idx, name := range i.exportedNames {
		if name == "" {
			continue
		}
		v, _ := i.evalRef(i.pd.TopLevelProjections[idx])
		out[name] = v
	}
	return out
}

// sortedStringKeys returns m's keys sorted for deterministic iteration
// (spec.md makes no guarantee about a model map's key order; the VM fixes
// one to keep recomputation and test assertions deterministic).
func sortedStringKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
