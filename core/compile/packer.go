package compile

import "github.com/reactorlang/reactor/core/consing"

// Pack implements spec.md §4.4: materialize the builder's three hash-consed
// tables into ProjectionData's dense arrays, and build the derived paths
// table by interning every metadata record's step sequences.
//
// topLevelProjections and topLevelNames must be parallel (spec.md §3
// invariant); topLevelNames entries are primitives-table indices, or -1 for
// an internal derivation hidden from the exported surface.
func Pack(b *Builder, setters []Setter, topLevelProjections []Ref, topLevelNames []int) *ProjectionData {
	pathsTable := consing.NewTable[Path]("paths")

	rawMetas := b.metadata.Entries()
	metaData := make([]MetaData, len(rawMetas))
	for i, rm := range rawMetas {
		var idxs []int
		if len(rm.Paths) > 0 {
			idxs = make([]int, len(rm.Paths))
		}
		for j, p := range rm.Paths {
			idx, err := pathsTable.Intern(p)
			if err != nil {
				// Path values are plain data (Ref slices); structural
				// hashing of them cannot fail after it has already
				// succeeded once during metadata interning.
				panic(err)
			}
			idxs[j] = idx
		}
		metaData[i] = MetaData{Flags: rm.Flags, Paths: idxs}
	}

	return &ProjectionData{
		Getters:             b.projections.Entries(),
		Primitives:          b.primitives.Entries(),
		TopLevelNames:       topLevelNames,
		TopLevelProjections: topLevelProjections,
		MetaData:            metaData,
		Paths:               pathsTable.Entries(),
		Setters:             setters,
		Sources:             sourcesOf(b.projections.Entries()),
	}
}

// sourcesOf collects the distinct, non-empty source strings carried by
// getters, in first-seen order, for $source()/debug surfacing.
func sourcesOf(getters []Getter) []string {
	seen := make(map[string]bool)
	var out []string
	for _, g := range getters {
		if g.Source == "" || seen[g.Source] {
			continue
		}
		seen[g.Source] = true
		out = append(out, g.Source)
	}
	return out
}
