// Package consing implements the compiler's hash-consing tables: content
// addressed stores for primitives, projections, and metadata records
// (spec.md §4.1).
//
// Each table maps a structural hash to a value. Hashing is the same
// canonical-CBOR-then-BLAKE2b recipe the teacher's planfmt package uses to
// produce deterministic plan hashes (core/planfmt/canonical.go in the
// reference corpus): encode the value with fxamacker/cbor's
// CanonicalEncOptions (stable map-key order, normalized integer widths),
// then hash the resulting bytes with BLAKE2b-256. Two structurally equal
// values always produce the same hash regardless of construction order.
package consing

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

// Hash is a structural hash: the content-address key of this package's
// tables.
type Hash [32]byte

var canonicalEncMode cbor.EncMode

func init() {
	m, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic("consing: failed to build canonical CBOR encoder: " + err.Error())
	}
	canonicalEncMode = m
}

// HashOf computes the structural hash of v via canonical CBOR encoding.
func HashOf(v interface{}) (Hash, error) {
	data, err := canonicalEncMode.Marshal(v)
	if err != nil {
		return Hash{}, err
	}
	return blake2b.Sum256(data), nil
}

// IntegrityError reports that two structurally different values hashed to
// the same key — either a genuine BLAKE2b collision or a corrupted
// compile-time cache. spec.md §4.1 requires this be treated as fatal rather
// than silently preferring one value.
type IntegrityError struct {
	Table string
	Hash  Hash
}

func (e *IntegrityError) Error() string {
	return "consing: hash collision in " + e.Table + " table for key " + hashHex(e.Hash)
}

func hashHex(h Hash) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, len(h)*2)
	for i, b := range h {
		buf[i*2] = hexDigits[b>>4]
		buf[i*2+1] = hexDigits[b&0xf]
	}
	return string(buf)
}

// Table is a content-addressed, insertion-ordered table. Insertion order is
// the table's iteration order, which the packer (core/compile) relies on to
// assign dense integer indices deterministically (spec.md §4.4).
type Table[V any] struct {
	name   string
	byHash map[Hash]int // hash -> dense index
	order  []Hash       // dense index -> hash, insertion order
	values []V          // dense index -> value
}

// NewTable creates an empty table. name is used only in IntegrityError
// messages.
func NewTable[V any](name string) *Table[V] {
	return &Table[V]{
		name:   name,
		byHash: make(map[Hash]int),
	}
}

// Intern inserts v if no structurally equal value is already present, and
// returns its dense index. If a stored value hashes equal to v but is not
// reflect.DeepEqual to it, Intern returns an *IntegrityError.
func (t *Table[V]) Intern(v V) (int, error) {
	h, err := HashOf(v)
	if err != nil {
		return 0, err
	}
	if idx, ok := t.byHash[h]; ok {
		if !reflect.DeepEqual(t.values[idx], v) {
			return 0, &IntegrityError{Table: t.name, Hash: h}
		}
		return idx, nil
	}
	idx := len(t.values)
	t.byHash[h] = idx
	t.order = append(t.order, h)
	t.values = append(t.values, v)
	return idx, nil
}

// Len returns the number of distinct values interned so far.
func (t *Table[V]) Len() int {
	return len(t.values)
}

// Entries returns the table's values in insertion (= dense index) order.
// The packer materializes this directly into the compiled program's array.
func (t *Table[V]) Entries() []V {
	return t.values
}

// At returns the value at a dense index.
func (t *Table[V]) At(idx int) V {
	return t.values[idx]
}
