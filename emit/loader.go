package emit

import (
	"io"

	"github.com/reactorlang/reactor/runtime/vm"
)

// Loader reads a bytecode envelope and hands the reconstructed
// ProjectionData straight to a fresh vm.Instance — the "small resident
// loader" half of the bytecode back end (spec.md §4.5, §6): a host that
// received an envelope over the wire never touches core/compile directly.
func Loader(r io.Reader, model interface{}, funcLib vm.FuncLib, debug bool) (*vm.Instance, Header, error) {
	pd, header, _, err := ReadBytecode(r)
	if err != nil {
		return nil, Header{}, err
	}
	return vm.New(pd, model, funcLib, debug), header, nil
}
