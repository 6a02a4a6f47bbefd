package compile

// Format names a compiler output format (spec.md §4.5, §6).
type Format string

const (
	// FormatSelfInvoking emits a self-invoking expression via the template
	// back end.
	FormatSelfInvoking Format = "self-invoking"
	// FormatModule emits a module-export (with a chosen instance-factory
	// name) via the template back end.
	FormatModule Format = "module"
	// FormatBytecode emits the binary envelope via the bytecode back end.
	FormatBytecode Format = "bytecode"
)

// Options configures a single compile invocation (spec.md §6).
type Options struct {
	// Debug is read by the template back end: it sets $DEBUG, embeds the
	// $AST dump, and exposes $ast()/$source() on the emitted instance. The
	// Go VM takes its own debug flag in vm.New.
	Debug bool
	// TypeCheck is validated by Compile but not read by either back end or
	// carried in ProjectionData. The Go VM checks operand kinds of math and
	// comparison ops in every mode and reports a *vm.TypeError only when its
	// own debug flag is set; TypeCheck does not change that.
	TypeCheck bool
	// Format selects the emitter back end and, for the template back end,
	// the wrapping style.
	Format Format
	// Name is the instance-factory name, used by FormatModule.
	Name string
}
