// Package expr defines the Expression tree the front end hands to the
// compiler: an ordered sequence whose head is a token.Token and whose
// remaining elements are arguments.
//
// See spec.md §3 "Expression".
package expr

import "github.com/reactorlang/reactor/core/token"

// Node is any element that can appear as an expression argument: a
// *token.Token (an operator or leaf reference), a nested *Expression, or a
// Scalar (an opaque literal — number, string, bool, null, or plain record).
//
// This is the "tagged union over dynamic values" called for in spec.md §9:
// Go has no closed sum type, so we close the interface with an unexported
// method instead of relying on a `kind` string field.
type Node interface {
	isNode()
}

// Expression is an ordered (Head, Args) pair: Head names the operator, Args
// are its arguments (Tokens, nested Expressions, or Scalars).
type Expression struct {
	Head *token.Token
	Args []Node
}

func (*Expression) isNode() {}

// Scalar wraps an opaque literal value: a number, string, bool, nil, or a
// plain record/slice treated as frozen data rather than as an operator.
type Scalar struct {
	Value interface{}
}

func (Scalar) isNode() {}

// tokenNode lets *token.Token satisfy Node without token importing expr
// (which would create an import cycle).
type tokenNode struct {
	*token.Token
}

func (tokenNode) isNode() {}

// Wrap adapts a *token.Token into a Node for use as an expression argument.
func Wrap(t *token.Token) Node {
	return tokenNode{t}
}

// AsToken returns the underlying *token.Token if n wraps one.
func AsToken(n Node) (*token.Token, bool) {
	if tn, ok := n.(tokenNode); ok {
		return tn.Token, true
	}
	return nil, false
}

// omitted is the Node used to mark an elided optional argument (e.g. a
// Range's default start/step) that the builder must fill in with its
// operator-specific default rather than recursing into.
type omitted struct{}

func (omitted) isNode() {}

// Omitted marks an elided optional argument.
var Omitted Node = omitted{}

// IsOmitted reports whether n is the Omitted marker.
func IsOmitted(n Node) bool {
	_, ok := n.(omitted)
	return ok
}
