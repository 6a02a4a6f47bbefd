package compile

import "github.com/reactorlang/reactor/core/consing"

// IntegrityError reports a hash-consing collision: two structurally
// different values hashed to the same table key (spec.md §7). It is a
// direct alias of consing.IntegrityError so callers can errors.As into
// either this package's or core/consing's type interchangeably.
type IntegrityError = consing.IntegrityError
