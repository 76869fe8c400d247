// Package filter decides per line whether it is forwarded to any sink.
package filter

import "errors"

// Logical operators combining include patterns.
const (
	OpAnd = "and"
	OpOr  = "or"
)

var ErrUnsupportedOp = errors.New("unsupported logic operator")
