package resolver

import (
	"fmt"
	"strings"

	"github.com/jav/stapserve/internal/protocol"
)

// The resolver's error taxonomy. Resolution failures are ordinary error
// values; wildcard and alias expansion suppress them per-alternative and
// re-raise only when nothing matched and the probe point was not optional.

// semanticError marks the errors that wildcard expansion may swallow.
type semanticError interface {
	error
	semantic()
}

// TruncatedError means the probe point ended before reaching a terminal;
// Alternatives lists the legal continuations.
type TruncatedError struct {
	Pos          int
	Alternatives []string
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("probe point truncated at position %d (follow: %s)",
		e.Pos, strings.Join(e.Alternatives, " "))
}

func (e *TruncatedError) semantic() {}

// MismatchError means no trie child matched a component; Alternatives lists
// the sorted legal functors at that position.
type MismatchError struct {
	Pos          int
	Alternatives []string
}

func (e *MismatchError) Error() string {
	if len(e.Alternatives) == 0 {
		return fmt.Sprintf("probe point mismatch at position %d", e.Pos)
	}
	return fmt.Sprintf("probe point mismatch at position %d (alternatives: %s)",
		e.Pos, strings.Join(e.Alternatives, " "))
}

func (e *MismatchError) semantic() {}

// ForbiddenError means the point resolved but the session privilege does not
// cover the subtree.
type ForbiddenError struct {
	Privilege protocol.Privilege
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("probe point is not allowed for --privilege=%s", e.Privilege)
}

func (e *ForbiddenError) semantic() {}

// RecursionError means alias expansion looped, or the expansion depth
// ceiling was hit.
type RecursionError struct {
	Point string
}

func (e *RecursionError) Error() string {
	if e.Point == "" {
		return "recursion limit reached"
	}
	return fmt.Sprintf("recursive loop in alias expansion of %s", e.Point)
}

func (e *RecursionError) semantic() {}

// NoMatchError means a required probe point produced no derived probes.
type NoMatchError struct {
	Point string
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("no match while resolving probe point %s", e.Point)
}

func (e *NoMatchError) semantic() {}

// isSemantic reports whether err belongs to the suppressible taxonomy.
func isSemantic(err error) bool {
	_, ok := err.(semanticError)
	return ok
}
