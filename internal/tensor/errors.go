package tensor

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch is matched by every ShapeError.
var ErrShapeMismatch = errors.New("shape mismatch")

// ShapeError describes an operand whose rank or dimensions violate an
// operation's precondition.
type ShapeError struct {
	Op   string
	Want []int
	Got  []int
	Msg  string
}

func (e *ShapeError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, ErrShapeMismatch, e.Msg)
	}
	return fmt.Sprintf("%s: %s: want %s, got %s", e.Op, ErrShapeMismatch, FormatShape(e.Want), FormatShape(e.Got))
}

func (e *ShapeError) Unwrap() error {
	return ErrShapeMismatch
}

// Mismatch builds a ShapeError for an operand expected to have shape want.
// A -1 in want stands for any size.
func Mismatch(op string, want, got []int) error {
	return &ShapeError{Op: op, Want: cloneShape(want), Got: cloneShape(got)}
}

// Errorf builds a ShapeError with a free-form description.
func Errorf(op, format string, args ...any) error {
	return &ShapeError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Expect checks that t has the given shape; -1 matches any size.
func Expect(op string, t *Tensor, want ...int) error {
	if t == nil {
		return Errorf(op, "nil tensor, want %s", FormatShape(want))
	}
	if len(t.Shape) != len(want) {
		return Mismatch(op, want, t.Shape)
	}
	for i, w := range want {
		if w >= 0 && t.Shape[i] != w {
			return Mismatch(op, want, t.Shape)
		}
	}
	return nil
}

// FormatShape renders a shape as (a, b, c) with ? for wildcards.
func FormatShape(shape []int) string {
	if shape == nil {
		return "()"
	}
	buf := []byte{'('}
	for i, d := range shape {
		if i > 0 {
			buf = append(buf, ", "...)
		}
		if d < 0 {
			buf = append(buf, '?')
			continue
		}
		buf = fmt.Appendf(buf, "%d", d)
	}
	return string(append(buf, ')'))
}
