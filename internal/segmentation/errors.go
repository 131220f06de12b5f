package segmentation

import (
	"errors"
	"fmt"
	"strings"
)

// ErrValidation is wrapped by every *ValidationError.
var ErrValidation = errors.New("invalid rule tree")

// ValidationError pinpoints the first problem found in a rule tree.
type ValidationError struct {
	Path     string   `json:"path"`
	Field    string   `json:"field,omitempty"`
	Operator Operator `json:"operator,omitempty"`
	Reason   string   `json:"reason"`
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "invalid rule at %s", e.Path)
	if e.Field != "" {
		fmt.Fprintf(&b, " (field %q", e.Field)
		if e.Operator != "" {
			fmt.Fprintf(&b, ", operator %q", e.Operator)
		}
		b.WriteString(")")
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

func (e *ValidationError) Unwrap() error { return ErrValidation }
