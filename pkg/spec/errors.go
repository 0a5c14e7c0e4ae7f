package spec

import "fmt"

// SpecificationError reports an invalid specification. It always identifies
// the offending field and operator so the failure points at the specification
// itself rather than surfacing as a generic type error.
type SpecificationError struct {
	Field    string
	Operator Operator
	Message  string
}

// Error implements the error interface.
func (e *SpecificationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid specification: %s", e.Message)
	}
	return fmt.Sprintf("invalid specification on %q (%s): %s", e.Field, e.Operator, e.Message)
}

func newSpecError(field string, op Operator, format string, args ...interface{}) *SpecificationError {
	return &SpecificationError{
		Field:    field,
		Operator: op,
		Message:  fmt.Sprintf(format, args...),
	}
}
