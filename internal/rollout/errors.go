// File path: internal/rollout/errors.go
package rollout

import "fmt"

// MissingFieldError reports a record that lacked a field the normaliser needs.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing field %q", e.Field)
}

// TimestampError reports an unparseable timestamp string.
type TimestampError struct {
	Value string
	Err   error
}

func (e *TimestampError) Error() string {
	return fmt.Sprintf("invalid timestamp %q: %v", e.Value, e.Err)
}

func (e *TimestampError) Unwrap() error {
	return e.Err
}
