// File path: internal/storage/errors.go
package storage

import "fmt"

// InvalidMetaKeyError reports a metadata filter key that failed validation
// before any query was built.
type InvalidMetaKeyError struct {
	Key string
}

func (e *InvalidMetaKeyError) Error() string {
	return fmt.Sprintf("invalid metadata filter key %q", e.Key)
}

// DimensionMismatchError reports an embedding whose dimensionality conflicts
// with the one already recorded for the conversation.
type DimensionMismatchError struct {
	Stored int
	Got    int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding dimension %d conflicts with stored dimension %d", e.Got, e.Stored)
}
