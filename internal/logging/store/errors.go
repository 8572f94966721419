package store

import "fmt"

// StorageError reports a failed store operation. Entries written before the
// failure are unaffected.
type StorageError struct {
	Op    string
	Group string
	Err   error
}

func (e *StorageError) Error() string {
	if e.Group == "" {
		return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store: %s %q: %v", e.Op, e.Group, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
