package xid

import (
	"github.com/google/uuid"
)

// New returns a time-ordered UUIDv7 string. Records are identified on the
// device that creates them; the backend never assigns ids.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
