package storage

import (
	"errors"
	"fmt"
)

// ErrInvalidRecord is returned when a reversal record misses required fields
var ErrInvalidRecord = errors.New("invalid reversal record")

func invalid(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecord, reason)
}
