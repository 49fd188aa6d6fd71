// Package errors holds the sentinel errors shared by the lease store
// backends and a helper that maps driver failures onto them.
package errors

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrTimeout          = errors.New("lockable: store operation timed out")
	ErrConnectionClosed = errors.New("lockable: store connection closed")
)

// Classify tags context deadlines with ErrTimeout and closed-connection
// failures reported by closed with ErrConnectionClosed. The original error
// stays in the chain. Anything else is returned unchanged.
func Classify(err error, closed ...error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	for _, c := range closed {
		if c != nil && errors.Is(err, c) {
			return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
		}
	}
	return err
}
