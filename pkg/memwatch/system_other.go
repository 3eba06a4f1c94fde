//go:build !linux

package memwatch

import (
	"context"
	"time"
)

// NewSystem returns nil: there is no low-memory signal on this platform.
func NewSystem(_ context.Context, _ time.Duration, _ float64) Signal {
	return nil
}
