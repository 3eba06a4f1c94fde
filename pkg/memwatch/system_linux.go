package memwatch

import (
	"context"
	"time"

	"golang.org/x/sys/unix"
)

// NewSystem returns a Signal firing when the host's free RAM ratio drops below `minFreeRatio`.
func NewSystem(ctx context.Context, interval time.Duration, minFreeRatio float64) Signal {
	return newSystem(ctx, interval, minFreeRatio, freeMemoryRatio)
}

// freeMemoryRatio reads free/total RAM via sysinfo(2). Both are in the same unit so the ratio ignores it.
func freeMemoryRatio() (float64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	if info.Totalram == 0 {
		return 1, nil
	}
	return float64(info.Freeram) / float64(info.Totalram), nil
}
