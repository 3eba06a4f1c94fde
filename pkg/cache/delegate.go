package cache

import "log/slog"

// Delegate receives diagnostics about recoverable failures. It is optional and has no say in cache behavior.
type Delegate interface {
	LogDebug(msg string, err error)
	LogError(msg string, err error)
}

// SlogDelegate forwards diagnostics to a slog logger; the default logger if Logger is nil.
type SlogDelegate struct { // Implements Delegate.
	Logger *slog.Logger
}

var _ Delegate = SlogDelegate{}

func (d SlogDelegate) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d SlogDelegate) LogDebug(msg string, err error) {
	if err == nil {
		d.logger().Debug(msg)
		return
	}
	d.logger().Debug(msg, "error", err)
}

func (d SlogDelegate) LogError(msg string, err error) {
	d.logger().Error(msg, "error", err)
}
