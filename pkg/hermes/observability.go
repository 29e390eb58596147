package hermes

import "context"

type Label struct {
	Key   string
	Value string
}

type Metrics interface {
	IncCounter(name string, value float64, labels ...Label)
	ObserveHistogram(name string, value float64, labels ...Label)
	SetGauge(name string, value float64, labels ...Label)
}

type Logger interface {
	Info(ctx context.Context, msg string, fields map[string]any)
	Warn(ctx context.Context, msg string, fields map[string]any)
	Error(ctx context.Context, msg string, fields map[string]any)
	// Debug carries the source's VLOG(1)-style tracing for
	// respawn/launch detail. SlogAdapter's handler runs at slog's
	// default Info level, so its Debug output is dropped; --verbose
	// does not change that level.
	Debug(ctx context.Context, msg string, fields map[string]any)
}
