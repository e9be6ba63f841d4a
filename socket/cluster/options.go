package cluster

import "log/slog"

type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger for subscription and decode messages.
// Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
