package logger

import (
	"go.uber.org/zap"
)

// New builds the process-wide logger. Verbosity accepts any level
// zap.ParseAtomicLevel does; the empty string means info.
func New(verbosity string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	// Per-pass kernel diagnostics repeat the same message thousands of
	// times in a bench run; sampling would silently drop them.
	config.Sampling = nil
	return config.Build()
}
