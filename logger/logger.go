// Package logger provides adapters for popular logger libraries to work with ordex's Logger interface.
//
// Note that the standard library's slog.Logger already implements ordex.Logger directly.
//
// Example with zap:
//
//	zapLogger, _ := zap.NewProduction()
//	ix, err := ordex.Create(store, 8, ordex.Uint64{}, ordex.WithLogger(logger.NewZap(zapLogger)))
package logger
