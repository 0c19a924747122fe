// Package log is the logging seam shared by every wbcache package.
//
// Provide an adapter around your logging stack (see log/zap, log/logrus and
// log/slog). A nil Logger anywhere in wbcache options means NopLogger.
package log

// Fields is a minimal structured field map for logs.
type Fields map[string]any

// Logger is a tiny leveled logger.
type Logger interface {
	Debug(msg string, f Fields)
	Info(msg string, f Fields)
	Warn(msg string, f Fields)
	Error(msg string, f Fields)
}

type NopLogger struct{}

func (NopLogger) Debug(string, Fields) {}
func (NopLogger) Info(string, Fields)  {}
func (NopLogger) Warn(string, Fields)  {}
func (NopLogger) Error(string, Fields) {}

// OrNop returns l, or NopLogger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return NopLogger{}
	}
	return l
}
