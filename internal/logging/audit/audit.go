package audit

import (
	"github.com/rs/zerolog"
)

// Result values recorded on audit events.
const (
	ResultAllowed = "allowed"
	ResultDenied  = "denied"
	ResultFailed  = "failed"
)

// Logger provides structured audit logging for security-relevant events.
// All audit events are logged with structured fields for easy filtering and analysis.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger from a zerolog.Logger.
// Pass zerolog.Nop() to discard all entries.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

func levelFor(result string) zerolog.Level {
	switch result {
	case ResultDenied:
		return zerolog.WarnLevel
	case ResultFailed:
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}

// LogAuthz logs an authorization decision.
// identity: the caller performing the operation
// verb: "read", "write" or "admin"
// bucket: bucket name
// path: object or directory path (may be empty for bucket operations)
// result: "allowed" or "denied"
// reason: why access was denied (empty for allowed)
func (l *Logger) LogAuthz(identity, verb, bucket, path, result, reason string) {
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "authz").
		Str("identity", identity).
		Str("verb", verb).
		Str("bucket", bucket).
		Str("result", result)

	if path != "" {
		event = event.Str("path", path)
	}
	if reason != "" {
		event = event.Str("reason", reason)
	}

	event.Msg("Authorization event")
}

// LogObjectOp logs a namespace or object I/O operation.
// operation: e.g. "Mkdir", "WriteChunk", "MoveRename", "DeleteObject"
// details: additional context (e.g. error message)
func (l *Logger) LogObjectOp(identity, operation, bucket, path, result, details string) {
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "object_operation").
		Str("component", "gateway").
		Str("identity", identity).
		Str("operation", operation).
		Str("bucket", bucket).
		Str("result", result)

	if path != "" {
		event = event.Str("path", path)
	}
	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Object operation")
}

// LogBucketAdmin logs a bucket lifecycle change (create, delete, access change).
func (l *Logger) LogBucketAdmin(identity, action, bucket, details string) {
	event := l.logger.Info().
		Str("event_type", "bucket_admin").
		Str("identity", identity).
		Str("action", action).
		Str("bucket", bucket)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Bucket admin event")
}

// LogShare logs a share configuration change or a share-link resolution.
// action: "share", "unshare" or "resolve"
func (l *Logger) LogShare(identity, action, bucket, path, result string) {
	l.logger.WithLevel(levelFor(result)).
		Str("event_type", "share").
		Str("identity", identity).
		Str("action", action).
		Str("bucket", bucket).
		Str("path", path).
		Str("result", result).
		Msg("Share event")
}
