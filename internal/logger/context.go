package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields are attached to every record logged with a context carrying them.
type LogFields struct {
	CorrelationID     string
	WorkspaceID       string
	PlatformAccountID string
	JobID             *int64
	JobType           string
	Component         string
}

// WithLogFields merges fields into ctx. Non-empty values in fields win.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	merged := mergeFields(GetLogFields(ctx), fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields returns the fields stored in ctx, or the zero value.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, next LogFields) LogFields {
	result := existing
	if next.CorrelationID != "" {
		result.CorrelationID = next.CorrelationID
	}
	if next.WorkspaceID != "" {
		result.WorkspaceID = next.WorkspaceID
	}
	if next.PlatformAccountID != "" {
		result.PlatformAccountID = next.PlatformAccountID
	}
	if next.JobID != nil {
		result.JobID = next.JobID
	}
	if next.JobType != "" {
		result.JobType = next.JobType
	}
	if next.Component != "" {
		result.Component = next.Component
	}
	return result
}

func Ptr[T any](v T) *T {
	return &v
}
