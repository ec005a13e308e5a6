package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within
// a context. Fields flow through context enrichment, so lease and node
// identity show up on every log line without each call site repeating them.
type LogFields struct {
	NodeID    *int64  // owned snowflake node id
	Slot      *int64  // lease slot under negotiation (same value as NodeID once owned)
	Owner     *string // lease owner token
	Component string  // component name, e.g. "mint.lease.renewal"
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking
// precedence. Context timeouts and cancellation are preserved.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, new LogFields) LogFields {
	result := existing

	if new.NodeID != nil {
		result.NodeID = new.NodeID
	}
	if new.Slot != nil {
		result.Slot = new.Slot
	}
	if new.Owner != nil {
		result.Owner = new.Owner
	}
	if new.Component != "" {
		result.Component = new.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{Slot: logger.Ptr(slot)})
func Ptr[T any](v T) *T {
	return &v
}
