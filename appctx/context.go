package appctx

import "context"

// ContextKey is the shared type for all context keys in this codebase.
// Keeping it in a tiny package avoids import cycles (config <-> engine).
type ContextKey string

func (c ContextKey) String() string { return string(c) }

var (
	ContextKeyBusinessId    = ContextKey("BusinessId")
	ContextKeyCorrelationId = ContextKey("CorrelationId")
	ContextKeyActor         = ContextKey("Actor")

	// ContextKeySkipTenantScope disables tenant scoping for internal jobs that
	// deliberately read across businesses (scheduler fan-out).
	ContextKeySkipTenantScope = ContextKey("SkipTenantScope")
)

func GetString(ctx context.Context, key ContextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	return v, ok
}

func GetBool(ctx context.Context, key ContextKey) (bool, bool) {
	v, ok := ctx.Value(key).(bool)
	return v, ok
}

func Set(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}

func WithBusinessId(ctx context.Context, businessId string) context.Context {
	return Set(ctx, ContextKeyBusinessId, businessId)
}

func WithCorrelationId(ctx context.Context, correlationId string) context.Context {
	return Set(ctx, ContextKeyCorrelationId, correlationId)
}

func WithActor(ctx context.Context, actor string) context.Context {
	return Set(ctx, ContextKeyActor, actor)
}

func CorrelationId(ctx context.Context) string {
	v, _ := GetString(ctx, ContextKeyCorrelationId)
	return v
}

// Actor returns the acting user, or "system" for background work.
func Actor(ctx context.Context) string {
	if v, ok := GetString(ctx, ContextKeyActor); ok && v != "" {
		return v
	}
	return "system"
}
