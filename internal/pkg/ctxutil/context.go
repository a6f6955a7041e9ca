package ctxutil

import "context"

// Default returns ctx, or context.Background() if ctx is nil.
func Default(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

type traceDataKey struct{}

type TraceData struct {
	TraceID   string
	RequestID string
}

func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	return context.WithValue(Default(ctx), traceDataKey{}, td)
}

func GetTraceData(ctx context.Context) *TraceData {
	if ctx == nil {
		return nil
	}
	if td, ok := ctx.Value(traceDataKey{}).(*TraceData); ok {
		return td
	}
	return nil
}

type agentKey struct{}

// WithAgent records the authenticated CRM agent for history attribution.
func WithAgent(ctx context.Context, agent string) context.Context {
	return context.WithValue(Default(ctx), agentKey{}, agent)
}

func Agent(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(agentKey{}).(string)
	return s
}

// Detached keeps the values of ctx but drops its deadline and cancellation,
// for work that must outlive the request that started it.
func Detached(ctx context.Context) context.Context {
	return context.WithoutCancel(Default(ctx))
}
