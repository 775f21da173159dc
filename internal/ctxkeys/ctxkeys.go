// Package ctxkeys defines the context keys threaded through every run: the
// identifiers that subsystems log and that RLS-scoped database writes key on.
package ctxkeys

import "context"

type contextKey string

const (
	runIDKey           contextKey = "run_id"
	attemptKey         contextKey = "attempt"
	billingAccountIDKey contextKey = "billing_account_id"
	traceIDKey         contextKey = "trace_id"
	graphIDKey         contextKey = "graph_id"
)

// WithRunID attaches the run id to ctx.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunID extracts the run id from ctx.
func RunID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(runIDKey).(string)
	return v, ok && v != ""
}

// WithAttempt attaches the attempt number to ctx.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey, attempt)
}

// Attempt extracts the attempt number from ctx.
func Attempt(ctx context.Context) (int, bool) {
	v, ok := ctx.Value(attemptKey).(int)
	return v, ok
}

// WithBillingAccountID attaches the resolved tenant id to ctx. Callers
// never set this from untrusted input; it is populated once, by the
// component that resolved the Caller.
func WithBillingAccountID(ctx context.Context, billingAccountID string) context.Context {
	return context.WithValue(ctx, billingAccountIDKey, billingAccountID)
}

// BillingAccountID extracts the tenant id from ctx.
func BillingAccountID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(billingAccountIDKey).(string)
	return v, ok && v != ""
}

// WithTraceID attaches the upstream trace id to ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID extracts the trace id from ctx.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(traceIDKey).(string)
	return v, ok && v != ""
}

// WithGraphID attaches the graph id to ctx.
func WithGraphID(ctx context.Context, graphID string) context.Context {
	return context.WithValue(ctx, graphIDKey, graphID)
}

// GraphID extracts the graph id from ctx.
func GraphID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(graphIDKey).(string)
	return v, ok && v != ""
}
