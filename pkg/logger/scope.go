package logger

import (
	"context"
	"strings"
)

// scopeSeparator joins nested section names in the scope path.
const scopeSeparator = "/"

type scopeKey struct{}

// withScope returns a child context whose scope path has name appended.
func withScope(ctx context.Context, name string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return ctx
	}
	if parent := ScopePath(ctx); parent != "" {
		name = parent + scopeSeparator + name
	}
	return context.WithValue(ctx, scopeKey{}, name)
}

// ScopePath returns the section path carried by ctx, or "" outside any scope.
func ScopePath(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	path, _ := ctx.Value(scopeKey{}).(string)
	return path
}

// Scope enters a named section on the global logger.
func Scope(ctx context.Context, name string) (context.Context, func()) {
	return Get().Scope(ctx, name)
}
