package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/production_backend/appctx"
	"github.com/google/uuid"
)

// Alias the shared context key type so existing code keeps working.
type contextKey = appctx.ContextKey

var (
	ContextKeyUsername      = appctx.ContextKeyUsername
	ContextKeyUserName      = appctx.ContextKeyUserName
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
)

const systemActor = "system"

func GetUsernameFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyUsername)
}

func GetUserNameFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyUserName)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetUsernameInContext(ctx context.Context, username string) context.Context {
	return appctx.Set(ctx, ContextKeyUsername, username)
}

func SetUserNameInContext(ctx context.Context, userName string) context.Context {
	return appctx.Set(ctx, ContextKeyUserName, userName)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

// ActorFromContext prefers the display name, then the login, then "system".
func ActorFromContext(ctx context.Context) string {
	if v, ok := GetUserNameFromContext(ctx); ok && v != "" {
		return v
	}
	if v, ok := GetUsernameFromContext(ctx); ok && v != "" {
		return v
	}
	return systemActor
}

func CorrelationIdFromContextOrNew(ctx context.Context) string {
	if v, ok := GetCorrelationIdFromContext(ctx); ok && v != "" {
		return v
	}
	return uuid.NewString()
}
