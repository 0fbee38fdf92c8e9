package utils

import (
	"context"

	"github.com/hostfolio/rentals_backend/appctx"
)

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, appctx.ContextKeyCorrelationId)
}

func GetSyncRunIdFromContext(ctx context.Context) (int, bool) {
	return appctx.GetInt(ctx, appctx.ContextKeySyncRunId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyCorrelationId, correlationId)
}

func SetSyncRunIdInContext(ctx context.Context, syncRunId int) context.Context {
	return appctx.Set(ctx, appctx.ContextKeySyncRunId, syncRunId)
}
