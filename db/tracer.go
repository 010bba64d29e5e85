package db

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/mailtriage/mailtriage/logger"
)

// queryTracer logs every statement with its arguments and outcome. Enabled
// via database.log_queries; too noisy for production.
type queryTracer struct{}

type queryStartKey struct{}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	logger.Debug("DB query start", "sql", data.SQL, "args", data.Args)
	return context.WithValue(ctx, queryStartKey{}, data.SQL)
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	sql, _ := ctx.Value(queryStartKey{}).(string)
	if data.Err != nil {
		logger.Debug("DB query end", "sql", sql, "error", data.Err)
		return
	}
	logger.Debug("DB query end", "sql", sql, "rows", data.CommandTag.RowsAffected())
}
