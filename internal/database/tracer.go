package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

type queryStartKey struct{}

type queryStart struct {
	sql   string
	start time.Time
}

// queryLogger logs failed queries and queries slower than slow.
type queryLogger struct {
	log  *zerolog.Logger
	slow time.Duration
}

func newQueryLogger(log *zerolog.Logger, slow time.Duration) *queryLogger {
	return &queryLogger{log: log, slow: slow}
}

func (q *queryLogger) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryStartKey{}, queryStart{sql: data.SQL, start: time.Now()})
}

func (q *queryLogger) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	qs, ok := ctx.Value(queryStartKey{}).(queryStart)
	if !ok {
		return
	}
	elapsed := time.Since(qs.start)

	switch {
	case data.Err != nil && data.Err != pgx.ErrNoRows:
		q.log.Error().Err(data.Err).Str("sql", qs.sql).Dur("elapsed", elapsed).Msg("query failed")
	case elapsed > q.slow:
		q.log.Warn().Str("sql", qs.sql).Dur("elapsed", elapsed).Msg("slow query")
	default:
		q.log.Trace().Str("sql", qs.sql).Dur("elapsed", elapsed).Str("tag", data.CommandTag.String()).Msg("query")
	}
}
