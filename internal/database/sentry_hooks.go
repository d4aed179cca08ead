package database

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
)

type queryTraceKey struct{}

type queryTrace struct {
	span  *sentry.Span
	sql   string
	start time.Time
}

// PostgresSentryTracer opens a db.query span per statement and feeds the
// slow query table.
type PostgresSentryTracer struct {
	slow *SlowQueryLogger
	now  func() time.Time
}

var _ pgx.QueryTracer = (*PostgresSentryTracer)(nil)

func NewPostgresSentryTracer(slow *SlowQueryLogger) *PostgresSentryTracer {
	return &PostgresSentryTracer{slow: slow, now: time.Now}
}

func (t *PostgresSentryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	span := sentry.StartSpan(ctx, "db.query", sentry.WithDescription(truncateQuery(normalizeQuery(data.SQL))))
	span.SetData("db.system", "postgresql")
	return context.WithValue(span.Context(), queryTraceKey{}, &queryTrace{span: span, sql: data.SQL, start: t.now()})
}

func (t *PostgresSentryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	trace, ok := ctx.Value(queryTraceKey{}).(*queryTrace)
	if !ok {
		return
	}
	t.slow.Record(trace.sql, t.now().Sub(trace.start))

	if data.Err != nil && !errors.Is(data.Err, pgx.ErrNoRows) {
		trace.span.Status = sentry.SpanStatusInternalError
		trace.span.SetData("error", data.Err.Error())
		if hub := sentry.GetHubFromContext(ctx); hub != nil {
			hub.CaptureException(data.Err)
		}
	} else {
		trace.span.Status = sentry.SpanStatusOK
		trace.span.SetData("db.rows_affected", data.CommandTag.RowsAffected())
	}
	trace.span.Finish()
}

// RedisSentryHook wraps every Redis command in a cache span. redis.Nil is a
// miss, not a failure.
type RedisSentryHook struct{}

var _ redis.Hook = (*RedisSentryHook)(nil)

func (RedisSentryHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			if hub := sentry.GetHubFromContext(ctx); hub != nil {
				hub.CaptureException(err)
			}
		}
		return conn, err
	}
}

func (RedisSentryHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		span := sentry.StartSpan(ctx, "cache", sentry.WithDescription(cmd.Name()))
		span.SetData("db.system", "redis")
		err := next(span.Context(), cmd)
		finishRedisSpan(ctx, span, err)
		return err
	}
}

func (RedisSentryHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		span := sentry.StartSpan(ctx, "cache", sentry.WithDescription("pipeline"))
		span.SetData("db.system", "redis")
		span.SetData("commands", len(cmds))
		err := next(span.Context(), cmds)
		finishRedisSpan(ctx, span, err)
		return err
	}
}

func finishRedisSpan(ctx context.Context, span *sentry.Span, err error) {
	if err != nil && !errors.Is(err, redis.Nil) {
		span.Status = sentry.SpanStatusInternalError
		span.SetData("error", err.Error())
		if hub := sentry.GetHubFromContext(ctx); hub != nil {
			hub.CaptureException(err)
		}
	} else {
		span.Status = sentry.SpanStatusOK
	}
	span.Finish()
}
