// Package eodobs wraps an end-of-day summarizer with tracing and logging.
package eodobs

import (
	"context"
	"time"

	"ml-trading-bot/internal/eod"
	"ml-trading-bot/internal/logger"
	"ml-trading-bot/internal/trace"
)

type observableSummarizer struct {
	inner eod.IEodSummarizer
}

var _ eod.IEodSummarizer = (*observableSummarizer)(nil)

func Wrap(summarizer eod.IEodSummarizer) eod.IEodSummarizer {
	return &observableSummarizer{inner: summarizer}
}

func (o *observableSummarizer) SummarizeDay(t time.Time) (string, error) {
	return o.observe("eod.SummarizeDay", t.Format("2006-01-02"), func() (string, error) {
		return o.inner.SummarizeDay(t)
	})
}

func (o *observableSummarizer) SummarizeToday() (string, error) {
	return o.observe("eod.SummarizeToday", "today", o.inner.SummarizeToday)
}

func (o *observableSummarizer) observe(op, date string, fn func() (string, error)) (string, error) {
	ctx, span := trace.StartSpan(context.Background(), op)
	defer span.End()

	start := time.Now()
	csvPath, err := fn()
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 2, "End-of-day summary failed", err, "date", date)
		return "", err
	}
	if csvPath == "" {
		logger.InfoSkip(ctx, 2, "No closed trades to summarize", "date", date)
		return "", nil
	}
	logger.InfoSkip(ctx, 2, "End-of-day summary written",
		"date", date,
		"csv_path", csvPath,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return csvPath, nil
}

func (o *observableSummarizer) ShouldRunNow() (bool, string) {
	ctx, span := trace.StartSpan(context.Background(), "eod.ShouldRunNow")
	defer span.End()

	due, csvPath := o.inner.ShouldRunNow()
	logger.DebugSkip(ctx, 1, "End-of-day check", "due", due, "csv_path", csvPath)
	return due, csvPath
}
