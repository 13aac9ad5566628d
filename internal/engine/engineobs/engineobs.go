// Package engineobs traces and logs every decision step.
package engineobs

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"ml-trading-bot/internal/interfaces"
	"ml-trading-bot/internal/logger"
	"ml-trading-bot/internal/trace"
	"ml-trading-bot/internal/types"
)

type observableEngine struct {
	engine interfaces.Engine
}

var _ interfaces.Engine = (*observableEngine)(nil)

func Wrap(eng interfaces.Engine) interfaces.Engine {
	return &observableEngine{engine: eng}
}

func (oe *observableEngine) Step(ctx context.Context, symbol string) (*types.StepResult, error) {
	ctx, span := trace.StartSpan(ctx, "engine.Step")
	defer span.End()
	span.SetAttributes(attribute.String("symbol", symbol))

	start := time.Now()
	result, err := oe.engine.Step(ctx, symbol)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Decision step failed", err,
			"symbol", symbol,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("action", string(result.Signal.Action)),
		attribute.Float64("strength", result.Signal.Strength),
	)
	fields := []any{
		"symbol", symbol,
		"action", result.Signal.Action,
		"strength", result.Signal.Strength,
		"price", result.Price,
		"reason", result.Reason,
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if result.Veto != "" {
		span.SetAttributes(attribute.String("veto", result.Veto))
		fields = append(fields, "veto", result.Veto)
	}
	if result.Intent == nil {
		// Holds and vetoes are the common case every cycle.
		logger.DebugSkip(ctx, 1, "Decision step completed", fields...)
		return result, nil
	}

	span.SetAttributes(attribute.String("intent_id", result.Intent.ID))
	fields = append(fields,
		"intent_id", result.Intent.ID,
		"side", result.Intent.Side,
		"quantity", result.Intent.Quantity,
	)
	logger.InfoSkip(ctx, 1, "Decision step submitted order", fields...)
	return result, nil
}
