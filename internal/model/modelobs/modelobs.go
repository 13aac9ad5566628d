package modelobs

import (
	"context"

	"ml-trading-bot/internal/interfaces"
	"ml-trading-bot/internal/logger"
	"ml-trading-bot/internal/trace"
	"ml-trading-bot/internal/types"
)

type observableClassifier struct {
	inner interfaces.Classifier
}

type observableRegressor struct {
	inner interfaces.Regressor
}

func WrapClassifier(c interfaces.Classifier) interfaces.Classifier {
	return &observableClassifier{inner: c}
}

func WrapRegressor(r interfaces.Regressor) interfaces.Regressor {
	return &observableRegressor{inner: r}
}

func (o *observableClassifier) PredictDirection(ctx context.Context, snap types.FeatureSnapshot) (types.ModelForecast, error) {
	ctx, span := trace.StartSpan(ctx, "model.PredictDirection")
	defer span.End()

	f, err := o.inner.PredictDirection(ctx, snap)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Classifier prediction failed", err, "symbol", snap.Symbol)
		return f, err
	}
	logger.DebugSkip(ctx, 1, "Classifier prediction",
		"symbol", snap.Symbol,
		"direction", f.Direction,
		"confidence", f.DirectionConfidence,
		"model_version", f.ModelVersion,
	)
	return f, nil
}

func (o *observableRegressor) PredictReturn(ctx context.Context, snap types.FeatureSnapshot) (types.ModelForecast, error) {
	ctx, span := trace.StartSpan(ctx, "model.PredictReturn")
	defer span.End()

	f, err := o.inner.PredictReturn(ctx, snap)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Regressor prediction failed", err, "symbol", snap.Symbol)
		return f, err
	}
	logger.DebugSkip(ctx, 1, "Regressor prediction",
		"symbol", snap.Symbol,
		"expected_return", f.ExpectedReturn,
		"model_version", f.ModelVersion,
	)
	return f, nil
}
