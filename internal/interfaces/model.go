package interfaces

import (
	"context"

	"ml-trading-bot/internal/types"
)

// FeatureSource returns the latest feature snapshot for a symbol.
type FeatureSource interface {
	Latest(ctx context.Context, symbol string) (types.FeatureSnapshot, error)
}

// Classifier predicts direction and confidence from a snapshot.
type Classifier interface {
	PredictDirection(ctx context.Context, snap types.FeatureSnapshot) (types.ModelForecast, error)
}

// Regressor predicts the expected return from a snapshot.
type Regressor interface {
	PredictReturn(ctx context.Context, snap types.FeatureSnapshot) (types.ModelForecast, error)
}
