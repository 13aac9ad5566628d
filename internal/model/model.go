// Package model adapts trained classifier and regressor artifacts to the
// forecast types the fuser consumes.
package model

import (
	"fmt"
	"math"
	"time"

	"ml-trading-bot/internal/types"
)

// FromProbability maps a probability of an up move to a direction forecast.
// Exactly 0.5 carries no directional information and maps to flat.
func FromProbability(symbol string, ts time.Time, p float64, version string) (types.ModelForecast, error) {
	if math.IsNaN(p) || p < 0 || p > 1 {
		return types.ModelForecast{}, fmt.Errorf("%s probability %v: %w", symbol, p, types.ErrInvalidForecast)
	}
	f := types.ModelForecast{
		Kind:         types.KindClassifier,
		Symbol:       symbol,
		Timestamp:    ts,
		ModelVersion: version,
		Direction:    types.Flat,
	}
	switch {
	case p > 0.5:
		f.Direction, f.DirectionConfidence = types.Long, p
	case p < 0.5:
		f.Direction, f.DirectionConfidence = types.Short, 1-p
	}
	return f, nil
}

func FromReturn(symbol string, ts time.Time, r float64, version string) (types.ModelForecast, error) {
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return types.ModelForecast{}, fmt.Errorf("%s expected return %v: %w", symbol, r, types.ErrInvalidForecast)
	}
	return types.ModelForecast{
		Kind:           types.KindRegressor,
		Symbol:         symbol,
		Timestamp:      ts,
		ExpectedReturn: r,
		ModelVersion:   version,
	}, nil
}

func checkFinite(snap types.FeatureSnapshot, names []string, x []float64) error {
	for i, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s feature %s undefined at %s: %w",
				snap.Symbol, names[i], snap.Timestamp.Format(time.RFC3339), types.ErrInvalidForecast)
		}
	}
	return nil
}
