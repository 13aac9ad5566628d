package model

import (
	"context"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"ml-trading-bot/internal/interfaces"
	"ml-trading-bot/internal/types"
)

// LinearArtifact is a logistic or linear model exported to YAML. Inputs are
// standardized as (x - mean) / scale when a scale is given.
type LinearArtifact struct {
	Kind      types.ForecastKind `yaml:"kind"`
	Version   string             `yaml:"version"`
	Intercept float64            `yaml:"intercept"`
	Features  []string           `yaml:"features"`
	Weights   map[string]float64 `yaml:"weights"`
	Means     map[string]float64 `yaml:"means"`
	Scales    map[string]float64 `yaml:"scales"`
}

type Linear struct {
	a LinearArtifact
}

var (
	_ interfaces.Classifier = (*Linear)(nil)
	_ interfaces.Regressor  = (*Linear)(nil)
)

func LoadLinear(path string) (*Linear, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var a LinearArtifact
	if err := yaml.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return NewLinear(a)
}

func NewLinear(a LinearArtifact) (*Linear, error) {
	if a.Kind != types.KindClassifier && a.Kind != types.KindRegressor {
		return nil, fmt.Errorf("linear model kind %q must be classifier or regressor", a.Kind)
	}
	if len(a.Features) == 0 {
		return nil, fmt.Errorf("linear model %s has no features", a.Version)
	}
	for _, f := range a.Features {
		if s, ok := a.Scales[f]; ok && s == 0 {
			return nil, fmt.Errorf("linear model %s: zero scale for %s", a.Version, f)
		}
	}
	return &Linear{a: a}, nil
}

func (l *Linear) Kind() types.ForecastKind { return l.a.Kind }

func (l *Linear) score(snap types.FeatureSnapshot) (float64, error) {
	x := snap.Vector(l.a.Features)
	if err := checkFinite(snap, l.a.Features, x); err != nil {
		return 0, err
	}
	z := l.a.Intercept
	for i, f := range l.a.Features {
		v := x[i] - l.a.Means[f]
		if s, ok := l.a.Scales[f]; ok {
			v /= s
		}
		z += l.a.Weights[f] * v
	}
	return z, nil
}

func (l *Linear) PredictDirection(ctx context.Context, snap types.FeatureSnapshot) (types.ModelForecast, error) {
	if l.a.Kind != types.KindClassifier {
		return types.ModelForecast{}, fmt.Errorf("model %s is a %s", l.a.Version, l.a.Kind)
	}
	z, err := l.score(snap)
	if err != nil {
		return types.ModelForecast{}, err
	}
	return FromProbability(snap.Symbol, snap.Timestamp, 1/(1+math.Exp(-z)), l.a.Version)
}

func (l *Linear) PredictReturn(ctx context.Context, snap types.FeatureSnapshot) (types.ModelForecast, error) {
	if l.a.Kind != types.KindRegressor {
		return types.ModelForecast{}, fmt.Errorf("model %s is a %s", l.a.Version, l.a.Kind)
	}
	z, err := l.score(snap)
	if err != nil {
		return types.ModelForecast{}, err
	}
	return FromReturn(snap.Symbol, snap.Timestamp, z, l.a.Version)
}
