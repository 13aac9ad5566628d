package model

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ml-trading-bot/internal/store"
	"ml-trading-bot/internal/types"
)

func TestFromProbability(t *testing.T) {
	ts := time.Now()
	cases := []struct {
		p    float64
		dir  types.Direction
		conf float64
	}{
		{0.8, types.Long, 0.8},
		{0.2, types.Short, 0.8},
		{0.5, types.Flat, 0},
		{1, types.Long, 1},
	}
	for _, c := range cases {
		f, err := FromProbability("TCS", ts, c.p, "v1")
		if err != nil {
			t.Fatalf("p=%v: %v", c.p, err)
		}
		if f.Direction != c.dir || math.Abs(f.DirectionConfidence-c.conf) > 1e-12 {
			t.Errorf("p=%v: got %s/%v want %s/%v", c.p, f.Direction, f.DirectionConfidence, c.dir, c.conf)
		}
		if f.Kind != types.KindClassifier {
			t.Errorf("kind = %s", f.Kind)
		}
	}
	for _, bad := range []float64{math.NaN(), -0.1, 1.1} {
		if _, err := FromProbability("TCS", ts, bad, "v1"); !errors.Is(err, types.ErrInvalidForecast) {
			t.Errorf("p=%v: expected ErrInvalidForecast, got %v", bad, err)
		}
	}
}

func snapshot(vals map[string]float64) types.FeatureSnapshot {
	return types.FeatureSnapshot{Symbol: "TCS", Timestamp: time.Unix(1700000000, 0), Price: 100, Values: vals}
}

func TestLinearClassifierAndRegressor(t *testing.T) {
	clf, err := NewLinear(LinearArtifact{
		Kind: types.KindClassifier, Version: "c1",
		Features: []string{"rsi"}, Weights: map[string]float64{"rsi": 1},
		Means: map[string]float64{"rsi": 50}, Scales: map[string]float64{"rsi": 10},
	})
	if err != nil {
		t.Fatal(err)
	}
	f, err := clf.PredictDirection(context.Background(), snapshot(map[string]float64{"rsi": 50}))
	if err != nil {
		t.Fatal(err)
	}
	if f.Direction != types.Flat {
		t.Errorf("z=0 should be flat, got %s", f.Direction)
	}
	f, _ = clf.PredictDirection(context.Background(), snapshot(map[string]float64{"rsi": 70}))
	want := 1 / (1 + math.Exp(-2))
	if f.Direction != types.Long || math.Abs(f.DirectionConfidence-want) > 1e-12 {
		t.Errorf("got %s/%v want long/%v", f.Direction, f.DirectionConfidence, want)
	}
	if _, err := clf.PredictReturn(context.Background(), snapshot(nil)); err == nil {
		t.Error("classifier should refuse PredictReturn")
	}

	reg, _ := NewLinear(LinearArtifact{
		Kind: types.KindRegressor, Version: "r1", Intercept: 0.001,
		Features: []string{"return_5", "rsi"}, Weights: map[string]float64{"return_5": 0.5},
	})
	r, err := reg.PredictReturn(context.Background(), snapshot(map[string]float64{"return_5": 0.02, "rsi": 40}))
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(r.ExpectedReturn-0.011) > 1e-12 || r.ModelVersion != "r1" {
		t.Errorf("regressor forecast = %+v", r)
	}
	if _, err := reg.PredictReturn(context.Background(), snapshot(map[string]float64{"return_5": 0.02})); !errors.Is(err, types.ErrInvalidForecast) {
		t.Errorf("missing feature should be invalid, got %v", err)
	}
}

func TestLoadLinearFromConfig(t *testing.T) {
	dir := t.TempDir()
	clfPath := filepath.Join(dir, "clf.yaml")
	regPath := filepath.Join(dir, "reg.yaml")
	os.WriteFile(clfPath, []byte("kind: classifier\nversion: c2\nfeatures: [rsi]\nweights: {rsi: 0.1}\n"), 0o644)
	os.WriteFile(regPath, []byte("kind: regressor\nversion: r2\nfeatures: [rsi]\nweights: {rsi: 0.0001}\n"), 0o644)

	clf, reg, closeFn, err := Load(store.ModelConfig{Kind: "LINEAR", ClassifierPath: clfPath, RegressorPath: regPath})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer closeFn()
	snap := snapshot(map[string]float64{"rsi": 30})
	if f, err := clf.PredictDirection(context.Background(), snap); err != nil || f.ModelVersion != "c2" {
		t.Errorf("classifier = %+v, %v", f, err)
	}
	if f, err := reg.PredictReturn(context.Background(), snap); err != nil || math.Abs(f.ExpectedReturn-0.003) > 1e-12 {
		t.Errorf("regressor = %+v, %v", f, err)
	}

	if _, _, _, err := Load(store.ModelConfig{Kind: "LINEAR", ClassifierPath: regPath, RegressorPath: clfPath}); err == nil {
		t.Error("swapped artifacts should fail")
	}
}
