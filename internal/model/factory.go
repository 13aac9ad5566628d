package model

import (
	"fmt"

	"ml-trading-bot/internal/features"
	"ml-trading-bot/internal/interfaces"
	"ml-trading-bot/internal/store"
	"ml-trading-bot/internal/types"
)

// Load builds the classifier and regressor named by the config. The returned
// close func releases native resources and is never nil.
func Load(cfg store.ModelConfig) (interfaces.Classifier, interfaces.Regressor, func(), error) {
	switch cfg.Kind {
	case "ONNX":
		if err := InitializeORT(cfg.RuntimeLib); err != nil {
			return nil, nil, func() {}, fmt.Errorf("onnxruntime: %w", err)
		}
		names := cfg.Features
		if len(names) == 0 {
			names = features.Names()
		}
		clf, err := NewONNX(types.KindClassifier, cfg.ClassifierPath, cfg.Version, names)
		if err != nil {
			return nil, nil, func() {}, err
		}
		reg, err := NewONNX(types.KindRegressor, cfg.RegressorPath, cfg.Version, names)
		if err != nil {
			clf.Close()
			return nil, nil, func() {}, err
		}
		return clf, reg, func() { clf.Close(); reg.Close() }, nil
	default:
		clf, err := LoadLinear(cfg.ClassifierPath)
		if err != nil {
			return nil, nil, func() {}, fmt.Errorf("classifier: %w", err)
		}
		reg, err := LoadLinear(cfg.RegressorPath)
		if err != nil {
			return nil, nil, func() {}, fmt.Errorf("regressor: %w", err)
		}
		if clf.Kind() != types.KindClassifier || reg.Kind() != types.KindRegressor {
			return nil, nil, func() {}, fmt.Errorf("classifier_path holds a %s and regressor_path a %s", clf.Kind(), reg.Kind())
		}
		return clf, reg, func() {}, nil
	}
}
