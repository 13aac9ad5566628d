package model

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"ml-trading-bot/internal/interfaces"
	"ml-trading-bot/internal/types"
)

var (
	ortOnce sync.Once
	ortErr  error
)

// InitializeORT loads the onnxruntime shared library once per process.
func InitializeORT(libPath string) error {
	ortOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortErr = ort.InitializeEnvironment()
	})
	return ortErr
}

// ONNX runs a model with a single float input of shape (1, features) and a
// single output of shape (1, 1): the up probability for a classifier, the
// expected return for a regressor.
type ONNX struct {
	kind     types.ForecastKind
	version  string
	features []string

	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

var (
	_ interfaces.Classifier = (*ONNX)(nil)
	_ interfaces.Regressor  = (*ONNX)(nil)
)

func NewONNX(kind types.ForecastKind, modelPath, version string, features []string) (*ONNX, error) {
	if len(features) == 0 {
		return nil, fmt.Errorf("onnx model %s: no features", modelPath)
	}
	input, err := ort.NewTensor(ort.NewShape(1, int64(len(features))), make([]float32, len(features)))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"}, []string{"output"},
		[]ort.Value{input}, []ort.Value{output}, nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("failed to create session for %s: %w", modelPath, err)
	}
	return &ONNX{
		kind:     kind,
		version:  version,
		features: append([]string(nil), features...),
		session:  session,
		input:    input,
		output:   output,
	}, nil
}

func (m *ONNX) run(snap types.FeatureSnapshot) (float64, error) {
	x := snap.Vector(m.features)
	if err := checkFinite(snap, m.features, x); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data := m.input.GetData()
	for i, v := range x {
		data[i] = float32(v)
	}
	if err := m.session.Run(); err != nil {
		return 0, fmt.Errorf("inference failed: %w", err)
	}
	return float64(m.output.GetData()[0]), nil
}

func (m *ONNX) PredictDirection(ctx context.Context, snap types.FeatureSnapshot) (types.ModelForecast, error) {
	if m.kind != types.KindClassifier {
		return types.ModelForecast{}, fmt.Errorf("model %s is a %s", m.version, m.kind)
	}
	p, err := m.run(snap)
	if err != nil {
		return types.ModelForecast{}, err
	}
	return FromProbability(snap.Symbol, snap.Timestamp, p, m.version)
}

func (m *ONNX) PredictReturn(ctx context.Context, snap types.FeatureSnapshot) (types.ModelForecast, error) {
	if m.kind != types.KindRegressor {
		return types.ModelForecast{}, fmt.Errorf("model %s is a %s", m.version, m.kind)
	}
	r, err := m.run(snap)
	if err != nil {
		return types.ModelForecast{}, err
	}
	return FromReturn(snap.Symbol, snap.Timestamp, r, m.version)
}

func (m *ONNX) Close() {
	if m.session != nil {
		m.session.Destroy()
	}
	if m.input != nil {
		m.input.Destroy()
	}
	if m.output != nil {
		m.output.Destroy()
	}
}
