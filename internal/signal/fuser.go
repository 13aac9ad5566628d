// Package signal fuses a direction forecast and a return forecast into one
// trading signal.
package signal

import (
	"fmt"
	"math"
	"time"

	"ml-trading-bot/internal/store"
	"ml-trading-bot/internal/types"
)

type Config struct {
	ConfidenceThreshold      float64
	MinReturnThreshold       float64
	ShortConfidenceThreshold float64
	ShortMinReturnThreshold  float64
	ExitConfidenceThreshold  float64
	ReturnNormalizer         float64
	// FreshnessWindow of zero disables the staleness check.
	FreshnessWindow time.Duration
}

func ConfigFrom(c store.SignalConfig) Config {
	shortConf, shortRet := c.ShortThresholds()
	return Config{
		ConfidenceThreshold:      c.ConfidenceThreshold,
		MinReturnThreshold:       c.MinReturnThreshold,
		ShortConfidenceThreshold: shortConf,
		ShortMinReturnThreshold:  shortRet,
		ExitConfidenceThreshold:  c.ExitConfidenceThreshold,
		ReturnNormalizer:         c.ReturnNormalizer,
		FreshnessWindow:          c.FreshnessWindow,
	}
}

// Fuser is stateless apart from its clock: the same forecasts and holding
// always give the same signal.
type Fuser struct {
	cfg Config
	now func() time.Time
}

func New(cfg Config, now func() time.Time) *Fuser {
	if now == nil {
		now = time.Now
	}
	return &Fuser{cfg: cfg, now: now}
}

// Fuse combines the forecasts for one bar. held is the direction of the
// symbol's open position, flat when none.
func (f *Fuser) Fuse(clf, reg types.ModelForecast, held types.Holding) (types.Signal, error) {
	if err := f.check(clf, reg); err != nil {
		return types.Signal{}, err
	}

	sig := types.Signal{
		Symbol:         clf.Symbol,
		Timestamp:      clf.Timestamp,
		Action:         types.Hold,
		ExpectedReturn: reg.ExpectedReturn,
	}
	conf := clf.DirectionConfidence
	er := reg.ExpectedReturn

	if held.Direction == types.Long || held.Direction == types.Short {
		switch {
		case clf.Direction == held.Direction.Opposite():
			sig.Action, sig.Strength = types.Exit, 1
			sig.Reason = fmt.Sprintf("forecast %s opposes %s position", clf.Direction, held.Direction)
		case conf < f.cfg.ExitConfidenceThreshold:
			sig.Action, sig.Strength = types.Exit, 1
			sig.Reason = fmt.Sprintf("confidence %.3f below exit threshold %.3f", conf, f.cfg.ExitConfidenceThreshold)
		default:
			sig.Reason = "position agrees with forecast"
		}
		return sig, nil
	}

	strength := f.strength(conf, er)
	switch {
	case clf.Direction == types.Long && conf >= f.cfg.ConfidenceThreshold && er >= f.cfg.MinReturnThreshold:
		sig.Action = types.EnterLong
	case clf.Direction == types.Short && conf >= f.cfg.ShortConfidenceThreshold && er <= -f.cfg.ShortMinReturnThreshold:
		sig.Action = types.EnterShort
	default:
		sig.Reason = "thresholds not met"
		return sig, nil
	}
	if strength == 0 {
		sig.Action = types.Hold
		sig.Reason = "zero strength"
		return sig, nil
	}
	sig.Strength = strength
	sig.Reason = fmt.Sprintf("%s confidence %.3f expected return %.4f", clf.Direction, conf, er)
	return sig, nil
}

func (f *Fuser) strength(conf, er float64) float64 {
	s := conf
	if f.cfg.ReturnNormalizer > 0 {
		s *= math.Min(1, math.Abs(er)/f.cfg.ReturnNormalizer)
	}
	return math.Max(0, math.Min(1, s))
}

func (f *Fuser) check(clf, reg types.ModelForecast) error {
	if clf.Kind != types.KindClassifier || reg.Kind != types.KindRegressor {
		return fmt.Errorf("got %s and %s forecasts: %w", clf.Kind, reg.Kind, types.ErrInvalidForecast)
	}
	if clf.Symbol != reg.Symbol || !clf.Timestamp.Equal(reg.Timestamp) {
		return fmt.Errorf("classifier %s@%s vs regressor %s@%s: %w",
			clf.Symbol, clf.Timestamp.Format(time.RFC3339), reg.Symbol, reg.Timestamp.Format(time.RFC3339),
			types.ErrForecastMismatch)
	}
	c := clf.DirectionConfidence
	if math.IsNaN(c) || c < 0 || c > 1 {
		return fmt.Errorf("%s confidence %v: %w", clf.Symbol, c, types.ErrInvalidForecast)
	}
	if math.IsNaN(reg.ExpectedReturn) || math.IsInf(reg.ExpectedReturn, 0) {
		return fmt.Errorf("%s expected return %v: %w", reg.Symbol, reg.ExpectedReturn, types.ErrInvalidForecast)
	}
	switch clf.Direction {
	case types.Long, types.Short, types.Flat:
	default:
		return fmt.Errorf("%s direction %q: %w", clf.Symbol, clf.Direction, types.ErrInvalidForecast)
	}
	if w := f.cfg.FreshnessWindow; w > 0 {
		if age := f.now().Sub(clf.Timestamp); age > w {
			return fmt.Errorf("%s forecast is %s old (window %s): %w", clf.Symbol, age.Round(time.Second), w, types.ErrStaleForecast)
		}
	}
	return nil
}
