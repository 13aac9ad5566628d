// Package metrics exposes the bot's Prometheus metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ml-trading-bot/internal/types"
)

const namespace = "trading_bot"

// Recorder owns the bot's collectors. It satisfies the observer interfaces
// of the engine and the order manager.
type Recorder struct {
	signals     *prometheus.CounterVec
	vetoes      *prometheus.CounterVec
	transitions *prometheus.CounterVec
	anomalies   *prometheus.CounterVec
	stale       *prometheus.CounterVec
	stepErrors  *prometheus.CounterVec
	equity      prometheus.Gauge
	cumReturn   prometheus.Gauge
	drawdown    prometheus.Gauge
	winRate     prometheus.Gauge
	trades      prometheus.Gauge
	openPos     prometheus.Gauge
	cycle       prometheus.Histogram

	reg         prometheus.Registerer
	winRateOnce sync.Once
}

func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		reg: reg,
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signals_total",
			Help: "Fused signals by action",
		}, []string{"action"}),
		vetoes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "risk_vetoes_total",
			Help: "Signals vetoed by the risk gate, by reason",
		}, []string{"reason"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orders", Name: "transitions_total",
			Help: "Order state transitions by target state",
		}, []string{"state"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orders", Name: "anomalous_status_total",
			Help: "Broker status updates rejected as inconsistent",
		}, []string{"symbol"}),
		stale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orders", Name: "stale_total",
			Help: "Orders flagged stale",
		}, []string{"symbol"}),
		stepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "step_errors_total",
			Help: "Per-symbol step failures",
		}, []string{"symbol"}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "equity",
			Help: "Account equity from the performance ledger",
		}),
		cumReturn: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cumulative_return",
			Help: "Compounded return over all closed positions",
		}),
		drawdown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "max_drawdown",
			Help: "Largest peak-to-trough equity decline as a fraction of the peak",
		}),
		winRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "win_rate",
			Help: "Fraction of closed positions with positive P&L, absent until the first close",
		}),
		trades: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "closed_trades",
			Help: "Closed positions in the ledger",
		}),
		openPos: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "open_positions",
			Help: "Open positions",
		}),
		cycle: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "cycle_duration_seconds",
			Help:    "Duration of a full decision cycle",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}
	reg.MustRegister(r.signals, r.vetoes, r.transitions, r.anomalies, r.stale, r.stepErrors,
		r.equity, r.cumReturn, r.drawdown, r.trades, r.openPos, r.cycle)
	return r
}

func (r *Recorder) Signal(a types.Action) { r.signals.WithLabelValues(string(a)).Inc() }
func (r *Recorder) Veto(reason string) { r.vetoes.WithLabelValues(reason).Inc() }
func (r *Recorder) OrderTransition(s types.OrderState) { r.transitions.WithLabelValues(string(s)).Inc() }
func (r *Recorder) Anomaly(symbol string) { r.anomalies.WithLabelValues(symbol).Inc() }
func (r *Recorder) StaleOrder(symbol string) { r.stale.WithLabelValues(symbol).Inc() }
func (r *Recorder) StepError(symbol string) { r.stepErrors.WithLabelValues(symbol).Inc() }
func (r *Recorder) OpenPositions(n int) { r.openPos.Set(float64(n)) }
func (r *Recorder) CycleDuration(d time.Duration) { r.cycle.Observe(d.Seconds()) }

// Performance publishes the ledger summary. The win-rate gauge is registered
// on the first summary that has one.
func (r *Recorder) Performance(s types.Summary) {
	r.equity.Set(s.Equity)
	r.cumReturn.Set(s.CumulativeReturn)
	r.drawdown.Set(s.MaxDrawdown)
	r.trades.Set(float64(s.TradeCount))
	if s.WinRate != nil {
		r.winRateOnce.Do(func() { r.reg.MustRegister(r.winRate) })
		r.winRate.Set(*s.WinRate)
	}
}
