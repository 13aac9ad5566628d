// Package alert routes operator-facing events: submission failures, stale
// orders, anomalous broker updates, ledger write failures and connectivity
// loss.
package alert

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"

	"ml-trading-bot/internal/logger"
)

type Severity string

const (
	Info     Severity = "info"
	Warning  Severity = "warning"
	Critical Severity = "critical"
)

const (
	KindSubmissionFailed   = "submission_failed"
	KindStaleOrder         = "stale_order"
	KindAnomalousStatus    = "anomalous_status"
	KindLedgerWrite        = "ledger_write_failed"
	KindInterrupted        = "interrupted_intent"
	KindBrokerConnectivity = "broker_connectivity"
	KindStateCorrupt       = "state_corrupt"
)

type Alert struct {
	Time     time.Time      `json:"time"`
	Severity Severity       `json:"severity"`
	Kind     string         `json:"kind"`
	Symbol   string         `json:"symbol,omitempty"`
	IntentID string         `json:"intent_id,omitempty"`
	Message  string         `json:"message"`
	Fields   map[string]any `json:"fields,omitempty"`
}

type Sink interface {
	Alert(ctx context.Context, a Alert) error
}

// LogSink writes alerts through the structured logger.
type LogSink struct{}

func (LogSink) Alert(ctx context.Context, a Alert) error {
	kv := []any{"kind", a.Kind, "severity", a.Severity, "intent_id", a.IntentID}
	for k, v := range a.Fields {
		kv = append(kv, k, v)
	}
	switch a.Severity {
	case Critical:
		logger.Error(ctx, "ALERT: "+a.Message, append(kv, "symbol", a.Symbol)...)
	case Warning:
		logger.Risk(ctx, a.Symbol, a.Kind, append(kv, "message", a.Message)...)
	default:
		logger.Info(ctx, "ALERT: "+a.Message, append(kv, "symbol", a.Symbol)...)
	}
	return nil
}

type multi []Sink

// Fanout delivers to every sink; one failing sink does not stop the others.
func Fanout(sinks ...Sink) Sink {
	return multi(sinks)
}

func (m multi) Alert(ctx context.Context, a Alert) error {
	if a.Time.IsZero() {
		a.Time = time.Now()
	}
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Alert(ctx, a))
	}
	return err
}

// Memory keeps alerts in memory; used by tests and the status endpoint.
type Memory struct {
	mu     sync.Mutex
	alerts []Alert
}

func (m *Memory) Alert(_ context.Context, a Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
	return nil
}

func (m *Memory) All() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.alerts...)
}

func (m *Memory) Count(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.alerts {
		if a.Kind == kind {
			n++
		}
	}
	return n
}
