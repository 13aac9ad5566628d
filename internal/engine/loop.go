package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"ml-trading-bot/internal/alert"
	"ml-trading-bot/internal/interfaces"
	"ml-trading-bot/internal/logger"
	"ml-trading-bot/internal/types"
)

// Cycle steps every symbol, then reconciles in-flight orders and pending
// ledger writes. A failing symbol does not stop the others; their errors are
// combined. After max_reconnect_attempts consecutive cycles without the
// broker the returned error wraps types.ErrBrokerConnectivity.
func (e *Engine) Cycle(ctx context.Context) error {
	start := time.Now()
	defer func() { e.obs.CycleDuration(time.Since(start)) }()

	var errs error
	for _, sym := range e.symbols {
		if ctx.Err() != nil {
			return multierr.Append(errs, ctx.Err())
		}
		if _, err := e.stepper.Step(ctx, sym); err != nil {
			e.obs.StepError(sym)
			errs = multierr.Append(errs, fmt.Errorf("step %s: %w", sym, err))
		}
	}
	errs = multierr.Append(errs, e.orders.Reconcile(ctx))

	if err := e.checkBroker(ctx, errs); err != nil {
		errs = multierr.Append(errs, err)
	}

	e.obs.OpenPositions(len(e.orders.Positions()))
	if e.ledger != nil {
		e.obs.Performance(e.ledger.Summary())
	}
	return errs
}

// checkBroker probes the account and counts consecutive cycles in which the
// broker was unreachable.
func (e *Engine) checkBroker(ctx context.Context, cycleErr error) error {
	info, err := e.broker.Account(ctx)
	if err == nil && e.syncAccount {
		e.book.Sync(info)
	}
	down := errors.Is(err, types.ErrBrokerUnavailable) || errors.Is(cycleErr, types.ErrBrokerUnavailable)
	if !down {
		if e.brokerFailures > 0 {
			logger.Info(ctx, "Broker reachable again", "failed_cycles", e.brokerFailures)
		}
		e.brokerFailures = 0
		return nil
	}

	e.brokerFailures++
	logger.Warn(ctx, "Broker unreachable", "consecutive", e.brokerFailures, "max", e.maxReconnect, "error", err)
	if e.brokerFailures < e.maxReconnect {
		return nil
	}
	msg := fmt.Sprintf("broker unreachable for %d consecutive cycles", e.brokerFailures)
	_ = e.alerts.Alert(ctx, alert.Alert{
		Time:     e.now(),
		Severity: alert.Critical,
		Kind:     alert.KindBrokerConnectivity,
		Message:  msg,
	})
	return fmt.Errorf("%s: %w", msg, types.ErrBrokerConnectivity)
}

// fatal reports errors that must stop the loop.
func fatal(err error) bool {
	return errors.Is(err, types.ErrBrokerConnectivity) || errors.Is(err, types.ErrStateCorrupt)
}

// Run cycles every poll interval until ctx is done, consuming pushed order
// updates in between and writing the end-of-day summary once per day. It
// returns nil on a clean shutdown.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	if s, ok := e.broker.(interfaces.StatusStream); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.consume(ctx, s.Updates())
		}()
	}

	tick := time.NewTicker(e.interval)
	defer tick.Stop()
	eodTick := time.NewTicker(time.Minute)
	defer eodTick.Stop()

	logger.Info(ctx, "Engine started", "symbols", len(e.symbols), "interval", e.interval.String())
loop:
	for {
		if err := e.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			if fatal(err) {
				logger.ErrorWithErr(ctx, "Engine stopping", err)
				return err
			}
			logger.Warn(ctx, "Cycle completed with errors", "error", err)
		}

	wait:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-tick.C:
				break wait
			case <-eodTick.C:
				e.maybeEOD(ctx)
			}
		}
	}

	logger.Info(ctx, "Shutting down engine")
	e.writeEOD(context.WithoutCancel(ctx))
	return nil
}

// consume applies pushed order updates until ctx is done or the stream
// closes. Updates for orders not yet registered are held by the manager.
func (e *Engine) consume(ctx context.Context, updates <-chan types.OrderStatus) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-updates:
			if !ok {
				return
			}
			err := e.orders.ApplyStatus(ctx, s)
			switch {
			case err == nil:
			case errors.Is(err, types.ErrUnknownOrder):
				logger.Debug(ctx, "Status for unregistered order held", "broker_order_id", s.BrokerOrderID, "kind", s.Kind)
			default:
				logger.Warn(ctx, "Order update not applied", "broker_order_id", s.BrokerOrderID, "kind", s.Kind, "error", err)
			}
		}
	}
}

func (e *Engine) maybeEOD(ctx context.Context) {
	if e.eod == nil {
		return
	}
	if ok, _ := e.eod.ShouldRunNow(); !ok || e.lastEOD == dayKey(e.now()) {
		return
	}
	e.writeEOD(ctx)
}

// writeEOD writes today's summary and compresses trade logs past retention.
func (e *Engine) writeEOD(ctx context.Context) {
	if e.eod != nil {
		if p, err := e.eod.SummarizeToday(); err != nil {
			logger.ErrorWithErr(ctx, "EOD summary failed", err)
		} else {
			e.lastEOD = dayKey(e.now())
			if p != "" {
				logger.Info(ctx, "EOD CSV written", "path", p)
			}
		}
	}
	if e.tlog != nil && e.retentionDays > 0 {
		if err := e.tlog.CompressOlder(e.retentionDays); err != nil {
			logger.Warn(ctx, "Failed to compress old trade logs", "error", err)
		}
	}
}
