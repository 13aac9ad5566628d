package types

import "errors"

var (
	ErrForecastMismatch   = errors.New("forecast mismatch")
	ErrStaleForecast      = errors.New("stale forecast")
	ErrInvalidForecast    = errors.New("invalid forecast")
	ErrSubmissionFailed   = errors.New("submission failed")
	ErrAnomalousStatus    = errors.New("anomalous status update")
	ErrAlreadyTerminal    = errors.New("already terminal")
	ErrUnknownOrder       = errors.New("unknown order")
	ErrBrokerUnavailable  = errors.New("broker unavailable")
	ErrBrokerConnectivity = errors.New("broker connectivity lost")
	ErrStateCorrupt       = errors.New("state corrupt")
	ErrLedgerWrite        = errors.New("ledger write failed")
	ErrNoData             = errors.New("no market data")
	ErrOrderInFlight      = errors.New("order already in flight")
)
