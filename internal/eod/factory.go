package eod

import (
	"fmt"
	"time"

	"ml-trading-bot/internal/tradelog"
)

// NewSummarizer builds a summarizer over log that becomes due at the IST
// wall-clock time at ("15:40").
func NewSummarizer(log *tradelog.Log, at string) (IEodSummarizer, error) {
	hm, err := time.Parse("15:04", at)
	if err != nil {
		return nil, fmt.Errorf("eod time %q: %w", at, err)
	}
	return &eodSummarizer{log: log, hour: hm.Hour(), minute: hm.Minute(), now: istNow}, nil
}
