package eod

import (
	"errors"
	"time"
)

// IEodSummarizer writes the per-symbol CSV of one IST day's closed trades.
type IEodSummarizer interface {
	// SummarizeDay returns the CSV path, or "" when the day had no trades.
	SummarizeDay(t time.Time) (csvPath string, err error)
	SummarizeToday() (csvPath string, err error)
	// ShouldRunNow is true once the cutoff has passed and today's CSV is
	// still missing.
	ShouldRunNow() (shouldRun bool, csvPath string)
}

var ErrNoSummarizer = errors.New("eod: no summarizer installed")

var defaultSummarizer IEodSummarizer

// SetDefaultSummarizer installs the summarizer the package-level helpers use,
// usually one wrapped by eodobs.
func SetDefaultSummarizer(summarizer IEodSummarizer) {
	defaultSummarizer = summarizer
}

func SummarizeDay(t time.Time) (string, error) {
	if defaultSummarizer == nil {
		return "", ErrNoSummarizer
	}
	return defaultSummarizer.SummarizeDay(t)
}

func SummarizeToday() (string, error) {
	if defaultSummarizer == nil {
		return "", ErrNoSummarizer
	}
	return defaultSummarizer.SummarizeToday()
}

func ShouldRunNow() (bool, string) {
	if defaultSummarizer == nil {
		return false, ""
	}
	return defaultSummarizer.ShouldRunNow()
}
