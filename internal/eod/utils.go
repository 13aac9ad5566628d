package eod

import (
	"path/filepath"
	"time"

	"ml-trading-bot/internal/tradelog"
)

func istNow() time.Time {
	return time.Now().In(tradelog.IST)
}

func eodCSVPath(dir string, t time.Time) string {
	dateStr := t.In(tradelog.IST).Format("2006-01-02")
	return filepath.Join(dir, "eod", dateStr+".csv")
}

func cutoffTime(t time.Time, hour, minute int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), hour, minute, 0, 0, t.Location())
}
