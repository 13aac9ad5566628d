package eod

import (
	"encoding/csv"
	"errors"
	"os"
	"testing"
	"time"

	"ml-trading-bot/internal/tradelog"
)

func writeTrades(t *testing.T, log *tradelog.Log, at time.Time) {
	t.Helper()
	for _, e := range []tradelog.Entry{
		{PositionID: "a", Symbol: "TCS", Qty: 10, PnL: 50, ReturnPct: 0.05, ClosedAt: at},
		{PositionID: "b", Symbol: "TCS", Qty: -5, PnL: -20, ReturnPct: -0.04, ClosedAt: at.Add(time.Minute)},
		{PositionID: "c", Symbol: "INFY", Qty: 4, PnL: 30, ReturnPct: 0.03, ClosedAt: at.Add(2 * time.Minute)},
	} {
		if err := log.Append(e); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSummarizeDay(t *testing.T) {
	log := tradelog.New(t.TempDir())
	day := time.Date(2024, 3, 4, 6, 0, 0, 0, time.UTC)
	writeTrades(t, log, day)

	s, err := NewSummarizer(log, "15:40")
	if err != nil {
		t.Fatal(err)
	}
	path, err := s.SummarizeDay(day)
	if err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 {
		t.Fatalf("rows: %v", rows)
	}
	if got := rows[1]; got[0] != "INFY" || got[1] != "1" || got[5] != "30.00" {
		t.Errorf("INFY row: %v", got)
	}
	if got := rows[2]; got[0] != "TCS" || got[1] != "2" || got[2] != "1" || got[3] != "0.5000" || got[4] != "15" || got[5] != "30.00" {
		t.Errorf("TCS row: %v", got)
	}
	if got := rows[3]; got[0] != "TOTAL" || got[1] != "3" || got[5] != "60.00" {
		t.Errorf("total row: %v", got)
	}
}

func TestSummarizeEmptyDay(t *testing.T) {
	s, err := NewSummarizer(tradelog.New(t.TempDir()), "15:40")
	if err != nil {
		t.Fatal(err)
	}
	path, err := s.SummarizeDay(time.Now())
	if err != nil || path != "" {
		t.Fatalf("path %q err %v", path, err)
	}
}

func TestShouldRunNow(t *testing.T) {
	log := tradelog.New(t.TempDir())
	s := &eodSummarizer{log: log, hour: 15, minute: 40}

	s.now = func() time.Time { return time.Date(2024, 3, 4, 15, 0, 0, 0, tradelog.IST) }
	if run, _ := s.ShouldRunNow(); run {
		t.Fatal("due before cutoff")
	}

	after := time.Date(2024, 3, 4, 15, 45, 0, 0, tradelog.IST)
	s.now = func() time.Time { return after }
	run, path := s.ShouldRunNow()
	if !run {
		t.Fatal("not due after cutoff")
	}

	writeTrades(t, log, after)
	if got, err := s.SummarizeToday(); err != nil || got != path {
		t.Fatalf("SummarizeToday %q %v, want %q", got, err, path)
	}
	if run, _ := s.ShouldRunNow(); run {
		t.Error("due again after summary written")
	}
}

func TestNewSummarizerRejectsBadTime(t *testing.T) {
	if _, err := NewSummarizer(tradelog.New(t.TempDir()), "25:99"); err == nil {
		t.Fatal("expected error")
	}
}

func TestDefaultSummarizer(t *testing.T) {
	SetDefaultSummarizer(nil)
	if _, err := SummarizeToday(); !errors.Is(err, ErrNoSummarizer) {
		t.Fatalf("no summarizer: %v", err)
	}
	if run, _ := ShouldRunNow(); run {
		t.Fatal("due without a summarizer")
	}

	s, err := NewSummarizer(tradelog.New(t.TempDir()), "15:40")
	if err != nil {
		t.Fatal(err)
	}
	SetDefaultSummarizer(s)
	defer SetDefaultSummarizer(nil)
	if path, err := SummarizeDay(time.Now()); err != nil || path != "" {
		t.Errorf("empty day via default: %q %v", path, err)
	}
}
