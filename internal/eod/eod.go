package eod

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"ml-trading-bot/internal/tradelog"
)

type eodSummarizer struct {
	log          *tradelog.Log
	hour, minute int
	now          func() time.Time
}

func (s *eodSummarizer) SummarizeDay(t time.Time) (string, error) {
	entries, err := s.log.ReadDay(t)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}
	aggs := map[string]*aggRow{}
	for _, e := range entries {
		row := aggs[e.Symbol]
		if row == nil {
			row = &aggRow{Symbol: e.Symbol}
			aggs[e.Symbol] = row
		}
		row.Trades++
		if e.PnL > 0 {
			row.Wins++
		}
		if e.Qty < 0 {
			row.Qty -= e.Qty
		} else {
			row.Qty += e.Qty
		}
		row.RealizedPnL += e.PnL
		row.ReturnSum += e.ReturnPct
	}
	keys := make([]string, 0, len(aggs))
	for k := range aggs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	outPath := eodCSVPath(s.log.Dir(), t)
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", err
	}
	out, err := os.Create(outPath)
	if err != nil {
		return "", err
	}
	defer out.Close()
	w := csv.NewWriter(out)
	headers := []string{"symbol", "trades", "wins", "win_rate", "quantity", "realized_pnl", "avg_return"}
	if err := w.Write(headers); err != nil {
		return "", err
	}
	var total aggRow
	for _, k := range keys {
		r := aggs[k]
		if err := w.Write(csvRow(r.Symbol, r)); err != nil {
			return "", err
		}
		total.Trades += r.Trades
		total.Wins += r.Wins
		total.Qty += r.Qty
		total.RealizedPnL += r.RealizedPnL
		total.ReturnSum += r.ReturnSum
	}
	if err := w.Write(csvRow("TOTAL", &total)); err != nil {
		return "", err
	}
	w.Flush()
	return outPath, w.Error()
}

func csvRow(label string, r *aggRow) []string {
	var winRate, avgRet float64
	if r.Trades > 0 {
		winRate = float64(r.Wins) / float64(r.Trades)
		avgRet = r.ReturnSum / float64(r.Trades)
	}
	return []string{
		label,
		strconv.Itoa(r.Trades),
		strconv.Itoa(r.Wins),
		fmt.Sprintf("%.4f", winRate),
		strconv.FormatFloat(r.Qty, 'f', -1, 64),
		fmt.Sprintf("%.2f", r.RealizedPnL),
		fmt.Sprintf("%.6f", avgRet),
	}
}

func (s *eodSummarizer) SummarizeToday() (string, error) { return s.SummarizeDay(s.now()) }

func (s *eodSummarizer) ShouldRunNow() (bool, string) {
	now := s.now().In(tradelog.IST)
	outPath := eodCSVPath(s.log.Dir(), now)
	if now.After(cutoffTime(now, s.hour, s.minute)) {
		if _, err := os.Stat(outPath); errors.Is(err, os.ErrNotExist) {
			return true, outPath
		}
	}
	return false, outPath
}
