// Package tradelog keeps the append-only daily trade log: one JSON line per
// closed position, in a file per IST trading day.
package tradelog

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

var IST = time.FixedZone("IST", 19800)

const (
	dayLayout  = "2006-01-02"
	timeLayout = "2006-01-02 15:04:05"
	ext        = ".txt"
)

type Entry struct {
	Time        string    `json:"time"`
	PositionID  string    `json:"position_id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Qty         float64   `json:"qty"`
	EntryPrice  float64   `json:"entry_price"`
	ExitPrice   float64   `json:"exit_price"`
	PnL         float64   `json:"pnl"`
	ReturnPct   float64   `json:"return_pct"`
	EquityAfter float64   `json:"equity_after"`
	Reason      string    `json:"reason,omitempty"`
	OpenedAt    time.Time `json:"opened_at"`
	ClosedAt    time.Time `json:"closed_at"`
}

// Dir is the log directory: $TRADER_LOG_DIR or ./logs.
func Dir() string {
	if v := os.Getenv("TRADER_LOG_DIR"); v != "" {
		return v
	}
	return "logs"
}

type Log struct {
	dir string
	mu  sync.Mutex
}

func New(dir string) *Log {
	if dir == "" {
		dir = Dir()
	}
	return &Log{dir: dir}
}

func (l *Log) Dir() string { return l.dir }

// DayFile is the log file for the IST day containing t.
func (l *Log) DayFile(t time.Time) string {
	return filepath.Join(l.dir, t.In(IST).Format(dayLayout)+ext)
}

// Append writes e to the file of the day it closed on and syncs it.
func (l *Log) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.Time == "" {
		e.Time = e.ClosedAt.In(IST).Format(timeLayout)
	}
	p := l.DayFile(e.ClosedAt)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(f, string(b)); err != nil {
		return err
	}
	return f.Sync()
}

// ReadDay returns the entries logged for the IST day containing t, from the
// compressed file and the plain one when both exist.
func (l *Log) ReadDay(t time.Time) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.DayFile(t)
	var files []string
	for _, f := range []string{p + ".gz", p} {
		if _, err := os.Stat(f); err == nil {
			files = append(files, f)
		}
	}
	return readFiles(files)
}

// ReadAll returns every entry in the log, oldest day first.
func (l *Log) ReadAll() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	files, err := l.dayFiles()
	if err != nil {
		return nil, err
	}
	return readFiles(files)
}

// readFiles concatenates files in order. A position logged twice, as after
// a compression interrupted before it removed the plain file, is kept once.
func readFiles(files []string) ([]Entry, error) {
	var out []Entry
	seen := map[string]bool{}
	for _, p := range files {
		es, err := readFile(p)
		if err != nil {
			return nil, err
		}
		for _, e := range es {
			if e.PositionID != "" {
				if seen[e.PositionID] {
					continue
				}
				seen[e.PositionID] = true
			}
			out = append(out, e)
		}
	}
	return out, nil
}

// dayFiles lists the files of every day, the .gz before the plain file.
// A day has both when a close was appended after the day was compressed.
func (l *Log) dayFiles() ([]string, error) {
	des, err := os.ReadDir(l.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	byDay := map[string][]string{}
	for _, d := range des {
		name := d.Name()
		if d.IsDir() {
			continue
		}
		switch {
		case strings.HasSuffix(name, ext):
			day := strings.TrimSuffix(name, ext)
			byDay[day] = append(byDay[day], name)
		case strings.HasSuffix(name, ext+".gz"):
			day := strings.TrimSuffix(name, ext+".gz")
			byDay[day] = append([]string{name}, byDay[day]...)
		}
	}
	days := make([]string, 0, len(byDay))
	for d := range byDay {
		if _, err := time.Parse(dayLayout, d); err == nil {
			days = append(days, d)
		}
	}
	sort.Strings(days)
	var out []string
	for _, d := range days {
		for _, name := range byDay[d] {
			out = append(out, filepath.Join(l.dir, name))
		}
	}
	return out, nil
}

func readFile(p string) ([]Entry, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var r io.Reader = f
	if strings.HasSuffix(p, ".gz") {
		gr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		defer gr.Close()
		r = gr
	}
	var out []Entry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", p, n, err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

// CompressOlder gzips day files last modified more than retentionDays ago.
func (l *Log) CompressOlder(retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	return filepath.WalkDir(l.dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || filepath.Ext(p) != ext {
			return nil
		}
		info, er := d.Info()
		if er != nil || !info.ModTime().Before(cutoff) {
			return nil
		}
		return compress(p, p+".gz")
	})
}

// compress moves src into dst. An existing dst gets src appended as another
// gzip member; readers see the members as one stream.
func compress(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return nil
	}
	defer in.Close()
	var size int64
	if fi, err := os.Stat(dst); err == nil {
		size = fi.Size()
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil
	}
	gw := gzip.NewWriter(out)
	_, cerr := io.Copy(gw, in)
	gerr := gw.Close()
	ferr := out.Close()
	if cerr != nil || gerr != nil || ferr != nil {
		_ = os.Truncate(dst, size)
		if size == 0 {
			_ = os.Remove(dst)
		}
		return nil
	}
	return os.Remove(src)
}
