// Package journal is the durable record of order and position state. Every
// transition is appended and synced before the caller acts on it, so a
// restart can rebuild in-flight state without re-submitting anything.
package journal

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"ml-trading-bot/internal/account"
	"ml-trading-bot/internal/types"
)

const (
	ordersFile  = "orders.jsonl"
	accountFile = "account.json"
)

// Record is one journal line. Positions and Recorded in the same record are
// applied together on replay.
type Record struct {
	Time      time.Time          `json:"time"`
	Event     string             `json:"event"`
	Intent    *types.OrderIntent `json:"intent,omitempty"`
	Order     *types.Order       `json:"order,omitempty"`
	Positions []types.Position   `json:"positions,omitempty"`
	// Recorded lists closed position ids the ledger has acknowledged.
	Recorded []string `json:"recorded,omitempty"`
}

// State is the result of replaying the journal: the latest snapshot per id.
type State struct {
	Intents   map[string]types.OrderIntent
	Orders    map[string]types.Order
	Positions map[string]types.Position
	Recorded  map[string]bool
}

func newState() *State {
	return &State{
		Intents:   map[string]types.OrderIntent{},
		Orders:    map[string]types.Order{},
		Positions: map[string]types.Position{},
		Recorded:  map[string]bool{},
	}
}

func (s *State) apply(r Record) {
	if r.Intent != nil {
		s.Intents[r.Intent.ID] = *r.Intent
	}
	if r.Order != nil {
		s.Orders[r.Order.IntentID] = *r.Order
	}
	for _, p := range r.Positions {
		s.Positions[p.ID] = p
	}
	for _, id := range r.Recorded {
		s.Recorded[id] = true
	}
}

// OpenPositions are positions without a close, sorted by open time.
func (s *State) OpenPositions() []types.Position {
	var out []types.Position
	for _, p := range s.Positions {
		if p.Open() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// Unrecorded are closed positions the ledger has not acknowledged, in close order.
func (s *State) Unrecorded() []types.Position {
	var out []types.Position
	for id, p := range s.Positions {
		if !p.Open() && !s.Recorded[id] {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.Before(*out[j].ClosedAt) })
	return out
}

type Journal struct {
	dir string
	mu  sync.Mutex
	f   *os.File
}

// Open opens (creating if needed) the journal in dir. A final line torn by a
// crash mid-write is truncated away.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, ordersFile)
	if err := trimTornTail(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Journal{dir: dir, f: f}, nil
}

func trimTornTail(path string) error {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) || len(b) == 0 {
		return nil
	}
	if err != nil {
		return err
	}
	if b[len(b)-1] == '\n' {
		return nil
	}
	return os.Truncate(path, int64(bytes.LastIndexByte(b, '\n')+1))
}

func (j *Journal) Dir() string { return j.dir }

// Append writes r and fsyncs before returning.
func (j *Journal) Append(r Record) error {
	if r.Time.IsZero() {
		r.Time = time.Now()
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("journal append: %w", err)
	}
	if err := j.f.Sync(); err != nil {
		return fmt.Errorf("journal sync: %w", err)
	}
	return nil
}

// Replay reads the whole journal. A line that does not decode is reported
// as types.ErrStateCorrupt with its line number.
func (j *Journal) Replay() (*State, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return replayFile(filepath.Join(j.dir, ordersFile))
}

func replayFile(path string) (*State, error) {
	st := newState()
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("%s line %d: %v: %w", path, line, err, types.ErrStateCorrupt)
		}
		st.apply(r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%s: %v: %w", path, err, types.ErrStateCorrupt)
	}
	return st, nil
}

// Compact rewrites the journal to hold only live state: non-terminal or
// unsettled orders with their intents and every open or unrecorded
// position. The rewrite goes through a temp file and rename.
func (j *Journal) Compact(st *State) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var recs []Record
	now := time.Now()
	ids := make([]string, 0, len(st.Orders))
	for id := range st.Orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		o := st.Orders[id]
		if o.State.Terminal() && o.Settled {
			continue
		}
		rec := Record{Time: now, Event: "compacted", Order: &o}
		if in, ok := st.Intents[id]; ok {
			rec.Intent = &in
		}
		recs = append(recs, rec)
	}
	var live []types.Position
	for id, p := range st.Positions {
		if p.Open() || !st.Recorded[id] {
			live = append(live, p)
		}
	}
	sort.Slice(live, func(a, b int) bool { return live[a].ID < live[b].ID })
	if len(live) > 0 {
		recs = append(recs, Record{Time: now, Event: "compacted", Positions: live})
	}

	path := filepath.Join(j.dir, ordersFile)
	tmp, err := os.CreateTemp(j.dir, ordersFile+".*")
	if err != nil {
		return err
	}
	w := bufio.NewWriter(tmp)
	for _, r := range recs {
		b, err := json.Marshal(r)
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return err
		}
		w.Write(b)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	tmp.Close()
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	j.f.Close()
	j.f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	return err
}

// SaveAccount atomically replaces the account snapshot.
func (j *Journal) SaveAccount(st account.State) error {
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(j.dir, accountFile+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	tmp.Close()
	return os.Rename(tmp.Name(), filepath.Join(j.dir, accountFile))
}

// LoadAccount returns the last saved snapshot, or nil when none exists.
func (j *Journal) LoadAccount() (*account.State, error) {
	b, err := os.ReadFile(filepath.Join(j.dir, accountFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st account.State
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("%s: %v: %w", accountFile, err, types.ErrStateCorrupt)
	}
	return &st, nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}
