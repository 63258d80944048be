package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"jpyescrow/internal/escrow"
)

// Entry is the stored form of an escrow event.
type Entry struct {
	Seq       int64            `json:"seq"`
	Kind      escrow.EventKind `json:"kind"`
	EscrowID  uint64           `json:"escrowId"`
	Maker     string           `json:"maker"`
	Taker     string           `json:"taker,omitempty"`
	Asset     string           `json:"asset,omitempty"`
	Amount    string           `json:"amount,omitempty"`
	JPYAmount int64            `json:"jpyAmount,omitempty"`
	Deadline  *time.Time       `json:"deadline,omitempty"`
	At        time.Time        `json:"at"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	EscrowID uint64
	Maker    common.Address
	Limit    int
}

func (f Filter) match(e Entry) bool {
	if f.EscrowID != 0 && e.EscrowID != f.EscrowID {
		return false
	}
	if f.Maker != (common.Address{}) && common.HexToAddress(e.Maker) != f.Maker {
		return false
	}
	return true
}

// Log is an append-only escrow event history.
type Log interface {
	escrow.Sink
	List(ctx context.Context, f Filter) ([]Entry, error)
}

func entryFrom(ev escrow.Event) Entry {
	e := Entry{
		Kind:      ev.Kind,
		EscrowID:  ev.EscrowID,
		Maker:     ev.Maker.Hex(),
		JPYAmount: ev.JPYAmount,
		At:        ev.At.UTC(),
	}
	if ev.Taker != (common.Address{}) {
		e.Taker = ev.Taker.Hex()
	}
	if ev.Kind == escrow.EventCreated {
		e.Asset = ev.Asset.Hex()
	}
	if ev.Amount != nil {
		e.Amount = ev.Amount.String()
	}
	if !ev.Deadline.IsZero() {
		d := ev.Deadline.UTC()
		e.Deadline = &d
	}
	return e
}

// Event converts the entry back into an escrow event.
func (e Entry) Event() escrow.Event {
	ev := escrow.Event{
		Kind:      e.Kind,
		EscrowID:  e.EscrowID,
		Maker:     common.HexToAddress(e.Maker),
		JPYAmount: e.JPYAmount,
		At:        e.At,
	}
	if e.Taker != "" {
		ev.Taker = common.HexToAddress(e.Taker)
	}
	if e.Asset != "" {
		ev.Asset = common.HexToAddress(e.Asset)
	}
	if e.Amount != "" {
		ev.Amount, _ = new(big.Int).SetString(e.Amount, 10)
	}
	if e.Deadline != nil {
		ev.Deadline = *e.Deadline
	}
	return ev
}

func filter(entries []Entry, f Filter) []Entry {
	out := make([]Entry, 0)
	for _, e := range entries {
		if !f.match(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// MemoryLog is mostly for testing and the local ledger.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (m *MemoryLog) Append(_ context.Context, ev escrow.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := entryFrom(ev)
	e.Seq = int64(len(m.entries) + 1)
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemoryLog) List(_ context.Context, f Filter) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filter(m.entries, f), nil
}

// FileLog keeps the history in a JSON file. Suitable for local dev.
type FileLog struct {
	path    string
	mu      sync.Mutex
	entries []Entry
}

func NewFileLog(path string) (*FileLog, error) {
	fl := &FileLog{path: path}
	if err := fl.load(); err != nil {
		return nil, err
	}
	return fl, nil
}

func (f *FileLog) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, &f.entries)
}

func (f *FileLog) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, blob, 0o600)
}

func (f *FileLog) Append(_ context.Context, ev escrow.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := entryFrom(ev)
	e.Seq = int64(len(f.entries) + 1)
	f.entries = append(f.entries, e)
	if err := f.persist(); err != nil {
		f.entries = f.entries[:len(f.entries)-1]
		return err
	}
	return nil
}

func (f *FileLog) List(_ context.Context, flt Filter) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return filter(f.entries, flt), nil
}
