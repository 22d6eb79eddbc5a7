package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"fusion-trader/internal/model"
)

// ErrDuplicate means a record with the same ID is already stored. Appends are retried after
// transient failures, so callers treat it as success.
var ErrDuplicate = errors.New("ledger: duplicate record")

// Filter narrows a Query. Zero fields match everything.
type Filter struct {
	Symbol string
	From   time.Time // exit time, inclusive
	To     time.Time // exit time, exclusive
	Limit  int
}

func (f Filter) match(r model.ClosedTradeRecord) bool {
	if f.Symbol != "" && r.Symbol != f.Symbol {
		return false
	}
	if !f.From.IsZero() && r.ExitTime.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !r.ExitTime.Before(f.To) {
		return false
	}
	return true
}

// Ledger is the append-only store of closed trades.
type Ledger interface {
	Append(ctx context.Context, rec model.ClosedTradeRecord) error
	// Query returns matching records newest exit first.
	Query(ctx context.Context, f Filter) ([]model.ClosedTradeRecord, error)
}

// MemoryLedger keeps records in process memory.
type MemoryLedger struct {
	mu      sync.RWMutex
	records []model.ClosedTradeRecord
	ids     map[string]struct{}
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{ids: make(map[string]struct{})}
}

func (m *MemoryLedger) Append(ctx context.Context, rec model.ClosedTradeRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ids[rec.ID]; ok {
		return ErrDuplicate
	}
	m.ids[rec.ID] = struct{}{}
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryLedger) Query(ctx context.Context, f Filter) ([]model.ClosedTradeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.ClosedTradeRecord
	for _, r := range m.records {
		if f.match(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExitTime.After(out[j].ExitTime) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Summary is the performance roll-up shown by the ledger command and endpoint.
type Summary struct {
	Trades       int     `json:"trades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"win_rate"`
	TotalPnL     float64 `json:"total_pnl"`
	AveragePnL   float64 `json:"average_pnl"`
	GrossProfit  float64 `json:"gross_profit"`
	GrossLoss    float64 `json:"gross_loss"`    // positive
	ProfitFactor float64 `json:"profit_factor"` // 0 until there is a losing trade
	LargestWin   float64 `json:"largest_win"`
	LargestLoss  float64 `json:"largest_loss"`
}

func Summarize(records []model.ClosedTradeRecord) Summary {
	var s Summary
	for _, r := range records {
		s.Trades++
		s.TotalPnL += r.RealizedPnL
		switch {
		case r.RealizedPnL > 0:
			s.Wins++
			s.GrossProfit += r.RealizedPnL
			if r.RealizedPnL > s.LargestWin {
				s.LargestWin = r.RealizedPnL
			}
		case r.RealizedPnL < 0:
			s.Losses++
			s.GrossLoss -= r.RealizedPnL
			if r.RealizedPnL < s.LargestLoss {
				s.LargestLoss = r.RealizedPnL
			}
		}
	}
	if s.Trades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Trades)
		s.AveragePnL = s.TotalPnL / float64(s.Trades)
	}
	if s.GrossLoss > 0 {
		s.ProfitFactor = s.GrossProfit / s.GrossLoss
	}
	return s
}
