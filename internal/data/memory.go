package data

import (
	"context"
	"sort"
	"sync"
	"time"

	"fusion-trader/internal/model"
)

// MemoryNews is an in-memory NewsSource for paper runs and tests.
type MemoryNews struct {
	mu    sync.RWMutex
	items map[string][]model.NewsItem
	err   error
}

func NewMemoryNews() *MemoryNews {
	return &MemoryNews{items: make(map[string][]model.NewsItem)}
}

// Add stores items under their Symbol.
func (m *MemoryNews) Add(items ...model.NewsItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		m.items[it.Symbol] = append(m.items[it.Symbol], it)
	}
}

// SetError makes every GetItems call fail with err until cleared with nil.
func (m *MemoryNews) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// GetItems returns items for symbol published at or after since, newest first.
func (m *MemoryNews) GetItems(ctx context.Context, symbol string, since time.Time) ([]model.NewsItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []model.NewsItem
	for _, it := range m.items[symbol] {
		if !it.PublishedAt.Before(since) {
			out = append(out, it)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PublishedAt.After(out[j].PublishedAt) })
	return out, nil
}
