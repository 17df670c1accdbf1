package history

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is the ephemeral, in-process Store used only by tests, matching the
// teacher's pattern of a fresh in-memory backend per test (see risk.NewInMemory).
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

func (m *Memory) Add(ctx context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.Status == StatusOpen {
		for _, existing := range m.records {
			if existing.Status == StatusOpen && existing.UserID == r.UserID &&
				existing.StrategyName == r.StrategyName && existing.Instrument == r.Instrument {
				return fmt.Errorf("history: open record already exists for user=%s strategy=%s instrument=%s",
					r.UserID, r.StrategyName, r.Instrument)
			}
		}
	}
	m.records[r.ID] = r
	return nil
}

func (m *Memory) Update(ctx context.Context, id string, p Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return fmt.Errorf("history: record %s not found", id)
	}
	applyPatch(&r, p)
	m.records[id] = r
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *Memory) Query(ctx context.Context, q Query) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, r := range m.records {
		if matches(r, q) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.After(out[j].EntryTime) })
	if q.Offset > 0 && q.Offset < len(out) {
		out = out[q.Offset:]
	} else if q.Offset >= len(out) {
		out = nil
	}
	if q.Limit > 0 && q.Limit < len(out) {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Memory) Stats(ctx context.Context, q Query) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []Record
	for _, r := range m.records {
		if matches(r, q) {
			matched = append(matched, r)
		}
	}
	return computeStats(matched), nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *Memory) Close() error { return nil }

func matches(r Record, q Query) bool {
	if q.UserID != "" && r.UserID != q.UserID {
		return false
	}
	if q.Strategy != "" && r.StrategyName != q.Strategy {
		return false
	}
	if q.Instrument != "" && r.Instrument != q.Instrument {
		return false
	}
	if q.Status != "" && r.Status != q.Status {
		return false
	}
	if !q.From.IsZero() && r.EntryTime.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && r.EntryTime.After(q.To) {
		return false
	}
	return true
}

func applyPatch(r *Record, p Patch) {
	if p.ExitPrice != nil {
		r.ExitPrice = p.ExitPrice
	}
	if p.ExitTime != nil {
		r.ExitTime = p.ExitTime
	}
	if p.ExitReason != nil {
		r.ExitReason = *p.ExitReason
	}
	if p.PnL != nil {
		r.PnL = p.PnL
	}
	if p.PnLPercent != nil {
		r.PnLPercent = p.PnLPercent
	}
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.SLOrderID != nil {
		r.SLOrderID = *p.SLOrderID
	}
	if p.TPOrderID != nil {
		r.TPOrderID = *p.TPOrderID
	}
}
