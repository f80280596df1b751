package state

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/enhen-x/BasisSentry/internal/position"
)

// Memory is an in-process Store for tests and dry runs. Positions are kept as
// JSON payloads so marshalling behaves exactly like the durable stores.
type Memory struct {
	mu        sync.Mutex
	kv        map[string]string
	positions map[string]string
	funding   []FundingRecord
}

func NewMemory() *Memory {
	return &Memory{
		kv:        make(map[string]string),
		positions: make(map[string]string),
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.kv[key]
	return val, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = value
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	return nil
}

func (m *Memory) SavePosition(_ context.Context, pos *position.Position) error {
	payload, err := json.Marshal(pos)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[pos.ID] = string(payload)
	return nil
}

func (m *Memory) Position(_ context.Context, id string) (*position.Position, bool, error) {
	m.mu.Lock()
	payload, ok := m.positions[id]
	m.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	var pos position.Position
	if err := json.Unmarshal([]byte(payload), &pos); err != nil {
		return nil, false, err
	}
	return &pos, true, nil
}

func (m *Memory) OpenPositions(_ context.Context) ([]*position.Position, error) {
	m.mu.Lock()
	payloads := make([]string, 0, len(m.positions))
	for _, payload := range m.positions {
		payloads = append(payloads, payload)
	}
	m.mu.Unlock()

	var out []*position.Position
	for _, payload := range payloads {
		var pos position.Position
		if err := json.Unmarshal([]byte(payload), &pos); err != nil {
			return nil, err
		}
		if pos.Status.Open() {
			out = append(out, &pos)
		}
	}
	return out, nil
}

func (m *Memory) RecordFunding(_ context.Context, rec FundingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funding = append(m.funding, rec)
	return nil
}

func (m *Memory) FundingSince(_ context.Context, since time.Time) ([]FundingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []FundingRecord
	for _, rec := range m.funding {
		if !rec.SettledAt.Before(since) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
