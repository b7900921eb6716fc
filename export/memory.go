package export

import (
	"sort"
	"sync"

	"github.com/hb9tf/whitespace/sdr"
)

// Memory keeps records in a map. Nothing survives a restart.
type Memory struct {
	mu      sync.RWMutex
	records map[string]sdr.Record
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{records: map[string]sdr.Record{}}
}

func (m *Memory) GetOrCreate(id string) (sdr.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return sdr.Record{}, ErrClosed
	}
	rec, ok := m.records[id]
	if !ok {
		return sdr.Record{Sender: sdr.Sender{Addr: id}}, nil
	}
	return rec.Clone(), nil
}

func (m *Memory) Put(id string, rec sdr.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.records[id] = rec.Clone()
	return nil
}

func (m *Memory) MarkNotAlive(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	rec, ok := m.records[id]
	if !ok {
		return nil
	}
	rec.Alive = false
	m.records[id] = rec
	return nil
}

func (m *Memory) Snapshot() ([]sdr.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]sdr.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.records[id].Clone())
	}
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
