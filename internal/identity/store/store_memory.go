package store

import (
	"context"
	"encoding/json"
	"sync"

	"kehilla/internal/identity/models"
	"kehilla/pkg/domain"
	"kehilla/pkg/platform/sentinel"
)

// Memory keeps records in-process. It favors clarity over performance and
// deep-copies on every boundary so callers never alias stored state.
type Memory struct {
	mu        sync.RWMutex
	records   map[domain.IdentityID]*models.IdentityRecord
	byHash    map[string]domain.IdentityID
	byAddress map[domain.Address]domain.IdentityID
	failNext  error
}

func NewMemory() *Memory {
	return &Memory{
		records:   make(map[domain.IdentityID]*models.IdentityRecord),
		byHash:    make(map[string]domain.IdentityID),
		byAddress: make(map[domain.Address]domain.IdentityID),
	}
}

// FailNext makes the next mutation fail with err. Test hook for dependency
// failure paths.
func (m *Memory) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *Memory) Create(_ context.Context, record *models.IdentityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	if _, exists := m.byHash[record.ContactHash]; exists {
		return sentinel.ErrConflict
	}
	if _, exists := m.records[record.ID]; exists {
		return sentinel.ErrConflict
	}
	m.records[record.ID] = clone(record)
	m.byHash[record.ContactHash] = record.ID
	if !record.Address.IsNil() {
		m.byAddress[record.Address] = record.ID
	}
	return nil
}

func (m *Memory) Update(_ context.Context, record *models.IdentityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	if _, exists := m.records[record.ID]; !exists {
		return sentinel.ErrNotFound
	}
	m.records[record.ID] = clone(record)
	if !record.Address.IsNil() {
		m.byAddress[record.Address] = record.ID
	}
	return nil
}

func (m *Memory) FindByID(_ context.Context, id domain.IdentityID) (*models.IdentityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if record, ok := m.records[id]; ok {
		return clone(record), nil
	}
	return nil, sentinel.ErrNotFound
}

func (m *Memory) FindByContactHash(_ context.Context, contactHash string) (*models.IdentityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.byHash[contactHash]; ok {
		return clone(m.records[id]), nil
	}
	return nil, sentinel.ErrNotFound
}

func (m *Memory) FindByAddress(_ context.Context, addr domain.Address) (*models.IdentityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.byAddress[addr]; ok {
		return clone(m.records[id]), nil
	}
	return nil, sentinel.ErrNotFound
}

func (m *Memory) takeFailure() error {
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	return nil
}

func clone(record *models.IdentityRecord) *models.IdentityRecord {
	raw, err := json.Marshal(record)
	if err != nil {
		// Records are plain data; marshal cannot fail for well-formed input.
		panic(err)
	}
	var copied models.IdentityRecord
	if err := json.Unmarshal(raw, &copied); err != nil {
		panic(err)
	}
	return &copied
}
