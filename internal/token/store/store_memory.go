package store

import (
	"context"
	"maps"
	"math/big"
	"sort"
	"sync"
	"time"

	"kehilla/internal/token/models"
	"kehilla/pkg/domain"
	"kehilla/pkg/platform/sentinel"
)

type currencyKey struct {
	holder   domain.Address
	currency string
}

// Memory is the in-process store used by tests and single-node development.
type Memory struct {
	mu           sync.RWMutex
	currencies   map[currencyKey]*models.CurrencyToken
	achievements map[domain.Address]*models.AchievementToken
	transactions map[domain.TransactionID]*models.Transaction
	failNext     error
}

func NewMemory() *Memory {
	return &Memory{
		currencies:   make(map[currencyKey]*models.CurrencyToken),
		achievements: make(map[domain.Address]*models.AchievementToken),
		transactions: make(map[domain.TransactionID]*models.Transaction),
	}
}

// FailNext makes the next mutation fail with err. Test hook for dependency
// failure paths.
func (m *Memory) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *Memory) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *Memory) SaveCurrency(_ context.Context, token *models.CurrencyToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.currencies[currencyKey{token.Holder, token.Currency}] = cloneCurrency(token)
	return nil
}

func (m *Memory) FindCurrency(_ context.Context, holder domain.Address, currency string) (*models.CurrencyToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	token, ok := m.currencies[currencyKey{holder, currency}]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneCurrency(token), nil
}

func (m *Memory) SaveAchievement(_ context.Context, token *models.AchievementToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.achievements[token.Holder] = cloneAchievement(token)
	return nil
}

func (m *Memory) FindAchievement(_ context.Context, holder domain.Address) (*models.AchievementToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	token, ok := m.achievements[holder]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneAchievement(token), nil
}

func (m *Memory) Create(_ context.Context, tx *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	if _, exists := m.transactions[tx.ID]; exists {
		return sentinel.ErrConflict
	}
	m.transactions[tx.ID] = cloneTransaction(tx)
	return nil
}

func (m *Memory) Update(_ context.Context, tx *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	if _, exists := m.transactions[tx.ID]; !exists {
		return sentinel.ErrNotFound
	}
	m.transactions[tx.ID] = cloneTransaction(tx)
	return nil
}

func (m *Memory) FindByID(_ context.Context, id domain.TransactionID) (*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.transactions[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneTransaction(tx), nil
}

func (m *Memory) ListPendingBefore(_ context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var pending []*models.Transaction
	for _, tx := range m.transactions {
		if tx.Status == models.TxPending && tx.CreatedAt.Before(cutoff) {
			pending = append(pending, cloneTransaction(tx))
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (m *Memory) ListForAddress(_ context.Context, addr domain.Address, limit int) ([]*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matches []*models.Transaction
	for _, tx := range m.transactions {
		if tx.From == addr || tx.To == addr {
			matches = append(matches, cloneTransaction(tx))
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.After(matches[j].CreatedAt) })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func cloneCurrency(token *models.CurrencyToken) *models.CurrencyToken {
	out := *token
	if token.Amount != nil {
		out.Amount = new(big.Int).Set(token.Amount)
	}
	out.Metadata = maps.Clone(token.Metadata)
	return &out
}

func cloneAchievement(token *models.AchievementToken) *models.AchievementToken {
	out := *token
	out.Achievements = append([]models.Achievement(nil), token.Achievements...)
	out.Metadata = maps.Clone(token.Metadata)
	return &out
}

func cloneTransaction(tx *models.Transaction) *models.Transaction {
	out := *tx
	return &out
}
