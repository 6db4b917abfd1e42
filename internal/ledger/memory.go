package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/google/uuid"

	"kehilla/pkg/domain"
)

// Memory is an in-process ledger used in development and tests. It models
// the parts of the network the orchestrator depends on: trust lines with
// limits and freezes, issuer payments, member payments, and validated
// transaction lookup.
type Memory struct {
	issuer domain.Address

	mu              sync.Mutex
	lines           map[string]*trustLine
	validated       map[string]bool
	failNext        error
	unconfirmedNext bool
	frozenAddrs     map[domain.Address]bool
	submissionID    int
}

type trustLine struct {
	addr     domain.Address
	currency string
	limit    *big.Int
	balance  *big.Int
	frozen   bool
}

func NewMemory(issuer domain.Address) *Memory {
	return &Memory{
		issuer:      issuer,
		lines:       make(map[string]*trustLine),
		validated:   make(map[string]bool),
		frozenAddrs: make(map[domain.Address]bool),
	}
}

// FailNext makes the next submission fail with err. Test hook.
func (m *Memory) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// UnconfirmedNext makes the next submission return ErrUnconfirmed with a
// reference that validates shortly after. Test hook for the reconciliation
// path.
func (m *Memory) UnconfirmedNext() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unconfirmedNext = true
}

// FreezeAddress marks every trust line of addr frozen. Test hook mirroring
// an issuer-side freeze.
func (m *Memory) FreezeAddress(addr domain.Address, frozen bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frozenAddrs[addr] = frozen
	for _, line := range m.lines {
		if line.addr == addr {
			line.frozen = frozen
		}
	}
}

func (m *Memory) SetupTrustLine(_ context.Context, addr domain.Address, currency string, limit string) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return Receipt{}, err
	}
	parsedLimit, ok := new(big.Int).SetString(limit, 10)
	if !ok || parsedLimit.Sign() < 0 {
		return Receipt{}, fmt.Errorf("invalid trust line limit %q", limit)
	}
	key := lineKey(addr, currency)
	line, exists := m.lines[key]
	if !exists {
		line = &trustLine{
			addr:     addr,
			currency: currency,
			balance:  new(big.Int),
			frozen:   m.frozenAddrs[addr],
		}
		m.lines[key] = line
	}
	// A trust line limit only ever grows here; shrinking below balance is a
	// network-level concern the fake does not model.
	if line.limit == nil || parsedLimit.Cmp(line.limit) > 0 {
		line.limit = parsedLimit
	}
	return m.confirm()
}

func (m *Memory) Issue(_ context.Context, addr domain.Address, currency string, amount string) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return Receipt{}, err
	}
	value, err := parseAmount(amount)
	if err != nil {
		return Receipt{}, err
	}
	line, ok := m.lines[lineKey(addr, currency)]
	if !ok {
		return Receipt{}, fmt.Errorf("no trust line for %s/%s", addr, currency)
	}
	next := new(big.Int).Add(line.balance, value)
	if line.limit != nil && next.Cmp(line.limit) > 0 {
		return Receipt{}, fmt.Errorf("issuance exceeds trust line limit for %s/%s", addr, currency)
	}
	line.balance = next
	return m.confirm()
}

func (m *Memory) Transfer(_ context.Context, from, to domain.Address, currency string, amount string) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return Receipt{}, err
	}
	value, err := parseAmount(amount)
	if err != nil {
		return Receipt{}, err
	}
	src, ok := m.lines[lineKey(from, currency)]
	if !ok || src.balance.Cmp(value) < 0 {
		return Receipt{}, fmt.Errorf("insufficient funds for %s/%s", from, currency)
	}
	if src.frozen {
		return Receipt{}, fmt.Errorf("trust line frozen for %s/%s", from, currency)
	}
	dst, ok := m.lines[lineKey(to, currency)]
	if !ok {
		return Receipt{}, fmt.Errorf("no trust line for %s/%s", to, currency)
	}
	next := new(big.Int).Add(dst.balance, value)
	if dst.limit != nil && next.Cmp(dst.limit) > 0 {
		return Receipt{}, fmt.Errorf("transfer exceeds trust line limit for %s/%s", to, currency)
	}
	src.balance = new(big.Int).Sub(src.balance, value)
	dst.balance = next
	return m.confirm()
}

func (m *Memory) Balances(_ context.Context, addr domain.Address) ([]BalanceLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BalanceLine
	for _, line := range m.lines {
		if line.addr != addr {
			continue
		}
		out = append(out, BalanceLine{
			Currency: line.currency,
			Value:    line.balance.String(),
			Frozen:   line.frozen,
		})
	}
	return out, nil
}

func (m *Memory) FindTransaction(_ context.Context, reference string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validated[reference], nil
}

func (m *Memory) takeFailure() error {
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	return nil
}

func (m *Memory) confirm() (Receipt, error) {
	m.submissionID++
	ref := uuid.NewString()
	m.validated[ref] = true
	if m.unconfirmedNext {
		m.unconfirmedNext = false
		return Receipt{Reference: ref}, ErrUnconfirmed
	}
	return Receipt{Reference: ref}, nil
}

func parseAmount(amount string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(amount, 10)
	if !ok || value.Sign() <= 0 {
		return nil, fmt.Errorf("invalid amount %q", amount)
	}
	return value, nil
}

func lineKey(addr domain.Address, currency string) string {
	return addr.String() + "/" + currency
}
