package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opspay/ledgerd/internal/models"
)

// MemoryStore is an in-process Store with the same locking and atomicity
// contract as the postgres implementation: per-account exclusive locks
// acquired in sorted id order, writes staged in the scope and applied only
// on Commit. It backs the engine tests, including the concurrency ones.
type MemoryStore struct {
	mu        sync.Mutex
	accounts  map[string]*memAccount
	transfers map[string]*memTransfer
	audits    []models.AuditEntry
}

type memAccount struct {
	id      string
	mu      sync.Mutex
	balance decimal.Decimal
	created time.Time
	updated time.Time
}

type memTransfer struct {
	mu  sync.Mutex
	rec models.Transfer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*memAccount),
		transfers: make(map[string]*memTransfer),
	}
}

func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	return &memTx{s: s, deltas: make(map[string]decimal.Decimal)}, nil
}

// CreateAccount opens an account with the given balance.
func (s *MemoryStore) CreateAccount(ctx context.Context, initialBalance decimal.Decimal) (*models.Account, error) {
	if initialBalance.IsNegative() {
		return nil, errors.New("initial balance cannot be negative")
	}
	now := time.Now()
	acc := &memAccount{
		id:      uuid.NewString(),
		balance: initialBalance,
		created: now,
		updated: now,
	}
	s.mu.Lock()
	s.accounts[acc.id] = acc
	s.mu.Unlock()
	return &models.Account{ID: acc.id, Balance: initialBalance, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	s.mu.Lock()
	acc, ok := s.accounts[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return &models.Account{ID: acc.id, Balance: acc.balance, CreatedAt: acc.created, UpdatedAt: acc.updated}, nil
}

func (s *MemoryStore) GetTransferByID(ctx context.Context, id string) (*models.Transfer, error) {
	s.mu.Lock()
	t, ok := s.transfers[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	t.mu.Lock()
	rec := t.rec
	t.mu.Unlock()
	return &rec, nil
}

func (s *MemoryStore) ListAuditEntries(ctx context.Context, accountID string) ([]models.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; !ok {
		return nil, ErrNotFound
	}
	var out []models.AuditEntry
	for _, e := range s.audits {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// TotalBalance sums all committed account balances. Test helper for the
// conservation property.
func (s *MemoryStore) TotalBalance() decimal.Decimal {
	s.mu.Lock()
	accounts := make([]*memAccount, 0, len(s.accounts))
	for _, acc := range s.accounts {
		accounts = append(accounts, acc)
	}
	s.mu.Unlock()

	total := decimal.Zero
	for _, acc := range accounts {
		acc.mu.Lock()
		total = total.Add(acc.balance)
		acc.mu.Unlock()
	}
	return total
}

// AuditEntries returns a copy of the whole trail, oldest first.
func (s *MemoryStore) AuditEntries() []models.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AuditEntry, len(s.audits))
	copy(out, s.audits)
	return out
}

type stagedState struct {
	state     models.TransferState
	updatedAt time.Time
}

type memTx struct {
	s              *MemoryStore
	lockedAccounts []*memAccount // sorted by id
	lockedTransfer *memTransfer
	deltas         map[string]decimal.Decimal
	inserts        []models.Transfer
	stateUpdate    *stagedState
	audits         []models.AuditEntry
	done           bool
}

func (t *memTx) LockAccounts(ctx context.Context, ids ...string) (map[string]decimal.Decimal, error) {
	if len(t.lockedAccounts) > 0 {
		return nil, errors.New("accounts already locked in this scope")
	}

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	t.s.mu.Lock()
	var found []*memAccount
	for i, id := range sorted {
		if i > 0 && sorted[i-1] == id {
			continue
		}
		if acc, ok := t.s.accounts[id]; ok {
			found = append(found, acc)
		}
	}
	t.s.mu.Unlock()

	balances := make(map[string]decimal.Decimal, len(found))
	for _, acc := range found {
		acc.mu.Lock()
		t.lockedAccounts = append(t.lockedAccounts, acc)
		balances[acc.id] = acc.balance
	}
	return balances, nil
}

func (t *memTx) AdjustBalance(ctx context.Context, id string, delta decimal.Decimal) error {
	for _, acc := range t.lockedAccounts {
		if acc.id == id {
			t.deltas[id] = t.deltas[id].Add(delta)
			return nil
		}
	}
	return fmt.Errorf("account %s is not locked in this scope", id)
}

func (t *memTx) InsertTransfer(ctx context.Context, tr *models.Transfer) error {
	t.inserts = append(t.inserts, *tr)
	return nil
}

func (t *memTx) GetTransfer(ctx context.Context, id string) (*models.Transfer, error) {
	t.s.mu.Lock()
	tr, ok := t.s.transfers[id]
	t.s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	tr.mu.Lock()
	t.lockedTransfer = tr
	rec := tr.rec
	return &rec, nil
}

func (t *memTx) UpdateTransferState(ctx context.Context, id string, state models.TransferState, updatedAt time.Time) error {
	if t.lockedTransfer == nil || t.lockedTransfer.rec.ID != id {
		return fmt.Errorf("transfer %s is not locked in this scope", id)
	}
	t.stateUpdate = &stagedState{state: state, updatedAt: updatedAt}
	return nil
}

func (t *memTx) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	t.audits = append(t.audits, *entry)
	return nil
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return errors.New("scope already finished")
	}

	// Same guard the database enforces with CHECK (balance >= 0).
	for _, acc := range t.lockedAccounts {
		if acc.balance.Add(t.deltas[acc.id]).IsNegative() {
			t.release()
			return fmt.Errorf("balance of account %s would go negative", acc.id)
		}
	}

	now := time.Now()
	for _, acc := range t.lockedAccounts {
		if delta, ok := t.deltas[acc.id]; ok && !delta.IsZero() {
			acc.balance = acc.balance.Add(delta)
			acc.updated = now
		}
	}
	if t.stateUpdate != nil {
		t.lockedTransfer.rec.State = t.stateUpdate.state
		t.lockedTransfer.rec.UpdatedAt = t.stateUpdate.updatedAt
	}

	t.s.mu.Lock()
	for _, rec := range t.inserts {
		t.s.transfers[rec.ID] = &memTransfer{rec: rec}
	}
	t.s.audits = append(t.s.audits, t.audits...)
	t.s.mu.Unlock()

	t.release()
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.release()
	return nil
}

func (t *memTx) release() {
	for _, acc := range t.lockedAccounts {
		acc.mu.Unlock()
	}
	t.lockedAccounts = nil
	if t.lockedTransfer != nil {
		t.lockedTransfer.mu.Unlock()
		t.lockedTransfer = nil
	}
	t.done = true
}
