package ledger_test

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opspay/ledgerd/internal/ledger"
	"github.com/opspay/ledgerd/internal/models"
	"github.com/opspay/ledgerd/internal/store"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// steppedClock hands out strictly increasing timestamps so updatedAt
// ordering is deterministic in assertions.
func steppedClock() func() time.Time {
	var mu sync.Mutex
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		at = at.Add(time.Millisecond)
		return at
	}
}

func newFixture(t *testing.T, cfg ledger.Config) (*ledger.Engine, *store.MemoryStore) {
	t.Helper()
	if cfg.Now == nil {
		cfg.Now = steppedClock()
	}
	st := store.NewMemoryStore()
	return ledger.NewEngine(st, cfg), st
}

func mustAccount(t *testing.T, st *store.MemoryStore, balance string) *models.Account {
	t.Helper()
	acc, err := st.CreateAccount(context.Background(), dec(balance))
	require.NoError(t, err)
	return acc
}

func balanceOf(t *testing.T, st *store.MemoryStore, id string) decimal.Decimal {
	t.Helper()
	acc, err := st.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acc.Balance
}

func TestCreateTransferValidation(t *testing.T) {
	engine, st := newFixture(t, ledger.Config{MaxAmount: dec("1000000")})
	a := mustAccount(t, st, "500.00")
	b := mustAccount(t, st, "0.00")
	ctx := context.Background()

	t.Run("self transfer", func(t *testing.T) {
		_, err := engine.CreateTransfer(ctx, a.ID, a.ID, dec("10"))
		require.ErrorIs(t, err, ledger.ErrInvalidTransfer)
	})

	t.Run("zero amount", func(t *testing.T) {
		_, err := engine.CreateTransfer(ctx, a.ID, b.ID, decimal.Zero)
		require.ErrorIs(t, err, ledger.ErrInvalidAmount)
	})

	t.Run("negative amount", func(t *testing.T) {
		_, err := engine.CreateTransfer(ctx, a.ID, b.ID, dec("-5"))
		require.ErrorIs(t, err, ledger.ErrInvalidAmount)
	})

	t.Run("above sanity ceiling", func(t *testing.T) {
		_, err := engine.CreateTransfer(ctx, a.ID, b.ID, dec("1000000.01"))
		require.ErrorIs(t, err, ledger.ErrInvalidAmount)
	})

	// None of the rejected requests may leave a trace.
	require.Empty(t, st.AuditEntries())
	require.True(t, balanceOf(t, st, a.ID).Equal(dec("500.00")))
}

func TestCreateTransferUnknownAccount(t *testing.T) {
	engine, st := newFixture(t, ledger.Config{})
	a := mustAccount(t, st, "500.00")
	ctx := context.Background()

	_, err := engine.CreateTransfer(ctx, a.ID, "00000000-0000-0000-0000-000000000000", dec("10"))
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)

	_, err = engine.CreateTransfer(ctx, "00000000-0000-0000-0000-000000000000", a.ID, dec("10"))
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)

	require.Empty(t, st.AuditEntries())
	require.True(t, balanceOf(t, st, a.ID).Equal(dec("500.00")))
}

func TestCreateTransferInsufficientFunds(t *testing.T) {
	engine, st := newFixture(t, ledger.Config{})
	a := mustAccount(t, st, "100.00")
	b := mustAccount(t, st, "0.00")

	_, err := engine.CreateTransfer(context.Background(), a.ID, b.ID, dec("100.01"))
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	require.Empty(t, st.AuditEntries())
	require.True(t, balanceOf(t, st, a.ID).Equal(dec("100.00")))
	require.True(t, balanceOf(t, st, b.ID).Equal(dec("0.00")))
}

func TestCreateTransferAutoConfirms(t *testing.T) {
	engine, st := newFixture(t, ledger.Config{})
	a := mustAccount(t, st, "100000.00")
	b := mustAccount(t, st, "0.00")

	transfer, err := engine.CreateTransfer(context.Background(), a.ID, b.ID, dec("30000.00"))
	require.NoError(t, err)
	require.Equal(t, models.StateConfirmed, transfer.State)
	require.NotEmpty(t, transfer.ID)

	assert.True(t, balanceOf(t, st, a.ID).Equal(dec("70000.00")))
	assert.True(t, balanceOf(t, st, b.ID).Equal(dec("30000.00")))

	entries := st.AuditEntries()
	require.Len(t, entries, 3)
	assert.Equal(t, models.OpTransferCreated, entries[0].OperationType)

	debit := entries[1]
	require.Equal(t, models.OpDebit, debit.OperationType)
	assert.Equal(t, a.ID, debit.AccountID)
	require.NotNil(t, debit.PreviousBalance)
	require.NotNil(t, debit.NewBalance)
	assert.True(t, debit.PreviousBalance.Equal(dec("100000.00")))
	assert.True(t, debit.NewBalance.Equal(dec("70000.00")))

	credit := entries[2]
	require.Equal(t, models.OpCredit, credit.OperationType)
	assert.Equal(t, b.ID, credit.AccountID)
	assert.True(t, credit.PreviousBalance.Equal(dec("0.00")))
	assert.True(t, credit.NewBalance.Equal(dec("30000.00")))
}

func TestThresholdBoundaryIsInclusive(t *testing.T) {
	engine, st := newFixture(t, ledger.Config{})
	a := mustAccount(t, st, "200000.00")
	b := mustAccount(t, st, "0.00")
	ctx := context.Background()

	atBoundary, err := engine.CreateTransfer(ctx, a.ID, b.ID, dec("50000.00"))
	require.NoError(t, err)
	assert.Equal(t, models.StateConfirmed, atBoundary.State)
	assert.True(t, balanceOf(t, st, a.ID).Equal(dec("150000.00")))

	aboveBoundary, err := engine.CreateTransfer(ctx, a.ID, b.ID, dec("50000.01"))
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, aboveBoundary.State)

	// Pending leaves balances untouched and appends only the creation entry.
	assert.True(t, balanceOf(t, st, a.ID).Equal(dec("150000.00")))
	assert.True(t, balanceOf(t, st, b.ID).Equal(dec("50000.00")))
	entries := st.AuditEntries()
	require.Len(t, entries, 4)
	last := entries[len(entries)-1]
	assert.Equal(t, models.OpTransferCreated, last.OperationType)
	assert.Nil(t, last.PreviousBalance)
	assert.Nil(t, last.NewBalance)
}

func TestApproveTransferMovesFunds(t *testing.T) {
	engine, st := newFixture(t, ledger.Config{})
	a := mustAccount(t, st, "100000.00")
	b := mustAccount(t, st, "0.00")
	ctx := context.Background()

	first, err := engine.CreateTransfer(ctx, a.ID, b.ID, dec("30000.00"))
	require.NoError(t, err)
	require.Equal(t, models.StateConfirmed, first.State)
	require.Len(t, st.AuditEntries(), 3)

	second, err := engine.CreateTransfer(ctx, a.ID, b.ID, dec("60000.00"))
	require.NoError(t, err)
	require.Equal(t, models.StatePending, second.State)
	require.True(t, balanceOf(t, st, a.ID).Equal(dec("70000.00")))
	require.Len(t, st.AuditEntries(), 4)

	approved, err := engine.ApproveTransfer(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateConfirmed, approved.State)
	assert.True(t, approved.UpdatedAt.After(approved.CreatedAt))

	assert.True(t, balanceOf(t, st, a.ID).Equal(dec("10000.00")))
	assert.True(t, balanceOf(t, st, b.ID).Equal(dec("90000.00")))
	require.Len(t, st.AuditEntries(), 6)

	stored, err := st.GetTransferByID(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateConfirmed, stored.State)
}

func TestApproveTransferRevalidatesFunds(t *testing.T) {
	engine, st := newFixture(t, ledger.Config{})
	a := mustAccount(t, st, "100000.00")
	b := mustAccount(t, st, "0.00")
	ctx := context.Background()

	pending, err := engine.CreateTransfer(ctx, a.ID, b.ID, dec("60000.00"))
	require.NoError(t, err)
	require.Equal(t, models.StatePending, pending.State)

	// Drain the source below the pending amount with two auto-confirmed
	// transfers.
	_, err = engine.CreateTransfer(ctx, a.ID, b.ID, dec("45000.00"))
	require.NoError(t, err)
	_, err = engine.CreateTransfer(ctx, a.ID, b.ID, dec("45000.00"))
	require.NoError(t, err)
	require.True(t, balanceOf(t, st, a.ID).Equal(dec("10000.00")))

	_, err = engine.ApproveTransfer(ctx, pending.ID)
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	// The failed approval leaves the transfer pending and balances alone.
	stored, err := st.GetTransferByID(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, stored.State)
	assert.True(t, balanceOf(t, st, a.ID).Equal(dec("10000.00")))
	assert.True(t, balanceOf(t, st, b.ID).Equal(dec("90000.00")))
}

func TestApproveAndRejectUnknownTransfer(t *testing.T) {
	engine, _ := newFixture(t, ledger.Config{})
	ctx := context.Background()

	_, err := engine.ApproveTransfer(ctx, "11111111-1111-1111-1111-111111111111")
	require.ErrorIs(t, err, ledger.ErrTransferNotFound)

	_, err = engine.RejectTransfer(ctx, "11111111-1111-1111-1111-111111111111")
	require.ErrorIs(t, err, ledger.ErrTransferNotFound)
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	engine, st := newFixture(t, ledger.Config{})
	a := mustAccount(t, st, "200000.00")
	b := mustAccount(t, st, "0.00")
	ctx := context.Background()

	confirmed, err := engine.CreateTransfer(ctx, a.ID, b.ID, dec("100.00"))
	require.NoError(t, err)
	require.Equal(t, models.StateConfirmed, confirmed.State)

	rejected, err := engine.CreateTransfer(ctx, a.ID, b.ID, dec("60000.00"))
	require.NoError(t, err)
	_, err = engine.RejectTransfer(ctx, rejected.ID)
	require.NoError(t, err)

	balanceA := balanceOf(t, st, a.ID)
	balanceB := balanceOf(t, st, b.ID)
	auditLen := len(st.AuditEntries())

	for _, id := range []string{confirmed.ID, rejected.ID} {
		_, err = engine.ApproveTransfer(ctx, id)
		require.ErrorIs(t, err, ledger.ErrInvalidState)
		_, err = engine.RejectTransfer(ctx, id)
		require.ErrorIs(t, err, ledger.ErrInvalidState)
	}

	assert.True(t, balanceOf(t, st, a.ID).Equal(balanceA))
	assert.True(t, balanceOf(t, st, b.ID).Equal(balanceB))
	assert.Len(t, st.AuditEntries(), auditLen)
}

func TestRejectTransferTouchesNoBalances(t *testing.T) {
	engine, st := newFixture(t, ledger.Config{})
	a := mustAccount(t, st, "100000.00")
	b := mustAccount(t, st, "500.00")
	ctx := context.Background()

	pending, err := engine.CreateTransfer(ctx, a.ID, b.ID, dec("75000.00"))
	require.NoError(t, err)

	balanceA := balanceOf(t, st, a.ID)
	balanceB := balanceOf(t, st, b.ID)

	rejected, err := engine.RejectTransfer(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateRejected, rejected.State)

	assert.True(t, balanceOf(t, st, a.ID).Equal(balanceA))
	assert.True(t, balanceOf(t, st, b.ID).Equal(balanceB))

	entries := st.AuditEntries()
	require.Len(t, entries, 2)
	last := entries[len(entries)-1]
	assert.Equal(t, models.OpTransferRejected, last.OperationType)
	require.NotNil(t, last.Amount)
	assert.True(t, last.Amount.Equal(dec("75000.00")))
	assert.Nil(t, last.PreviousBalance)
	assert.Nil(t, last.NewBalance)
}

func TestConcurrentDoubleSpendPrevented(t *testing.T) {
	engine, st := newFixture(t, ledger.Config{})
	a := mustAccount(t, st, "1000.00")
	b := mustAccount(t, st, "0.00")
	ctx := context.Background()

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.CreateTransfer(ctx, a.ID, b.ID, dec("600.00"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var succeeded, insufficient int
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		default:
			require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
			insufficient++
		}
	}
	require.Equal(t, 1, succeeded, "exactly one transfer must win")
	require.Equal(t, 1, insufficient)

	assert.True(t, balanceOf(t, st, a.ID).Equal(dec("400.00")))
	assert.True(t, balanceOf(t, st, b.ID).Equal(dec("600.00")))
}

func TestOpposingTransfersDoNotDeadlock(t *testing.T) {
	engine, st := newFixture(t, ledger.Config{})
	a := mustAccount(t, st, "10000.00")
	b := mustAccount(t, st, "10000.00")
	ctx := context.Background()

	const iterations = 100
	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				_, err := engine.CreateTransfer(ctx, a.ID, b.ID, dec("1.00"))
				assert.NoError(t, err)
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				_, err := engine.CreateTransfer(ctx, b.ID, a.ID, dec("1.00"))
				assert.NoError(t, err)
			}
		}()
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("opposing transfers deadlocked")
	}

	// Equal traffic in both directions nets out to the starting balances.
	assert.True(t, balanceOf(t, st, a.ID).Equal(dec("10000.00")))
	assert.True(t, balanceOf(t, st, b.ID).Equal(dec("10000.00")))
	assert.True(t, st.TotalBalance().Equal(dec("20000.00")))
}

func TestConservationAndAuditCompletenessUnderLoad(t *testing.T) {
	engine, st := newFixture(t, ledger.Config{})
	ctx := context.Background()

	const accounts = 5
	ids := make([]string, 0, accounts)
	for i := 0; i < accounts; i++ {
		ids = append(ids, mustAccount(t, st, "10000.00").ID)
	}
	initialTotal := dec("50000.00")

	const workers = 10
	const perWorker = 30
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		seed := int64(w)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < perWorker; i++ {
				source := ids[rng.Intn(len(ids))]
				destination := ids[rng.Intn(len(ids))]
				if source == destination {
					continue
				}
				amount := decimal.NewFromInt(int64(rng.Intn(500) + 1))
				_, err := engine.CreateTransfer(ctx, source, destination, amount)
				if err != nil {
					// Only a funds shortage is acceptable under load.
					assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
				}
			}
		}()
	}
	wg.Wait()

	// Conservation: transfers move value, never create or destroy it.
	require.True(t, st.TotalBalance().Equal(initialTotal),
		"total balance drifted: %s", st.TotalBalance())

	// No negative balances anywhere.
	for _, id := range ids {
		assert.False(t, balanceOf(t, st, id).IsNegative(), "account %s went negative", id)
	}

	// Audit completeness: every debit/credit explains its balance delta.
	var debits, credits int
	for _, e := range st.AuditEntries() {
		switch e.OperationType {
		case models.OpDebit:
			debits++
			require.NotNil(t, e.Amount)
			require.NotNil(t, e.PreviousBalance)
			require.NotNil(t, e.NewBalance)
			assert.True(t, e.NewBalance.Sub(*e.PreviousBalance).Equal(e.Amount.Neg()))
		case models.OpCredit:
			credits++
			require.NotNil(t, e.Amount)
			require.NotNil(t, e.PreviousBalance)
			require.NotNil(t, e.NewBalance)
			assert.True(t, e.NewBalance.Sub(*e.PreviousBalance).Equal(*e.Amount))
		}
	}
	assert.Equal(t, debits, credits, "every debit needs its credit")
}
