package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rewear/exchange-service/internal/domain"
	"github.com/rewear/exchange-service/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newUser(t *testing.T, s store.Store, points int64) uuid.UUID {
	t.Helper()
	u := domain.User{ID: uuid.New(), Points: points, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := tx.InsertUser(ctx, &u)
		return err
	}))
	return u.ID
}

func balance(t *testing.T, s store.Store, id uuid.UUID) int64 {
	t.Helper()
	u, err := s.FindUserByID(context.Background(), id)
	require.NoError(t, err)
	return u.Points
}

func TestTransferMovesExactAmountAndWritesBothLegs(t *testing.T) {
	s := store.NewMemoryStore()
	l := New(s)
	a := newUser(t, s, 100)
	b := newUser(t, s, 50)

	res, err := l.Transfer(context.Background(), b, a, 40)
	require.NoError(t, err)

	assert.Equal(t, int64(10), res.From.Points)
	assert.Equal(t, int64(140), res.To.Points)
	assert.Equal(t, int64(10), balance(t, s, b))
	assert.Equal(t, int64(140), balance(t, s, a))
	assert.Equal(t, int64(150), balance(t, s, a)+balance(t, s, b))

	require.Len(t, res.Entries, 2)
	assert.Equal(t, int64(-40), res.Entries[0].Change)
	assert.Equal(t, domain.LedgerTransferOut, res.Entries[0].EventType)
	assert.Equal(t, a, *res.Entries[0].CounterpartyID)
	assert.Equal(t, int64(40), res.Entries[1].Change)
	assert.Equal(t, int64(140), res.Entries[1].BalanceAfter)

	history, err := s.ListLedgerEntries(context.Background(), b, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(10), history[0].BalanceAfter)
}

func TestTransferRejectsInvalidInput(t *testing.T) {
	s := store.NewMemoryStore()
	l := New(s)
	a := newUser(t, s, 100)
	b := newUser(t, s, 0)

	tests := []struct {
		name    string
		from    uuid.UUID
		to      uuid.UUID
		amount  int64
		wantErr error
	}{
		{name: "zero amount", from: a, to: b, amount: 0, wantErr: domain.ErrValidation},
		{name: "negative amount", from: a, to: b, amount: -5, wantErr: domain.ErrValidation},
		{name: "same member", from: a, to: a, amount: 5, wantErr: domain.ErrValidation},
		{name: "shortfall", from: b, to: a, amount: 1, wantErr: domain.ErrInsufficientBalance},
		{name: "unknown payee", from: a, to: uuid.New(), amount: 1, wantErr: domain.ErrNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Transfer(context.Background(), tc.from, tc.to, tc.amount)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if got := balance(t, s, a); got != 100 {
				t.Fatalf("payer balance changed to %d", got)
			}
			if got := balance(t, s, b); got != 0 {
				t.Fatalf("payee balance changed to %d", got)
			}
		})
	}
}

func TestTransferTxRollsBackWithCaller(t *testing.T) {
	s := store.NewMemoryStore()
	l := New(s)
	a := newUser(t, s, 100)
	b := newUser(t, s, 0)

	callerErr := errors.New("item already taken")
	err := s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if _, err := l.TransferTx(ctx, tx, a, b, 30, RedemptionPosting(uuid.New())); err != nil {
			return err
		}
		return callerErr
	})
	require.ErrorIs(t, err, callerErr)
	assert.Equal(t, int64(100), balance(t, s, a))
	assert.Equal(t, int64(0), balance(t, s, b))
}

func TestConcurrentTransfersConserveTotal(t *testing.T) {
	s := store.NewMemoryStore()
	l := New(s)
	a := newUser(t, s, 100)
	b := newUser(t, s, 100)

	var g errgroup.Group
	for i := 0; i < 50; i++ {
		from, to := a, b
		if i%2 == 1 {
			from, to = b, a
		}
		g.Go(func() error {
			_, err := l.Transfer(context.Background(), from, to, 7)
			if err != nil && !errors.Is(err, domain.ErrInsufficientBalance) {
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(200), balance(t, s, a)+balance(t, s, b))
	assert.GreaterOrEqual(t, balance(t, s, a), int64(0))
	assert.GreaterOrEqual(t, balance(t, s, b), int64(0))
}

func TestDrainRaceNeverOverdraws(t *testing.T) {
	s := store.NewMemoryStore()
	l := New(s)
	payer := newUser(t, s, 50)
	payees := []uuid.UUID{newUser(t, s, 0), newUser(t, s, 0)}

	var g errgroup.Group
	results := make([]error, len(payees))
	for i, to := range payees {
		i, to := i, to
		g.Go(func() error {
			_, results[i] = l.Transfer(context.Background(), payer, to, 40)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, int64(10), balance(t, s, payer))
}

func TestRecordGrantTx(t *testing.T) {
	s := store.NewMemoryStore()
	l := New(s)
	u := domain.User{ID: uuid.New(), Points: 100}

	require.NoError(t, s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.InsertUser(ctx, &u); err != nil {
			return err
		}
		entry, err := l.RecordGrantTx(ctx, tx, &u)
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, domain.LedgerSignupGrant, entry.EventType)
		return nil
	}))

	history, err := s.ListLedgerEntries(context.Background(), u.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(100), history[0].Change)
}
