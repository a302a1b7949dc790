// Package ledger moves points between member balances. A transfer debits and credits in
// one transaction, re-reads the payer's balance under lock and appends both legs to the
// point ledger.
package ledger

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rewear/exchange-service/internal/domain"
	"github.com/rewear/exchange-service/internal/store"
)

// Posting names the ledger event types written for each leg of a transfer.
type Posting struct {
	Debit         domain.LedgerEventType
	Credit        domain.LedgerEventType
	SwapRequestID *uuid.UUID
}

// TransferPosting is used for plain member-to-member transfers.
var TransferPosting = Posting{Debit: domain.LedgerTransferOut, Credit: domain.LedgerTransferIn}

// RedemptionPosting ties both legs to the redemption that caused them.
func RedemptionPosting(swapID uuid.UUID) Posting {
	id := swapID
	return Posting{Debit: domain.LedgerRedemptionDebit, Credit: domain.LedgerRedemptionCredit, SwapRequestID: &id}
}

type Ledger struct {
	store store.Store
	now   func() time.Time
}

func New(s store.Store) *Ledger {
	return &Ledger{store: s, now: time.Now}
}

// WithClock overrides the timestamp source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Transfer runs a standalone transfer in its own transaction.
func (l *Ledger) Transfer(ctx context.Context, from, to uuid.UUID, amount int64) (*domain.PointsTransfer, error) {
	var result *domain.PointsTransfer
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		result, err = l.TransferTx(ctx, tx, from, to, amount, TransferPosting)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// TransferTx moves amount points inside the caller's transaction. Users are locked in
// ascending id order so concurrent transfers between the same pair cannot deadlock.
func (l *Ledger) TransferTx(ctx context.Context, tx store.Tx, from, to uuid.UUID, amount int64, posting Posting) (*domain.PointsTransfer, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: transfer amount must be positive", domain.ErrValidation)
	}
	if from == to {
		return nil, fmt.Errorf("%w: cannot transfer points to the same member", domain.ErrValidation)
	}

	first, second := from, to
	if bytes.Compare(to[:], from[:]) < 0 {
		first, second = to, from
	}
	locked := make(map[uuid.UUID]*domain.User, 2)
	for _, id := range []uuid.UUID{first, second} {
		user, err := tx.GetUserForUpdate(ctx, id)
		if err != nil {
			return nil, err
		}
		locked[id] = user
	}
	payer, payee := locked[from], locked[to]

	if payer.Points < amount {
		return nil, fmt.Errorf("%w: balance %d is below %d", domain.ErrInsufficientBalance, payer.Points, amount)
	}
	if payee.Points > math.MaxInt64-amount {
		return nil, fmt.Errorf("%w: recipient balance would overflow", domain.ErrValidation)
	}

	now := l.now().UTC()
	payer.Points -= amount
	payer.UpdatedAt = now
	payee.Points += amount
	payee.UpdatedAt = now

	if err := tx.UpdateUser(ctx, payer); err != nil {
		return nil, err
	}
	if err := tx.UpdateUser(ctx, payee); err != nil {
		return nil, err
	}

	payerID, payeeID := payer.ID, payee.ID
	entries, err := tx.AppendLedgerEntries(ctx, []domain.LedgerEntry{
		{
			UserID:         payer.ID,
			Change:         -amount,
			BalanceAfter:   payer.Points,
			EventType:      posting.Debit,
			CounterpartyID: &payeeID,
			SwapRequestID:  posting.SwapRequestID,
			CreatedAt:      now,
		},
		{
			UserID:         payee.ID,
			Change:         amount,
			BalanceAfter:   payee.Points,
			EventType:      posting.Credit,
			CounterpartyID: &payerID,
			SwapRequestID:  posting.SwapRequestID,
			CreatedAt:      now,
		},
	})
	if err != nil {
		return nil, err
	}

	return &domain.PointsTransfer{From: *payer, To: *payee, Amount: amount, Entries: entries}, nil
}

// RecordGrantTx writes the signup grant for a freshly inserted user whose balance already
// includes the granted points.
func (l *Ledger) RecordGrantTx(ctx context.Context, tx store.Tx, user *domain.User) (*domain.LedgerEntry, error) {
	if user.Points <= 0 {
		return nil, nil
	}
	entries, err := tx.AppendLedgerEntries(ctx, []domain.LedgerEntry{{
		UserID:       user.ID,
		Change:       user.Points,
		BalanceAfter: user.Points,
		EventType:    domain.LedgerSignupGrant,
		CreatedAt:    l.now().UTC(),
	}})
	if err != nil {
		return nil, err
	}
	return &entries[0], nil
}
