package domain

import (
	"time"

	"github.com/google/uuid"
)

type LedgerEventType string

const (
	LedgerSignupGrant      LedgerEventType = "signup_grant"
	LedgerTransferOut      LedgerEventType = "transfer_out"
	LedgerTransferIn       LedgerEventType = "transfer_in"
	LedgerRedemptionDebit  LedgerEventType = "redemption_debit"
	LedgerRedemptionCredit LedgerEventType = "redemption_credit"
)

// LedgerEntry is one leg of a points movement, written in the same transaction
// as the balance change it records.
type LedgerEntry struct {
	ID             int64           `json:"id"`
	UserID         uuid.UUID       `json:"user_id"`
	Change         int64           `json:"change"`
	BalanceAfter   int64           `json:"balance_after"`
	EventType      LedgerEventType `json:"event_type"`
	CounterpartyID *uuid.UUID      `json:"counterparty_id,omitempty"`
	SwapRequestID  *uuid.UUID      `json:"swap_request_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// PointsTransfer is the result of a successful ledger transfer.
type PointsTransfer struct {
	From    User          `json:"from"`
	To      User          `json:"to"`
	Amount  int64         `json:"amount"`
	Entries []LedgerEntry `json:"entries"`
}
