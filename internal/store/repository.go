/**
 * @description
 * This file defines the `Store` contract of the exchange-service. Every mutating engine
 * operation runs inside `InTx`; the `Tx` handed to the callback exposes row-locking reads
 * and staged writes that are committed or discarded as a whole.
 *
 * @dependencies
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models and error kinds.
 */

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rewear/exchange-service/internal/domain"
)

var (
	ErrUserNotFound        = fmt.Errorf("%w: user", domain.ErrNotFound)
	ErrItemNotFound        = fmt.Errorf("%w: item", domain.ErrNotFound)
	ErrSwapRequestNotFound = fmt.Errorf("%w: swap request", domain.ErrNotFound)
)

// Store is the durable home of users, items, swap requests, ledger entries and outbox events.
type Store interface {
	Reader
	Outbox

	// InTx runs fn inside one atomic transaction. A nil return commits; any other error
	// rolls back, unless it was produced by CommitWithError.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
	Close()
}

// Reader holds the lock-free read paths used by query endpoints.
type Reader interface {
	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	FindItemByID(ctx context.Context, itemID uuid.UUID) (*domain.Item, error)
	FindSwapRequestByID(ctx context.Context, swapID uuid.UUID) (*domain.SwapRequest, error)
	ListCatalog(ctx context.Context, filter domain.CatalogFilter) ([]domain.Item, error)
	ListItemsByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.Item, error)
	ListItemsByStatus(ctx context.Context, opts domain.ItemListOptions) ([]domain.Item, error)
	ListSwapRequestsByUser(ctx context.Context, userID uuid.UUID) ([]domain.SwapRequest, error)
	ListLedgerEntries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, error)
	ListUsers(ctx context.Context, opts domain.UserListOptions) ([]domain.User, error)
	Stats(ctx context.Context) (*domain.PlatformStats, error)
}

// Tx is the view of the store inside a transaction. Get* methods lock the returned row
// until the transaction ends.
type Tx interface {
	GetUserForUpdate(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	GetItemForUpdate(ctx context.Context, itemID uuid.UUID) (*domain.Item, error)
	GetSwapRequestForUpdate(ctx context.Context, swapID uuid.UUID) (*domain.SwapRequest, error)
	// ListPendingSwapRequestsForItem locks every pending request that targets or offers itemID.
	ListPendingSwapRequestsForItem(ctx context.Context, itemID uuid.UUID) ([]domain.SwapRequest, error)

	// InsertUser reports false without error when the user already exists.
	InsertUser(ctx context.Context, user *domain.User) (bool, error)
	UpdateUser(ctx context.Context, user *domain.User) error
	InsertItem(ctx context.Context, item *domain.Item) error
	UpdateItem(ctx context.Context, item *domain.Item) error
	DeleteItem(ctx context.Context, itemID uuid.UUID) error
	InsertSwapRequest(ctx context.Context, swap *domain.SwapRequest) error
	UpdateSwapRequest(ctx context.Context, swap *domain.SwapRequest) error
	AppendLedgerEntries(ctx context.Context, entries []domain.LedgerEntry) ([]domain.LedgerEntry, error)
	EnqueueEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error
}

// Outbox is consumed by the dispatcher that relays staged events to the broker.
type Outbox interface {
	ClaimOutboxEvents(ctx context.Context, limit int, staleAfterSeconds int) ([]domain.OutboxEvent, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

type committedError struct {
	err error
}

func (e *committedError) Error() string { return e.err.Error() }
func (e *committedError) Unwrap() error { return e.err }

// CommitWithError asks InTx to commit the staged writes and then return err to the caller.
// It is used when a rejected outcome must itself be persisted.
func CommitWithError(err error) error {
	if err == nil {
		return nil
	}
	return &committedError{err: err}
}

// commitOutcome splits a callback result into "should commit" and the error to surface.
func commitOutcome(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	var ce *committedError
	if errors.As(err, &ce) {
		return true, ce.err
	}
	return false, err
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
