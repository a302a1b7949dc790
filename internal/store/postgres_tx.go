package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rewear/exchange-service/internal/domain"
)

// postgresTx implements Tx over a pgx transaction. Every getter takes a row lock.
type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) GetUserForUpdate(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	return queryUser(ctx, t.tx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, userID)
}

func (t *postgresTx) GetItemForUpdate(ctx context.Context, itemID uuid.UUID) (*domain.Item, error) {
	return queryItem(ctx, t.tx, `SELECT `+itemColumns+` FROM items WHERE id = $1 FOR UPDATE`, itemID)
}

func (t *postgresTx) GetSwapRequestForUpdate(ctx context.Context, swapID uuid.UUID) (*domain.SwapRequest, error) {
	return querySwapRequest(ctx, t.tx, `SELECT `+swapColumns+` FROM swap_requests WHERE id = $1 FOR UPDATE`, swapID)
}

func (t *postgresTx) ListPendingSwapRequestsForItem(ctx context.Context, itemID uuid.UUID) ([]domain.SwapRequest, error) {
	return querySwapRequests(ctx, t.tx, `
		SELECT `+swapColumns+`
		FROM swap_requests
		WHERE status = 'pending' AND (item_id = $1 OR offered_item_id = $1)
		ORDER BY id
		FOR UPDATE
	`, itemID)
}

func (t *postgresTx) InsertUser(ctx context.Context, user *domain.User) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO users (id, display_name, points, is_admin, is_banned, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, user.ID, user.DisplayName, user.Points, user.IsAdmin, user.IsBanned, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return false, mapConstraintError(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *postgresTx) UpdateUser(ctx context.Context, user *domain.User) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE users
		SET display_name = $2, points = $3, is_admin = $4, is_banned = $5, updated_at = $6
		WHERE id = $1
	`, user.ID, user.DisplayName, user.Points, user.IsAdmin, user.IsBanned, user.UpdatedAt)
	if err != nil {
		return mapConstraintError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (t *postgresTx) InsertItem(ctx context.Context, item *domain.Item) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO items (`+itemColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
	`,
		item.ID,
		item.OwnerID,
		item.Title,
		item.Description,
		item.Category,
		item.ItemType,
		item.Size,
		item.Condition,
		nonNilStrings(item.Tags),
		nonNilStrings(item.Images),
		item.Points,
		string(item.Status),
		item.Available,
		item.ApprovedBy,
		item.ApprovedAt,
		item.RejectedBy,
		item.RejectedAt,
		item.RejectionReason,
		item.AcquiredBy,
		item.AcquiredVia,
		item.AcquiredAt,
		item.CreatedAt,
		item.UpdatedAt,
	)
	return mapConstraintError(err)
}

// UpdateItem writes the mutable moderation and acquisition columns.
func (t *postgresTx) UpdateItem(ctx context.Context, item *domain.Item) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE items
		SET status = $2,
			available = $3,
			approved_by = $4,
			approved_at = $5,
			rejected_by = $6,
			rejected_at = $7,
			rejection_reason = $8,
			acquired_by = $9,
			acquired_via = $10,
			acquired_at = $11,
			updated_at = $12
		WHERE id = $1
	`,
		item.ID,
		string(item.Status),
		item.Available,
		item.ApprovedBy,
		item.ApprovedAt,
		item.RejectedBy,
		item.RejectedAt,
		item.RejectionReason,
		item.AcquiredBy,
		item.AcquiredVia,
		item.AcquiredAt,
		item.UpdatedAt,
	)
	if err != nil {
		return mapConstraintError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (t *postgresTx) DeleteItem(ctx context.Context, itemID uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM items WHERE id = $1`, itemID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (t *postgresTx) InsertSwapRequest(ctx context.Context, swap *domain.SwapRequest) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO swap_requests (`+swapColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		swap.ID,
		string(swap.Type),
		string(swap.Status),
		swap.RequesterID,
		swap.OwnerID,
		swap.ItemID,
		swap.OfferedItemID,
		swap.PointsAmount,
		swap.RejectionReason,
		swap.CreatedAt,
		swap.DecidedAt,
		swap.CompletedAt,
		swap.UpdatedAt,
	)
	return mapConstraintError(err)
}

func (t *postgresTx) UpdateSwapRequest(ctx context.Context, swap *domain.SwapRequest) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE swap_requests
		SET status = $2, rejection_reason = $3, decided_at = $4, completed_at = $5, updated_at = $6
		WHERE id = $1
	`, swap.ID, string(swap.Status), swap.RejectionReason, swap.DecidedAt, swap.CompletedAt, swap.UpdatedAt)
	if err != nil {
		return mapConstraintError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSwapRequestNotFound
	}
	return nil
}

func (t *postgresTx) AppendLedgerEntries(ctx context.Context, entries []domain.LedgerEntry) ([]domain.LedgerEntry, error) {
	out := make([]domain.LedgerEntry, 0, len(entries))
	for _, e := range entries {
		err := t.tx.QueryRow(ctx, `
			INSERT INTO point_ledger (user_id, change, balance_after, event_type, counterparty_id, swap_request_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id
		`, e.UserID, e.Change, e.BalanceAfter, string(e.EventType), e.CounterpartyID, e.SwapRequestID, e.CreatedAt).Scan(&e.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to append ledger entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (t *postgresTx) EnqueueEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO event_outbox (exchange, routing_key, payload)
		VALUES ($1, $2, $3::jsonb)
	`, strings.TrimSpace(exchange), strings.TrimSpace(routingKey), string(blob))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
