/**
 * @description
 * This file provides the PostgreSQL implementation of the `Store` interface: the
 * transaction runner with bounded conflict retry, the lock-free read paths, and the
 * event outbox queries used by the dispatcher.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - go.uber.org/zap: Structured logging of retries.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rewear/exchange-service/internal/domain"
	"go.uber.org/zap"
)

const (
	userColumns = `id, display_name, points, is_admin, is_banned, created_at, updated_at`
	itemColumns = `id, owner_id, title, description, category, item_type, size, condition, tags, images,
		points, status, available, approved_by, approved_at, rejected_by, rejected_at, rejection_reason,
		acquired_by, acquired_via, acquired_at, created_at, updated_at`
	swapColumns = `id, type, status, requester_id, owner_id, item_id, offered_item_id, points_amount,
		rejection_reason, created_at, decided_at, completed_at, updated_at`
	ledgerColumns = `id, user_id, change, balance_after, event_type, counterparty_id, swap_request_id, created_at`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is the production implementation of Store.
type PostgresStore struct {
	db         *pgxpool.Pool
	maxRetries int
	logger     *zap.Logger
}

// NewPostgresStore creates a store over an existing pool. maxRetries bounds how many times a
// transaction aborted by a serialization failure or deadlock is re-run.
func NewPostgresStore(db *pgxpool.Pool, maxRetries int, logger *zap.Logger) *PostgresStore {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{db: db, maxRetries: maxRetries, logger: logger}
}

func (r *PostgresStore) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func (r *PostgresStore) Close() {
	r.db.Close()
}

// InTx runs fn in a READ COMMITTED transaction. Correctness relies on the FOR UPDATE row
// locks taken by the Tx getters.
func (r *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		err := r.runTx(ctx, fn)
		if err == nil || !isRetryableTxError(err) {
			return err
		}
		lastErr = err
		r.logger.Warn("Transaction aborted by concurrent update, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff(attempt)):
		}
	}
	return fmt.Errorf("%w: transaction aborted after %d attempts: %v", domain.ErrConflict, r.maxRetries+1, lastErr)
}

func (r *PostgresStore) runTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	commit, fnErr := commitOutcome(fn(ctx, &postgresTx{tx: tx}))
	if !commit {
		return fnErr
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	return fnErr
}

func retryBackoff(attempt int) time.Duration {
	return time.Duration(10<<minInt(attempt, 5)) * time.Millisecond
}

func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// serialization_failure, deadlock_detected
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// mapConstraintError turns check violations into the engine's error kinds so a missed
// validation never leaks out as an internal error.
func mapConstraintError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23514" {
		return err
	}
	switch pgErr.ConstraintName {
	case "users_points_check":
		return fmt.Errorf("%w: balance would become negative", domain.ErrInsufficientBalance)
	case "items_available_requires_approval":
		return fmt.Errorf("%w: only approved items can be available", domain.ErrInvalidState)
	default:
		return fmt.Errorf("%w: %s", domain.ErrValidation, pgErr.ConstraintName)
	}
}

// FindUserByID retrieves a user from the database by their ID.
func (r *PostgresStore) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	return queryUser(ctx, r.db, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
}

func (r *PostgresStore) FindItemByID(ctx context.Context, itemID uuid.UUID) (*domain.Item, error) {
	return queryItem(ctx, r.db, `SELECT `+itemColumns+` FROM items WHERE id = $1`, itemID)
}

func (r *PostgresStore) FindSwapRequestByID(ctx context.Context, swapID uuid.UUID) (*domain.SwapRequest, error) {
	return querySwapRequest(ctx, r.db, `SELECT `+swapColumns+` FROM swap_requests WHERE id = $1`, swapID)
}

// ListCatalog returns approved, available items narrowed by the filter.
func (r *PostgresStore) ListCatalog(ctx context.Context, filter domain.CatalogFilter) ([]domain.Item, error) {
	limit, offset := normalizePage(filter.Limit, filter.Offset)

	clauses := []string{"status = 'approved'", "available"}
	args := make([]any, 0, 6)
	addArg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if v := strings.TrimSpace(filter.Category); v != "" {
		clauses = append(clauses, "lower(category) = lower("+addArg(v)+")")
	}
	if v := strings.TrimSpace(filter.Condition); v != "" {
		clauses = append(clauses, "lower(condition) = lower("+addArg(v)+")")
	}
	if v := strings.TrimSpace(filter.Size); v != "" {
		clauses = append(clauses, "lower(size) = lower("+addArg(v)+")")
	}
	if v := strings.TrimSpace(filter.Search); v != "" {
		p := addArg(likePattern(v))
		clauses = append(clauses, fmt.Sprintf(
			"(title ILIKE %[1]s OR description ILIKE %[1]s OR EXISTS (SELECT 1 FROM unnest(tags) AS t WHERE t ILIKE %[1]s))", p,
		))
	}

	query := fmt.Sprintf(
		`SELECT %s FROM items WHERE %s ORDER BY %s LIMIT %s OFFSET %s`,
		itemColumns,
		strings.Join(clauses, " AND "),
		catalogOrder(filter.Sort),
		addArg(limit),
		addArg(offset),
	)
	return queryItems(ctx, r.db, query, args...)
}

func catalogOrder(sort domain.CatalogSort) string {
	switch sort {
	case domain.SortOldest:
		return "created_at ASC, id ASC"
	case domain.SortPointsLow:
		return "points ASC, created_at DESC, id ASC"
	case domain.SortPointsHigh:
		return "points DESC, created_at DESC, id ASC"
	default:
		return "created_at DESC, id ASC"
	}
}

func likePattern(term string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + replacer.Replace(term) + "%"
}

func (r *PostgresStore) ListItemsByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.Item, error) {
	return queryItems(ctx, r.db, `SELECT `+itemColumns+` FROM items WHERE owner_id = $1 ORDER BY created_at DESC, id ASC`, ownerID)
}

// ListItemsByStatus backs the moderation queue. An empty status lists every item.
func (r *PostgresStore) ListItemsByStatus(ctx context.Context, opts domain.ItemListOptions) ([]domain.Item, error) {
	limit, offset := normalizePage(opts.Limit, opts.Offset)
	if opts.Status == "" {
		return queryItems(ctx, r.db,
			`SELECT `+itemColumns+` FROM items ORDER BY created_at DESC, id ASC LIMIT $1 OFFSET $2`,
			limit, offset)
	}
	// The moderation queue is worked oldest first.
	order := "created_at DESC, id ASC"
	if opts.Status == domain.ItemStatusPending {
		order = "created_at ASC, id ASC"
	}
	return queryItems(ctx, r.db,
		`SELECT `+itemColumns+` FROM items WHERE status = $1 ORDER BY `+order+` LIMIT $2 OFFSET $3`,
		string(opts.Status), limit, offset)
}

func (r *PostgresStore) ListSwapRequestsByUser(ctx context.Context, userID uuid.UUID) ([]domain.SwapRequest, error) {
	return querySwapRequests(ctx, r.db, `
		SELECT `+swapColumns+`
		FROM swap_requests
		WHERE requester_id = $1 OR owner_id = $1
		ORDER BY created_at DESC, id ASC
	`, userID)
}

func (r *PostgresStore) ListLedgerEntries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, error) {
	limit, offset = normalizePage(limit, offset)
	rows, err := r.db.Query(ctx, `
		SELECT `+ledgerColumns+`
		FROM point_ledger
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0, limit)
	for rows.Next() {
		var (
			e         domain.LedgerEntry
			eventType string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Change, &e.BalanceAfter, &eventType, &e.CounterpartyID, &e.SwapRequestID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EventType = domain.LedgerEventType(eventType)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *PostgresStore) ListUsers(ctx context.Context, opts domain.UserListOptions) ([]domain.User, error) {
	limit, offset := normalizePage(opts.Limit, opts.Offset)
	rows, err := r.db.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at ASC, id ASC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.User, 0, limit)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

func (r *PostgresStore) Stats(ctx context.Context) (*domain.PlatformStats, error) {
	var stats domain.PlatformStats
	err := r.db.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM items),
			(SELECT COUNT(*) FROM items WHERE status = 'pending'),
			(SELECT COUNT(*) FROM items WHERE status = 'approved'),
			(SELECT COUNT(*) FROM swap_requests WHERE type = 'swap' AND status = 'completed'),
			(SELECT COUNT(*) FROM swap_requests WHERE type = 'redemption' AND status = 'completed')
	`).Scan(
		&stats.TotalUsers,
		&stats.TotalItems,
		&stats.PendingItems,
		&stats.ApprovedItems,
		&stats.CompletedSwaps,
		&stats.CompletedRedemptions,
	)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// ClaimOutboxEvents moves a batch of due events to processing. Events stuck in processing
// longer than staleAfterSeconds are reclaimed.
func (r *PostgresStore) ClaimOutboxEvents(ctx context.Context, limit int, staleAfterSeconds int) ([]domain.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	query := `
		WITH candidates AS (
			SELECT id
			FROM event_outbox
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE event_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.exchange, o.routing_key, o.payload::text, o.attempts
	`

	rows, err := r.db.Query(ctx, query, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.OutboxEvent, 0, limit)
	for rows.Next() {
		var (
			ev          domain.OutboxEvent
			payloadText string
		)
		if err := rows.Scan(&ev.ID, &ev.Exchange, &ev.RoutingKey, &payloadText, &ev.Attempts); err != nil {
			return nil, err
		}
		ev.Payload = []byte(payloadText)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *PostgresStore) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

func (r *PostgresStore) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, reason)
	return err
}

func queryUser(ctx context.Context, q querier, sql string, args ...any) (*domain.User, error) {
	user, err := scanUser(q.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.DisplayName, &u.Points, &u.IsAdmin, &u.IsBanned, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func queryItem(ctx context.Context, q querier, sql string, args ...any) (*domain.Item, error) {
	item, err := scanItem(q.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	return item, nil
}

func queryItems(ctx context.Context, q querier, sql string, args ...any) ([]domain.Item, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func scanItem(row pgx.Row) (*domain.Item, error) {
	var (
		it     domain.Item
		status string
	)
	err := row.Scan(
		&it.ID,
		&it.OwnerID,
		&it.Title,
		&it.Description,
		&it.Category,
		&it.ItemType,
		&it.Size,
		&it.Condition,
		&it.Tags,
		&it.Images,
		&it.Points,
		&status,
		&it.Available,
		&it.ApprovedBy,
		&it.ApprovedAt,
		&it.RejectedBy,
		&it.RejectedAt,
		&it.RejectionReason,
		&it.AcquiredBy,
		&it.AcquiredVia,
		&it.AcquiredAt,
		&it.CreatedAt,
		&it.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	it.Status = domain.ItemStatus(status)
	return &it, nil
}

func querySwapRequest(ctx context.Context, q querier, sql string, args ...any) (*domain.SwapRequest, error) {
	swap, err := scanSwapRequest(q.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSwapRequestNotFound
		}
		return nil, err
	}
	return swap, nil
}

func querySwapRequests(ctx context.Context, q querier, sql string, args ...any) ([]domain.SwapRequest, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	swaps := make([]domain.SwapRequest, 0)
	for rows.Next() {
		swap, err := scanSwapRequest(rows)
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, *swap)
	}
	return swaps, rows.Err()
}

func scanSwapRequest(row pgx.Row) (*domain.SwapRequest, error) {
	var (
		s        domain.SwapRequest
		swapType string
		status   string
	)
	err := row.Scan(
		&s.ID,
		&swapType,
		&status,
		&s.RequesterID,
		&s.OwnerID,
		&s.ItemID,
		&s.OfferedItemID,
		&s.PointsAmount,
		&s.RejectionReason,
		&s.CreatedAt,
		&s.DecidedAt,
		&s.CompletedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Type = domain.SwapType(swapType)
	s.Status = domain.SwapStatus(status)
	return &s, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
