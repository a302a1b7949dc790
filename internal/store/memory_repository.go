package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rewear/exchange-service/internal/domain"
)

const (
	outboxStatusPending    = "pending"
	outboxStatusProcessing = "processing"
	outboxStatusPublished  = "published"
)

type memoryOutboxRow struct {
	event               domain.OutboxEvent
	status              string
	nextAttemptAt       time.Time
	processingStartedAt time.Time
	lastError           string
}

// MemoryStore is an in-process Store. Transactions are serialized by one exclusive lock,
// which makes every Get*ForUpdate trivially a row lock.
type MemoryStore struct {
	mu           sync.RWMutex
	users        map[uuid.UUID]domain.User
	items        map[uuid.UUID]domain.Item
	swaps        map[uuid.UUID]domain.SwapRequest
	ledger       []domain.LedgerEntry
	outbox       []*memoryOutboxRow
	nextLedgerID int64
	nextEventID  int64
	now          func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[uuid.UUID]domain.User),
		items: make(map[uuid.UUID]domain.Item),
		swaps: make(map[uuid.UUID]domain.SwapRequest),
		now:   time.Now,
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() {}

// InTx stages every write in a memoryTx and applies them only when fn commits.
func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		s:            s,
		users:        make(map[uuid.UUID]domain.User),
		items:        make(map[uuid.UUID]domain.Item),
		deleted:      make(map[uuid.UUID]struct{}),
		swaps:        make(map[uuid.UUID]domain.SwapRequest),
		lastLedgerID: s.nextLedgerID,
	}
	commit, err := commitOutcome(fn(ctx, tx))
	if commit {
		tx.apply()
	}
	return err
}

func (s *MemoryStore) FindUserByID(_ context.Context, userID uuid.UUID) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (s *MemoryStore) FindItemByID(_ context.Context, itemID uuid.UUID) (*domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[itemID]
	if !ok {
		return nil, ErrItemNotFound
	}
	c := it.Clone()
	return &c, nil
}

func (s *MemoryStore) FindSwapRequestByID(_ context.Context, swapID uuid.UUID) (*domain.SwapRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sw, ok := s.swaps[swapID]
	if !ok {
		return nil, ErrSwapRequestNotFound
	}
	c := sw.Clone()
	return &c, nil
}

func (s *MemoryStore) ListCatalog(_ context.Context, filter domain.CatalogFilter) ([]domain.Item, error) {
	limit, offset := normalizePage(filter.Limit, filter.Offset)

	s.mu.RLock()
	matched := make([]domain.Item, 0)
	for _, it := range s.items {
		if it.Transactable() && catalogMatch(it, filter) {
			matched = append(matched, it.Clone())
		}
	}
	s.mu.RUnlock()

	sortCatalog(matched, filter.Sort)
	return pageItems(matched, limit, offset), nil
}

func catalogMatch(it domain.Item, f domain.CatalogFilter) bool {
	if v := strings.TrimSpace(f.Category); v != "" && !strings.EqualFold(it.Category, v) {
		return false
	}
	if v := strings.TrimSpace(f.Condition); v != "" && !strings.EqualFold(it.Condition, v) {
		return false
	}
	if v := strings.TrimSpace(f.Size); v != "" && !strings.EqualFold(it.Size, v) {
		return false
	}
	term := strings.ToLower(strings.TrimSpace(f.Search))
	if term == "" {
		return true
	}
	if strings.Contains(strings.ToLower(it.Title), term) || strings.Contains(strings.ToLower(it.Description), term) {
		return true
	}
	for _, tag := range it.Tags {
		if strings.Contains(strings.ToLower(tag), term) {
			return true
		}
	}
	return false
}

func sortCatalog(items []domain.Item, order domain.CatalogSort) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		switch order {
		case domain.SortOldest:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
		case domain.SortPointsLow:
			if a.Points != b.Points {
				return a.Points < b.Points
			}
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
		case domain.SortPointsHigh:
			if a.Points != b.Points {
				return a.Points > b.Points
			}
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
		default:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
		}
		return a.ID.String() < b.ID.String()
	})
}

func pageItems(items []domain.Item, limit, offset int) []domain.Item {
	if offset >= len(items) {
		return []domain.Item{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func (s *MemoryStore) ListItemsByOwner(_ context.Context, ownerID uuid.UUID) ([]domain.Item, error) {
	s.mu.RLock()
	out := make([]domain.Item, 0)
	for _, it := range s.items {
		if it.OwnerID == ownerID {
			out = append(out, it.Clone())
		}
	}
	s.mu.RUnlock()

	sortCatalog(out, domain.SortNewest)
	return out, nil
}

func (s *MemoryStore) ListItemsByStatus(_ context.Context, opts domain.ItemListOptions) ([]domain.Item, error) {
	limit, offset := normalizePage(opts.Limit, opts.Offset)

	s.mu.RLock()
	out := make([]domain.Item, 0)
	for _, it := range s.items {
		if opts.Status == "" || it.Status == opts.Status {
			out = append(out, it.Clone())
		}
	}
	s.mu.RUnlock()

	order := domain.SortNewest
	if opts.Status == domain.ItemStatusPending {
		order = domain.SortOldest
	}
	sortCatalog(out, order)
	return pageItems(out, limit, offset), nil
}

func (s *MemoryStore) ListSwapRequestsByUser(_ context.Context, userID uuid.UUID) ([]domain.SwapRequest, error) {
	s.mu.RLock()
	out := make([]domain.SwapRequest, 0)
	for _, sw := range s.swaps {
		if sw.Involves(userID) {
			out = append(out, sw.Clone())
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (s *MemoryStore) ListLedgerEntries(_ context.Context, userID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, error) {
	limit, offset = normalizePage(limit, offset)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.LedgerEntry, 0, limit)
	skipped := 0
	for i := len(s.ledger) - 1; i >= 0 && len(out) < limit; i-- {
		if s.ledger[i].UserID != userID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, s.ledger[i])
	}
	return out, nil
}

func (s *MemoryStore) ListUsers(_ context.Context, opts domain.UserListOptions) ([]domain.User, error) {
	limit, offset := normalizePage(opts.Limit, opts.Offset)

	s.mu.RLock()
	out := make([]domain.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if offset >= len(out) {
		return []domain.User{}, nil
	}
	end := offset + limit
	if end > len(out) {
		end = len(out)
	}
	return out[offset:end], nil
}

func (s *MemoryStore) Stats(context.Context) (*domain.PlatformStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &domain.PlatformStats{
		TotalUsers: int64(len(s.users)),
		TotalItems: int64(len(s.items)),
	}
	for _, it := range s.items {
		switch it.Status {
		case domain.ItemStatusPending:
			stats.PendingItems++
		case domain.ItemStatusApproved:
			stats.ApprovedItems++
		}
	}
	for _, sw := range s.swaps {
		if sw.Status != domain.SwapStatusCompleted {
			continue
		}
		if sw.Type == domain.SwapTypeRedemption {
			stats.CompletedRedemptions++
		} else {
			stats.CompletedSwaps++
		}
	}
	return stats, nil
}

func (s *MemoryStore) ClaimOutboxEvents(_ context.Context, limit int, staleAfterSeconds int) ([]domain.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	staleBefore := now.Add(-time.Duration(staleAfterSeconds) * time.Second)
	out := make([]domain.OutboxEvent, 0, limit)
	for _, row := range s.outbox {
		if len(out) == limit {
			break
		}
		due := row.status == outboxStatusPending && !row.nextAttemptAt.After(now)
		stale := row.status == outboxStatusProcessing && row.processingStartedAt.Before(staleBefore)
		if !due && !stale {
			continue
		}
		row.status = outboxStatusProcessing
		row.processingStartedAt = now
		row.event.Attempts++
		ev := row.event
		ev.Payload = append([]byte(nil), row.event.Payload...)
		out = append(out, ev)
	}
	return out, nil
}

func (s *MemoryStore) MarkOutboxPublished(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row := s.outboxRow(id); row != nil {
		row.status = outboxStatusPublished
		row.lastError = ""
	}
	return nil
}

func (s *MemoryStore) MarkOutboxFailed(_ context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if row := s.outboxRow(id); row != nil {
		row.status = outboxStatusPending
		row.nextAttemptAt = s.now().Add(time.Duration(retryAfterSeconds) * time.Second)
		row.lastError = reason
	}
	return nil
}

func (s *MemoryStore) outboxRow(id int64) *memoryOutboxRow {
	for _, row := range s.outbox {
		if row.event.ID == id {
			return row
		}
	}
	return nil
}

// memoryTx overlays staged rows on top of the committed maps.
type memoryTx struct {
	s       *MemoryStore
	users   map[uuid.UUID]domain.User
	items   map[uuid.UUID]domain.Item
	deleted map[uuid.UUID]struct{}
	swaps   map[uuid.UUID]domain.SwapRequest
	ledger  []domain.LedgerEntry
	events  []domain.OutboxEvent

	// lastLedgerID numbers staged entries. The store lock is held for the whole
	// transaction, so ids handed out here are final once apply runs.
	lastLedgerID int64
}

func (t *memoryTx) apply() {
	for id, u := range t.users {
		t.s.users[id] = u
	}
	for id, it := range t.items {
		t.s.items[id] = it
	}
	for id := range t.deleted {
		delete(t.s.items, id)
	}
	for id, sw := range t.swaps {
		t.s.swaps[id] = sw
	}
	t.s.ledger = append(t.s.ledger, t.ledger...)
	t.s.nextLedgerID = t.lastLedgerID
	now := t.s.now()
	for _, ev := range t.events {
		t.s.nextEventID++
		ev.ID = t.s.nextEventID
		t.s.outbox = append(t.s.outbox, &memoryOutboxRow{event: ev, status: outboxStatusPending, nextAttemptAt: now})
	}
}

func (t *memoryTx) user(id uuid.UUID) (domain.User, bool) {
	if u, ok := t.users[id]; ok {
		return u, true
	}
	u, ok := t.s.users[id]
	return u, ok
}

func (t *memoryTx) item(id uuid.UUID) (domain.Item, bool) {
	if _, gone := t.deleted[id]; gone {
		return domain.Item{}, false
	}
	if it, ok := t.items[id]; ok {
		return it, true
	}
	it, ok := t.s.items[id]
	return it, ok
}

func (t *memoryTx) swap(id uuid.UUID) (domain.SwapRequest, bool) {
	if sw, ok := t.swaps[id]; ok {
		return sw, true
	}
	sw, ok := t.s.swaps[id]
	return sw, ok
}

func (t *memoryTx) GetUserForUpdate(_ context.Context, userID uuid.UUID) (*domain.User, error) {
	u, ok := t.user(userID)
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (t *memoryTx) GetItemForUpdate(_ context.Context, itemID uuid.UUID) (*domain.Item, error) {
	it, ok := t.item(itemID)
	if !ok {
		return nil, ErrItemNotFound
	}
	c := it.Clone()
	return &c, nil
}

func (t *memoryTx) GetSwapRequestForUpdate(_ context.Context, swapID uuid.UUID) (*domain.SwapRequest, error) {
	sw, ok := t.swap(swapID)
	if !ok {
		return nil, ErrSwapRequestNotFound
	}
	c := sw.Clone()
	return &c, nil
}

func (t *memoryTx) ListPendingSwapRequestsForItem(_ context.Context, itemID uuid.UUID) ([]domain.SwapRequest, error) {
	seen := make(map[uuid.UUID]struct{})
	out := make([]domain.SwapRequest, 0)
	collect := func(sw domain.SwapRequest) {
		if _, dup := seen[sw.ID]; dup {
			return
		}
		seen[sw.ID] = struct{}{}
		if sw.Status == domain.SwapStatusPending && sw.References(itemID) {
			out = append(out, sw.Clone())
		}
	}
	for _, sw := range t.swaps {
		collect(sw)
	}
	for id := range t.s.swaps {
		if _, staged := t.swaps[id]; staged {
			continue
		}
		collect(t.s.swaps[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (t *memoryTx) InsertUser(_ context.Context, user *domain.User) (bool, error) {
	if _, exists := t.user(user.ID); exists {
		return false, nil
	}
	t.users[user.ID] = *user
	return true, nil
}

func (t *memoryTx) UpdateUser(_ context.Context, user *domain.User) error {
	if _, exists := t.user(user.ID); !exists {
		return ErrUserNotFound
	}
	if user.Points < 0 {
		return domain.ErrInsufficientBalance
	}
	t.users[user.ID] = *user
	return nil
}

func (t *memoryTx) InsertItem(_ context.Context, item *domain.Item) error {
	if item.Available && item.Status != domain.ItemStatusApproved {
		return domain.ErrInvalidState
	}
	t.items[item.ID] = item.Clone()
	delete(t.deleted, item.ID)
	return nil
}

func (t *memoryTx) UpdateItem(_ context.Context, item *domain.Item) error {
	if _, exists := t.item(item.ID); !exists {
		return ErrItemNotFound
	}
	if item.Available && item.Status != domain.ItemStatusApproved {
		return domain.ErrInvalidState
	}
	t.items[item.ID] = item.Clone()
	return nil
}

func (t *memoryTx) DeleteItem(_ context.Context, itemID uuid.UUID) error {
	if _, exists := t.item(itemID); !exists {
		return ErrItemNotFound
	}
	delete(t.items, itemID)
	t.deleted[itemID] = struct{}{}
	return nil
}

func (t *memoryTx) InsertSwapRequest(_ context.Context, swap *domain.SwapRequest) error {
	if swap.RequesterID == swap.OwnerID {
		return domain.ErrValidation
	}
	t.swaps[swap.ID] = swap.Clone()
	return nil
}

func (t *memoryTx) UpdateSwapRequest(_ context.Context, swap *domain.SwapRequest) error {
	if _, exists := t.swap(swap.ID); !exists {
		return ErrSwapRequestNotFound
	}
	t.swaps[swap.ID] = swap.Clone()
	return nil
}

func (t *memoryTx) AppendLedgerEntries(_ context.Context, entries []domain.LedgerEntry) ([]domain.LedgerEntry, error) {
	out := make([]domain.LedgerEntry, 0, len(entries))
	for _, e := range entries {
		t.lastLedgerID++
		e.ID = t.lastLedgerID
		out = append(out, e)
	}
	t.ledger = append(t.ledger, out...)
	return out, nil
}

func (t *memoryTx) EnqueueEvent(_ context.Context, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	t.events = append(t.events, domain.OutboxEvent{
		Exchange:   strings.TrimSpace(exchange),
		RoutingKey: strings.TrimSpace(routingKey),
		Payload:    blob,
	})
	return nil
}
