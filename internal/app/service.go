/**
 * @description
 * This file contains the Exchange Coordinator, the façade every transport calls into.
 * Each mutating operation runs as one store transaction: preconditions are re-validated
 * under row locks, the state change and its outbox events are staged together, and the
 * authoritative post-mutation entity is returned.
 *
 * @dependencies
 * - go.uber.org/zap: Structured logging.
 * - internal/ledger, internal/moderation, internal/swap: The engine components.
 * - internal/store: Transactions and read paths.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rewear/exchange-service/internal/domain"
	"github.com/rewear/exchange-service/internal/ledger"
	"github.com/rewear/exchange-service/internal/moderation"
	"github.com/rewear/exchange-service/internal/store"
	"github.com/rewear/exchange-service/internal/swap"
	"go.uber.org/zap"
)

const (
	DefaultStartingPoints = 100
	DefaultEventsExchange = "rewear.events"
	maxDisplayNameLength  = 80
)

// ServiceConfig carries the tunables of the coordinator. Zero values select the defaults.
type ServiceConfig struct {
	// StartingPoints is granted on registration. Every member starts with a positive balance.
	StartingPoints int64
	EventsExchange string
	Policy         moderation.Policy
}

// Service is the Exchange Coordinator.
type Service struct {
	repo           store.Store
	ledger         *ledger.Ledger
	gate           *moderation.Gate
	engine         *swap.Engine
	metrics        Metrics
	logger         *zap.Logger
	exchange       string
	startingPoints int64
	now            func() time.Time
}

// NewService wires the engine components over repo.
func NewService(repo store.Store, cfg ServiceConfig, metrics Metrics, logger *zap.Logger) *Service {
	if cfg.StartingPoints <= 0 {
		cfg.StartingPoints = DefaultStartingPoints
	}
	if strings.TrimSpace(cfg.EventsExchange) == "" {
		cfg.EventsExchange = DefaultEventsExchange
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := ledger.New(repo)
	return &Service{
		repo:           repo,
		ledger:         l,
		gate:           moderation.NewGate(cfg.Policy),
		engine:         swap.NewEngine(l),
		metrics:        metrics,
		logger:         logger,
		exchange:       cfg.EventsExchange,
		startingPoints: cfg.StartingPoints,
		now:            time.Now,
	}
}

// WithClock overrides the timestamp source of the coordinator and every engine component.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	s.ledger.WithClock(now)
	s.gate.WithClock(now)
	s.engine.WithClock(now)
	return s
}

func (s *Service) observe(op string, started time.Time, err *error) {
	s.metrics.ObserveOperation(op, *err, time.Since(started))
	if *err != nil && domain.ErrorKind(*err) == domain.KindInternal {
		s.logger.Error("Exchange operation failed", zap.String("operation", op), zap.Error(*err))
	}
}

// caller resolves the stored record of the identity and rejects banned members. It reads
// outside any transaction and backs the query paths.
func (s *Service) caller(ctx context.Context, id domain.Identity) (*domain.User, error) {
	return resolveCaller(ctx, id, s.repo.FindUserByID)
}

// callerTx is caller under a row lock, so a ban committed before the lock is observed and a
// later one waits for this transaction.
func (s *Service) callerTx(ctx context.Context, tx store.Tx, id domain.Identity) (*domain.User, error) {
	return resolveCaller(ctx, id, tx.GetUserForUpdate)
}

// adminTx is callerTx plus the admin check. Authority comes from the identity claim or the
// stored flag.
func (s *Service) adminTx(ctx context.Context, tx store.Tx, id domain.Identity) (*domain.User, error) {
	user, err := s.callerTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := requireAdmin(id, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Service) admin(ctx context.Context, id domain.Identity) (*domain.User, error) {
	user, err := s.caller(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireAdmin(id, user); err != nil {
		return nil, err
	}
	return user, nil
}

func resolveCaller(ctx context.Context, id domain.Identity, lookup func(context.Context, uuid.UUID) (*domain.User, error)) (*domain.User, error) {
	if id.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing identity", domain.ErrNotAuthorized)
	}
	if id.IsBanned {
		return nil, fmt.Errorf("%w: account is banned", domain.ErrNotAuthorized)
	}
	user, err := lookup(ctx, id.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: member is not registered", domain.ErrNotAuthorized)
		}
		return nil, err
	}
	if user.IsBanned {
		return nil, fmt.Errorf("%w: account is banned", domain.ErrNotAuthorized)
	}
	return user, nil
}

func requireAdmin(id domain.Identity, user *domain.User) error {
	if !isAdmin(id, user) {
		return fmt.Errorf("%w: admin privileges required", domain.ErrNotAuthorized)
	}
	return nil
}

func isAdmin(id domain.Identity, user *domain.User) bool {
	return id.IsAdmin || (user != nil && user.IsAdmin)
}

func (s *Service) enqueue(ctx context.Context, tx store.Tx, routingKey string, payload interface{}) error {
	return tx.EnqueueEvent(ctx, s.exchange, routingKey, payload)
}

func (s *Service) enqueueSuperseded(ctx context.Context, tx store.Tx, superseded []domain.SwapRequest, now time.Time) error {
	for _, req := range superseded {
		if err := s.enqueue(ctx, tx, domain.EventSwapRejected, domain.NewSwapEvent(req, now)); err != nil {
			return err
		}
	}
	return nil
}

// RegisterUser creates the member with the starting balance. Registering again is a no-op
// apart from refreshing an empty display name.
func (s *Service) RegisterUser(ctx context.Context, id domain.Identity) (user *domain.User, created bool, err error) {
	defer s.observe("register_user", time.Now(), &err)

	if id.UserID == uuid.Nil {
		return nil, false, fmt.Errorf("%w: missing identity", domain.ErrNotAuthorized)
	}
	if id.IsBanned {
		return nil, false, fmt.Errorf("%w: account is banned", domain.ErrNotAuthorized)
	}
	name := normalizeDisplayName(id.DisplayName)

	err = s.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := s.now().UTC()
		candidate := &domain.User{
			ID:          id.UserID,
			DisplayName: name,
			Points:      s.startingPoints,
			IsAdmin:     id.IsAdmin,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		inserted, err := tx.InsertUser(ctx, candidate)
		if err != nil {
			return err
		}
		if !inserted {
			existing, err := tx.GetUserForUpdate(ctx, id.UserID)
			if err != nil {
				return err
			}
			if existing.DisplayName == "" && name != "" {
				existing.DisplayName = name
				existing.UpdatedAt = now
				if err := tx.UpdateUser(ctx, existing); err != nil {
					return err
				}
			}
			user, created = existing, false
			return nil
		}

		if _, err := s.ledger.RecordGrantTx(ctx, tx, candidate); err != nil {
			return err
		}
		if err := s.enqueue(ctx, tx, domain.EventUserRegistered, domain.UserEvent{
			UserID:      candidate.ID,
			DisplayName: candidate.DisplayName,
			Points:      candidate.Points,
			IsAdmin:     candidate.IsAdmin,
			ActorID:     candidate.ID,
			OccurredAt:  now,
		}); err != nil {
			return err
		}
		user, created = candidate, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.logger.Info("Member registered", zap.String("user_id", user.ID.String()), zap.Int64("points", user.Points))
	}
	return user, created, nil
}

// UpdateDisplayName applies a profile change announced by the identity collaborator.
func (s *Service) UpdateDisplayName(ctx context.Context, userID uuid.UUID, displayName string) (err error) {
	defer s.observe("update_display_name", time.Now(), &err)

	name := normalizeDisplayName(displayName)
	if name == "" {
		return fmt.Errorf("%w: display name is required", domain.ErrValidation)
	}
	return s.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		user, err := tx.GetUserForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if user.DisplayName == name {
			return nil
		}
		user.DisplayName = name
		user.UpdatedAt = s.now().UTC()
		return tx.UpdateUser(ctx, user)
	})
}

func normalizeDisplayName(name string) string {
	name = strings.TrimSpace(name)
	if runes := []rune(name); len(runes) > maxDisplayNameLength {
		name = strings.TrimSpace(string(runes[:maxDisplayNameLength]))
	}
	return name
}

// SubmitItem lists a new item pending moderation.
func (s *Service) SubmitItem(ctx context.Context, id domain.Identity, payload domain.SubmitItemPayload) (item *domain.Item, err error) {
	defer s.observe("submit_item", time.Now(), &err)

	err = s.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := s.callerTx(ctx, tx, id); err != nil {
			return err
		}
		created, err := s.gate.SubmitTx(ctx, tx, id.UserID, payload)
		if err != nil {
			return err
		}
		if err := s.enqueue(ctx, tx, domain.EventItemSubmitted, domain.NewItemEvent(*created, id.UserID, created.CreatedAt)); err != nil {
			return err
		}
		item = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// ApproveItem admits a pending item into circulation.
func (s *Service) ApproveItem(ctx context.Context, id domain.Identity, itemID uuid.UUID) (item *domain.Item, err error) {
	defer s.observe("approve_item", time.Now(), &err)

	err = s.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := s.adminTx(ctx, tx, id); err != nil {
			return err
		}
		approved, err := s.gate.ApproveTx(ctx, tx, itemID, id.UserID)
		if err != nil {
			return err
		}
		if err := s.enqueue(ctx, tx, domain.EventItemApproved, domain.NewItemEvent(*approved, id.UserID, approved.UpdatedAt)); err != nil {
			return err
		}
		item = approved
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Item approved", zap.String("item_id", item.ID.String()), zap.String("admin_id", id.UserID.String()))
	return item, nil
}

// RejectItem keeps a pending item out of circulation for good.
func (s *Service) RejectItem(ctx context.Context, id domain.Identity, itemID uuid.UUID, reason *string) (item *domain.Item, err error) {
	defer s.observe("reject_item", time.Now(), &err)

	err = s.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := s.adminTx(ctx, tx, id); err != nil {
			return err
		}
		rejected, err := s.gate.RejectTx(ctx, tx, itemID, id.UserID, reason)
		if err != nil {
			return err
		}
		if err := s.enqueue(ctx, tx, domain.EventItemRejected, domain.NewItemEvent(*rejected, id.UserID, rejected.UpdatedAt)); err != nil {
			return err
		}
		item = rejected
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Item rejected", zap.String("item_id", item.ID.String()), zap.String("admin_id", id.UserID.String()))
	return item, nil
}

// RequestSwap opens a barter request for itemID.
func (s *Service) RequestSwap(ctx context.Context, id domain.Identity, itemID uuid.UUID, offeredItemID *uuid.UUID) (req *domain.SwapRequest, err error) {
	defer s.observe("request_swap", time.Now(), &err)

	err = s.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := s.callerTx(ctx, tx, id); err != nil {
			return err
		}
		out, err := s.engine.CreateSwapRequestTx(ctx, tx, id.UserID, itemID, offeredItemID)
		if err != nil {
			return err
		}
		if err := s.enqueue(ctx, tx, domain.EventSwapRequested, domain.NewSwapEvent(*out.Request, out.Request.CreatedAt)); err != nil {
			return err
		}
		req = out.Request
		return nil
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// RedeemWithPoints buys itemID with the caller's points.
func (s *Service) RedeemWithPoints(ctx context.Context, id domain.Identity, itemID uuid.UUID) (req *domain.SwapRequest, err error) {
	defer s.observe("redeem_with_points", time.Now(), &err)

	var superseded int
	err = s.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := s.callerTx(ctx, tx, id); err != nil {
			return err
		}
		out, err := s.engine.CreateRedemptionTx(ctx, tx, id.UserID, itemID)
		if err != nil {
			return err
		}
		now := *out.Request.CompletedAt
		if err := s.enqueue(ctx, tx, domain.EventRedemptionCompleted, domain.NewSwapEvent(*out.Request, now)); err != nil {
			return err
		}
		if err := s.enqueueSuperseded(ctx, tx, out.Superseded, now); err != nil {
			return err
		}
		req, superseded = out.Request, len(out.Superseded)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ExchangeCompleted(domain.SwapTypeRedemption)
	s.metrics.SwapsSuperseded(superseded)
	s.logger.Info("Item redeemed",
		zap.String("swap_request_id", req.ID.String()),
		zap.String("item_id", req.ItemID.String()),
		zap.String("requester_id", req.RequesterID.String()),
		zap.Int64("points", *req.PointsAmount),
	)
	return req, nil
}

// AcceptSwap completes a pending swap. If an item left circulation in the meantime the
// request is rejected, and that rejected request is returned together with ErrInvalidState.
func (s *Service) AcceptSwap(ctx context.Context, id domain.Identity, swapID uuid.UUID) (req *domain.SwapRequest, err error) {
	defer s.observe("accept_swap", time.Now(), &err)

	var superseded int
	err = s.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		req = nil
		if _, err := s.callerTx(ctx, tx, id); err != nil {
			return err
		}
		out, engineErr := s.engine.AcceptTx(ctx, tx, swapID, id.UserID)
		if out == nil {
			return engineErr
		}
		now := out.Request.UpdatedAt
		if engineErr != nil {
			if err := s.enqueue(ctx, tx, domain.EventSwapRejected, domain.NewSwapEvent(*out.Request, now)); err != nil {
				return err
			}
			req = out.Request
			return store.CommitWithError(engineErr)
		}

		if err := s.enqueue(ctx, tx, domain.EventSwapCompleted, domain.NewSwapEvent(*out.Request, now)); err != nil {
			return err
		}
		if err := s.enqueueSuperseded(ctx, tx, out.Superseded, now); err != nil {
			return err
		}
		req, superseded = out.Request, len(out.Superseded)
		return nil
	})
	if err != nil {
		if req != nil {
			s.logger.Info("Swap request rejected at accept time",
				zap.String("swap_request_id", req.ID.String()),
				zap.Stringp("reason", req.RejectionReason),
			)
		}
		return req, err
	}

	s.metrics.ExchangeCompleted(domain.SwapTypeSwap)
	s.metrics.SwapsSuperseded(superseded)
	s.logger.Info("Swap completed",
		zap.String("swap_request_id", req.ID.String()),
		zap.String("item_id", req.ItemID.String()),
		zap.Int("superseded", superseded),
	)
	return req, nil
}

// RejectSwap declines a pending swap.
func (s *Service) RejectSwap(ctx context.Context, id domain.Identity, swapID uuid.UUID) (req *domain.SwapRequest, err error) {
	defer s.observe("reject_swap", time.Now(), &err)

	err = s.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := s.callerTx(ctx, tx, id); err != nil {
			return err
		}
		out, err := s.engine.RejectTx(ctx, tx, swapID, id.UserID)
		if err != nil {
			return err
		}
		if err := s.enqueue(ctx, tx, domain.EventSwapRejected, domain.NewSwapEvent(*out.Request, out.Request.UpdatedAt)); err != nil {
			return err
		}
		req = out.Request
		return nil
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// GetItem returns an item. Pending and rejected items are only visible to their owner and admins.
func (s *Service) GetItem(ctx context.Context, id domain.Identity, itemID uuid.UUID) (item *domain.Item, err error) {
	defer s.observe("get_item", time.Now(), &err)

	user, err := s.caller(ctx, id)
	if err != nil {
		return nil, err
	}
	item, err = s.repo.FindItemByID(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.Status != domain.ItemStatusApproved && item.OwnerID != id.UserID && !isAdmin(id, user) {
		return nil, store.ErrItemNotFound
	}
	return item, nil
}

// BrowseCatalog lists approved, available items.
func (s *Service) BrowseCatalog(ctx context.Context, id domain.Identity, filter domain.CatalogFilter) (items []domain.Item, err error) {
	defer s.observe("browse_catalog", time.Now(), &err)

	if _, err = s.caller(ctx, id); err != nil {
		return nil, err
	}
	switch filter.Sort {
	case "", domain.SortNewest, domain.SortOldest, domain.SortPointsLow, domain.SortPointsHigh:
	default:
		return nil, fmt.Errorf("%w: unknown sort %q", domain.ErrValidation, filter.Sort)
	}
	return s.repo.ListCatalog(ctx, filter)
}

// GetSwapRequest returns a request to one of its two parties or an admin.
func (s *Service) GetSwapRequest(ctx context.Context, id domain.Identity, swapID uuid.UUID) (req *domain.SwapRequest, err error) {
	defer s.observe("get_swap_request", time.Now(), &err)

	user, err := s.caller(ctx, id)
	if err != nil {
		return nil, err
	}
	req, err = s.repo.FindSwapRequestByID(ctx, swapID)
	if err != nil {
		return nil, err
	}
	if !req.Involves(id.UserID) && !isAdmin(id, user) {
		return nil, fmt.Errorf("%w: not a party to this request", domain.ErrNotAuthorized)
	}
	return req, nil
}

// Dashboard gathers the caller's balance, listings and swap activity.
func (s *Service) Dashboard(ctx context.Context, id domain.Identity) (dash *domain.Dashboard, err error) {
	defer s.observe("dashboard", time.Now(), &err)

	user, err := s.caller(ctx, id)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.ListItemsByOwner(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	swaps, err := s.repo.ListSwapRequestsByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	dash = &domain.Dashboard{User: user, Items: items, SwapRequests: swaps}
	for _, req := range swaps {
		switch req.Status {
		case domain.SwapStatusPending:
			dash.PendingSwaps++
			if req.OwnerID == user.ID {
				dash.IncomingRequests++
			}
		case domain.SwapStatusCompleted:
			dash.CompletedSwaps++
		}
	}
	return dash, nil
}

// LedgerHistory lists the caller's point movements, newest first.
func (s *Service) LedgerHistory(ctx context.Context, id domain.Identity, limit, offset int) (entries []domain.LedgerEntry, err error) {
	defer s.observe("ledger_history", time.Now(), &err)

	if _, err = s.caller(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListLedgerEntries(ctx, id.UserID, limit, offset)
}

// ListItemsByStatus backs the moderation queue.
func (s *Service) ListItemsByStatus(ctx context.Context, id domain.Identity, opts domain.ItemListOptions) (items []domain.Item, err error) {
	defer s.observe("list_items_by_status", time.Now(), &err)

	if _, err = s.admin(ctx, id); err != nil {
		return nil, err
	}
	if opts.Status != "" && !opts.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, opts.Status)
	}
	return s.repo.ListItemsByStatus(ctx, opts)
}

// DeleteItem removes an item as an admin override. Pending requests that reference it are
// rejected in the same transaction; completed exchanges keep their audit rows.
func (s *Service) DeleteItem(ctx context.Context, id domain.Identity, itemID uuid.UUID) (err error) {
	defer s.observe("delete_item", time.Now(), &err)

	err = s.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := s.adminTx(ctx, tx, id); err != nil {
			return err
		}
		item, err := tx.GetItemForUpdate(ctx, itemID)
		if err != nil {
			return err
		}
		rejected, err := s.engine.RejectPendingForItemTx(ctx, tx, item.ID, uuid.Nil, domain.ReasonItemRemoved)
		if err != nil {
			return err
		}
		if err := tx.DeleteItem(ctx, item.ID); err != nil {
			return err
		}

		now := s.now().UTC()
		if err := s.enqueue(ctx, tx, domain.EventItemDeleted, domain.NewItemEvent(*item, id.UserID, now)); err != nil {
			return err
		}
		return s.enqueueSuperseded(ctx, tx, rejected, now)
	})
	if err != nil {
		return err
	}
	s.logger.Info("Item deleted by admin", zap.String("item_id", itemID.String()), zap.String("admin_id", id.UserID.String()))
	return nil
}

// SetUserAdmin grants or revokes the stored admin flag.
func (s *Service) SetUserAdmin(ctx context.Context, id domain.Identity, userID uuid.UUID, admin bool) (user *domain.User, err error) {
	defer s.observe("set_user_admin", time.Now(), &err)

	return s.updateUserFlags(ctx, id, userID, domain.EventUserRoleChanged, func(u *domain.User) bool {
		if u.IsAdmin == admin {
			return false
		}
		u.IsAdmin = admin
		return true
	})
}

// SetUserBanned bans or unbans a member.
func (s *Service) SetUserBanned(ctx context.Context, id domain.Identity, userID uuid.UUID, banned bool) (user *domain.User, err error) {
	defer s.observe("set_user_banned", time.Now(), &err)

	return s.updateUserFlags(ctx, id, userID, domain.EventUserBanChanged, func(u *domain.User) bool {
		if u.IsBanned == banned {
			return false
		}
		u.IsBanned = banned
		return true
	})
}

func (s *Service) updateUserFlags(ctx context.Context, id domain.Identity, userID uuid.UUID, routingKey string, apply func(*domain.User) bool) (*domain.User, error) {
	var user *domain.User
	err := s.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := s.adminTx(ctx, tx, id); err != nil {
			return err
		}
		if userID == id.UserID {
			return fmt.Errorf("%w: admins cannot change their own flags", domain.ErrValidation)
		}
		target, err := tx.GetUserForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		user = target
		if !apply(target) {
			return nil
		}
		now := s.now().UTC()
		target.UpdatedAt = now
		if err := tx.UpdateUser(ctx, target); err != nil {
			return err
		}
		return s.enqueue(ctx, tx, routingKey, domain.UserEvent{
			UserID:      target.ID,
			DisplayName: target.DisplayName,
			Points:      target.Points,
			IsAdmin:     target.IsAdmin,
			IsBanned:    target.IsBanned,
			ActorID:     id.UserID,
			OccurredAt:  now,
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Member flags updated",
		zap.String("user_id", user.ID.String()),
		zap.Bool("is_admin", user.IsAdmin),
		zap.Bool("is_banned", user.IsBanned),
		zap.String("admin_id", id.UserID.String()),
	)
	return user, nil
}

// ListUsers lists members for the admin panel.
func (s *Service) ListUsers(ctx context.Context, id domain.Identity, opts domain.UserListOptions) (users []domain.User, err error) {
	defer s.observe("list_users", time.Now(), &err)

	if _, err = s.admin(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListUsers(ctx, opts)
}

// Stats returns the admin overview counters.
func (s *Service) Stats(ctx context.Context, id domain.Identity) (stats *domain.PlatformStats, err error) {
	defer s.observe("stats", time.Now(), &err)

	if _, err = s.admin(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.Stats(ctx)
}

// Ping reports whether the store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}
