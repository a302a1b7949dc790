// Package swap implements the SwapRequest state machine for barter swaps and points
// redemptions. Every method runs inside the caller's store transaction and takes row locks
// on everything it reads.
package swap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rewear/exchange-service/internal/domain"
	"github.com/rewear/exchange-service/internal/ledger"
	"github.com/rewear/exchange-service/internal/store"
)

// Outcome is the authoritative result of an engine transition.
type Outcome struct {
	Request *domain.SwapRequest
	// Consumed holds the items taken out of circulation by this transition.
	Consumed []domain.Item
	Transfer *domain.PointsTransfer
	// Superseded holds the pending requests rejected because an item they reference was consumed.
	Superseded []domain.SwapRequest
}

type Engine struct {
	ledger *ledger.Ledger
	now    func() time.Time
}

func NewEngine(l *ledger.Ledger) *Engine {
	return &Engine{ledger: l, now: time.Now}
}

// WithClock overrides the timestamp source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// CreateSwapRequestTx opens a pending barter request for itemID, optionally offering one of
// the requester's own items in return.
func (e *Engine) CreateSwapRequestTx(ctx context.Context, tx store.Tx, requesterID, itemID uuid.UUID, offeredItemID *uuid.UUID) (*Outcome, error) {
	if offeredItemID != nil && *offeredItemID == itemID {
		return nil, fmt.Errorf("%w: offered item must differ from the requested item", domain.ErrValidation)
	}

	ids := []uuid.UUID{itemID}
	if offeredItemID != nil {
		ids = append(ids, *offeredItemID)
	}
	items, err := lockItems(ctx, tx, ids...)
	if err != nil {
		return nil, err
	}

	target := items[itemID]
	if target.OwnerID == requesterID {
		return nil, fmt.Errorf("%w: cannot request your own item", domain.ErrValidation)
	}
	if !target.Transactable() {
		return nil, fmt.Errorf("%w: item is not available for exchange", domain.ErrInvalidState)
	}

	if offeredItemID != nil {
		offered := items[*offeredItemID]
		if offered.OwnerID != requesterID {
			return nil, fmt.Errorf("%w: offered item does not belong to the requester", domain.ErrValidation)
		}
		if !offered.Transactable() {
			return nil, fmt.Errorf("%w: offered item is not available for exchange", domain.ErrInvalidState)
		}
	}

	pending, err := tx.ListPendingSwapRequestsForItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	for _, p := range pending {
		if p.ItemID == itemID && p.RequesterID == requesterID && sameOffer(p.OfferedItemID, offeredItemID) {
			return nil, fmt.Errorf("%w: an identical request is already pending", domain.ErrInvalidState)
		}
	}

	now := e.now().UTC()
	req := &domain.SwapRequest{
		ID:          uuid.New(),
		Type:        domain.SwapTypeSwap,
		Status:      domain.SwapStatusPending,
		RequesterID: requesterID,
		OwnerID:     target.OwnerID,
		ItemID:      itemID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if offeredItemID != nil {
		offered := *offeredItemID
		req.OfferedItemID = &offered
	}
	if err := tx.InsertSwapRequest(ctx, req); err != nil {
		return nil, err
	}
	return &Outcome{Request: req}, nil
}

// CreateRedemptionTx buys itemID with points: the transfer, the item hand-over and the
// completed audit record commit together or not at all.
func (e *Engine) CreateRedemptionTx(ctx context.Context, tx store.Tx, requesterID, itemID uuid.UUID) (*Outcome, error) {
	item, err := tx.GetItemForUpdate(ctx, itemID)
	if err != nil {
		return nil, err
	}
	// Redeeming an item you already own is a state conflict, not malformed input.
	if item.OwnerID == requesterID {
		return nil, fmt.Errorf("%w: cannot redeem your own item", domain.ErrInvalidState)
	}
	if !item.Transactable() {
		return nil, fmt.Errorf("%w: item is not available for redemption", domain.ErrInvalidState)
	}

	now := e.now().UTC()
	amount := item.Points
	req := &domain.SwapRequest{
		ID:           uuid.New(),
		Type:         domain.SwapTypeRedemption,
		Status:       domain.SwapStatusCompleted,
		RequesterID:  requesterID,
		OwnerID:      item.OwnerID,
		ItemID:       item.ID,
		PointsAmount: &amount,
		CreatedAt:    now,
		DecidedAt:    &now,
		CompletedAt:  &now,
		UpdatedAt:    now,
	}

	transfer, err := e.ledger.TransferTx(ctx, tx, requesterID, item.OwnerID, amount, ledger.RedemptionPosting(req.ID))
	if err != nil {
		return nil, err
	}

	consume(item, requesterID, req.ID, now)
	if err := tx.UpdateItem(ctx, item); err != nil {
		return nil, err
	}
	if err := tx.InsertSwapRequest(ctx, req); err != nil {
		return nil, err
	}

	superseded, err := e.RejectPendingForItemTx(ctx, tx, item.ID, req.ID, domain.ReasonItemNoLongerAvailable)
	if err != nil {
		return nil, err
	}

	return &Outcome{Request: req, Consumed: []domain.Item{*item}, Transfer: transfer, Superseded: superseded}, nil
}

// AcceptTx completes a pending swap on behalf of the owner. When either item has left
// circulation since the request was made, the request is rejected instead and both a
// non-nil Outcome and an ErrInvalidState error are returned; the caller is expected to
// persist that rejection.
func (e *Engine) AcceptTx(ctx context.Context, tx store.Tx, swapID, ownerID uuid.UUID) (*Outcome, error) {
	req, err := e.lockDecidable(ctx, tx, swapID, ownerID)
	if err != nil {
		return nil, err
	}
	if req.Type != domain.SwapTypeSwap {
		return nil, fmt.Errorf("%w: only swap requests can be accepted", domain.ErrInvalidState)
	}

	ids := []uuid.UUID{req.ItemID}
	if req.OfferedItemID != nil {
		ids = append(ids, *req.OfferedItemID)
	}
	items, err := lockItems(ctx, tx, ids...)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	now := e.now().UTC()
	target, ok := items[req.ItemID]
	if !ok || !target.Transactable() || target.OwnerID != req.OwnerID {
		return e.rejectRace(ctx, tx, req, domain.ReasonItemUnavailable, now)
	}
	var offered *domain.Item
	if req.OfferedItemID != nil {
		offered, ok = items[*req.OfferedItemID]
		if !ok || !offered.Transactable() || offered.OwnerID != req.RequesterID {
			return e.rejectRace(ctx, tx, req, domain.ReasonOfferedItemUnavailable, now)
		}
	}

	consume(target, req.RequesterID, req.ID, now)
	if err := tx.UpdateItem(ctx, target); err != nil {
		return nil, err
	}
	consumed := []domain.Item{*target}
	if offered != nil {
		consume(offered, req.OwnerID, req.ID, now)
		if err := tx.UpdateItem(ctx, offered); err != nil {
			return nil, err
		}
		consumed = append(consumed, *offered)
	}

	req.Status = domain.SwapStatusCompleted
	req.DecidedAt = &now
	req.CompletedAt = &now
	req.UpdatedAt = now
	if err := tx.UpdateSwapRequest(ctx, req); err != nil {
		return nil, err
	}

	var superseded []domain.SwapRequest
	for _, it := range consumed {
		rejected, err := e.RejectPendingForItemTx(ctx, tx, it.ID, req.ID, domain.ReasonItemNoLongerAvailable)
		if err != nil {
			return nil, err
		}
		superseded = append(superseded, rejected...)
	}

	return &Outcome{Request: req, Consumed: consumed, Superseded: superseded}, nil
}

// RejectTx declines a pending swap. Items and balances are untouched.
func (e *Engine) RejectTx(ctx context.Context, tx store.Tx, swapID, ownerID uuid.UUID) (*Outcome, error) {
	req, err := e.lockDecidable(ctx, tx, swapID, ownerID)
	if err != nil {
		return nil, err
	}
	if err := e.markRejected(ctx, tx, req, domain.ReasonOwnerRejected, e.now().UTC()); err != nil {
		return nil, err
	}
	return &Outcome{Request: req}, nil
}

// RejectPendingForItemTx rejects every pending request that targets or offers itemID,
// except the one identified by keep.
func (e *Engine) RejectPendingForItemTx(ctx context.Context, tx store.Tx, itemID, keep uuid.UUID, reason string) ([]domain.SwapRequest, error) {
	pending, err := tx.ListPendingSwapRequestsForItem(ctx, itemID)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	rejected := make([]domain.SwapRequest, 0, len(pending))
	for i := range pending {
		req := &pending[i]
		if req.ID == keep {
			continue
		}
		if err := e.markRejected(ctx, tx, req, reason, now); err != nil {
			return nil, err
		}
		rejected = append(rejected, *req)
	}
	return rejected, nil
}

func (e *Engine) lockDecidable(ctx context.Context, tx store.Tx, swapID, ownerID uuid.UUID) (*domain.SwapRequest, error) {
	req, err := tx.GetSwapRequestForUpdate(ctx, swapID)
	if err != nil {
		return nil, err
	}
	if req.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: only the item owner can decide on this request", domain.ErrNotAuthorized)
	}
	if req.Status != domain.SwapStatusPending {
		return nil, fmt.Errorf("%w: swap request is already %s", domain.ErrInvalidState, req.Status)
	}
	return req, nil
}

func (e *Engine) rejectRace(ctx context.Context, tx store.Tx, req *domain.SwapRequest, reason string, now time.Time) (*Outcome, error) {
	if err := e.markRejected(ctx, tx, req, reason, now); err != nil {
		return nil, err
	}
	return &Outcome{Request: req}, fmt.Errorf("%w: %s", domain.ErrInvalidState, reason)
}

func (e *Engine) markRejected(ctx context.Context, tx store.Tx, req *domain.SwapRequest, reason string, now time.Time) error {
	note := reason
	req.Status = domain.SwapStatusRejected
	req.RejectionReason = &note
	req.DecidedAt = &now
	req.UpdatedAt = now
	return tx.UpdateSwapRequest(ctx, req)
}

// consume takes an item out of circulation and records who acquired it and through which request.
func consume(item *domain.Item, acquirer, via uuid.UUID, now time.Time) {
	by, through, at := acquirer, via, now
	item.Available = false
	item.AcquiredBy = &by
	item.AcquiredVia = &through
	item.AcquiredAt = &at
	item.UpdatedAt = now
}

// lockItems locks items in ascending id order. On a missing item it returns the items
// locked so far together with the not-found error.
func lockItems(ctx context.Context, tx store.Tx, ids ...uuid.UUID) (map[uuid.UUID]*domain.Item, error) {
	ordered := append([]uuid.UUID(nil), ids...)
	sort.Slice(ordered, func(i, j int) bool { return bytes.Compare(ordered[i][:], ordered[j][:]) < 0 })

	items := make(map[uuid.UUID]*domain.Item, len(ordered))
	var missing error
	for _, id := range ordered {
		item, err := tx.GetItemForUpdate(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				missing = err
				continue
			}
			return nil, err
		}
		items[id] = item
	}
	return items, missing
}

func sameOffer(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
