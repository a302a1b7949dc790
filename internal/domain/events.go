package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys for events published on the exchange-service topic exchange.
const (
	EventUserRegistered      = "user.registered"
	EventUserRoleChanged     = "user.role_changed"
	EventUserBanChanged      = "user.ban_changed"
	EventItemSubmitted       = "item.submitted"
	EventItemApproved        = "item.approved"
	EventItemRejected        = "item.rejected"
	EventItemDeleted         = "item.deleted"
	EventSwapRequested       = "swap.requested"
	EventSwapCompleted       = "swap.completed"
	EventSwapRejected        = "swap.rejected"
	EventRedemptionCompleted = "redemption.completed"
)

// Routing keys consumed from the identity collaborator.
const (
	IdentityUserCreated        = "user.created"
	IdentityUserProfileUpdated = "user.profile.updated"
)

// OutboxEvent is a domain event staged in the same transaction as the change it announces.
type OutboxEvent struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}

// IdentityEvent is the message emitted by the identity collaborator for user lifecycle updates.
type IdentityEvent struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	IsAdmin     bool   `json:"is_admin"`
}

// UserEvent is published for user registration and flag changes.
type UserEvent struct {
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Points      int64     `json:"points"`
	IsAdmin     bool      `json:"is_admin"`
	IsBanned    bool      `json:"is_banned"`
	ActorID     uuid.UUID `json:"actor_id"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// ItemEvent is published on every moderation transition and admin delete.
type ItemEvent struct {
	ItemID     uuid.UUID  `json:"item_id"`
	OwnerID    uuid.UUID  `json:"owner_id"`
	Title      string     `json:"title"`
	Status     ItemStatus `json:"status"`
	Points     int64      `json:"points"`
	Reason     *string    `json:"reason,omitempty"`
	ActorID    uuid.UUID  `json:"actor_id"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// SwapEvent is published whenever a SwapRequest is created or reaches a terminal state.
type SwapEvent struct {
	SwapRequestID uuid.UUID  `json:"swap_request_id"`
	Type          SwapType   `json:"type"`
	Status        SwapStatus `json:"status"`
	RequesterID   uuid.UUID  `json:"requester_id"`
	OwnerID       uuid.UUID  `json:"owner_id"`
	ItemID        uuid.UUID  `json:"item_id"`
	OfferedItemID *uuid.UUID `json:"offered_item_id,omitempty"`
	PointsAmount  *int64     `json:"points_amount,omitempty"`
	Reason        *string    `json:"reason,omitempty"`
	OccurredAt    time.Time  `json:"occurred_at"`
}

// NewSwapEvent projects a SwapRequest into its event payload.
func NewSwapEvent(s SwapRequest, at time.Time) SwapEvent {
	return SwapEvent{
		SwapRequestID: s.ID,
		Type:          s.Type,
		Status:        s.Status,
		RequesterID:   s.RequesterID,
		OwnerID:       s.OwnerID,
		ItemID:        s.ItemID,
		OfferedItemID: s.OfferedItemID,
		PointsAmount:  s.PointsAmount,
		Reason:        s.RejectionReason,
		OccurredAt:    at,
	}
}

// NewItemEvent projects an Item into its event payload.
func NewItemEvent(i Item, actor uuid.UUID, at time.Time) ItemEvent {
	return ItemEvent{
		ItemID:     i.ID,
		OwnerID:    i.OwnerID,
		Title:      i.Title,
		Status:     i.Status,
		Points:     i.Points,
		Reason:     i.RejectionReason,
		ActorID:    actor,
		OccurredAt: at,
	}
}
