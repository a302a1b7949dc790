package domain

import (
	"time"

	"github.com/google/uuid"
)

type SwapType string

const (
	SwapTypeSwap       SwapType = "swap"
	SwapTypeRedemption SwapType = "redemption"
)

type SwapStatus string

const (
	SwapStatusPending   SwapStatus = "pending"
	SwapStatusCompleted SwapStatus = "completed"
	SwapStatusRejected  SwapStatus = "rejected"
)

// Terminal reports whether no further transition is allowed from s.
func (s SwapStatus) Terminal() bool {
	return s == SwapStatusCompleted || s == SwapStatusRejected
}

// Rejection reasons stored on SwapRequest.RejectionReason.
const (
	ReasonOwnerRejected          = "owner_rejected"
	ReasonItemUnavailable        = "item_unavailable"
	ReasonOfferedItemUnavailable = "offered_item_unavailable"
	ReasonItemNoLongerAvailable  = "item_no_longer_available"
	ReasonItemRemoved            = "item_removed"
)

// SwapRequest maps to the `swap_requests` table. A redemption row is an audit record
// created directly in the completed state.
type SwapRequest struct {
	ID              uuid.UUID  `json:"id"`
	Type            SwapType   `json:"type"`
	Status          SwapStatus `json:"status"`
	RequesterID     uuid.UUID  `json:"requester_id"`
	OwnerID         uuid.UUID  `json:"owner_id"`
	ItemID          uuid.UUID  `json:"item_id"`
	OfferedItemID   *uuid.UUID `json:"offered_item_id,omitempty"`
	PointsAmount    *int64     `json:"points_amount,omitempty"`
	RejectionReason *string    `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	DecidedAt       *time.Time `json:"decided_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Involves reports whether userID is the requester or the owner.
func (s *SwapRequest) Involves(userID uuid.UUID) bool {
	return s.RequesterID == userID || s.OwnerID == userID
}

// References reports whether the request targets or offers itemID.
func (s *SwapRequest) References(itemID uuid.UUID) bool {
	return s.ItemID == itemID || (s.OfferedItemID != nil && *s.OfferedItemID == itemID)
}

func (s SwapRequest) Clone() SwapRequest {
	out := s
	out.OfferedItemID = cloneUUID(s.OfferedItemID)
	out.PointsAmount = cloneInt64(s.PointsAmount)
	out.RejectionReason = cloneString(s.RejectionReason)
	out.DecidedAt = cloneTime(s.DecidedAt)
	out.CompletedAt = cloneTime(s.CompletedAt)
	return out
}

// RequestSwapPayload is the DTO for a barter request. OfferedItemID is optional.
type RequestSwapPayload struct {
	OfferedItemID *uuid.UUID `json:"offered_item_id,omitempty"`
}

// RejectItemPayload carries an optional moderation note.
type RejectItemPayload struct {
	Reason *string `json:"reason,omitempty"`
}
