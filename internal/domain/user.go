package domain

import (
	"time"

	"github.com/google/uuid"
)

// User is the engine's view of a member. Identity comes from the identity
// collaborator; points and flags are owned by the exchange engine.
type User struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
	Points      int64     `json:"points"`
	IsAdmin     bool      `json:"is_admin"`
	IsBanned    bool      `json:"is_banned"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Identity is the authenticated caller as asserted by the identity collaborator.
// It is passed explicitly into every engine call.
type Identity struct {
	UserID      uuid.UUID
	DisplayName string
	IsAdmin     bool
	IsBanned    bool
}

// Dashboard is the caller's own view: balance, listings and the swaps they take part in.
type Dashboard struct {
	User             *User         `json:"user"`
	Items            []Item        `json:"items"`
	SwapRequests     []SwapRequest `json:"swap_requests"`
	PendingSwaps     int           `json:"pending_swaps"`
	CompletedSwaps   int           `json:"completed_swaps"`
	IncomingRequests int           `json:"incoming_requests"`
}

// PlatformStats backs the admin overview.
type PlatformStats struct {
	TotalUsers           int64 `json:"total_users"`
	TotalItems           int64 `json:"total_items"`
	PendingItems         int64 `json:"pending_items"`
	ApprovedItems        int64 `json:"approved_items"`
	CompletedSwaps       int64 `json:"completed_swaps"`
	CompletedRedemptions int64 `json:"completed_redemptions"`
}

// UserListOptions controls pagination for the admin user list.
type UserListOptions struct {
	Limit  int
	Offset int
}
