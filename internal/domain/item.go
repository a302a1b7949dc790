/**
 * @description
 * Item listing models. An Item enters circulation only after moderation approves it;
 * `Available` is a separate flag that flips to false once an exchange consumes the item.
 *
 * @notes
 * - Points are int64 valuations, the same unit the ledger moves.
 * - Images are opaque references handed over by the asset collaborator and stored verbatim.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

type ItemStatus string

const (
	ItemStatusPending  ItemStatus = "pending"
	ItemStatusApproved ItemStatus = "approved"
	ItemStatusRejected ItemStatus = "rejected"
)

// Valid reports whether s is a known moderation status.
func (s ItemStatus) Valid() bool {
	switch s {
	case ItemStatusPending, ItemStatusApproved, ItemStatusRejected:
		return true
	}
	return false
}

// Item maps to the `items` table.
type Item struct {
	ID              uuid.UUID  `json:"id"`
	OwnerID         uuid.UUID  `json:"owner_id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	Category        string     `json:"category"`
	ItemType        string     `json:"item_type,omitempty"`
	Size            string     `json:"size"`
	Condition       string     `json:"condition"`
	Tags            []string   `json:"tags"`
	Images          []string   `json:"images"`
	Points          int64      `json:"points"`
	Status          ItemStatus `json:"status"`
	Available       bool       `json:"available"`
	ApprovedBy      *uuid.UUID `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	RejectedBy      *uuid.UUID `json:"rejected_by,omitempty"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty"`
	RejectionReason *string    `json:"rejection_reason,omitempty"`
	AcquiredBy      *uuid.UUID `json:"acquired_by,omitempty"`
	AcquiredVia     *uuid.UUID `json:"acquired_via,omitempty"` // swap request that consumed the item
	AcquiredAt      *time.Time `json:"acquired_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Transactable reports whether the item may be targeted or offered in a new exchange.
func (i *Item) Transactable() bool {
	return i.Status == ItemStatusApproved && i.Available
}

// Clone returns a deep copy so stores never share slices or pointers with callers.
func (i Item) Clone() Item {
	out := i
	out.Tags = append([]string(nil), i.Tags...)
	out.Images = append([]string(nil), i.Images...)
	out.ApprovedBy = cloneUUID(i.ApprovedBy)
	out.ApprovedAt = cloneTime(i.ApprovedAt)
	out.RejectedBy = cloneUUID(i.RejectedBy)
	out.RejectedAt = cloneTime(i.RejectedAt)
	out.RejectionReason = cloneString(i.RejectionReason)
	out.AcquiredBy = cloneUUID(i.AcquiredBy)
	out.AcquiredVia = cloneUUID(i.AcquiredVia)
	out.AcquiredAt = cloneTime(i.AcquiredAt)
	return out
}

// SubmitItemPayload is the DTO for a new listing.
type SubmitItemPayload struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	ItemType    string   `json:"item_type"`
	Size        string   `json:"size"`
	Condition   string   `json:"condition"`
	Tags        []string `json:"tags"`
	Images      []string `json:"images"`
	Points      int64    `json:"points"`
}

// CatalogSort names the orderings offered by the browse page.
type CatalogSort string

const (
	SortNewest     CatalogSort = "newest"
	SortOldest     CatalogSort = "oldest"
	SortPointsLow  CatalogSort = "points_low"
	SortPointsHigh CatalogSort = "points_high"
)

// CatalogFilter narrows the browsable catalog (approved and available items only).
type CatalogFilter struct {
	Category  string
	Condition string
	Size      string
	Search    string
	Sort      CatalogSort
	Limit     int
	Offset    int
}

// ItemListOptions is used by the moderation queue and owner listings.
type ItemListOptions struct {
	Status ItemStatus
	Limit  int
	Offset int
}

func cloneUUID(v *uuid.UUID) *uuid.UUID {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
