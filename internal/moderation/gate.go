/**
 * @description
 * The moderation gate admits listings into circulation. Items are created pending and
 * unavailable; an admin decision moves them to approved (and available) or rejected.
 * Both decisions are final.
 */

package moderation

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rewear/exchange-service/internal/domain"
	"github.com/rewear/exchange-service/internal/store"
)

const (
	maxTitleLength       = 120
	maxDescriptionLength = 2000
	maxTags              = 10
	maxRejectionReason   = 500
)

var knownConditions = map[string]string{
	"like new":  "Like New",
	"excellent": "Excellent",
	"good":      "Good",
	"fair":      "Fair",
}

// Policy bounds what a submission may contain.
type Policy struct {
	MinPoints int64
	MaxPoints int64
	MaxImages int
}

func DefaultPolicy() Policy {
	return Policy{MinPoints: 10, MaxPoints: 200, MaxImages: 5}
}

type Gate struct {
	policy Policy
	now    func() time.Time
}

func NewGate(policy Policy) *Gate {
	defaults := DefaultPolicy()
	if policy.MinPoints <= 0 {
		policy.MinPoints = defaults.MinPoints
	}
	if policy.MaxPoints < policy.MinPoints {
		policy.MaxPoints = defaults.MaxPoints
	}
	if policy.MaxImages <= 0 {
		policy.MaxImages = defaults.MaxImages
	}
	return &Gate{policy: policy, now: time.Now}
}

// WithClock overrides the timestamp source.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

func (g *Gate) Policy() Policy {
	return g.policy
}

// NewItem validates a submission and builds the pending item. Nothing is persisted.
func (g *Gate) NewItem(ownerID uuid.UUID, p domain.SubmitItemPayload) (*domain.Item, error) {
	title := strings.TrimSpace(p.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", domain.ErrValidation)
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return nil, fmt.Errorf("%w: title must be at most %d characters", domain.ErrValidation, maxTitleLength)
	}
	description := strings.TrimSpace(p.Description)
	if utf8.RuneCountInString(description) > maxDescriptionLength {
		return nil, fmt.Errorf("%w: description must be at most %d characters", domain.ErrValidation, maxDescriptionLength)
	}

	if len(p.Images) == 0 {
		return nil, fmt.Errorf("%w: at least one image is required", domain.ErrValidation)
	}
	if len(p.Images) > g.policy.MaxImages {
		return nil, fmt.Errorf("%w: at most %d images are allowed", domain.ErrValidation, g.policy.MaxImages)
	}
	images := make([]string, 0, len(p.Images))
	for _, ref := range p.Images {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			return nil, fmt.Errorf("%w: image references must not be empty", domain.ErrValidation)
		}
		images = append(images, ref)
	}

	if p.Points < g.policy.MinPoints || p.Points > g.policy.MaxPoints {
		return nil, fmt.Errorf("%w: points must be between %d and %d", domain.ErrValidation, g.policy.MinPoints, g.policy.MaxPoints)
	}

	condition := strings.TrimSpace(p.Condition)
	if condition != "" {
		canonical, ok := knownConditions[strings.ToLower(condition)]
		if !ok {
			return nil, fmt.Errorf("%w: unknown condition %q", domain.ErrValidation, condition)
		}
		condition = canonical
	}

	tags, err := normalizeTags(p.Tags)
	if err != nil {
		return nil, err
	}

	now := g.now().UTC()
	return &domain.Item{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		Title:       title,
		Description: description,
		Category:    strings.TrimSpace(p.Category),
		ItemType:    strings.TrimSpace(p.ItemType),
		Size:        strings.TrimSpace(p.Size),
		Condition:   condition,
		Tags:        tags,
		Images:      images,
		Points:      p.Points,
		Status:      domain.ItemStatusPending,
		Available:   false,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func normalizeTags(raw []string) ([]string, error) {
	seen := make(map[string]struct{}, len(raw))
	tags := make([]string, 0, len(raw))
	for _, tag := range raw {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	if len(tags) > maxTags {
		return nil, fmt.Errorf("%w: at most %d tags are allowed", domain.ErrValidation, maxTags)
	}
	return tags, nil
}

// SubmitTx validates and inserts a new pending item.
func (g *Gate) SubmitTx(ctx context.Context, tx store.Tx, ownerID uuid.UUID, p domain.SubmitItemPayload) (*domain.Item, error) {
	item, err := g.NewItem(ownerID, p)
	if err != nil {
		return nil, err
	}
	if err := tx.InsertItem(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// ApproveTx moves a pending item to approved and makes it available.
func (g *Gate) ApproveTx(ctx context.Context, tx store.Tx, itemID, adminID uuid.UUID) (*domain.Item, error) {
	item, err := g.lockPending(ctx, tx, itemID)
	if err != nil {
		return nil, err
	}

	now := g.now().UTC()
	approver := adminID
	item.Status = domain.ItemStatusApproved
	item.Available = true
	item.ApprovedBy = &approver
	item.ApprovedAt = &now
	item.UpdatedAt = now

	if err := tx.UpdateItem(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// RejectTx moves a pending item to rejected. The item never becomes available.
func (g *Gate) RejectTx(ctx context.Context, tx store.Tx, itemID, adminID uuid.UUID, reason *string) (*domain.Item, error) {
	note, err := normalizeReason(reason)
	if err != nil {
		return nil, err
	}
	item, err := g.lockPending(ctx, tx, itemID)
	if err != nil {
		return nil, err
	}

	now := g.now().UTC()
	rejecter := adminID
	item.Status = domain.ItemStatusRejected
	item.Available = false
	item.RejectedBy = &rejecter
	item.RejectedAt = &now
	item.RejectionReason = note
	item.UpdatedAt = now

	if err := tx.UpdateItem(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

func (g *Gate) lockPending(ctx context.Context, tx store.Tx, itemID uuid.UUID) (*domain.Item, error) {
	item, err := tx.GetItemForUpdate(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.Status != domain.ItemStatusPending {
		return nil, fmt.Errorf("%w: item is already %s", domain.ErrInvalidState, item.Status)
	}
	return item, nil
}

func normalizeReason(reason *string) (*string, error) {
	if reason == nil {
		return nil, nil
	}
	note := strings.TrimSpace(*reason)
	if note == "" {
		return nil, nil
	}
	if utf8.RuneCountInString(note) > maxRejectionReason {
		return nil, fmt.Errorf("%w: rejection reason must be at most %d characters", domain.ErrValidation, maxRejectionReason)
	}
	return &note, nil
}
