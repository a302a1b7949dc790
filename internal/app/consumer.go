package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rewear/exchange-service/internal/domain"
	"github.com/rewear/exchange-service/pkg/rabbitmq"
	"go.uber.org/zap"
)

const identityHandleTimeout = 15 * time.Second

// IdentityRegistrar is the part of the coordinator the identity consumer drives.
type IdentityRegistrar interface {
	RegisterUser(ctx context.Context, id domain.Identity) (*domain.User, bool, error)
	UpdateDisplayName(ctx context.Context, userID uuid.UUID, displayName string) error
}

// IdentityEventConsumer keeps the member table in step with the identity collaborator.
type IdentityEventConsumer struct {
	registrar IdentityRegistrar
	logger    *zap.Logger
}

func NewIdentityEventConsumer(registrar IdentityRegistrar, logger *zap.Logger) *IdentityEventConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentityEventConsumer{registrar: registrar, logger: logger}
}

// Bindings maps the consumed routing keys to their handlers.
func (c *IdentityEventConsumer) Bindings() map[string]rabbitmq.Handler {
	return map[string]rabbitmq.Handler{
		domain.IdentityUserCreated:        c.HandleUserCreated,
		domain.IdentityUserProfileUpdated: c.HandleProfileUpdated,
	}
}

// HandleUserCreated registers the member. Malformed payloads are acknowledged and dropped.
func (c *IdentityEventConsumer) HandleUserCreated(body []byte) bool {
	event, userID, ok := c.decode(body)
	if !ok {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), identityHandleTimeout)
	defer cancel()

	_, created, err := c.registrar.RegisterUser(ctx, domain.Identity{
		UserID:      userID,
		DisplayName: event.DisplayName,
		IsAdmin:     event.IsAdmin,
	})
	if err != nil {
		if isPermanent(err) {
			c.logger.Warn("identity-consumer: dropping user.created", zap.String("user_id", event.UserID), zap.Error(err))
			return true
		}
		c.logger.Error("identity-consumer: registration failed", zap.String("user_id", event.UserID), zap.Error(err))
		return false
	}
	if !created {
		c.logger.Debug("identity-consumer: member already registered", zap.String("user_id", event.UserID))
	}
	return true
}

// HandleProfileUpdated refreshes the display name of a registered member.
func (c *IdentityEventConsumer) HandleProfileUpdated(body []byte) bool {
	event, userID, ok := c.decode(body)
	if !ok {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), identityHandleTimeout)
	defer cancel()

	if err := c.registrar.UpdateDisplayName(ctx, userID, event.DisplayName); err != nil {
		if isPermanent(err) {
			c.logger.Warn("identity-consumer: dropping user.profile.updated", zap.String("user_id", event.UserID), zap.Error(err))
			return true
		}
		c.logger.Error("identity-consumer: profile update failed", zap.String("user_id", event.UserID), zap.Error(err))
		return false
	}
	return true
}

func (c *IdentityEventConsumer) decode(body []byte) (domain.IdentityEvent, uuid.UUID, bool) {
	var event domain.IdentityEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("identity-consumer: failed to unmarshal payload", zap.Error(err))
		return event, uuid.Nil, false
	}
	userID, err := uuid.Parse(strings.TrimSpace(event.UserID))
	if err != nil || userID == uuid.Nil {
		c.logger.Warn("identity-consumer: missing or invalid user id", zap.String("user_id", event.UserID))
		return event, uuid.Nil, false
	}
	return event, userID, true
}

// isPermanent reports errors that redelivery cannot fix.
func isPermanent(err error) bool {
	return errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrNotAuthorized)
}
