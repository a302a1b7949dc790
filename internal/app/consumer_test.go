package app

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/rewear/exchange-service/internal/domain"
)

type stubRegistrar struct {
	registered []domain.Identity
	renamed    map[uuid.UUID]string
	err        error
}

func (s *stubRegistrar) RegisterUser(_ context.Context, id domain.Identity) (*domain.User, bool, error) {
	if s.err != nil {
		return nil, false, s.err
	}
	s.registered = append(s.registered, id)
	return &domain.User{ID: id.UserID}, true, nil
}

func (s *stubRegistrar) UpdateDisplayName(_ context.Context, userID uuid.UUID, name string) error {
	if s.err != nil {
		return s.err
	}
	if s.renamed == nil {
		s.renamed = map[uuid.UUID]string{}
	}
	s.renamed[userID] = name
	return nil
}

func TestIdentityConsumerUserCreated(t *testing.T) {
	reg := &stubRegistrar{}
	c := NewIdentityEventConsumer(reg, nil)
	id := uuid.New()

	body := []byte(fmt.Sprintf(`{"user_id":%q,"display_name":"Ada","is_admin":true}`, id))
	if !c.HandleUserCreated(body) {
		t.Fatal("expected ack")
	}
	if len(reg.registered) != 1 {
		t.Fatalf("expected one registration, got %d", len(reg.registered))
	}
	got := reg.registered[0]
	if got.UserID != id || got.DisplayName != "Ada" || !got.IsAdmin {
		t.Fatalf("unexpected identity %+v", got)
	}
}

func TestIdentityConsumerDropsMalformedPayloads(t *testing.T) {
	reg := &stubRegistrar{}
	c := NewIdentityEventConsumer(reg, nil)

	for _, body := range []string{`not json`, `{"user_id":""}`, `{"user_id":"nope"}`} {
		if !c.HandleUserCreated([]byte(body)) {
			t.Fatalf("malformed payload %q should be acknowledged", body)
		}
	}
	if len(reg.registered) != 0 {
		t.Fatalf("nothing should be registered, got %d", len(reg.registered))
	}
}

func TestIdentityConsumerRequeuesTransientFailures(t *testing.T) {
	id := uuid.New()
	body := []byte(fmt.Sprintf(`{"user_id":%q,"display_name":"Ada"}`, id))

	transient := NewIdentityEventConsumer(&stubRegistrar{err: errors.New("connection reset")}, nil)
	if transient.HandleUserCreated(body) {
		t.Fatal("transient failure should be requeued")
	}

	permanent := NewIdentityEventConsumer(&stubRegistrar{err: fmt.Errorf("%w: gone", domain.ErrNotFound)}, nil)
	if !permanent.HandleProfileUpdated(body) {
		t.Fatal("not found should be acknowledged")
	}
}

func TestIdentityConsumerProfileUpdated(t *testing.T) {
	reg := &stubRegistrar{}
	c := NewIdentityEventConsumer(reg, nil)
	id := uuid.New()

	if !c.HandleProfileUpdated([]byte(fmt.Sprintf(`{"user_id":%q,"display_name":"Grace"}`, id))) {
		t.Fatal("expected ack")
	}
	if reg.renamed[id] != "Grace" {
		t.Fatalf("expected rename to Grace, got %q", reg.renamed[id])
	}
	if len(c.Bindings()) != 2 {
		t.Fatal("expected two bindings")
	}
}
