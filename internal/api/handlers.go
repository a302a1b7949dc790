/**
 * @description
 * HTTP handlers for the exchange-service. Handlers decode the request, pull the caller's
 * identity from the context, call the coordinator and render its result or error.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - github.com/google/uuid: Identifier parsing.
 * - internal/app, internal/domain: The coordinator and its models.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rewear/exchange-service/internal/app"
	"github.com/rewear/exchange-service/internal/domain"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// Handlers holds the coordinator the endpoints call into.
type Handlers struct {
	service *app.Service
	logger  *zap.Logger
}

func NewHandlers(service *app.Service, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{service: service, logger: logger}
}

type listResponse struct {
	Data   interface{} `json:"data"`
	Limit  int         `json:"limit,omitempty"`
	Offset int         `json:"offset,omitempty"`
}

type adminFlagRequest struct {
	IsAdmin *bool `json:"is_admin"`
}

type banFlagRequest struct {
	IsBanned *bool `json:"is_banned"`
}

// identity returns the caller or writes a 401.
func (h *Handlers) identity(w http.ResponseWriter, r *http.Request) (domain.Identity, bool) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "Could not get identity from context")
	}
	return id, ok
}

// decodeBody decodes an optional JSON body into dst. An empty body leaves dst untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, http.StatusBadRequest, domain.KindValidation, fmt.Sprintf("Invalid request body: %v", err))
	return false
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.KindValidation, fmt.Sprintf("Invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

// queryInt reads a non-negative integer query parameter, returning 0 when it is absent.
func queryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", domain.ErrValidation, name)
	}
	return v, nil
}

func queryPage(r *http.Request) (limit, offset int, err error) {
	if limit, err = queryInt(r, "limit"); err != nil {
		return 0, 0, err
	}
	if offset, err = queryInt(r, "offset"); err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

// RegisterHandler registers the caller. 201 on first registration, 200 afterwards.
func (h *Handlers) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	user, created, err := h.service.RegisterUser(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, user)
}

func (h *Handlers) DashboardHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	dash, err := h.service.Dashboard(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, dash)
}

func (h *Handlers) LedgerHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	limit, offset, err := queryPage(r)
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	entries, err := h.service.LedgerHistory(r.Context(), id, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Data: entries, Limit: limit, Offset: offset})
}

func (h *Handlers) CatalogHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	limit, offset, err := queryPage(r)
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	q := r.URL.Query()
	filter := domain.CatalogFilter{
		Category:  q.Get("category"),
		Condition: q.Get("condition"),
		Size:      q.Get("size"),
		Search:    q.Get("q"),
		Sort:      domain.CatalogSort(q.Get("sort")),
		Limit:     limit,
		Offset:    offset,
	}
	items, err := h.service.BrowseCatalog(r.Context(), id, filter)
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Data: items, Limit: limit, Offset: offset})
}

func (h *Handlers) SubmitItemHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var payload domain.SubmitItemPayload
	if !decodeBody(w, r, &payload) {
		return
	}
	item, err := h.service.SubmitItem(r.Context(), id, payload)
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (h *Handlers) GetItemHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	itemID, ok := pathUUID(w, r, "itemId")
	if !ok {
		return
	}
	item, err := h.service.GetItem(r.Context(), id, itemID)
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handlers) RequestSwapHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	itemID, ok := pathUUID(w, r, "itemId")
	if !ok {
		return
	}
	var payload domain.RequestSwapPayload
	if !decodeBody(w, r, &payload) {
		return
	}
	req, err := h.service.RequestSwap(r.Context(), id, itemID, payload.OfferedItemID)
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *Handlers) RedeemHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	itemID, ok := pathUUID(w, r, "itemId")
	if !ok {
		return
	}
	req, err := h.service.RedeemWithPoints(r.Context(), id, itemID)
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *Handlers) GetSwapRequestHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	swapID, ok := pathUUID(w, r, "swapId")
	if !ok {
		return
	}
	req, err := h.service.GetSwapRequest(r.Context(), id, swapID)
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// AcceptSwapHandler completes a swap. When the engine rejected the request instead, the
// 409 body carries the rejected request.
func (h *Handlers) AcceptSwapHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	swapID, ok := pathUUID(w, r, "swapId")
	if !ok {
		return
	}
	req, err := h.service.AcceptSwap(r.Context(), id, swapID)
	if err != nil {
		h.writeServiceError(w, r, err, req)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handlers) RejectSwapHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	swapID, ok := pathUUID(w, r, "swapId")
	if !ok {
		return
	}
	req, err := h.service.RejectSwap(r.Context(), id, swapID)
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handlers) AdminListItemsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	limit, offset, err := queryPage(r)
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	status := domain.ItemStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.ItemStatusPending
	}
	items, err := h.service.ListItemsByStatus(r.Context(), id, domain.ItemListOptions{Status: status, Limit: limit, Offset: offset})
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Data: items, Limit: limit, Offset: offset})
}

func (h *Handlers) ApproveItemHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	itemID, ok := pathUUID(w, r, "itemId")
	if !ok {
		return
	}
	item, err := h.service.ApproveItem(r.Context(), id, itemID)
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handlers) RejectItemHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	itemID, ok := pathUUID(w, r, "itemId")
	if !ok {
		return
	}
	var payload domain.RejectItemPayload
	if !decodeBody(w, r, &payload) {
		return
	}
	item, err := h.service.RejectItem(r.Context(), id, itemID, payload.Reason)
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handlers) DeleteItemHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	itemID, ok := pathUUID(w, r, "itemId")
	if !ok {
		return
	}
	if err := h.service.DeleteItem(r.Context(), id, itemID); err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) StatsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	stats, err := h.service.Stats(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handlers) ListUsersHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	limit, offset, err := queryPage(r)
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	users, err := h.service.ListUsers(r.Context(), id, domain.UserListOptions{Limit: limit, Offset: offset})
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Data: users, Limit: limit, Offset: offset})
}

func (h *Handlers) SetAdminHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	userID, ok := pathUUID(w, r, "userId")
	if !ok {
		return
	}
	var payload adminFlagRequest
	if !decodeBody(w, r, &payload) {
		return
	}
	if payload.IsAdmin == nil {
		writeError(w, http.StatusBadRequest, domain.KindValidation, "is_admin is required")
		return
	}
	user, err := h.service.SetUserAdmin(r.Context(), id, userID, *payload.IsAdmin)
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *Handlers) SetBannedHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	userID, ok := pathUUID(w, r, "userId")
	if !ok {
		return
	}
	var payload banFlagRequest
	if !decodeBody(w, r, &payload) {
		return
	}
	if payload.IsBanned == nil {
		writeError(w, http.StatusBadRequest, domain.KindValidation, "is_banned is required")
		return
	}
	user, err := h.service.SetUserBanned(r.Context(), id, userID, *payload.IsBanned)
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
