package httpapi

import (
	"encoding/json"
	"errors"
	"expvar"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tableorder/internal/lifecycle"
	"tableorder/internal/models"
	"tableorder/internal/store"
	"tableorder/internal/tenant"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Handler struct {
	store          store.OrderStore
	recentTerminal time.Duration
}

type Options struct {
	// RecentTerminal is how long finished orders stay in the active list.
	RecentTerminal time.Duration
}

type createOrderItemRequest struct {
	MenuItemID string          `json:"menu_item_id"`
	Name       string          `json:"name"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Notes      string          `json:"notes"`
}

type createOrderRequest struct {
	TableLabel    string                   `json:"table_label"`
	CustomerName  string                   `json:"customer_name"`
	PaymentMethod models.PaymentMethod     `json:"payment_method"`
	Notes         string                   `json:"notes"`
	Items         []createOrderItemRequest `json:"items"`
}

type transitionRequest struct {
	RequestID      string             `json:"request_id"`
	ExpectedStatus models.OrderStatus `json:"expected_status"`
}

type createServiceRequestRequest struct {
	TableLabel string `json:"table_label"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(store store.OrderStore, options Options) *Handler {
	if options.RecentTerminal <= 0 {
		options.RecentTerminal = 12 * time.Hour
	}
	return &Handler{store: store, recentTerminal: options.RecentTerminal}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(tenant.Middleware)

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", expvar.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Get("/restaurant", h.handleRestaurant)
		r.Post("/orders", h.handleCreateOrder)
		r.Get("/orders", h.handleActiveOrders)
		r.Get("/orders/{id}", h.handleGetOrder)
		r.Post("/orders/{id}/actions/{action}", h.handleOrderAction)
		r.Post("/service-requests", h.handleCreateServiceRequest)
		r.Get("/service-requests", h.handlePendingServiceRequests)
		r.Post("/service-requests/{id}/resolve", h.handleResolveServiceRequest)
		r.Get("/events", h.handleEvents)
	})
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleRestaurant(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	restaurant, err := h.store.GetRestaurant(r.Context(), tenantID)
	if err != nil {
		writeStoreError(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, restaurant)
}

func (h *Handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var req createOrderRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	input := store.CreateOrderInput{
		TenantID:      tenantID,
		TableLabel:    strings.TrimSpace(req.TableLabel),
		CustomerName:  strings.TrimSpace(req.CustomerName),
		PaymentMethod: req.PaymentMethod,
		Notes:         strings.TrimSpace(req.Notes),
		CreatedAt:     time.Now().UTC(),
	}
	for _, item := range req.Items {
		menuItemID := strings.TrimSpace(item.MenuItemID)
		if menuItemID != "" && !isValidUUID(menuItemID) {
			writeError(w, requestIDFrom(r), http.StatusBadRequest, "invalid_request", "menu_item_id must be a UUID")
			return
		}
		input.Items = append(input.Items, store.CreateOrderItemInput{
			MenuItemID: menuItemID,
			Name:       strings.TrimSpace(item.Name),
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			Notes:      strings.TrimSpace(item.Notes),
		})
	}
	if err := input.Validate(); err != nil {
		writeError(w, requestIDFrom(r), http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	order, err := h.store.CreateOrder(r.Context(), input)
	if err != nil {
		writeStoreError(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handler) handleActiveOrders(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	window := h.recentTerminal
	if raw := strings.TrimSpace(r.URL.Query().Get("recent_minutes")); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes < 0 {
			writeError(w, requestIDFrom(r), http.StatusBadRequest, "invalid_request", "recent_minutes must be a non-negative integer")
			return
		}
		window = time.Duration(minutes) * time.Minute
	}

	orders, err := h.store.ListActiveOrders(r.Context(), tenantID, window)
	if err != nil {
		writeStoreError(w, r, "", err)
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	orderID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	order, err := h.store.GetOrder(r.Context(), tenantID, orderID)
	if err != nil {
		writeStoreError(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handler) handleOrderAction(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	orderID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	action := chi.URLParam(r, "action")
	switch action {
	case lifecycle.ActionAdvance, lifecycle.ActionCancel, lifecycle.ActionReject:
	default:
		writeError(w, requestIDFrom(r), http.StatusNotFound, "unknown_action", "unknown order action")
		return
	}

	var req transitionRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.RequestID != "" && !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return
	}
	if req.ExpectedStatus != "" && !lifecycle.Known(req.ExpectedStatus) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "expected_status is not a known status")
		return
	}

	order, _, err := h.store.UpdateOrderStatus(r.Context(), store.StatusChangeInput{
		RequestID:      req.RequestID,
		TenantID:       tenantID,
		OrderID:        orderID,
		Action:         action,
		ExpectedStatus: req.ExpectedStatus,
		OccurredAt:     time.Now().UTC(),
	})
	if err != nil {
		writeStoreError(w, r, req.RequestID, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handler) handleCreateServiceRequest(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var req createServiceRequestRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	req.TableLabel = strings.TrimSpace(req.TableLabel)
	if req.TableLabel == "" {
		writeError(w, requestIDFrom(r), http.StatusBadRequest, "invalid_request", "table_label is required")
		return
	}

	request, err := h.store.CreateServiceRequest(r.Context(), store.CreateServiceRequestInput{
		TenantID:   tenantID,
		TableLabel: req.TableLabel,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		writeStoreError(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, request)
}

func (h *Handler) handlePendingServiceRequests(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	requests, err := h.store.ListPendingServiceRequests(r.Context(), tenantID)
	if err != nil {
		writeStoreError(w, r, "", err)
		return
	}
	if requests == nil {
		requests = []models.ServiceRequest{}
	}
	writeJSON(w, http.StatusOK, requests)
}

func (h *Handler) handleResolveServiceRequest(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	requestID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	request, err := h.store.ResolveServiceRequest(r.Context(), tenantID, requestID)
	if err != nil {
		writeStoreError(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, request)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	afterRaw := strings.TrimSpace(r.URL.Query().Get("after"))
	var after time.Time
	if afterRaw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, afterRaw)
		if err != nil {
			writeError(w, requestIDFrom(r), http.StatusBadRequest, "invalid_request", "after must be RFC3339 timestamp")
			return
		}
		after = parsed
	}

	limit := 100
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil || parsed <= 0 {
			writeError(w, requestIDFrom(r), http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		if parsed > 1000 {
			parsed = 1000
		}
		limit = parsed
	}

	events, err := h.store.ListTenantEvents(r.Context(), tenantID, after, limit)
	if err != nil {
		writeStoreError(w, r, "", err)
		return
	}
	if events == nil {
		events = []store.OutboxEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func requireTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	if tenantID, ok := tenant.FromContext(r.Context()); ok {
		return tenantID, true
	}
	_, err := tenant.Parse(r.Header.Get(tenant.Header))
	if errors.Is(err, tenant.ErrInvalidTenant) {
		writeError(w, requestIDFrom(r), http.StatusBadRequest, "invalid_request", tenant.Header+" must be a UUID")
		return "", false
	}
	writeError(w, requestIDFrom(r), http.StatusBadRequest, "invalid_request", tenant.Header+" header is required")
	return "", false
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	value := strings.TrimSpace(chi.URLParam(r, name))
	if !isValidUUID(value) {
		writeError(w, requestIDFrom(r), http.StatusBadRequest, "invalid_request", name+" must be a UUID")
		return "", false
	}
	return value, true
}

// decodeBody decodes a JSON body into target. With optional set, an empty
// body is accepted and leaves target untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, target interface{}, optional bool) bool {
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, requestIDFrom(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func requestIDFrom(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

func writeStoreError(w http.ResponseWriter, r *http.Request, requestID string, err error) {
	if requestID == "" {
		requestID = requestIDFrom(r)
	}
	status, code, msg := mapError(err)
	writeError(w, requestID, status, code, msg)
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrOrderNotFound):
		return http.StatusNotFound, "order_not_found", "order not found"
	case errors.Is(err, store.ErrRequestNotFound):
		return http.StatusNotFound, "service_request_not_found", "service request not found"
	case errors.Is(err, store.ErrRestaurantNotFound):
		return http.StatusNotFound, "restaurant_not_found", "restaurant not found"
	case errors.Is(err, store.ErrInvalidOrder):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, lifecycle.ErrTerminalState):
		return http.StatusConflict, "terminal_state", "order is in a terminal state"
	case errors.Is(err, lifecycle.ErrIllegalCancellation):
		return http.StatusConflict, "illegal_cancellation", "order can only be cancelled before preparation starts"
	case errors.Is(err, lifecycle.ErrIllegalRejection):
		return http.StatusConflict, "illegal_rejection", "only pending orders can be rejected"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "order state does not allow this action"
	case errors.Is(err, store.ErrStatusConflict):
		return http.StatusConflict, "status_conflict", "order status changed since it was read"
	case errors.Is(err, store.ErrRequestAlreadyResolved):
		return http.StatusConflict, "already_resolved", "service request already resolved"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
