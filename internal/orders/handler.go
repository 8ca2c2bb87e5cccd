package orders

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/estore-labs/orders-service/internal/catalog"
	"github.com/estore-labs/orders-service/internal/domain"
)

type Handler struct {
	service *Service
	logger  *slog.Logger
}

func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

type createOrderRequest struct {
	Items []CreateItem `json:"items"`
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if len(req.Items) == 0 {
		h.writeError(w, http.StatusBadRequest, "order must contain at least one item")
		return
	}
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			h.writeError(w, http.StatusBadRequest, "item quantity must be positive")
			return
		}
	}

	result, err := h.service.Create(r.Context(), req.Items)
	if err != nil {
		var unknown *catalog.UnknownProductError
		switch {
		case errors.As(err, &unknown):
			h.writeError(w, http.StatusBadRequest, unknown.Error())
		case errors.Is(err, catalog.ErrUnavailable):
			h.logger.Error("failed to validate products", "error", err)
			h.writeError(w, http.StatusBadGateway, "catalog service unavailable")
		default:
			h.logger.Error("failed to create order", "error", err)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	h.logger.Info("order created", "order_id", result.Order.ID,
		"total_amount", result.Order.TotalAmount, "total_items", result.Order.TotalItems)
	h.writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	order, err := h.service.Get(r.Context(), id)
	if err != nil {
		var unknown *catalog.UnknownProductError
		switch {
		case errors.Is(err, ErrNotFound):
			h.writeError(w, http.StatusNotFound, "order not found")
		case errors.As(err, &unknown):
			h.logger.Error("stale product reference on order", "error", err, "id", id)
			h.writeError(w, http.StatusBadRequest, unknown.Error())
		case errors.Is(err, catalog.ErrUnavailable):
			h.logger.Error("failed to refresh product names", "error", err, "id", id)
			h.writeError(w, http.StatusBadGateway, "catalog service unavailable")
		default:
			h.logger.Error("failed to get order", "error", err, "id", id)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	h.logger.Info("order retrieved", "order_id", order.ID)
	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	filter, ok := h.parseListFilter(w, r)
	if !ok {
		return
	}

	result, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list orders", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("orders listed", "count", len(result.Data), "total", result.Total)
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) parseListFilter(w http.ResponseWriter, r *http.Request) (ListFilter, bool) {
	filter := ListFilter{Page: 1, Limit: 10}

	if raw := r.URL.Query().Get("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page < 1 {
			h.writeError(w, http.StatusBadRequest, "page must be a positive integer")
			return filter, false
		}
		filter.Page = page
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return filter, false
		}
		filter.Limit = limit
	}

	if raw := r.URL.Query().Get("status"); raw != "" {
		status := domain.OrderStatus(raw)
		if !domain.ValidStatus(status) {
			h.writeError(w, http.StatusBadRequest, "unknown status: "+raw)
			return filter, false
		}
		filter.Status = status
	}

	return filter, true
}

type changeStatusRequest struct {
	Status domain.OrderStatus `json:"status"`
}

func (h *Handler) HandleChangeStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	var req changeStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !domain.ValidStatus(req.Status) {
		h.writeError(w, http.StatusBadRequest, "unknown status: "+string(req.Status))
		return
	}

	order, err := h.service.ChangeStatus(r.Context(), id, req.Status)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "order not found")
			return
		}
		h.logger.Error("failed to change order status", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("order status changed", "order_id", order.ID, "status", order.Status)
	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
