package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/approval-orchestrator/internal/domain"
	"github.com/xela07ax/approval-orchestrator/internal/engine"
	"github.com/xela07ax/approval-orchestrator/internal/infra/auth"
	"go.uber.org/zap"
)

// ApprovalService Описываем, что нам нужно от движка
type ApprovalService interface {
	Create(ctx context.Context, cmd engine.CreateCommand) (*domain.ApprovalRequest, error)
	Approve(ctx context.Context, id, approverID, approverName string) (*domain.ApprovalRequest, error)
	Reject(ctx context.Context, id, processorID, processorName, reason string) (*domain.ApprovalRequest, error)
	Cancel(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*domain.ApprovalRequest, error)
	List(ctx context.Context, f domain.ApprovalFilter) ([]*domain.ApprovalRequest, error)
}

type ApprovalHandler struct {
	service ApprovalService
	logger  *zap.Logger
}

func NewApprovalHandler(s ApprovalService, logger *zap.Logger) *ApprovalHandler {
	return &ApprovalHandler{service: s, logger: logger.Named("approval-handler")}
}

// Полезная нагрузка заявки — небольшой JSON, мегабайта достаточно
const maxBodyBytes = 1 << 20

type CreateRequest struct {
	RequestType domain.RequestType `json:"requestType"`
	EntityType  string             `json:"entityType"`
	EntityID    *string            `json:"entityId,omitempty"`
	ActionData  json.RawMessage    `json:"actionData"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

// Create регистрирует заявку от имени владельца токена.
// POST /v1/approvals
func (h *ApprovalHandler) Create(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	if claims == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req CreateRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.ActionData) == 0 || string(bytes.TrimSpace(req.ActionData)) == "null" {
		http.Error(w, "actionData is required", http.StatusBadRequest)
		return
	}

	created, err := h.service.Create(r.Context(), engine.CreateCommand{
		RequestType:   req.RequestType,
		EntityType:    req.EntityType,
		EntityID:      req.EntityID,
		ActionData:    req.ActionData,
		RequesterID:   claims.UserID,
		RequesterName: claims.Name,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// List — очередь решений: ?status=&type=&requested_by=&limit=
func (h *ApprovalHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.ApprovalFilter{
		Status:      domain.ApprovalStatus(q.Get("status")),
		RequestType: domain.RequestType(q.Get("type")),
		RequestedBy: q.Get("requested_by"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}

	list, err := h.service.List(r.Context(), f)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *ApprovalHandler) GetDetails(w http.ResponseWriter, r *http.Request) {
	approval, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

// Approve отвечает финальной проекцией: Executed или Failed.
func (h *ApprovalHandler) Approve(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	if claims == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	out, err := h.service.Approve(r.Context(), chi.URLParam(r, "id"), claims.UserID, claims.Name)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Reject: тело {reason} опционально
func (h *ApprovalHandler) Reject(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	if claims == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req RejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	out, err := h.service.Reject(r.Context(), chi.URLParam(r, "id"), claims.UserID, claims.Name, req.Reason)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *ApprovalHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail переводит доменные ошибки в HTTP-коды
func (h *ApprovalHandler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "approval request not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrAlreadyProcessed):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrUnknownRequestType):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Error("approval command failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
