package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ApprovalStatus Статусы State Machine
type ApprovalStatus string

const (
	StatusPending   ApprovalStatus = "Pending"
	StatusApproved  ApprovalStatus = "Approved"
	StatusRejected  ApprovalStatus = "Rejected"
	StatusCancelled ApprovalStatus = "Cancelled"
	StatusExecuted  ApprovalStatus = "Executed"
	StatusFailed    ApprovalStatus = "Failed"
)

var (
	ErrNotFound           = errors.New("approval request not found")
	ErrInvalidTransition  = errors.New("invalid approval status transition")
	ErrAlreadyProcessed   = errors.New("approval request already processed")
	ErrInvalidInput       = errors.New("invalid input")
	ErrUnknownRequestType = errors.New("unknown request type")
)

// IsTerminal: после этих статусов заявка больше не меняется
func (s ApprovalStatus) IsTerminal() bool {
	switch s {
	case StatusRejected, StatusCancelled, StatusExecuted, StatusFailed:
		return true
	}
	return false
}

// Valid проверяет, что строка из query/БД является известным статусом.
func (s ApprovalStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusCancelled, StatusExecuted, StatusFailed:
		return true
	}
	return false
}

type ApprovalRequest struct {
	ID          string      `json:"id"`
	RequestType RequestType `json:"requestType"`
	EntityType  string      `json:"entityType"`
	EntityID    *string     `json:"entityId,omitempty"`

	// Снимок параметров действия. Задается один раз при создании:
	// исполняется ровно то, что видел ревьюер.
	ActionData json.RawMessage `json:"actionData"`

	RequestedByID   string `json:"requestedById"`
	RequestedByName string `json:"requestedByName"`

	Status ApprovalStatus `json:"status"`

	ApprovedByID    *string `json:"approvedById,omitempty"`
	ApprovedByName  *string `json:"approvedByName,omitempty"`
	RejectionReason *string `json:"rejectionReason,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
}

// NewApprovalRequest собирает новую заявку в статусе Pending.
// actionData сериализуется здесь, дальше агрегат хранит только байты.
func NewApprovalRequest(
	requestType RequestType,
	entityType string,
	entityID *string,
	actionData any,
	requesterID, requesterName string,
	now time.Time,
) (*ApprovalRequest, error) {
	if !requestType.Known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRequestType, requestType)
	}
	if requesterID == "" {
		return nil, fmt.Errorf("%w: requester id is required", ErrInvalidInput)
	}

	data, err := marshalActionData(actionData)
	if err != nil {
		return nil, err
	}
	if err := ValidateActionData(requestType, data); err != nil {
		return nil, err
	}

	return &ApprovalRequest{
		ID:              uuid.New().String(),
		RequestType:     requestType,
		EntityType:      entityType,
		EntityID:        entityID,
		ActionData:      data,
		RequestedByID:   requesterID,
		RequestedByName: requesterName,
		Status:          StatusPending,
		CreatedAt:       now.UTC(),
	}, nil
}

func marshalActionData(v any) (json.RawMessage, error) {
	switch d := v.(type) {
	case nil:
		return nil, fmt.Errorf("%w: action data is required", ErrInvalidInput)
	case json.RawMessage:
		if len(d) == 0 || isNullJSON(d) {
			return nil, fmt.Errorf("%w: action data is required", ErrInvalidInput)
		}
		if !json.Valid(d) {
			return nil, fmt.Errorf("%w: action data is not valid json", ErrInvalidInput)
		}
		return append(json.RawMessage(nil), d...), nil
	case []byte:
		if len(d) == 0 || isNullJSON(d) {
			return nil, fmt.Errorf("%w: action data is required", ErrInvalidInput)
		}
		if !json.Valid(d) {
			return nil, fmt.Errorf("%w: action data is not valid json", ErrInvalidInput)
		}
		return append(json.RawMessage(nil), d...), nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal action data: %v", ErrInvalidInput, err)
	}
	if isNullJSON(data) {
		return nil, fmt.Errorf("%w: action data is required", ErrInvalidInput)
	}
	return data, nil
}

// "actionData": null в теле запроса — то же, что отсутствие поля
func isNullJSON(b []byte) bool {
	return string(bytes.TrimSpace(b)) == "null"
}

// CanTransitionTo проверяет правила конечного автомата
// Pending -> {Approved, Rejected, Cancelled}; Approved -> {Executed, Failed}.
func (a *ApprovalRequest) CanTransitionTo(next ApprovalStatus) error {
	switch a.Status {
	case StatusPending:
		if next == StatusApproved || next == StatusRejected || next == StatusCancelled {
			return nil
		}
	case StatusApproved:
		if next == StatusExecuted || next == StatusFailed {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, next)
}

// Approve фиксирует решение ревьюера. Исполнение действия — забота движка.
func (a *ApprovalRequest) Approve(approverID, approverName string, now time.Time) error {
	if err := a.CanTransitionTo(StatusApproved); err != nil {
		return err
	}
	a.Status = StatusApproved
	a.ApprovedByID = &approverID
	a.ApprovedByName = &approverName
	t := now.UTC()
	a.ProcessedAt = &t
	return nil
}

// Reject: поля approvedBy* хранят того, кто принял решение (processor), reason опционален.
func (a *ApprovalRequest) Reject(processorID, processorName, reason string, now time.Time) error {
	if err := a.CanTransitionTo(StatusRejected); err != nil {
		return err
	}
	a.Status = StatusRejected
	a.ApprovedByID = &processorID
	a.ApprovedByName = &processorName
	if reason != "" {
		a.RejectionReason = &reason
	}
	t := now.UTC()
	a.ProcessedAt = &t
	return nil
}

// Cancel допустим только для Pending. Запись после этого удаляется из хранилища.
func (a *ApprovalRequest) Cancel() error {
	if err := a.CanTransitionTo(StatusCancelled); err != nil {
		return err
	}
	a.Status = StatusCancelled
	return nil
}

func (a *ApprovalRequest) MarkExecuted(now time.Time) error {
	if err := a.CanTransitionTo(StatusExecuted); err != nil {
		return err
	}
	a.Status = StatusExecuted
	t := now.UTC()
	a.ProcessedAt = &t
	return nil
}

// MarkFailed записывает текст ошибки исполнения в RejectionReason.
func (a *ApprovalRequest) MarkFailed(reason string, now time.Time) error {
	if err := a.CanTransitionTo(StatusFailed); err != nil {
		return err
	}
	if reason == "" {
		reason = "action execution failed"
	}
	a.Status = StatusFailed
	a.RejectionReason = &reason
	t := now.UTC()
	a.ProcessedAt = &t
	return nil
}

// Clone нужен хранилищам в памяти, чтобы вызывающий не мутировал сохраненное состояние.
func (a *ApprovalRequest) Clone() *ApprovalRequest {
	if a == nil {
		return nil
	}
	c := *a
	c.ActionData = append(json.RawMessage(nil), a.ActionData...)
	c.EntityID = cloneStr(a.EntityID)
	c.ApprovedByID = cloneStr(a.ApprovedByID)
	c.ApprovedByName = cloneStr(a.ApprovedByName)
	c.RejectionReason = cloneStr(a.RejectionReason)
	if a.ProcessedAt != nil {
		t := *a.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// DefaultListLimit применяется хранилищами, когда Limit не задан.
const DefaultListLimit = 100

// ApprovalFilter — фильтр выборки очереди решений (Decision Queue).
type ApprovalFilter struct {
	Status      ApprovalStatus
	RequestType RequestType
	RequestedBy string
	Limit       int
}
