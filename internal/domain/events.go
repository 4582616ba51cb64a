package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Routing keys топика inventory-events
const (
	RoutingKeyRequestCreated   = "approval.request.created"
	RoutingKeyRequestProcessed = "approval.request.processed"
	RoutingKeyRequestCancelled = "approval.request.cancelled"
)

// Статусы в событии processed. Executed публикуется как "Approved".
const (
	ProcessedStatusApproved = "Approved"
	ProcessedStatusFailed   = "Failed"
	ProcessedStatusRejected = "Rejected"
)

type RequestCreatedEvent struct {
	EventID         string      `json:"eventId"`
	RequestID       string      `json:"requestId"`
	RequestType     RequestType `json:"requestType"`
	EntityType      string      `json:"entityType,omitempty"`
	EntityID        *string     `json:"entityId,omitempty"`
	RequestedByID   string      `json:"requestedById"`
	RequestedByName string      `json:"requestedByName"`
	CreatedAt       time.Time   `json:"createdAt"`
}

type RequestProcessedEvent struct {
	EventID         string      `json:"eventId"`
	RequestID       string      `json:"requestId"`
	RequestType     RequestType `json:"requestType"`
	Status          string      `json:"status"`
	Reason          string      `json:"reason,omitempty"`
	RequestedByID   string      `json:"requestedById"`
	RequestedByName string      `json:"requestedByName"`
	ProcessedByID   string      `json:"processedById"`
	ProcessedByName string      `json:"processedByName"`
	ProcessedAt     time.Time   `json:"processedAt"`
}

type RequestCancelledEvent struct {
	EventID         string      `json:"eventId"`
	RequestID       string      `json:"requestId"`
	RequestType     RequestType `json:"requestType"`
	RequestedByID   string      `json:"requestedById"`
	RequestedByName string      `json:"requestedByName"`
	CancelledAt     time.Time   `json:"cancelledAt"`
}

// OutboxMessage — событие, записанное в той же транзакции, что и переход статуса.
// ID совпадает с eventId: по нему консьюмеры отсекают повторы.
type OutboxMessage struct {
	ID          string     `json:"id"`
	RoutingKey  string     `json:"routingKey"`
	Payload     []byte     `json:"payload"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"lastError,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	SentAt      *time.Time `json:"sentAt,omitempty"`
	LockedUntil *time.Time `json:"lockedUntil,omitempty"`
	// DeadAt — сообщение запарковано после исчерпания попыток
	DeadAt *time.Time `json:"deadAt,omitempty"`
}

func newOutbox(eventID, key string, event any, now time.Time) (OutboxMessage, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("marshal %s event: %w", key, err)
	}
	return OutboxMessage{
		ID:         eventID,
		RoutingKey: key,
		Payload:    body,
		CreatedAt:  now.UTC(),
	}, nil
}

func NewCreatedMessage(r *ApprovalRequest, now time.Time) (OutboxMessage, error) {
	ev := RequestCreatedEvent{
		EventID:         uuid.New().String(),
		RequestID:       r.ID,
		RequestType:     r.RequestType,
		EntityType:      r.EntityType,
		EntityID:        r.EntityID,
		RequestedByID:   r.RequestedByID,
		RequestedByName: r.RequestedByName,
		CreatedAt:       r.CreatedAt,
	}
	return newOutbox(ev.EventID, RoutingKeyRequestCreated, ev, now)
}

// NewProcessedMessage строится из заявки в терминальном статусе Executed, Failed или Rejected.
func NewProcessedMessage(r *ApprovalRequest, now time.Time) (OutboxMessage, error) {
	var status string
	switch r.Status {
	case StatusExecuted:
		status = ProcessedStatusApproved
	case StatusFailed:
		status = ProcessedStatusFailed
	case StatusRejected:
		status = ProcessedStatusRejected
	default:
		return OutboxMessage{}, fmt.Errorf("%w: no processed event for status %s", ErrInvalidTransition, r.Status)
	}

	ev := RequestProcessedEvent{
		EventID:         uuid.New().String(),
		RequestID:       r.ID,
		RequestType:     r.RequestType,
		Status:          status,
		RequestedByID:   r.RequestedByID,
		RequestedByName: r.RequestedByName,
		ProcessedAt:     now.UTC(),
	}
	if r.RejectionReason != nil {
		ev.Reason = *r.RejectionReason
	}
	if r.ApprovedByID != nil {
		ev.ProcessedByID = *r.ApprovedByID
	}
	if r.ApprovedByName != nil {
		ev.ProcessedByName = *r.ApprovedByName
	}
	if r.ProcessedAt != nil {
		ev.ProcessedAt = *r.ProcessedAt
	}
	return newOutbox(ev.EventID, RoutingKeyRequestProcessed, ev, now)
}

func NewCancelledMessage(r *ApprovalRequest, now time.Time) (OutboxMessage, error) {
	ev := RequestCancelledEvent{
		EventID:         uuid.New().String(),
		RequestID:       r.ID,
		RequestType:     r.RequestType,
		RequestedByID:   r.RequestedByID,
		RequestedByName: r.RequestedByName,
		CancelledAt:     now.UTC(),
	}
	return newOutbox(ev.EventID, RoutingKeyRequestCancelled, ev, now)
}
