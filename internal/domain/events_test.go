package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCreatedMessage(t *testing.T) {
	r := pending(t)
	msg, err := NewCreatedMessage(r, t0)
	require.NoError(t, err)
	assert.Equal(t, RoutingKeyRequestCreated, msg.RoutingKey)

	var ev RequestCreatedEvent
	require.NoError(t, json.Unmarshal(msg.Payload, &ev))
	assert.Equal(t, msg.ID, ev.EventID)
	assert.Equal(t, r.ID, ev.RequestID)
	assert.Equal(t, RequestDeleteProduct, ev.RequestType)
	assert.Equal(t, "u-1", ev.RequestedByID)
}

func TestNewProcessedMessage_StatusMapping(t *testing.T) {
	executed := pending(t)
	require.NoError(t, executed.Approve("u-2", "Bob", t0))
	require.NoError(t, executed.MarkExecuted(t0.Add(time.Second)))

	failed := pending(t)
	require.NoError(t, failed.Approve("u-2", "Bob", t0))
	require.NoError(t, failed.MarkFailed("boom", t0))

	rejected := pending(t)
	require.NoError(t, rejected.Reject("u-3", "Carol", "no", t0))

	cases := []struct {
		r      *ApprovalRequest
		status string
		reason string
		by     string
	}{
		{executed, ProcessedStatusApproved, "", "u-2"},
		{failed, ProcessedStatusFailed, "boom", "u-2"},
		{rejected, ProcessedStatusRejected, "no", "u-3"},
	}
	for _, tc := range cases {
		msg, err := NewProcessedMessage(tc.r, t0)
		require.NoError(t, err)
		assert.Equal(t, RoutingKeyRequestProcessed, msg.RoutingKey)

		var ev RequestProcessedEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &ev))
		assert.Equal(t, tc.status, ev.Status)
		assert.Equal(t, tc.reason, ev.Reason)
		assert.Equal(t, tc.by, ev.ProcessedByID)
		assert.Equal(t, *tc.r.ProcessedAt, ev.ProcessedAt)
	}
}

func TestNewProcessedMessage_NonTerminal(t *testing.T) {
	r := pending(t)
	_, err := NewProcessedMessage(r, t0)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, r.Approve("u-2", "Bob", t0))
	_, err = NewProcessedMessage(r, t0)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestNewCancelledMessage(t *testing.T) {
	r := pending(t)
	msg, err := NewCancelledMessage(r, t0)
	require.NoError(t, err)
	assert.Equal(t, RoutingKeyRequestCancelled, msg.RoutingKey)
	assert.Equal(t, t0, msg.CreatedAt)
}
