package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func pending(t *testing.T) *ApprovalRequest {
	t.Helper()
	r, err := NewApprovalRequest(RequestDeleteProduct, "Product", nil,
		map[string]any{"productId": "p-1"}, "u-1", "Alice", t0)
	require.NoError(t, err)
	return r
}

func TestNewApprovalRequest(t *testing.T) {
	entity := "p-1"
	r, err := NewApprovalRequest(RequestUpdateProduct, "Product", &entity,
		UpdateProductAction{ProductID: "p-1", Product: json.RawMessage(`{"price":3}`)}, "u-1", "Alice", t0)
	require.NoError(t, err)

	assert.NotEmpty(t, r.ID)
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, t0, r.CreatedAt)
	assert.Nil(t, r.ProcessedAt)
	assert.Nil(t, r.ApprovedByID)
	assert.JSONEq(t, `{"productId":"p-1","product":{"price":3}}`, string(r.ActionData))

	other := pending(t)
	assert.NotEqual(t, r.ID, other.ID)
}

func TestNewApprovalRequest_RawPayloadIsCopied(t *testing.T) {
	raw := json.RawMessage(`{"routeId":"r-1"}`)
	r, err := NewApprovalRequest(RequestDeleteRoute, "Route", nil, raw, "u-1", "Alice", t0)
	require.NoError(t, err)

	raw[2] = 'X'
	assert.JSONEq(t, `{"routeId":"r-1"}`, string(r.ActionData))
}

func TestNewApprovalRequest_Invalid(t *testing.T) {
	_, err := NewApprovalRequest("DeleteCategory", "Category", nil, map[string]any{"a": 1}, "u-1", "A", t0)
	assert.ErrorIs(t, err, ErrUnknownRequestType)

	_, err = NewApprovalRequest(RequestDeleteRoute, "Route", nil, map[string]any{"routeId": "r"}, "", "A", t0)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = NewApprovalRequest(RequestDeleteRoute, "Route", nil, nil, "u-1", "A", t0)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = NewApprovalRequest(RequestDeleteRoute, "Route", nil, []byte(`{broken`), "u-1", "A", t0)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = NewApprovalRequest(RequestDeleteRoute, "Route", nil, make(chan int), "u-1", "A", t0)
	assert.ErrorIs(t, err, ErrInvalidInput)

	// null из тела запроса равносилен отсутствию payload
	_, err = NewApprovalRequest(RequestDeleteRoute, "Route", nil, json.RawMessage(`null`), "u-1", "A", t0)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = NewApprovalRequest(RequestDeleteRoute, "Route", nil, json.RawMessage(nil), "u-1", "A", t0)
	assert.ErrorIs(t, err, ErrInvalidInput)

	// Payload, который ветка не сможет исполнить, отклоняется сразу
	_, err = NewApprovalRequest(RequestDeleteRoute, "Route", nil, map[string]any{"productId": "p"}, "u-1", "A", t0)
	assert.ErrorIs(t, err, ErrInvalidInput)

	r, err := NewApprovalRequest(RequestDeleteProduct, "Product", nil, json.RawMessage(`{"ProductId":42}`), "u-1", "A", t0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ProductId":42}`, string(r.ActionData))
}

func TestTransitions(t *testing.T) {
	all := []ApprovalStatus{StatusPending, StatusApproved, StatusRejected, StatusCancelled, StatusExecuted, StatusFailed}
	allowed := map[ApprovalStatus][]ApprovalStatus{
		StatusPending:  {StatusApproved, StatusRejected, StatusCancelled},
		StatusApproved: {StatusExecuted, StatusFailed},
	}

	for _, from := range all {
		for _, to := range all {
			r := &ApprovalRequest{Status: from}
			err := r.CanTransitionTo(to)
			if contains(allowed[from], to) {
				assert.NoError(t, err, "%s -> %s", from, to)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", from, to)
			}
		}
	}
}

func contains(list []ApprovalStatus, s ApprovalStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestApproveThenExecute(t *testing.T) {
	r := pending(t)
	at := t0.Add(time.Minute)

	require.NoError(t, r.Approve("u-2", "Bob", at))
	assert.Equal(t, StatusApproved, r.Status)
	require.NotNil(t, r.ApprovedByID)
	assert.Equal(t, "u-2", *r.ApprovedByID)
	assert.Equal(t, "Bob", *r.ApprovedByName)
	assert.Equal(t, at, *r.ProcessedAt)

	require.NoError(t, r.MarkExecuted(at.Add(time.Second)))
	assert.Equal(t, StatusExecuted, r.Status)
	assert.True(t, r.Status.IsTerminal())

	assert.ErrorIs(t, r.Approve("u-3", "Eve", at), ErrInvalidTransition)
	assert.ErrorIs(t, r.MarkFailed("x", at), ErrInvalidTransition)
}

func TestMarkFailedDefaultsReason(t *testing.T) {
	r := pending(t)
	require.NoError(t, r.Approve("u-2", "Bob", t0))
	require.NoError(t, r.MarkFailed("", t0))
	require.NotNil(t, r.RejectionReason)
	assert.Equal(t, "action execution failed", *r.RejectionReason)
}

func TestReject(t *testing.T) {
	r := pending(t)
	require.NoError(t, r.Reject("u-2", "Bob", "", t0))
	assert.Equal(t, StatusRejected, r.Status)
	assert.Nil(t, r.RejectionReason)
	assert.Equal(t, "u-2", *r.ApprovedByID)

	r2 := pending(t)
	require.NoError(t, r2.Reject("u-2", "Bob", "duplicate", t0))
	assert.Equal(t, "duplicate", *r2.RejectionReason)

	assert.ErrorIs(t, r2.Cancel(), ErrInvalidTransition)
}

func TestCloneIsDeep(t *testing.T) {
	r := pending(t)
	require.NoError(t, r.Approve("u-2", "Bob", t0))

	c := r.Clone()
	*c.ApprovedByID = "changed"
	c.ActionData[0] = '['
	*c.ProcessedAt = t0.Add(time.Hour)

	assert.Equal(t, "u-2", *r.ApprovedByID)
	assert.Equal(t, byte('{'), r.ActionData[0])
	assert.Equal(t, t0, *r.ProcessedAt)
	assert.Nil(t, (*ApprovalRequest)(nil).Clone())
}

func TestStatusHelpers(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusApproved.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.True(t, StatusFailed.Valid())
	assert.False(t, ApprovalStatus("pending").Valid())
}
