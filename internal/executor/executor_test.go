package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/approval-orchestrator/internal/domain"
	"github.com/xela07ax/approval-orchestrator/internal/infra/auth"
	"go.uber.org/zap"
)

type recorded struct {
	method      string
	path        string
	body        string
	auth        string
	idempotency string
}

type ownerStub struct {
	mu     sync.Mutex
	calls  []recorded
	status int32
	delay  time.Duration
	srv    *httptest.Server
}

func newOwnerStub(t *testing.T) *ownerStub {
	t.Helper()
	s := &ownerStub{status: http.StatusOK}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.calls = append(s.calls, recorded{
			method:      r.Method,
			path:        r.URL.EscapedPath(),
			body:        string(b),
			auth:        r.Header.Get("Authorization"),
			idempotency: r.Header.Get("Idempotency-Key"),
		})
		s.mu.Unlock()
		if s.delay > 0 {
			time.Sleep(s.delay)
		}
		code := int(atomic.LoadInt32(&s.status))
		w.WriteHeader(code)
		if code >= 300 {
			_, _ = w.Write([]byte(`{"error":"nope"}`))
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *ownerStub) Calls() []recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recorded(nil), s.calls...)
}

func newExecutor(t *testing.T, stub *ownerStub, opts Options) *HTTPExecutor {
	t.Helper()
	opts.Services = map[string]string{
		ServiceProducts: stub.srv.URL,
		ServiceRoutes:   stub.srv.URL + "/",
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = 1000
		opts.RateBurst = 100
	}
	return New(stub.srv.Client(), auth.StaticTokenSource("system-token"), opts, zap.NewNop())
}

func TestExecute_Branches(t *testing.T) {
	tests := []struct {
		name       string
		typ        domain.RequestType
		data       string
		wantMethod string
		wantPath   string
		wantBody   string
	}{
		{"create product", domain.RequestCreateProduct, `{"sku":"X","name":"Bolt"}`,
			http.MethodPost, "/api/products/approved", `{"name":"Bolt","sku":"X"}`},
		{"update product", domain.RequestUpdateProduct, `{"ProductId":"p-1","product":{"price":10}}`,
			http.MethodPut, "/api/products/p-1/approved", `{"price":10}`},
		{"delete product", domain.RequestDeleteProduct, `{"productId":"p 2"}`,
			http.MethodDelete, "/api/products/p%202/approved", ``},
		{"transfer product", domain.RequestTransferProduct, `{"productId":"p-3","fromRouteId":"a","toRouteId":"b","quantity":5,"note":"x"}`,
			http.MethodPost, "/api/inventoryroutes/transfer/approved", `{"productId":"p-3","fromRouteId":"a","toRouteId":"b","quantity":5,"note":"x"}`},
		{"delete route", domain.RequestDeleteRoute, `{"RouteId":"r-9"}`,
			http.MethodDelete, "/api/inventoryroutes/r-9/approved", ``},
		{"update product numeric id", domain.RequestUpdateProduct, `{"productId":42,"product":{"price":10}}`,
			http.MethodPut, "/api/products/42/approved", `{"price":10}`},
		{"delete product numeric id", domain.RequestDeleteProduct, `{"ProductId":42}`,
			http.MethodDelete, "/api/products/42/approved", ``},
		{"delete route numeric id", domain.RequestDeleteRoute, `{"RouteId":7}`,
			http.MethodDelete, "/api/inventoryroutes/7/approved", ``},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			stub := newOwnerStub(t)
			ex := newExecutor(t, stub, Options{})

			err := ex.Execute(context.Background(), Action{RequestID: "req-1", Type: tc.typ, Data: json.RawMessage(tc.data)})
			require.NoError(t, err)

			calls := stub.Calls()
			require.Len(t, calls, 1)
			c := calls[0]
			assert.Equal(t, tc.wantMethod, c.method)
			assert.Equal(t, tc.wantPath, c.path)
			if tc.wantBody == "" {
				assert.Empty(t, c.body)
			} else {
				assert.JSONEq(t, tc.wantBody, c.body)
			}
			assert.Equal(t, "Bearer system-token", c.auth)
			assert.Equal(t, IdempotencyKey("req-1"), c.idempotency)
		})
	}
}

func TestExecute_UnusablePayloadDoesNotCallOut(t *testing.T) {
	stub := newOwnerStub(t)
	ex := newExecutor(t, stub, Options{})

	payloads := map[domain.RequestType]string{
		domain.RequestCreateProduct:   `{}`,
		domain.RequestUpdateProduct:   `{"productId":"p-1"}`,
		domain.RequestDeleteProduct:   `{"sku":"X"}`,
		domain.RequestTransferProduct: `[1,2]`,
		domain.RequestDeleteRoute:     `not json`,
	}
	for typ, data := range payloads {
		err := ex.Execute(context.Background(), Action{RequestID: "r", Type: typ, Data: json.RawMessage(data)})
		assert.ErrorIs(t, err, domain.ErrInvalidInput, typ)
	}
	assert.Empty(t, stub.Calls())

	err := ex.Execute(context.Background(), Action{RequestID: "r", Type: "DeleteCategory", Data: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, domain.ErrUnknownRequestType)
}

func TestExecute_NonSuccessStatus(t *testing.T) {
	stub := newOwnerStub(t)
	atomic.StoreInt32(&stub.status, http.StatusConflict)
	ex := newExecutor(t, stub, Options{})

	err := ex.Execute(context.Background(), Action{RequestID: "r", Type: domain.RequestDeleteRoute, Data: json.RawMessage(`{"routeId":"r-1"}`)})
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusConflict, se.Code)
	assert.Contains(t, err.Error(), "nope")
}

func TestExecute_Timeout(t *testing.T) {
	stub := newOwnerStub(t)
	stub.delay = 200 * time.Millisecond
	ex := newExecutor(t, stub, Options{Timeout: 20 * time.Millisecond})

	err := ex.Execute(context.Background(), Action{RequestID: "r", Type: domain.RequestDeleteRoute, Data: json.RawMessage(`{"routeId":"r-1"}`)})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecute_BreakerOpensOnServerErrors(t *testing.T) {
	stub := newOwnerStub(t)
	atomic.StoreInt32(&stub.status, http.StatusBadGateway)

	var opened atomic.Bool
	ex := newExecutor(t, stub, Options{
		CBFailures: 2,
		CBTimeout:  time.Minute,
		OnBreakerState: func(service string, open bool) {
			if service == ServiceRoutes && open {
				opened.Store(true)
			}
		},
	})
	act := Action{RequestID: "r", Type: domain.RequestDeleteRoute, Data: json.RawMessage(`{"routeId":"r-1"}`)}

	require.Error(t, ex.Execute(context.Background(), act))
	require.Error(t, ex.Execute(context.Background(), act))
	assert.True(t, opened.Load())

	err := ex.Execute(context.Background(), act)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Len(t, stub.Calls(), 2)

	// Products — отдельный предохранитель
	atomic.StoreInt32(&stub.status, http.StatusOK)
	require.NoError(t, ex.Execute(context.Background(), Action{RequestID: "r", Type: domain.RequestDeleteProduct, Data: json.RawMessage(`{"productId":"p"}`)}))
}

func TestExecute_ClientErrorsDoNotTripBreaker(t *testing.T) {
	stub := newOwnerStub(t)
	atomic.StoreInt32(&stub.status, http.StatusNotFound)
	ex := newExecutor(t, stub, Options{CBFailures: 1, CBTimeout: time.Minute})
	act := Action{RequestID: "r", Type: domain.RequestDeleteRoute, Data: json.RawMessage(`{"routeId":"r-1"}`)}

	for i := 0; i < 3; i++ {
		err := ex.Execute(context.Background(), act)
		require.Error(t, err)
		assert.NotErrorIs(t, err, gobreaker.ErrOpenState)
	}
	assert.Len(t, stub.Calls(), 3)
}

func TestExecute_MissingServiceConfig(t *testing.T) {
	ex := New(nil, auth.StaticTokenSource("t"), Options{Services: map[string]string{ServiceProducts: "http://x"}}, zap.NewNop())
	err := ex.Execute(context.Background(), Action{RequestID: "r", Type: domain.RequestDeleteRoute, Data: json.RawMessage(`{"routeId":"r-1"}`)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestIdempotencyKeyIsDeterministic(t *testing.T) {
	assert.Equal(t, IdempotencyKey("a"), IdempotencyKey("a"))
	assert.NotEqual(t, IdempotencyKey("a"), IdempotencyKey("b"))
}
