package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoders(t *testing.T) {
	c, err := DecodeCreateProduct(json.RawMessage(`{"sku":"A-1","name":"Bolt"}`))
	require.NoError(t, err)
	assert.Equal(t, "A-1", c.Product["sku"])

	u, err := DecodeUpdateProduct(json.RawMessage(`{"ProductId":"p-1","Product":{"name":"Nut"}}`))
	require.NoError(t, err)
	assert.Equal(t, EntityRef("p-1"), u.ProductID)
	assert.JSONEq(t, `{"name":"Nut"}`, string(u.Product))

	d, err := DecodeDeleteProduct(json.RawMessage(`{"productId":"p-2"}`))
	require.NoError(t, err)
	assert.Equal(t, EntityRef("p-2"), d.ProductID)

	tr, err := DecodeTransferProduct(json.RawMessage(`{"productId":"p-3","fromRouteId":"a","toRouteId":"b","quantity":2.5}`))
	require.NoError(t, err)
	assert.Equal(t, 2.5, tr.Quantity)
	assert.Equal(t, EntityRef("b"), tr.ToRouteID)

	dr, err := DecodeDeleteRoute(json.RawMessage(`{"RouteId":"r-1"}`))
	require.NoError(t, err)
	assert.Equal(t, EntityRef("r-1"), dr.RouteID)
}

func TestDecoders_NumericIDs(t *testing.T) {
	u, err := DecodeUpdateProduct(json.RawMessage(`{"productId":42,"product":{"price":1}}`))
	require.NoError(t, err)
	assert.Equal(t, "42", u.ProductID.String())

	d, err := DecodeDeleteProduct(json.RawMessage(`{"ProductId":42}`))
	require.NoError(t, err)
	assert.Equal(t, "42", d.ProductID.String())

	tr, err := DecodeTransferProduct(json.RawMessage(`{"productId":5,"fromRouteId":1,"toRouteId":"r-2","quantity":3}`))
	require.NoError(t, err)
	assert.Equal(t, "5", tr.ProductID.String())
	assert.Equal(t, "1", tr.FromRouteID.String())
	assert.Equal(t, "r-2", tr.ToRouteID.String())

	dr, err := DecodeDeleteRoute(json.RawMessage(`{"RouteId":7}`))
	require.NoError(t, err)
	assert.Equal(t, "7", dr.RouteID.String())

	// Большие id не теряют точность
	big, err := DecodeDeleteRoute(json.RawMessage(`{"routeId":9007199254740993}`))
	require.NoError(t, err)
	assert.Equal(t, "9007199254740993", big.RouteID.String())
}

func TestEntityRef_RoundTrip(t *testing.T) {
	in := DeleteProductAction{ProductID: "42"}
	b, err := json.Marshal(in)
	require.NoError(t, err)

	out, err := DecodeDeleteProduct(b)
	require.NoError(t, err)
	assert.Equal(t, in.ProductID, out.ProductID)
}

func TestDecoders_Reject(t *testing.T) {
	cases := []struct {
		name string
		fn   func(json.RawMessage) error
		data string
	}{
		{"create empty", func(d json.RawMessage) error { _, err := DecodeCreateProduct(d); return err }, `{}`},
		{"create array", func(d json.RawMessage) error { _, err := DecodeCreateProduct(d); return err }, `[]`},
		{"update no id", func(d json.RawMessage) error { _, err := DecodeUpdateProduct(d); return err }, `{"product":{"a":1}}`},
		{"update null product", func(d json.RawMessage) error { _, err := DecodeUpdateProduct(d); return err }, `{"productId":"p","product":null}`},
		{"delete blank id", func(d json.RawMessage) error { _, err := DecodeDeleteProduct(d); return err }, `{"productId":"  "}`},
		{"transfer bool id", func(d json.RawMessage) error { _, err := DecodeTransferProduct(d); return err }, `{"productId":true}`},
		{"delete fractional id", func(d json.RawMessage) error { _, err := DecodeDeleteProduct(d); return err }, `{"productId":1.5}`},
		{"delete object id", func(d json.RawMessage) error { _, err := DecodeDeleteProduct(d); return err }, `{"productId":{"v":1}}`},
		{"route null id", func(d json.RawMessage) error { _, err := DecodeDeleteRoute(d); return err }, `{"routeId":null}`},
		{"route missing", func(d json.RawMessage) error { _, err := DecodeDeleteRoute(d); return err }, `{"id":"r"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.fn(json.RawMessage(tc.data)), ErrInvalidInput)
		})
	}
}

func TestValidateActionData(t *testing.T) {
	assert.NoError(t, ValidateActionData(RequestDeleteProduct, json.RawMessage(`{"ProductId":42}`)))
	assert.NoError(t, ValidateActionData(RequestCreateProduct, json.RawMessage(`{"sku":"X"}`)))
	assert.ErrorIs(t, ValidateActionData(RequestDeleteRoute, json.RawMessage(`{"productId":"p"}`)), ErrInvalidInput)
	assert.ErrorIs(t, ValidateActionData("DeleteCategory", json.RawMessage(`{}`)), ErrUnknownRequestType)
}

func TestKnownRequestTypes(t *testing.T) {
	assert.Len(t, KnownRequestTypes(), 5)
	assert.True(t, RequestTransferProduct.Known())
	assert.False(t, RequestType("createproduct").Known())

	list := KnownRequestTypes()
	list[0] = "mutated"
	assert.Equal(t, RequestCreateProduct, KnownRequestTypes()[0])
}
