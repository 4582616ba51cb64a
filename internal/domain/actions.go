package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// RequestType определяет, какая ветка исполнителя применяется к заявке.
type RequestType string

const (
	RequestCreateProduct   RequestType = "CreateProduct"
	RequestUpdateProduct   RequestType = "UpdateProduct"
	RequestDeleteProduct   RequestType = "DeleteProduct"
	RequestTransferProduct RequestType = "TransferProduct"
	RequestDeleteRoute     RequestType = "DeleteRoute"
)

var knownRequestTypes = []RequestType{
	RequestCreateProduct,
	RequestUpdateProduct,
	RequestDeleteProduct,
	RequestTransferProduct,
	RequestDeleteRoute,
}

func KnownRequestTypes() []RequestType {
	return append([]RequestType(nil), knownRequestTypes...)
}

func (t RequestType) Known() bool {
	for _, k := range knownRequestTypes {
		if t == k {
			return true
		}
	}
	return false
}

// EntityRef — идентификатор сущности сервиса-владельца.
// Принимает и строку ("p-1"), и число (42): сервисы инвентаря отдают числовые id.
type EntityRef string

func (r *EntityRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*r = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = EntityRef(strings.TrimSpace(s))
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return fmt.Errorf("entity id must be a string or a number: %w", err)
	}
	// 1e3 и 1.5 — не идентификаторы
	if _, err := n.Int64(); err != nil {
		return errors.New("entity id must be an integer")
	}
	*r = EntityRef(n.String())
	return nil
}

func (r EntityRef) String() string { return string(r) }

func (r EntityRef) IsZero() bool { return r == "" }

// Форматы actionData для каждой ветки.
// encoding/json сопоставляет ключи без учета регистра, поэтому "ProductId"
// от старых клиентов тоже читается.

type CreateProductAction struct {
	Product map[string]any
}

type UpdateProductAction struct {
	ProductID EntityRef       `json:"productId"`
	Product   json.RawMessage `json:"product"`
}

type DeleteProductAction struct {
	ProductID EntityRef `json:"productId"`
}

type TransferProductAction struct {
	ProductID   EntityRef `json:"productId"`
	FromRouteID EntityRef `json:"fromRouteId,omitempty"`
	ToRouteID   EntityRef `json:"toRouteId,omitempty"`
	Quantity    float64   `json:"quantity,omitempty"`
}

type DeleteRouteAction struct {
	RouteID EntityRef `json:"routeId"`
}

// DecodeCreateProduct: payload — сам объект продукта, пустой объект не годится.
func DecodeCreateProduct(data json.RawMessage) (*CreateProductAction, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: create product payload: %v", ErrInvalidInput, err)
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("%w: create product payload is empty", ErrInvalidInput)
	}
	return &CreateProductAction{Product: m}, nil
}

func DecodeUpdateProduct(data json.RawMessage) (*UpdateProductAction, error) {
	var a UpdateProductAction
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: update product payload: %v", ErrInvalidInput, err)
	}
	if a.ProductID.IsZero() {
		return nil, fmt.Errorf("%w: update product payload has no productId", ErrInvalidInput)
	}
	if len(a.Product) == 0 || string(a.Product) == "null" {
		return nil, fmt.Errorf("%w: update product payload has no product", ErrInvalidInput)
	}
	return &a, nil
}

func DecodeDeleteProduct(data json.RawMessage) (*DeleteProductAction, error) {
	var a DeleteProductAction
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: delete product payload: %v", ErrInvalidInput, err)
	}
	if a.ProductID.IsZero() {
		return nil, fmt.Errorf("%w: delete product payload has no productId", ErrInvalidInput)
	}
	return &a, nil
}

func DecodeTransferProduct(data json.RawMessage) (*TransferProductAction, error) {
	var a TransferProductAction
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: transfer product payload: %v", ErrInvalidInput, err)
	}
	if a.ProductID.IsZero() {
		return nil, fmt.Errorf("%w: transfer product payload has no productId", ErrInvalidInput)
	}
	return &a, nil
}

func DecodeDeleteRoute(data json.RawMessage) (*DeleteRouteAction, error) {
	var a DeleteRouteAction
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: delete route payload: %v", ErrInvalidInput, err)
	}
	if a.RouteID.IsZero() {
		return nil, fmt.Errorf("%w: delete route payload has no routeId", ErrInvalidInput)
	}
	return &a, nil
}

// ValidateActionData проверяет, что ветка requestType сможет разобрать data.
// Вызывается при создании: заявка, которую нельзя исполнить, не доходит до ревьюера.
func ValidateActionData(requestType RequestType, data json.RawMessage) error {
	var err error
	switch requestType {
	case RequestCreateProduct:
		_, err = DecodeCreateProduct(data)
	case RequestUpdateProduct:
		_, err = DecodeUpdateProduct(data)
	case RequestDeleteProduct:
		_, err = DecodeDeleteProduct(data)
	case RequestTransferProduct:
		_, err = DecodeTransferProduct(data)
	case RequestDeleteRoute:
		_, err = DecodeDeleteRoute(data)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownRequestType, requestType)
	}
	return err
}
