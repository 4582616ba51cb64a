package executor

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/xela07ax/approval-orchestrator/internal/domain"
)

// Имена сервисов-владельцев (ключи в Services)
const (
	ServiceProducts = "products"
	ServiceRoutes   = "routes"
)

// Call — один исходящий вызов "approved"-эндпойнта сервиса-владельца.
type Call struct {
	Service string
	Method  string
	Path    string
	Body    any // nil — без тела
}

// Handler разбирает actionData в форму своей ветки и строит вызов.
// Ошибка разбора означает, что наружу ничего не уходит.
type Handler func(data json.RawMessage) (*Call, error)

// DefaultHandlers — таблица веток по RequestType, регистрируется один раз в New.
func DefaultHandlers() map[domain.RequestType]Handler {
	return map[domain.RequestType]Handler{
		domain.RequestCreateProduct:   createProduct,
		domain.RequestUpdateProduct:   updateProduct,
		domain.RequestDeleteProduct:   deleteProduct,
		domain.RequestTransferProduct: transferProduct,
		domain.RequestDeleteRoute:     deleteRoute,
	}
}

func createProduct(data json.RawMessage) (*Call, error) {
	a, err := domain.DecodeCreateProduct(data)
	if err != nil {
		return nil, err
	}
	return &Call{
		Service: ServiceProducts,
		Method:  http.MethodPost,
		Path:    "/api/products/approved",
		Body:    a.Product,
	}, nil
}

func updateProduct(data json.RawMessage) (*Call, error) {
	a, err := domain.DecodeUpdateProduct(data)
	if err != nil {
		return nil, err
	}
	return &Call{
		Service: ServiceProducts,
		Method:  http.MethodPut,
		Path:    "/api/products/" + url.PathEscape(a.ProductID.String()) + "/approved",
		Body:    a.Product,
	}, nil
}

func deleteProduct(data json.RawMessage) (*Call, error) {
	a, err := domain.DecodeDeleteProduct(data)
	if err != nil {
		return nil, err
	}
	return &Call{
		Service: ServiceProducts,
		Method:  http.MethodDelete,
		Path:    "/api/products/" + url.PathEscape(a.ProductID.String()) + "/approved",
	}, nil
}

// transferProduct отправляет payload как есть: сервис маршрутов сам знает свои поля.
func transferProduct(data json.RawMessage) (*Call, error) {
	if _, err := domain.DecodeTransferProduct(data); err != nil {
		return nil, err
	}
	return &Call{
		Service: ServiceRoutes,
		Method:  http.MethodPost,
		Path:    "/api/inventoryroutes/transfer/approved",
		Body:    data,
	}, nil
}

func deleteRoute(data json.RawMessage) (*Call, error) {
	a, err := domain.DecodeDeleteRoute(data)
	if err != nil {
		return nil, err
	}
	return &Call{
		Service: ServiceRoutes,
		Method:  http.MethodDelete,
		Path:    "/api/inventoryroutes/" + url.PathEscape(a.RouteID.String()) + "/approved",
	}, nil
}
