package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

type CustomClaims struct {
	UserID string          `json:"user_id"`
	Name   string          `json:"name,omitempty"`
	Scopes map[string]bool `json:"scopes"` // "approvals.decide": true
	jwt.RegisteredClaims
}

// Scopes, которые проверяет Command API
const (
	ScopeApprovalsRequest = "approvals.request"
	ScopeApprovalsDecide  = "approvals.decide"
	ScopeAdmin            = "admin"
)

// Has: admin покрывает все остальные права
func (c *CustomClaims) Has(scope string) bool {
	if c == nil || c.Scopes == nil {
		return false
	}
	return c.Scopes[scope] || c.Scopes[ScopeAdmin]
}
