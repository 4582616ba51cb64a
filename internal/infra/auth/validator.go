package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/approval-orchestrator/internal/domain"
)

// RSAValidator проверяет bearer-токены Command API.
// Пользовательские токены (заявитель, ревьюер) выпускает identity-система,
// системные токены подписывает SignedTokenSource тем же ключом.
// Идентичность берется из user_id, а если его нет, то из sub.
type RSAValidator struct {
	publicKey *rsa.PublicKey
	parser    *jwt.Parser
}

// DefaultLeeway — допустимое расхождение часов с identity-системой.
const DefaultLeeway = 30 * time.Second

func NewRSAValidator(pubKey *rsa.PublicKey, leeway time.Duration) *RSAValidator {
	if leeway < 0 {
		leeway = DefaultLeeway
	}
	return &RSAValidator{
		publicKey: pubKey,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(leeway),
		),
	}
}

// VerifyToken принимает значение заголовка Authorization с префиксом "Bearer " или без него.
func (v *RSAValidator) VerifyToken(header string) (*domain.CustomClaims, error) {
	tokenStr := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if tokenStr == "" {
		return nil, errors.New("invalid token: empty")
	}

	claims := &domain.CustomClaims{}
	token, err := v.parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return v.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, errors.New("invalid claims: no user id")
	}
	return claims, nil
}

// ParseRSAPublicKey читает PEM ключ проверки (auth.public_key)
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("public key data is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}

// ParseRSAPrivateKey читает PEM ключ для системного токена исполнителя
func ParseRSAPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("private key data is empty")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}
