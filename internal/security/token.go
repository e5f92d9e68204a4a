package security

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"supportchat/internal/domain"
)

// TokenService validates the access tokens issued by the identity
// provider. Tokens carry the actor identity in "sub" and the party in
// "role". Token creation is kept for tooling and tests.
type TokenService struct {
	secret    []byte
	expiresIn time.Duration
}

func NewTokenService(secret string, expiresIn time.Duration) *TokenService {
	return &TokenService{
		secret:    []byte(secret),
		expiresIn: expiresIn,
	}
}

// CreateForActor creates a JWT for the given actor using the default TTL.
func (t *TokenService) CreateForActor(actor domain.Actor) (string, error) {
	return t.CreateWithTTL(actor, t.expiresIn)
}

// CreateWithTTL creates a JWT for the given actor with an explicit TTL.
func (t *TokenService) CreateWithTTL(actor domain.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  actor.Identity,
		"role": string(actor.Role),
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Parse validates a token and returns its claims.
func (t *TokenService) Parse(tokenStr string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	if claims, ok := token.Claims.(jwt.MapClaims); ok {
		return claims, nil
	}
	return nil, jwt.ErrTokenMalformed
}

// ParseActor validates a token and extracts the acting party.
func (t *TokenService) ParseActor(tokenStr string) (domain.Actor, error) {
	claims, err := t.Parse(tokenStr)
	if err != nil {
		return domain.Actor{}, err
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	rawRole, _ := claims["role"].(string)
	role, err := domain.ParseRole(rawRole)
	if err != nil {
		return domain.Actor{}, err
	}
	return domain.Actor{Role: role, Identity: sub}, nil
}
