package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrMissingToken = errors.New("missing credential")
	ErrInvalidToken = errors.New("invalid credential")
)

type JWTService struct {
	secret []byte
	issuer string
}

func NewJWT(secret []byte) *JWTService {
	return &JWTService{secret: secret, issuer: "ride-dispatch"}
}

type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Issue signs a token for userID. Used by tooling and tests; production tokens
// come from the account service with the same secret.
func (j *JWTService) Issue(userID string, role models.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(j.secret)
}

// Parse validates tokenStr and returns the caller identity.
func (j *JWTService) Parse(tokenStr string) (models.Identity, error) {
	tokenStr = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(tokenStr), "Bearer "))
	if tokenStr == "" {
		return models.Identity{}, ErrMissingToken
	}
	var c claims
	token, err := jwt.ParseWithClaims(tokenStr, &c, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return models.Identity{}, ErrInvalidToken
	}
	if c.Subject == "" {
		return models.Identity{}, fmt.Errorf("%w: subject is required", ErrInvalidToken)
	}
	if c.ExpiresAt == nil {
		return models.Identity{}, fmt.Errorf("%w: exp is required", ErrInvalidToken)
	}
	role := models.Role(c.Role)
	if !role.Valid() {
		return models.Identity{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, c.Role)
	}
	return models.Identity{UserID: c.Subject, Role: role}, nil
}
