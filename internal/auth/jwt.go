package auth

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
	RoleWorker     = "worker"
)

var (
	ErrMissingSecret = errors.New("JWT_SECRET is not set")
	ErrInvalidToken  = errors.New("invalid token")

	secretOnce sync.Once
	secret     []byte
)

// Claims carries the caller identity issued by the upstream auth layer.
type Claims struct {
	Role  string `json:"role"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) IsAdmin() bool {
	return c.Role == RoleAdmin || c.Role == RoleSuperAdmin
}

func jwtSecret() []byte {
	secretOnce.Do(func() {
		value := os.Getenv("JWT_SECRET")
		if value == "" {
			log.Warn("JWT_SECRET is empty, every authenticated request will be rejected")
			return
		}
		secret = []byte(value)
	})
	return secret
}

// ResetSecretForTests forces the next call to re-read JWT_SECRET.
func ResetSecretForTests() {
	secretOnce = sync.Once{}
	secret = nil
}

func SignJWT(subject, role string, ttl time.Duration) (string, time.Time, error) {
	key := jwtSecret()
	if len(key) == 0 {
		return "", time.Time{}, ErrMissingSecret
	}
	now := time.Now()
	exp := now.Add(ttl)
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	return signed, exp, err
}

func ValidateJWT(tokenStr string) (*Claims, error) {
	key := jwtSecret()
	if len(key) == 0 {
		return nil, ErrMissingSecret
	}

	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
