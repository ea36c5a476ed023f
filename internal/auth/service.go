package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"realtime-broker/internal/config"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidIdentity = errors.New("invalid identity")
	ErrInvalidToken    = errors.New("invalid token")
	ErrUnauthorized    = errors.New("unauthorized")
)

// Identity is who a connection is acting as once authenticated.
type Identity struct {
	UserID   string
	UserType string
}

// Verifier resolves the identity claimed in an auth envelope.
type Verifier interface {
	Verify(ctx context.Context, userID, userType, token string) (Identity, error)
}

// NewVerifier picks the verifier for the configured auth mode.
func NewVerifier(cfg config.AuthConfig) (Verifier, error) {
	switch cfg.Mode {
	case "", config.AuthModeTrust:
		return TrustVerifier{}, nil
	case config.AuthModeJWT:
		if cfg.JWTSecret == "" {
			return nil, fmt.Errorf("jwt auth mode requires a secret")
		}
		return NewJWTVerifier([]byte(cfg.JWTSecret)), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

// TrustVerifier accepts the identity as sent. The HTTP layer that issued it
// is responsible for having checked it.
type TrustVerifier struct{}

func (TrustVerifier) Verify(_ context.Context, userID, userType, _ string) (Identity, error) {
	userID = strings.TrimSpace(userID)
	userType = strings.TrimSpace(userType)
	if userID == "" || userType == "" {
		return Identity{}, ErrInvalidIdentity
	}
	return Identity{UserID: userID, UserType: userType}, nil
}

// JWTVerifier checks an HMAC-signed token and requires its subject to match
// the claimed user id (and role, when the token carries one).
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

func (v *JWTVerifier) ValidateToken(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

func (v *JWTVerifier) Verify(ctx context.Context, userID, userType, token string) (Identity, error) {
	id, err := TrustVerifier{}.Verify(ctx, userID, userType, token)
	if err != nil {
		return Identity{}, err
	}
	if token == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrInvalidToken)
	}

	claims, err := v.ValidateToken(token)
	if err != nil {
		return Identity{}, err
	}

	subject := claimString(claims, "userId", "user_id", "sub")
	if subject != id.UserID {
		return Identity{}, fmt.Errorf("%w: token subject does not match user", ErrInvalidIdentity)
	}
	if role := claimString(claims, "userType", "user_type", "role"); role != "" && role != id.UserType {
		return Identity{}, fmt.Errorf("%w: token role does not match user type", ErrInvalidIdentity)
	}
	return id, nil
}

// claimString returns the first present claim rendered as a string.
func claimString(claims jwt.MapClaims, keys ...string) string {
	for _, key := range keys {
		switch value := claims[key].(type) {
		case string:
			if value != "" {
				return value
			}
		case float64:
			return strconv.FormatFloat(value, 'f', -1, 64)
		}
	}
	return ""
}

// APIAuthorizer guards the HTTP push API. It accepts the configured API
// token, or in jwt mode a valid token carrying the service role. With
// neither configured every request is refused.
type APIAuthorizer struct {
	token []byte
	jwt   *JWTVerifier
	role  string
}

func NewAPIAuthorizer(cfg config.AuthConfig) *APIAuthorizer {
	a := &APIAuthorizer{role: cfg.ServiceRole}
	if cfg.APIToken != "" {
		a.token = []byte(cfg.APIToken)
	}
	if cfg.Mode == config.AuthModeJWT && cfg.JWTSecret != "" && cfg.ServiceRole != "" {
		a.jwt = NewJWTVerifier([]byte(cfg.JWTSecret))
	}
	return a
}

func (a *APIAuthorizer) Authorize(token string) error {
	if token == "" {
		return fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}
	if a.token != nil && subtle.ConstantTimeCompare([]byte(token), a.token) == 1 {
		return nil
	}
	if a.jwt != nil {
		claims, err := a.jwt.ValidateToken(token)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		if claimString(claims, "userType", "user_type", "role") == a.role {
			return nil
		}
		return fmt.Errorf("%w: token lacks service role", ErrUnauthorized)
	}
	return ErrUnauthorized
}
