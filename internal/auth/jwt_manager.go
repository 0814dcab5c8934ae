// Package auth issues and validates the JWT tokens protecting the session API.
package auth

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("jwt-manager")

const (
	tokenIssuer = "cad-orchestrator"
	// signingKeyID is carried in the token header so a future multi-key
	// rotation can tell old tokens from new ones.
	signingKeyID = "default"
)

// Claims represents JWT claims for the generation API.
type Claims struct {
	UserID   string   `json:"user_id"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// JWTManager signs and verifies API tokens with a shared HMAC key.
type JWTManager struct {
	signingKey []byte
	method     jwt.SigningMethod
	tracer     trace.Tracer
}

// NewJWTManager creates a manager keyed by the JWT_SECRET environment variable.
func NewJWTManager() (*JWTManager, error) {
	key, err := signingKeyFromEnv()
	if err != nil {
		return nil, err
	}
	return &JWTManager{
		signingKey: key,
		method:     jwt.SigningMethodHS256,
		tracer:     tracer,
	}, nil
}

func signingKeyFromEnv() ([]byte, error) {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	return []byte(secret), nil
}

// GenerateToken issues a token for the user, valid for the given duration.
func (jm *JWTManager) GenerateToken(ctx context.Context, userID, username string, roles []string, duration time.Duration) (string, error) {
	_, span := jm.tracer.Start(ctx, "jwt.generate_token",
		trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	now := time.Now()
	token := jwt.NewWithClaims(jm.method, &Claims{
		UserID:   userID,
		Username: username,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
			ID:        fmt.Sprintf("jwt-%d", now.UnixNano()),
		},
	})
	token.Header["kid"] = signingKeyID

	signed, err := token.SignedString(jm.signingKey)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies a token's signature and registered claims.
func (jm *JWTManager) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	_, span := jm.tracer.Start(ctx, "jwt.validate_token")
	defer span.End()

	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(t *jwt.Token) (interface{}, error) {
			if kid, _ := t.Header["kid"].(string); kid != "" && kid != signingKeyID {
				span.SetAttributes(attribute.String("jwt.kid_mismatch", kid))
			}
			return jm.signingKey, nil
		},
		jwt.WithValidMethods([]string{jm.method.Alg()}),
		jwt.WithIssuer(tokenIssuer),
	)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	span.SetAttributes(
		attribute.String("user.id", claims.UserID),
		attribute.String("jwt.id", claims.ID),
	)
	return claims, nil
}

// RefreshToken reissues a still-valid token with a new expiry.
func (jm *JWTManager) RefreshToken(ctx context.Context, tokenString string, duration time.Duration) (string, error) {
	ctx, span := jm.tracer.Start(ctx, "jwt.refresh_token")
	defer span.End()

	claims, err := jm.ValidateToken(ctx, tokenString)
	if err != nil {
		return "", fmt.Errorf("cannot refresh invalid token: %w", err)
	}
	return jm.GenerateToken(ctx, claims.UserID, claims.Username, claims.Roles, duration)
}

// RotateSigningKey re-reads the signing key from the environment. Tokens
// signed with the previous key stop validating.
func (jm *JWTManager) RotateSigningKey(ctx context.Context) error {
	_, span := jm.tracer.Start(ctx, "jwt.rotate_signing_key")
	defer span.End()

	key, err := signingKeyFromEnv()
	if err != nil {
		return err
	}
	jm.signingKey = key
	return nil
}
