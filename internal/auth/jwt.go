package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type TokenKind string

const (
	AccessToken  TokenKind = "access"
	RefreshToken TokenKind = "refresh"
)

type Claims struct {
	UserID    int64     `json:"user_id"`
	TokenType TokenKind `json:"token_type"`
	jwt.RegisteredClaims
}

type TokenConfig struct {
	Secret        string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
	Issuer        string
}

func DefaultTokenConfig(secret string) TokenConfig {
	return TokenConfig{
		Secret:        secret,
		AccessExpiry:  time.Hour,
		RefreshExpiry: 7 * 24 * time.Hour,
		Issuer:        "alumni-chat",
	}
}

func (c TokenConfig) expiry(kind TokenKind) time.Duration {
	if kind == RefreshToken {
		return c.RefreshExpiry
	}
	return c.AccessExpiry
}

func CreateToken(userID int64, kind TokenKind, cfg TokenConfig) (string, error) {
	if cfg.Secret == "" {
		return "", errors.New("missing secret")
	}
	if userID <= 0 {
		return "", errors.New("missing userID")
	}
	if kind != AccessToken && kind != RefreshToken {
		return "", fmt.Errorf("unknown token kind %q", kind)
	}
	expiry := cfg.expiry(kind)
	if expiry <= 0 {
		return "", errors.New("invalid expiry")
	}

	jti := make([]byte, 16)
	if _, err := rand.Read(jti); err != nil {
		return "", err
	}

	now := time.Now()
	claims := Claims{
		UserID:    userID,
		TokenType: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			ID:        hex.EncodeToString(jti),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
}

func VerifyToken(tokenString string, kind TokenKind, cfg TokenConfig) (*Claims, error) {
	if cfg.Secret == "" {
		return nil, errors.New("missing secret")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return []byte(cfg.Secret), nil
	}, opts...); err != nil {
		return nil, err
	}
	if claims.TokenType != kind {
		return nil, fmt.Errorf("%w: expected %s token", jwt.ErrTokenInvalidClaims, kind)
	}
	return claims, nil
}

// InspectToken decodes claims without verifying the signature. Clients use it
// to read expiry and user id from tokens they cannot verify.
func InspectToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, err
	}
	return claims, nil
}
