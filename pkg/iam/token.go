package iam

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/genesis-cloud/genesis-core/pkg/errdefs"
)

// Claims is the JWT payload minted for authenticated subjects
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// IssueToken mints an HS256 token for a user
func (k *Kernel) IssueToken(userID uuid.UUID, username string) (string, error) {
	if k.cfg.TokenSecret == "" {
		return "", errdefs.Permanent("token secret is not configured")
	}
	ttl := k.cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now().UTC()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(k.cfg.TokenSecret))
}

// VerifyToken parses and validates a token, returning the subject
func (k *Kernel) VerifyToken(raw string) (uuid.UUID, *Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errdefs.AuthRequired("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(k.cfg.TokenSecret), nil
	})
	if err != nil || !token.Valid {
		return uuid.Nil, nil, errdefs.AuthRequired("invalid token")
	}
	subject, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, nil, errdefs.AuthRequired("invalid token subject")
	}
	return subject, claims, nil
}
