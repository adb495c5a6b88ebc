// Package token signs and verifies access tokens.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	dErrors "ban/pkg/domain-errors"
)

// Claims are the claims carried by access tokens.
type Claims struct {
	SessionID       string   `json:"session_id"`
	ClientID        string   `json:"client_id"`
	ContributorType string   `json:"contributor_type"`
	Scopes          []string `json:"scopes"`
	jwt.RegisteredClaims
}

// Issuer creates and validates HS256 access tokens.
type Issuer struct {
	signingKey []byte
	issuer     string
	audience   string
}

func NewIssuer(signingKey, issuer, audience string) *Issuer {
	return &Issuer{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		audience:   audience,
	}
}

// Issue signs a token for sessionID valid until expires. It returns the
// signed token and its jti.
func (i *Issuer) Issue(sessionID uuid.UUID, clientID, contributorType string, scopes []string, now, expires time.Time) (string, string, error) {
	jti := uuid.NewString()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		SessionID:       sessionID.String(),
		ClientID:        clientID,
		ContributorType: contributorType,
		Scopes:          scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    i.issuer,
			Audience:  []string{i.audience},
			ID:        jti,
		},
	})
	signed, err := t.SignedString(i.signingKey)
	if err != nil {
		return "", "", err
	}
	return signed, jti, nil
}

// Validate verifies signature, issuer, audience and expiry at now.
func (i *Issuer) Validate(raw string, now time.Time) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return i.signingKey, nil
	},
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "token has expired")
		}
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}
	return claims, nil
}
