// Package models holds the authentication aggregates: users, clients,
// sessions and access tokens.
package models

import (
	"slices"
	"time"

	"github.com/google/uuid"

	dErrors "ban/pkg/domain-errors"
)

// GrantClientCredentials is the only grant the token endpoint serves.
const GrantClientCredentials = "client_credentials"

// Contributor types a session may act as.
const (
	ContributorAdmin     = "admin"
	ContributorDevelop   = "develop"
	ContributorIGN       = "ign"
	ContributorLaPoste   = "laposte"
	ContributorDGFIP     = "dgfip"
	ContributorEtalab    = "etalab"
	ContributorOSM       = "osm"
	ContributorSDIS      = "sdis"
	ContributorINSEE     = "insee"
	ContributorMunicipal = "municipal_administration"
	ContributorViewer    = "viewer"
)

// ContributorTypes lists every accepted contributor type.
var ContributorTypes = []string{
	ContributorIGN, ContributorLaPoste, ContributorDGFIP, ContributorEtalab,
	ContributorOSM, ContributorSDIS, ContributorMunicipal, ContributorAdmin,
	ContributorINSEE, ContributorDevelop, ContributorViewer,
}

// IsContributorType reports whether t is a known contributor type.
func IsContributorType(t string) bool {
	return slices.Contains(ContributorTypes, t)
}

// User is a human account. Clients are owned by users.
type User struct {
	PK           int64     `json:"pk"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	Company      string    `json:"company,omitempty"`
	IsStaff      bool      `json:"is_staff"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Client is an API client registration.
//
// Invariants:
//   - ClientID is a UUID v4
//   - Name is non-empty
//   - every contributor type is known
type Client struct {
	PK               int64     `json:"pk"`
	ClientID         uuid.UUID `json:"client_id"`
	SecretHash       string    `json:"-"`
	Name             string    `json:"name"`
	UserPK           *int64    `json:"user,omitempty"`
	Scopes           []string  `json:"scopes"`
	ContributorTypes []string  `json:"contributor_types"`
	RedirectURIs     []string  `json:"redirect_uris"`
	GrantType        string    `json:"grant_type"`
	IsConfidential   bool      `json:"is_confidential"`
	CreatedAt        time.Time `json:"created_at"`
}

// NewClient validates and builds a client registration.
func NewClient(clientID uuid.UUID, secretHash, name string, userPK *int64, scopes, contributorTypes []string, now time.Time) (*Client, error) {
	if clientID.Version() != 4 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "client_id must be a UUID v4")
	}
	if name == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "client name cannot be empty")
	}
	if secretHash == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "client secret cannot be empty")
	}
	for _, t := range contributorTypes {
		if !IsContributorType(t) {
			return nil, dErrors.New(dErrors.CodeInvariantViolation, "unknown contributor type "+t)
		}
	}
	return &Client{
		ClientID:         clientID,
		SecretHash:       secretHash,
		Name:             name,
		UserPK:           userPK,
		Scopes:           slices.Clone(scopes),
		ContributorTypes: slices.Clone(contributorTypes),
		RedirectURIs:     []string{},
		GrantType:        GrantClientCredentials,
		IsConfidential:   true,
		CreatedAt:        now,
	}, nil
}

// ResolveContributorType picks the contributor type of a token request. A
// single allowed type is implicit; otherwise requested must be one of them.
func (c *Client) ResolveContributorType(requested string) (string, error) {
	switch {
	case len(c.ContributorTypes) == 0:
		return "", dErrors.New(dErrors.CodeUnauthorized, "client has no contributor type")
	case requested == "" && len(c.ContributorTypes) == 1:
		return c.ContributorTypes[0], nil
	case requested == "":
		return "", dErrors.Validation("Invalid data", map[string]string{"contributor_type": "Missing data for required field."})
	case !slices.Contains(c.ContributorTypes, requested):
		return "", dErrors.Validation("Invalid data", map[string]string{"contributor_type": "Not allowed for this client."})
	default:
		return requested, nil
	}
}

// Session is the immutable identity a token acts for. Exactly one of
// ClientPK and UserPK is set.
type Session struct {
	PK              int64     `json:"pk"`
	ID              uuid.UUID `json:"id"`
	ClientPK        *int64    `json:"client,omitempty"`
	UserPK          *int64    `json:"user,omitempty"`
	ContributorType string    `json:"contributor_type"`
	IP              string    `json:"ip,omitempty"`
	Email           string    `json:"email,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewClientSession builds the session minted by a client_credentials grant.
func NewClientSession(clientPK int64, contributorType, ip, email string, now time.Time) (*Session, error) {
	if clientPK == 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "session needs a client or a user")
	}
	if contributorType == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "contributor_type is required")
	}
	pk := clientPK
	return &Session{
		ID:              uuid.New(),
		ClientPK:        &pk,
		ContributorType: contributorType,
		IP:              ip,
		Email:           email,
		CreatedAt:       now,
	}, nil
}

// Token is an issued access token.
type Token struct {
	PK              int64
	AccessToken     string
	RefreshToken    string
	SessionPK       int64
	Scopes          []string
	ContributorType string
	Expires         time.Time
}

// IsExpired reports whether the token is no longer usable at now.
func (t *Token) IsExpired(now time.Time) bool {
	return !now.Before(t.Expires)
}

// TokenRequest is the client_credentials form.
type TokenRequest struct {
	GrantType       string `json:"grant_type" form:"grant_type" validate:"required,eq=client_credentials"`
	ClientID        string `json:"client_id" form:"client_id" validate:"required,uuid4"`
	ClientSecret    string `json:"client_secret" form:"client_secret" validate:"required"`
	IP              string `json:"ip" form:"ip" validate:"omitempty,ip"`
	Email           string `json:"email" form:"email" validate:"omitempty,email"`
	ContributorType string `json:"contributor_type" form:"contributor_type" validate:"omitempty,contributor_type"`
}

// TokenResponse is the body returned by the token endpoint.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}
