package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"ban/internal/auth/models"
	"ban/internal/auth/secrets"
	dErrors "ban/pkg/domain-errors"
	"ban/pkg/platform/sentinel"
	"ban/pkg/requestcontext"
)

// UserRequest registers a user account.
type UserRequest struct {
	Username string
	Email    string
	Company  string
	Password string
	IsStaff  bool
}

// ClientRequest registers an API client. An empty ClientID or Secret is
// generated.
type ClientRequest struct {
	ClientID         string
	Secret           string
	Name             string
	Owner            string
	Scopes           []string
	ContributorTypes []string
}

// RegisteredClient is a created client with its plaintext secret, which is
// only available at registration.
type RegisteredClient struct {
	Client *models.Client
	Secret string
}

// RegisterUser creates a user with a hashed password.
func (s *Service) RegisterUser(ctx context.Context, req UserRequest) (*models.User, error) {
	username, email := strings.TrimSpace(req.Username), strings.ToLower(strings.TrimSpace(req.Email))
	fields := map[string]string{}
	if username == "" {
		fields["username"] = "Missing data for required field."
	}
	if email == "" || !strings.Contains(email, "@") {
		fields["email"] = "Not a valid email address."
	}
	if req.Password == "" {
		fields["password"] = "Missing data for required field."
	}
	if len(fields) > 0 {
		return nil, dErrors.Validation("Invalid data", fields)
	}

	hash, err := secrets.Hash(req.Password)
	if err != nil {
		return nil, err
	}
	u := &models.User{
		Username:     username,
		Email:        email,
		Company:      req.Company,
		IsStaff:      req.IsStaff,
		PasswordHash: hash,
		CreatedAt:    requestcontext.Now(ctx),
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			return nil, dErrors.Validation("Invalid data", map[string]string{"username": "Already exists."})
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create user")
	}
	s.logAudit(ctx, "user_registered", "username", u.Username)
	return u, nil
}

// RegisterClient creates a client owned by the user named Owner, if any.
func (s *Service) RegisterClient(ctx context.Context, req ClientRequest) (*RegisteredClient, error) {
	clientID := uuid.New()
	if req.ClientID != "" {
		parsed, err := uuid.Parse(req.ClientID)
		if err != nil {
			return nil, dErrors.Validation("Invalid data", map[string]string{"client_id": "Not a valid UUID v4."})
		}
		clientID = parsed
	}
	secret := req.Secret
	if secret == "" {
		generated, err := secrets.GenerateClientSecret()
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate client secret")
		}
		secret = generated
	}
	hash, err := secrets.Hash(secret)
	if err != nil {
		return nil, err
	}

	var owner *int64
	if req.Owner != "" {
		u, err := s.users.FindUserByUsername(ctx, req.Owner)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return nil, dErrors.Validation("Invalid data", map[string]string{"user": "Unknown user " + req.Owner + "."})
			}
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load client owner")
		}
		owner = &u.PK
	}

	client, err := models.NewClient(clientID, hash, req.Name, owner, req.Scopes, req.ContributorTypes, requestcontext.Now(ctx))
	if err != nil {
		return nil, err
	}
	if err := s.clients.CreateClient(ctx, client); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			return nil, dErrors.Validation("Invalid data", map[string]string{"client_id": "Already exists."})
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create client")
	}
	s.logAudit(ctx, "client_registered", "client_id", client.ClientID.String(), "name", client.Name)
	return &RegisteredClient{Client: client, Secret: secret}, nil
}
