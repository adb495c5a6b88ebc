// Package seed bootstraps users and API clients from a YAML file.
package seed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"ban/internal/auth/models"
	"ban/internal/auth/service"
	dErrors "ban/pkg/domain-errors"
	strutil "ban/pkg/platform/strings"
)

const alreadyExists = "Already exists."

// File is the seed document:
//
//	users:
//	  - username: ada
//	    email: ada@example.org
//	    password: secret
//	clients:
//	  - name: importer
//	    owner: ada
//	    client_id: 7c1b9c3e-...
//	    secret: plaintext
//	    scopes: [municipality_write]
//	    contributor_types: [ign]
type File struct {
	Users   []User   `yaml:"users"`
	Clients []Client `yaml:"clients"`
}

type User struct {
	Username string `yaml:"username"`
	Email    string `yaml:"email"`
	Company  string `yaml:"company"`
	Password string `yaml:"password"`
	IsStaff  bool   `yaml:"is_staff"`
}

type Client struct {
	Name             string   `yaml:"name"`
	Owner            string   `yaml:"owner"`
	ClientID         string   `yaml:"client_id"`
	Secret           string   `yaml:"secret"`
	Scopes           []string `yaml:"scopes"`
	ContributorTypes []string `yaml:"contributor_types"`
}

// Registrar creates the seeded accounts.
type Registrar interface {
	RegisterUser(ctx context.Context, req service.UserRequest) (*models.User, error)
	RegisterClient(ctx context.Context, req service.ClientRequest) (*service.RegisteredClient, error)
}

// Load reads and parses the seed file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes a seed document. Unknown keys are rejected.
func Parse(r io.Reader) (*File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	for i := range f.Clients {
		c := &f.Clients[i]
		if c.Name == "" {
			return nil, fmt.Errorf("client %d: name is required", i)
		}
		c.ContributorTypes = strutil.DedupeAndTrimLower(c.ContributorTypes)
		if len(c.ContributorTypes) == 0 {
			return nil, fmt.Errorf("client %s: contributor_types is required", c.Name)
		}
	}
	return &f, nil
}

// Result counts what Apply created.
type Result struct {
	Users   int
	Clients int
	Skipped int
}

// Apply registers every user then every client. Entries that already exist
// are skipped so the same file can be applied at each start. Clients without
// a client_id are created each time and their generated credentials logged.
func Apply(ctx context.Context, reg Registrar, f *File, logger *slog.Logger) (Result, error) {
	var res Result
	for _, u := range f.Users {
		_, err := reg.RegisterUser(ctx, service.UserRequest{
			Username: u.Username,
			Email:    u.Email,
			Company:  u.Company,
			Password: u.Password,
			IsStaff:  u.IsStaff,
		})
		if exists(err, "username") {
			res.Skipped++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("seed user %s: %w", u.Username, err)
		}
		res.Users++
	}

	for _, c := range f.Clients {
		created, err := reg.RegisterClient(ctx, service.ClientRequest{
			ClientID:         c.ClientID,
			Secret:           c.Secret,
			Name:             c.Name,
			Owner:            c.Owner,
			Scopes:           c.Scopes,
			ContributorTypes: c.ContributorTypes,
		})
		if exists(err, "client_id") {
			res.Skipped++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("seed client %s: %w", c.Name, err)
		}
		res.Clients++
		attrs := []any{"name", c.Name, "client_id", created.Client.ClientID.String()}
		if c.Secret == "" {
			attrs = append(attrs, "client_secret", created.Secret)
		}
		logger.InfoContext(ctx, "seeded client", attrs...)
	}

	logger.InfoContext(ctx, "seed applied", "users", res.Users, "clients", res.Clients, "skipped", res.Skipped)
	return res, nil
}

func exists(err error, field string) bool {
	return err != nil && dErrors.HasCode(err, dErrors.CodeValidation) && dErrors.FieldsOf(err)[field] == alreadyExists
}
