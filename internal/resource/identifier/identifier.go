// Package identifier mints opaque resource ids and resolves
// "identifier:value" references to live records, following redirects.
package identifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"ban/internal/resource/models"
	"ban/internal/resource/schema"
	"ban/pkg/platform/sentinel"
)

// Built-in identifiers accepted by every resource.
const (
	ID = "id"
	PK = "pk"
)

// Mint returns a fresh opaque id of the form ban-{resource}-{hex}.
func Mint(resource string) string {
	return "ban-" + resource + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Parse splits a reference into its identifier and value. Integers resolve
// to the pk identifier and bare strings to id.
func Parse(raw any) (string, string, error) {
	switch v := raw.(type) {
	case int:
		return PK, strconv.Itoa(v), nil
	case int64:
		return PK, strconv.FormatInt(v, 10), nil
	case float64:
		if v != float64(int64(v)) {
			return "", "", fmt.Errorf("invalid reference %v", v)
		}
		return PK, strconv.FormatInt(int64(v), 10), nil
	case json.Number:
		if _, err := v.Int64(); err != nil {
			return "", "", fmt.Errorf("invalid reference %s", v)
		}
		return PK, v.String(), nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return "", "", fmt.Errorf("empty reference")
		}
		if name, value, ok := strings.Cut(s, ":"); ok {
			if name == "" || value == "" {
				return "", "", fmt.Errorf("invalid reference %q", s)
			}
			return name, value, nil
		}
		return ID, s, nil
	default:
		return "", "", fmt.Errorf("invalid reference of type %T", raw)
	}
}

// Format renders an identifier/value pair as a reference string.
func Format(name, value string) string {
	if name == ID {
		return value
	}
	return name + ":" + value
}

// RedirectError signals that a reference matched a redirect to exactly one
// live record.
type RedirectError struct {
	Resource   string
	Identifier string
	Value      string
	Target     *models.Record
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("%s %s redirects to %s", e.Resource, Format(e.Identifier, e.Value), e.Target.ID)
}

// Location returns the reference of the target, keeping the identifier of
// the original request when the target carries a value for it.
func (e *RedirectError) Location() string {
	return TargetReference(e.Target, e.Identifier)
}

// MultipleRedirectsError signals an ambiguous reference.
type MultipleRedirectsError struct {
	Resource   string
	Identifier string
	Value      string
	Targets    []*models.Record
}

func (e *MultipleRedirectsError) Error() string {
	return fmt.Sprintf("%s %s matches %d resources", e.Resource, Format(e.Identifier, e.Value), len(e.Targets))
}

// Locations returns the references of every candidate.
func (e *MultipleRedirectsError) Locations() []string {
	out := make([]string, len(e.Targets))
	for i, t := range e.Targets {
		out[i] = TargetReference(t, e.Identifier)
	}
	return out
}

// DeletedError signals that the reference matched a soft-deleted record.
type DeletedError struct {
	Record *models.Record
}

func (e *DeletedError) Error() string {
	return fmt.Sprintf("%s %s is deleted", e.Record.Resource, e.Record.ID)
}

// InvalidIdentifierError is returned for identifiers the resource does not
// declare.
type InvalidIdentifierError struct {
	Resource   string
	Identifier string
}

func (e *InvalidIdentifierError) Error() string {
	return fmt.Sprintf("invalid identifier %q for %s", e.Identifier, e.Resource)
}

// TargetReference renders the reference of rec using identifier when rec
// has a value for it, its id otherwise.
func TargetReference(rec *models.Record, identifier string) string {
	if identifier != ID && identifier != PK {
		if v := rec.String(identifier); v != "" {
			return Format(identifier, v)
		}
	}
	return rec.ID
}

// Finder is the lookup surface resolution needs.
type Finder interface {
	// FindBy returns every record, deleted or not, whose identifier equals value.
	FindBy(ctx context.Context, resource, identifier, value string) ([]*models.Record, error)
	// Follow resolves redirects transitively to live records.
	Follow(ctx context.Context, resource, identifier, value string) ([]*models.Record, error)
}

// Resolve turns a reference into a record. It returns *RedirectError,
// *MultipleRedirectsError, *DeletedError, *InvalidIdentifierError or
// sentinel.ErrNotFound when the reference does not land on exactly one
// live record.
func Resolve(ctx context.Context, f Finder, s *schema.Schema, raw any) (*models.Record, error) {
	name, value, err := Parse(raw)
	if err != nil {
		return nil, &InvalidIdentifierError{Resource: s.Name, Identifier: fmt.Sprint(raw)}
	}
	if !s.IsIdentifier(name) {
		return nil, &InvalidIdentifierError{Resource: s.Name, Identifier: name}
	}

	found, err := f.FindBy(ctx, s.Name, name, value)
	if err != nil {
		return nil, err
	}
	switch {
	case len(found) == 1:
		if found[0].IsDeleted() {
			return nil, &DeletedError{Record: found[0]}
		}
		return found[0], nil
	case len(found) > 1:
		live := make([]*models.Record, 0, len(found))
		for _, rec := range found {
			if !rec.IsDeleted() {
				live = append(live, rec)
			}
		}
		if len(live) == 1 {
			return live[0], nil
		}
		if len(live) == 0 {
			live = found
		}
		return nil, &MultipleRedirectsError{Resource: s.Name, Identifier: name, Value: value, Targets: live}
	}

	targets, err := f.Follow(ctx, s.Name, name, value)
	if err != nil {
		return nil, err
	}
	switch len(targets) {
	case 0:
		return nil, sentinel.ErrNotFound
	case 1:
		return nil, &RedirectError{Resource: s.Name, Identifier: name, Value: value, Target: targets[0]}
	default:
		return nil, &MultipleRedirectsError{Resource: s.Name, Identifier: name, Value: value, Targets: targets}
	}
}

// ResolveReference resolves a foreign key reference: a single redirect is
// followed silently since the referenced record was only renamed.
func ResolveReference(ctx context.Context, f Finder, s *schema.Schema, raw any) (*models.Record, error) {
	rec, err := Resolve(ctx, f, s, raw)
	var redirect *RedirectError
	if errors.As(err, &redirect) {
		return redirect.Target, nil
	}
	return rec, err
}
