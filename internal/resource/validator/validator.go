// Package validator coerces and checks write payloads against a resource
// schema. Errors are accumulated per field; only infrastructure failures
// are returned as Go errors.
package validator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"unicode/utf8"

	"ban/internal/resource/identifier"
	"ban/internal/resource/models"
	"ban/internal/resource/schema"
	"ban/pkg/platform/sentinel"
)

// Mode selects how absent fields are treated.
type Mode int

const (
	// Create fills absent fields with null.
	Create Mode = iota
	// Replace (PUT) resets absent fields to null.
	Replace
	// Patch leaves absent fields untouched.
	Patch
)

func (m Mode) String() string {
	switch m {
	case Create:
		return "create"
	case Replace:
		return "replace"
	default:
		return "patch"
	}
}

// Error messages.
const (
	MsgRequired      = "This field is required."
	MsgUnknownField  = "Unknown field."
	MsgInvalidChoice = "Invalid choice."
	MsgTooShort      = "Too short."
	MsgTooLong       = "Too long."
	MsgInvalidFormat = "Invalid format."
	MsgAlreadyExists = "Already exists."
	MsgNoMatch       = "No matching resource."
	MsgDeleted       = "Resource is deleted."
	MsgAmbiguous     = "Ambiguous reference."
	MsgImmutableID   = "The id cannot be changed."
	MsgVersion       = "A positive integer version is required."
)

// Resolver is the lookup surface the validator needs.
type Resolver interface {
	Reference(ctx context.Context, resource string, raw any) (*models.Record, error)
	Taken(ctx context.Context, resource, field string, value any, exclude int64) (bool, error)
	Load(ctx context.Context, resource string, pk int64) (*models.Record, error)
}

// Result is the outcome of validating one payload.
type Result struct {
	// Cleaned holds internal values of the fields to write.
	Cleaned map[string]any
	// Submitted lists the data fields present in the payload.
	Submitted []string
	// ReadOnly holds raw submitted values of read-only fields, checked
	// against the derived value on save.
	ReadOnly map[string]any
	// Version is the claimed version (1 for creations).
	Version int
	Errors  map[string]string
}

// Valid reports whether no field failed.
func (r *Result) Valid() bool {
	return len(r.Errors) == 0
}

func (r *Result) fail(field, message string) {
	if _, exists := r.Errors[field]; !exists {
		r.Errors[field] = message
	}
}

// Validator validates payloads.
type Validator struct {
	resolver Resolver
}

func New(resolver Resolver) *Validator {
	return &Validator{resolver: resolver}
}

// Validate coerces payload for s. instance is nil on creation.
func (v *Validator) Validate(ctx context.Context, s *schema.Schema, mode Mode, payload map[string]any, instance *models.Record) (*Result, error) {
	res := &Result{
		Cleaned:  make(map[string]any),
		ReadOnly: make(map[string]any),
		Errors:   make(map[string]string),
	}

	for key, raw := range payload {
		if _, ok := s.Field(key); ok {
			continue
		}
		switch {
		case key == schema.FieldID:
			if instance != nil && raw != nil && raw != instance.ID {
				res.fail(key, MsgImmutableID)
			}
		case schema.IsMeta(key):
		default:
			res.fail(key, MsgUnknownField)
		}
	}

	v.versionGate(mode, payload, res)

	for i := range s.Fields {
		f := &s.Fields[i]
		raw, present := payload[f.Name]
		if !present {
			if mode == Patch || f.ReadOnly {
				continue
			}
			raw = nil
		} else {
			res.Submitted = append(res.Submitted, f.Name)
		}
		if f.ReadOnly {
			if present {
				res.ReadOnly[f.Name] = raw
			}
			continue
		}

		value, msg, err := v.clean(ctx, f, raw)
		if err != nil {
			return nil, err
		}
		if msg == "" {
			msg, err = v.check(ctx, s, f, value, instance)
			if err != nil {
				return nil, err
			}
		}
		if msg != "" {
			res.fail(f.Name, msg)
			continue
		}
		res.Cleaned[f.Name] = value
	}

	if res.Valid() && s.Validate != nil {
		s.Validate(ctx, &check{res: res, instance: instance, resolver: v.resolver})
	}
	return res, nil
}

func (v *Validator) versionGate(mode Mode, payload map[string]any, res *Result) {
	if mode == Create {
		res.Version = 1
		return
	}
	raw, ok := payload[schema.FieldVersion]
	if !ok || raw == nil {
		res.fail(schema.FieldVersion, MsgVersion)
		return
	}
	n, err := toInt(raw)
	if err != nil || n <= 0 {
		res.fail(schema.FieldVersion, MsgVersion)
		return
	}
	res.Version = int(n)
}

// clean coerces raw into the internal value of f. A non-empty message is a
// field error.
func (v *Validator) clean(ctx context.Context, f *schema.Field, raw any) (any, string, error) {
	if raw != nil && f.Coerce != nil {
		raw = f.Coerce(raw)
	}
	if raw == nil {
		return nil, "", nil
	}
	switch f.Type {
	case schema.ForeignKey:
		pk, msg, err := v.reference(ctx, f.Target, raw)
		if msg != "" || err != nil {
			return nil, msg, err
		}
		return pk, "", nil
	case schema.ManyToMany:
		items, ok := raw.([]any)
		if !ok {
			if strs, isStrs := raw.([]string); isStrs {
				for _, s := range strs {
					items = append(items, s)
				}
			} else {
				return nil, "Expected a list.", nil
			}
		}
		pks := make([]int64, 0, len(items))
		for _, item := range items {
			pk, msg, err := v.reference(ctx, f.Target, item)
			if msg != "" || err != nil {
				return nil, msg, err
			}
			if !slices.Contains(pks, pk) {
				pks = append(pks, pk)
			}
		}
		return pks, "", nil
	default:
		value, msg := coerceType(f.Type, raw)
		return value, msg, nil
	}
}

func (v *Validator) reference(ctx context.Context, resource string, raw any) (int64, string, error) {
	rec, err := v.resolver.Reference(ctx, resource, raw)
	if err == nil {
		return rec.PK, "", nil
	}
	var (
		deleted  *identifier.DeletedError
		multiple *identifier.MultipleRedirectsError
		invalid  *identifier.InvalidIdentifierError
	)
	switch {
	case errors.As(err, &deleted):
		return 0, MsgDeleted, nil
	case errors.As(err, &multiple):
		return 0, MsgAmbiguous, nil
	case errors.As(err, &invalid):
		return 0, fmt.Sprintf("Invalid identifier %q.", invalid.Identifier), nil
	case errors.Is(err, sentinel.ErrNotFound):
		return 0, MsgNoMatch, nil
	default:
		return 0, "", err
	}
}

// check runs the standard checks in order: null, choices, min length,
// max length, format, unique.
func (v *Validator) check(ctx context.Context, s *schema.Schema, f *schema.Field, value any, instance *models.Record) (string, error) {
	if value == nil {
		if f.Required {
			return MsgRequired, nil
		}
		return "", nil
	}
	if str, ok := value.(string); ok {
		if len(f.Choices) > 0 && !slices.Contains(f.Choices, str) {
			return MsgInvalidChoice, nil
		}
		n := utf8.RuneCountInString(str)
		if f.MinLength > 0 && n < f.MinLength {
			return MsgTooShort, nil
		}
		if f.MaxLength > 0 && n > f.MaxLength {
			return MsgTooLong, nil
		}
		if f.Pattern != nil && !f.Pattern.MatchString(str) {
			return MsgInvalidFormat, nil
		}
	}
	if list, ok := value.([]string); ok {
		if f.MinLength > 0 && len(list) < f.MinLength {
			return MsgTooShort, nil
		}
		if f.MaxLength > 0 && len(list) > f.MaxLength {
			return MsgTooLong, nil
		}
	}
	if f.Unique {
		var exclude int64
		if instance != nil {
			exclude = instance.PK
		}
		taken, err := v.resolver.Taken(ctx, s.Name, f.Name, value, exclude)
		if err != nil {
			return "", err
		}
		if taken {
			return MsgAlreadyExists, nil
		}
	}
	return "", nil
}

type check struct {
	res      *Result
	instance *models.Record
	resolver Resolver
}

func (c *check) Value(name string) any {
	if v, ok := c.res.Cleaned[name]; ok {
		return v
	}
	if c.instance != nil {
		return c.instance.Get(name)
	}
	return nil
}

func (c *check) Submitted(name string) bool {
	return slices.Contains(c.res.Submitted, name)
}

func (c *check) Instance() *models.Record {
	return c.instance
}

func (c *check) Error(field, message string) {
	c.res.fail(field, message)
}

func (c *check) Load(ctx context.Context, resource string, pk int64) (*models.Record, error) {
	return c.resolver.Load(ctx, resource, pk)
}
