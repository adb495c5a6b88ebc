// Package store defines the persistence contract of versioned resources.
// Implementations live in store/memory and store/postgres.
package store

import (
	"context"
	"fmt"
	"time"

	"ban/internal/resource/models"
	"ban/internal/resource/schema"
	"ban/pkg/platform/sentinel"
)

// Query selects records of one resource. Filters map field names to
// internal values; records are ordered by PK.
type Query struct {
	Filters        map[string]any
	Limit          int
	Offset         int
	IncludeDeleted bool
}

// Records persists live resource rows.
type Records interface {
	// Insert assigns rec.PK.
	Insert(ctx context.Context, rec *models.Record) error
	Update(ctx context.Context, rec *models.Record) error
	// Get returns the row whatever its status.
	Get(ctx context.Context, resource string, pk int64) (*models.Record, error)
	// Lock reloads the row and holds it until the surrounding transaction ends.
	Lock(ctx context.Context, resource string, pk int64) (*models.Record, error)
	// FindBy returns every row, deleted or not, whose field equals value.
	FindBy(ctx context.Context, resource, field string, value any) ([]*models.Record, error)
	List(ctx context.Context, resource string, q Query) ([]*models.Record, error)
	Count(ctx context.Context, resource string, q Query) (int, error)
	// Related returns the live rows of rel.Source referencing pk.
	Related(ctx context.Context, rel schema.Relation, pk int64) ([]*models.Record, error)
	// Taken reports whether another row (deleted ones included) holds value
	// in a unique field.
	Taken(ctx context.Context, resource, field string, value any, exclude int64) (bool, error)
}

// Versions persists version snapshots and their flags.
type Versions interface {
	// InsertVersion returns sentinel.ErrConflict when the sequential is taken.
	InsertVersion(ctx context.Context, v *models.Version) error
	// CloseVersion sets the upper bound of the open version of a resource.
	CloseVersion(ctx context.Context, model string, pk int64, upper time.Time) error
	GetVersion(ctx context.Context, model string, pk int64, sequential int) (*models.Version, error)
	// VersionAt returns the version whose period contains at.
	VersionAt(ctx context.Context, model string, pk int64, at time.Time) (*models.Version, error)
	ListVersions(ctx context.Context, model string, pk int64, limit, offset int) ([]*models.Version, error)
	CountVersions(ctx context.Context, model string, pk int64) (int, error)
	// AddFlag returns sentinel.ErrAlreadyUsed when the client already flagged the version.
	AddFlag(ctx context.Context, f *models.Flag) error
	// RemoveFlag returns sentinel.ErrNotFound when no flag exists.
	RemoveFlag(ctx context.Context, versionPK, clientPK int64) error
}

// Diffs persists the global change ledger.
type Diffs interface {
	InsertDiff(ctx context.Context, d *models.Diff) error
	// ListDiffs returns diffs with PK > after in increment order, with their
	// old and new versions loaded. An empty resource selects every resource.
	ListDiffs(ctx context.Context, after int64, limit int, resource string) ([]*models.Diff, error)
}

// Redirects persists former identifier values.
type Redirects interface {
	// AddRedirect returns sentinel.ErrAlreadyUsed when the exact redirect exists.
	AddRedirect(ctx context.Context, r *models.Redirect) error
	// RemoveRedirect returns sentinel.ErrNotFound when nothing was removed.
	RemoveRedirect(ctx context.Context, model, identifier, value string, pk int64) error
	RedirectTargets(ctx context.Context, model, identifier, value string) ([]int64, error)
	RedirectsTo(ctx context.Context, model string, pk int64) ([]*models.Redirect, error)
	RetargetRedirects(ctx context.Context, model string, from, to int64) error
	CountRedirects(ctx context.Context, model string) (int, error)
}

// Store is the full persistence contract. RunInTx runs fn atomically; nested
// calls with the returned context join the outer transaction.
type Store interface {
	Records
	Versions
	Diffs
	Redirects
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// UniqueViolation reports a unique field collision.
type UniqueViolation struct {
	Resource string
	Field    string
}

func (e *UniqueViolation) Error() string {
	return fmt.Sprintf("%s.%s already exists", e.Resource, e.Field)
}

func (e *UniqueViolation) Is(target error) bool {
	return target == sentinel.ErrAlreadyUsed
}
