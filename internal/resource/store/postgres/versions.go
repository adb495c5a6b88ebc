package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"ban/internal/resource/models"
	"ban/pkg/platform/sentinel"
)

const versionColumns = "pk, model_name, model_pk, sequential, data, lower(period), upper(period)"

func (s *Store) InsertVersion(ctx context.Context, v *models.Version) error {
	const query = `INSERT INTO version (model_name, model_pk, sequential, data, period)
		VALUES ($1, $2, $3, $4, tstzrange($5, NULL, '[)')) RETURNING pk`
	err := s.conn(ctx).QueryRowContext(ctx, query,
		v.ModelName, v.ModelPK, v.Sequential, string(v.Data), v.Period.Lower.UTC(),
	).Scan(&v.PK)
	if err != nil {
		if _, ok := isUniqueViolation(err); ok {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

func (s *Store) CloseVersion(ctx context.Context, model string, pk int64, upper time.Time) error {
	const query = `UPDATE version SET period = tstzrange(lower(period), $3, '[)')
		WHERE model_name = $1 AND model_pk = $2 AND upper_inf(period)`
	if _, err := s.conn(ctx).ExecContext(ctx, query, model, pk, upper.UTC()); err != nil {
		return fmt.Errorf("close version: %w", err)
	}
	return nil
}

func (s *Store) GetVersion(ctx context.Context, model string, pk int64, sequential int) (*models.Version, error) {
	query := "SELECT " + versionColumns + " FROM version WHERE model_name = $1 AND model_pk = $2 AND sequential = $3"
	return s.oneVersion(ctx, query, model, pk, sequential)
}

func (s *Store) VersionAt(ctx context.Context, model string, pk int64, at time.Time) (*models.Version, error) {
	query := "SELECT " + versionColumns + ` FROM version
		WHERE model_name = $1 AND model_pk = $2 AND period @> $3::timestamptz
		ORDER BY sequential DESC LIMIT 1`
	return s.oneVersion(ctx, query, model, pk, at.UTC())
}

func (s *Store) ListVersions(ctx context.Context, model string, pk int64, limit, offset int) ([]*models.Version, error) {
	query := "SELECT " + versionColumns + " FROM version WHERE model_name = $1 AND model_pk = $2 ORDER BY sequential"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", offset)
	}
	return s.versions(ctx, query, model, pk)
}

func (s *Store) CountVersions(ctx context.Context, model string, pk int64) (int, error) {
	var n int
	err := s.conn(ctx).QueryRowContext(ctx,
		"SELECT count(*) FROM version WHERE model_name = $1 AND model_pk = $2", model, pk,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count versions: %w", err)
	}
	return n, nil
}

func (s *Store) AddFlag(ctx context.Context, f *models.Flag) error {
	const query = `INSERT INTO flag (version_pk, session_pk, client_pk, client_name, contributor_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING pk`
	err := s.conn(ctx).QueryRowContext(ctx, query,
		f.VersionPK, nullInt(f.SessionPK), f.ClientPK, f.ClientName, f.ContributorType, f.CreatedAt.UTC(),
	).Scan(&f.PK)
	if err != nil {
		if _, ok := isUniqueViolation(err); ok {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("insert flag: %w", err)
	}
	return nil
}

func (s *Store) RemoveFlag(ctx context.Context, versionPK, clientPK int64) error {
	n, err := checkAffected(s.conn(ctx).ExecContext(ctx,
		"DELETE FROM flag WHERE version_pk = $1 AND client_pk = $2", versionPK, clientPK))
	if err != nil {
		return fmt.Errorf("delete flag: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *Store) InsertDiff(ctx context.Context, d *models.Diff) error {
	changes, err := json.Marshal(d.Changes)
	if err != nil {
		return fmt.Errorf("encode diff: %w", err)
	}
	var old any
	if d.OldVersionPK != nil {
		old = *d.OldVersionPK
	}
	const query = `INSERT INTO diff (resource_name, resource_id, resource_pk, old_version_pk, new_version_pk, diff, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING pk`
	err = s.conn(ctx).QueryRowContext(ctx, query,
		d.ResourceName, d.ResourceID, d.ResourcePK, old, d.NewVersionPK, string(changes), d.CreatedAt.UTC(),
	).Scan(&d.PK)
	if err != nil {
		return fmt.Errorf("insert diff: %w", err)
	}
	return nil
}

func (s *Store) ListDiffs(ctx context.Context, after int64, limit int, resource string) ([]*models.Diff, error) {
	query := `SELECT pk, resource_name, resource_id, resource_pk, old_version_pk, new_version_pk, diff, created_at
		FROM diff WHERE pk > $1 AND ($2 = '' OR resource_name = $2) ORDER BY pk`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.conn(ctx).QueryContext(ctx, query, after, resource)
	if err != nil {
		return nil, fmt.Errorf("select diffs: %w", err)
	}
	defer rows.Close()

	out := []*models.Diff{}
	var versionPKs []int64
	for rows.Next() {
		d := &models.Diff{}
		var (
			old sql.NullInt64
			raw []byte
		)
		if err := rows.Scan(&d.PK, &d.ResourceName, &d.ResourceID, &d.ResourcePK, &old, &d.NewVersionPK, &raw, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan diff: %w", err)
		}
		if err := json.Unmarshal(raw, &d.Changes); err != nil {
			return nil, fmt.Errorf("decode diff %d: %w", d.PK, err)
		}
		d.CreatedAt = d.CreatedAt.UTC()
		if old.Valid {
			pk := old.Int64
			d.OldVersionPK = &pk
			versionPKs = append(versionPKs, pk)
		}
		versionPKs = append(versionPKs, d.NewVersionPK)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate diffs: %w", err)
	}
	rows.Close()

	if len(out) == 0 {
		return out, nil
	}
	byPK, err := s.versionsByPK(ctx, versionPKs)
	if err != nil {
		return nil, err
	}
	for _, d := range out {
		d.New = byPK[d.NewVersionPK]
		if d.OldVersionPK != nil {
			d.Old = byPK[*d.OldVersionPK]
		}
	}
	return out, nil
}

func (s *Store) versionsByPK(ctx context.Context, pks []int64) (map[int64]*models.Version, error) {
	versions, err := s.versions(ctx, "SELECT "+versionColumns+" FROM version WHERE pk = ANY($1)", pq.Int64Array(pks))
	if err != nil {
		return nil, err
	}
	out := make(map[int64]*models.Version, len(versions))
	for _, v := range versions {
		out[v.PK] = v
	}
	return out, nil
}

func (s *Store) oneVersion(ctx context.Context, query string, args ...any) (*models.Version, error) {
	v, err := scanVersion(s.conn(ctx).QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get version: %w", err)
	}
	if err := s.loadFlags(ctx, []*models.Version{v}); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Store) versions(ctx context.Context, query string, args ...any) ([]*models.Version, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select versions: %w", err)
	}
	defer rows.Close()

	out := []*models.Version{}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	rows.Close()

	if err := s.loadFlags(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func scanVersion(row rowScanner) (*models.Version, error) {
	v := &models.Version{}
	var (
		data  []byte
		upper sql.NullTime
	)
	if err := row.Scan(&v.PK, &v.ModelName, &v.ModelPK, &v.Sequential, &data, &v.Period.Lower, &upper); err != nil {
		return nil, err
	}
	v.Data = json.RawMessage(data)
	v.Period.Lower = v.Period.Lower.UTC()
	if upper.Valid {
		u := upper.Time.UTC()
		v.Period.Upper = &u
	}
	return v, nil
}

func (s *Store) loadFlags(ctx context.Context, versions []*models.Version) error {
	if len(versions) == 0 {
		return nil
	}
	pks := make([]int64, len(versions))
	index := make(map[int64]*models.Version, len(versions))
	for i, v := range versions {
		pks[i] = v.PK
		index[v.PK] = v
	}
	const query = `SELECT pk, version_pk, session_pk, client_pk, client_name, contributor_type, created_at
		FROM flag WHERE version_pk = ANY($1) ORDER BY pk`
	rows, err := s.conn(ctx).QueryContext(ctx, query, pq.Int64Array(pks))
	if err != nil {
		return fmt.Errorf("select flags: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			f       models.Flag
			session sql.NullInt64
		)
		if err := rows.Scan(&f.PK, &f.VersionPK, &session, &f.ClientPK, &f.ClientName, &f.ContributorType, &f.CreatedAt); err != nil {
			return fmt.Errorf("scan flag: %w", err)
		}
		f.SessionPK = session.Int64
		f.CreatedAt = f.CreatedAt.UTC()
		if v, ok := index[f.VersionPK]; ok {
			v.Flags = append(v.Flags, f)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate flags: %w", err)
	}
	return nil
}
