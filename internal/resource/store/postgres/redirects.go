package postgres

import (
	"context"
	"fmt"

	"ban/internal/resource/models"
	"ban/pkg/platform/sentinel"
)

func (s *Store) AddRedirect(ctx context.Context, r *models.Redirect) error {
	const query = `INSERT INTO redirect (model_name, identifier, value, model_pk, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING pk`
	err := s.conn(ctx).QueryRowContext(ctx, query,
		r.ModelName, r.Identifier, r.Value, r.ModelPK, r.CreatedAt.UTC(),
	).Scan(&r.PK)
	if err != nil {
		if _, ok := isUniqueViolation(err); ok {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("insert redirect: %w", err)
	}
	return nil
}

func (s *Store) RemoveRedirect(ctx context.Context, model, identifier, value string, pk int64) error {
	const query = `DELETE FROM redirect WHERE model_name = $1 AND identifier = $2 AND value = $3 AND model_pk = $4`
	n, err := checkAffected(s.conn(ctx).ExecContext(ctx, query, model, identifier, value, pk))
	if err != nil {
		return fmt.Errorf("delete redirect: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *Store) RedirectTargets(ctx context.Context, model, identifier, value string) ([]int64, error) {
	const query = `SELECT model_pk FROM redirect WHERE model_name = $1 AND identifier = $2 AND value = $3 ORDER BY pk`
	rows, err := s.conn(ctx).QueryContext(ctx, query, model, identifier, value)
	if err != nil {
		return nil, fmt.Errorf("select redirect targets: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var pk int64
		if err := rows.Scan(&pk); err != nil {
			return nil, fmt.Errorf("scan redirect target: %w", err)
		}
		out = append(out, pk)
	}
	return out, rows.Err()
}

func (s *Store) RedirectsTo(ctx context.Context, model string, pk int64) ([]*models.Redirect, error) {
	const query = `SELECT pk, model_name, identifier, value, model_pk, created_at
		FROM redirect WHERE model_name = $1 AND model_pk = $2 ORDER BY pk`
	rows, err := s.conn(ctx).QueryContext(ctx, query, model, pk)
	if err != nil {
		return nil, fmt.Errorf("select redirects: %w", err)
	}
	defer rows.Close()

	out := []*models.Redirect{}
	for rows.Next() {
		r := &models.Redirect{}
		if err := rows.Scan(&r.PK, &r.ModelName, &r.Identifier, &r.Value, &r.ModelPK, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan redirect: %w", err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate redirects: %w", err)
	}
	return out, nil
}

// RetargetRedirects points every redirect aimed at from to to, dropping the
// ones to already holds.
func (s *Store) RetargetRedirects(ctx context.Context, model string, from, to int64) error {
	conn := s.conn(ctx)
	const dedupe = `DELETE FROM redirect r WHERE r.model_name = $1 AND r.model_pk = $2
		AND EXISTS (SELECT 1 FROM redirect o WHERE o.model_name = r.model_name
			AND o.identifier = r.identifier AND o.value = r.value AND o.model_pk = $3)`
	if _, err := conn.ExecContext(ctx, dedupe, model, from, to); err != nil {
		return fmt.Errorf("dedupe redirects: %w", err)
	}
	const move = `UPDATE redirect SET model_pk = $3 WHERE model_name = $1 AND model_pk = $2`
	if _, err := conn.ExecContext(ctx, move, model, from, to); err != nil {
		return fmt.Errorf("retarget redirects: %w", err)
	}
	return nil
}

func (s *Store) CountRedirects(ctx context.Context, model string) (int, error) {
	var n int
	err := s.conn(ctx).QueryRowContext(ctx,
		"SELECT count(*) FROM redirect WHERE model_name = $1", model).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count redirects: %w", err)
	}
	return n, nil
}
