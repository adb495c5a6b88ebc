package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"ban/internal/resource/models"
	"ban/internal/resource/schema"
	"ban/internal/resource/store"
	"ban/pkg/platform/sentinel"
	"ban/pkg/platform/tx"
)

const metaColumns = "t.pk, t.id, t.version, t.created_at, t.modified_at, t.created_by, t.modified_by, t.deleted_at"

// table maps a schema onto its SQL table.
type table struct {
	schema *schema.Schema
	name   string
	fields []*schema.Field
	sel    string
}

func newTable(s *schema.Schema) *table {
	t := &table{schema: s, name: pq.QuoteIdentifier(s.Name)}
	cols := []string{metaColumns}
	for i := range s.Fields {
		f := &s.Fields[i]
		t.fields = append(t.fields, f)
		cols = append(cols, t.selectExpr(f))
	}
	t.sel = "SELECT " + strings.Join(cols, ", ") + " FROM " + t.name + " t"
	return t
}

func (t *table) joinTable(f *schema.Field) string {
	return pq.QuoteIdentifier(t.schema.Name + "_" + f.Name)
}

func (t *table) selectExpr(f *schema.Field) string {
	col := "t." + pq.QuoteIdentifier(f.Name)
	switch f.Type {
	case schema.Point:
		return "ST_AsGeoJSON(" + col + ")"
	case schema.ManyToMany:
		return "ARRAY(SELECT j.target_pk FROM " + t.joinTable(f) + " j WHERE j.source_pk = t.pk ORDER BY j.target_pk)"
	default:
		return col
	}
}

// columns returns the stored columns with their placeholder expressions and
// values, many-to-many fields excluded.
func (t *table) columns(rec *models.Record, first int) ([]string, []string, []any, error) {
	var names, exprs []string
	var args []any
	n := first
	for _, f := range t.fields {
		if f.Type == schema.ManyToMany {
			continue
		}
		value, err := toParam(f, rec.Get(f.Name))
		if err != nil {
			return nil, nil, nil, err
		}
		expr := fmt.Sprintf("$%d", n)
		if f.Type == schema.Point {
			expr = fmt.Sprintf("ST_SetSRID(ST_GeomFromGeoJSON($%d), 4326)", n)
		}
		names = append(names, pq.QuoteIdentifier(f.Name))
		exprs = append(exprs, expr)
		args = append(args, value)
		n++
	}
	return names, exprs, args, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (t *table) scan(row rowScanner) (*models.Record, error) {
	rec := models.NewRecord(t.schema.Name)
	var (
		createdBy, modifiedBy sql.NullInt64
		deletedAt             sql.NullTime
	)
	dest := []any{&rec.PK, &rec.ID, &rec.Version, &rec.CreatedAt, &rec.ModifiedAt, &createdBy, &modifiedBy, &deletedAt}
	holders := make([]any, len(t.fields))
	for i, f := range t.fields {
		holders[i] = newHolder(f.Type)
		dest = append(dest, holders[i])
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	rec.CreatedBy = createdBy.Int64
	rec.ModifiedBy = modifiedBy.Int64
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ModifiedAt = rec.ModifiedAt.UTC()
	if deletedAt.Valid {
		at := deletedAt.Time.UTC()
		rec.DeletedAt = &at
	}
	for i, f := range t.fields {
		value, err := fromHolder(f.Type, holders[i])
		if err != nil {
			return nil, fmt.Errorf("decode %s.%s: %w", t.schema.Name, f.Name, err)
		}
		rec.Set(f.Name, value)
	}
	return rec, nil
}

func newHolder(typ schema.Type) any {
	switch typ {
	case schema.Integer, schema.ForeignKey:
		return new(sql.NullInt64)
	case schema.Boolean:
		return new(sql.NullBool)
	case schema.StringList:
		return new(pq.StringArray)
	case schema.ManyToMany:
		return new(pq.Int64Array)
	case schema.Dict:
		return new([]byte)
	case schema.DateTime:
		return new(sql.NullTime)
	default:
		return new(sql.NullString)
	}
}

func fromHolder(typ schema.Type, holder any) (any, error) {
	switch typ {
	case schema.Integer, schema.ForeignKey:
		v := holder.(*sql.NullInt64)
		if !v.Valid {
			return nil, nil
		}
		return v.Int64, nil
	case schema.Boolean:
		v := holder.(*sql.NullBool)
		if !v.Valid {
			return nil, nil
		}
		return v.Bool, nil
	case schema.StringList:
		v := *holder.(*pq.StringArray)
		if v == nil {
			return nil, nil
		}
		return []string(v), nil
	case schema.ManyToMany:
		v := *holder.(*pq.Int64Array)
		if len(v) == 0 {
			return nil, nil
		}
		return []int64(v), nil
	case schema.Dict:
		raw := *holder.(*[]byte)
		if raw == nil {
			return nil, nil
		}
		var dict map[string]string
		if err := json.Unmarshal(raw, &dict); err != nil {
			return nil, err
		}
		return dict, nil
	case schema.DateTime:
		v := holder.(*sql.NullTime)
		if !v.Valid {
			return nil, nil
		}
		return v.Time.UTC(), nil
	case schema.Point:
		v := holder.(*sql.NullString)
		if !v.Valid {
			return nil, nil
		}
		var geo map[string]any
		if err := json.Unmarshal([]byte(v.String), &geo); err != nil {
			return nil, err
		}
		return models.ParsePoint(geo)
	default:
		v := holder.(*sql.NullString)
		if !v.Valid {
			return nil, nil
		}
		return v.String, nil
	}
}

func toParam(f *schema.Field, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch f.Type {
	case schema.ForeignKey:
		pk, _ := value.(int64)
		if pk == 0 {
			return nil, nil
		}
		return pk, nil
	case schema.StringList:
		list, _ := value.([]string)
		if list == nil {
			return nil, nil
		}
		return pq.StringArray(list), nil
	case schema.Dict:
		dict, _ := value.(map[string]string)
		if dict == nil {
			return nil, nil
		}
		raw, err := json.Marshal(dict)
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	case schema.Point:
		p, _ := value.(*models.Point)
		if p == nil {
			return nil, nil
		}
		raw, err := json.Marshal(p.GeoJSON())
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	case schema.DateTime:
		if t, ok := value.(time.Time); ok {
			return t.UTC(), nil
		}
		return nil, nil
	default:
		return value, nil
	}
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// where accumulates SQL conditions with positional arguments.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(format string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(format, len(w.args)))
}

func (w *where) raw(clause string) {
	w.clauses = append(w.clauses, clause)
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (t *table) condition(w *where, field string, value any) error {
	switch field {
	case schema.FieldID:
		w.add("t.id = $%d", value)
		return nil
	case "pk":
		w.add("t.pk = $%d", value)
		return nil
	}
	f, ok := t.schema.Field(field)
	if !ok {
		return fmt.Errorf("unknown field %s.%s", t.schema.Name, field)
	}
	if f.Type == schema.ManyToMany {
		w.add("EXISTS (SELECT 1 FROM "+t.joinTable(f)+" j WHERE j.source_pk = t.pk AND j.target_pk = $%d)", value)
		return nil
	}
	w.add("t."+pq.QuoteIdentifier(field)+" = $%d", value)
	return nil
}

func (t *table) query(q store.Query) (*where, error) {
	w := &where{}
	if !q.IncludeDeleted {
		w.raw("t.deleted_at IS NULL")
	}
	for field, value := range q.Filters {
		if err := t.condition(w, field, value); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func (s *Store) Insert(ctx context.Context, rec *models.Record) error {
	t, err := s.table(rec.Resource)
	if err != nil {
		return err
	}
	names, exprs, args, err := t.columns(rec, 8)
	if err != nil {
		return err
	}
	query := "INSERT INTO " + t.name +
		" (id, version, created_at, modified_at, created_by, modified_by, deleted_at, " + strings.Join(names, ", ") + ")" +
		" VALUES ($1, $2, $3, $4, $5, $6, $7, " + strings.Join(exprs, ", ") + ") RETURNING pk"
	meta := []any{rec.ID, rec.Version, rec.CreatedAt.UTC(), rec.ModifiedAt.UTC(), nullInt(rec.CreatedBy), nullInt(rec.ModifiedBy), nullTime(rec.DeletedAt)}

	conn := s.conn(ctx)
	if err := conn.QueryRowContext(ctx, query, append(meta, args...)...).Scan(&rec.PK); err != nil {
		if pqErr, ok := isUniqueViolation(err); ok {
			return uniqueViolation(t.schema.Name, pqErr)
		}
		return fmt.Errorf("insert %s: %w", t.schema.Name, err)
	}
	return s.writeJoins(ctx, conn, t, rec)
}

func (s *Store) Update(ctx context.Context, rec *models.Record) error {
	t, err := s.table(rec.Resource)
	if err != nil {
		return err
	}
	names, exprs, args, err := t.columns(rec, 7)
	if err != nil {
		return err
	}
	sets := []string{"version = $1", "modified_at = $2", "modified_by = $3", "deleted_at = $4", "created_by = $5", "id = $6"}
	for i := range names {
		sets = append(sets, names[i]+" = "+exprs[i])
	}
	query := "UPDATE " + t.name + " SET " + strings.Join(sets, ", ") + fmt.Sprintf(" WHERE pk = $%d", 7+len(args))
	all := append([]any{rec.Version, rec.ModifiedAt.UTC(), nullInt(rec.ModifiedBy), nullTime(rec.DeletedAt), nullInt(rec.CreatedBy), rec.ID}, args...)
	all = append(all, rec.PK)

	conn := s.conn(ctx)
	n, err := checkAffected(conn.ExecContext(ctx, query, all...))
	if err != nil {
		if pqErr, ok := isUniqueViolation(err); ok {
			return uniqueViolation(t.schema.Name, pqErr)
		}
		return fmt.Errorf("update %s: %w", t.schema.Name, err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return s.writeJoins(ctx, conn, t, rec)
}

func (s *Store) writeJoins(ctx context.Context, conn dbtx, t *table, rec *models.Record) error {
	for _, f := range t.fields {
		if f.Type != schema.ManyToMany {
			continue
		}
		join := t.joinTable(f)
		if _, err := conn.ExecContext(ctx, "DELETE FROM "+join+" WHERE source_pk = $1", rec.PK); err != nil {
			return fmt.Errorf("clear %s.%s: %w", t.schema.Name, f.Name, err)
		}
		pks, _ := rec.Get(f.Name).([]int64)
		if len(pks) == 0 {
			continue
		}
		query := "INSERT INTO " + join + " (source_pk, target_pk) SELECT $1, unnest($2::bigint[]) ON CONFLICT DO NOTHING"
		if _, err := conn.ExecContext(ctx, query, rec.PK, pq.Int64Array(pks)); err != nil {
			return fmt.Errorf("write %s.%s: %w", t.schema.Name, f.Name, err)
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, resource string, pk int64) (*models.Record, error) {
	return s.get(ctx, resource, pk, "")
}

// Lock selects the row FOR UPDATE when ctx carries a transaction.
func (s *Store) Lock(ctx context.Context, resource string, pk int64) (*models.Record, error) {
	if _, ok := tx.From(ctx); !ok {
		return s.get(ctx, resource, pk, "")
	}
	return s.get(ctx, resource, pk, " FOR UPDATE OF t")
}

func (s *Store) get(ctx context.Context, resource string, pk int64, suffix string) (*models.Record, error) {
	t, err := s.table(resource)
	if err != nil {
		return nil, err
	}
	rec, err := t.scan(s.conn(ctx).QueryRowContext(ctx, t.sel+" WHERE t.pk = $1"+suffix, pk))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", resource, err)
	}
	return rec, nil
}

func (s *Store) FindBy(ctx context.Context, resource, field string, value any) ([]*models.Record, error) {
	return s.List(ctx, resource, store.Query{Filters: map[string]any{field: value}, IncludeDeleted: true})
}

func (s *Store) List(ctx context.Context, resource string, q store.Query) ([]*models.Record, error) {
	t, err := s.table(resource)
	if err != nil {
		return nil, err
	}
	w, err := t.query(q)
	if err != nil {
		return nil, err
	}
	query := t.sel + w.String() + " ORDER BY t.pk"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	if q.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", q.Offset)
	}
	return s.selectRecords(ctx, t, query, w.args...)
}

func (s *Store) Count(ctx context.Context, resource string, q store.Query) (int, error) {
	t, err := s.table(resource)
	if err != nil {
		return 0, err
	}
	w, err := t.query(q)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.conn(ctx).QueryRowContext(ctx, "SELECT count(*) FROM "+t.name+" t"+w.String(), w.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", resource, err)
	}
	return n, nil
}

func (s *Store) Related(ctx context.Context, rel schema.Relation, pk int64) ([]*models.Record, error) {
	return s.List(ctx, rel.Source, store.Query{Filters: map[string]any{rel.Field: pk}})
}

func (s *Store) Taken(ctx context.Context, resource, field string, value any, exclude int64) (bool, error) {
	t, err := s.table(resource)
	if err != nil {
		return false, err
	}
	w := &where{}
	if err := t.condition(w, field, value); err != nil {
		return false, err
	}
	w.add("t.pk <> $%d", exclude)
	var taken bool
	query := "SELECT EXISTS (SELECT 1 FROM " + t.name + " t" + w.String() + ")"
	if err := s.conn(ctx).QueryRowContext(ctx, query, w.args...).Scan(&taken); err != nil {
		return false, fmt.Errorf("check %s.%s: %w", resource, field, err)
	}
	return taken, nil
}

func (s *Store) selectRecords(ctx context.Context, t *table, query string, args ...any) ([]*models.Record, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", t.schema.Name, err)
	}
	defer rows.Close()

	out := []*models.Record{}
	for rows.Next() {
		rec, err := t.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", t.schema.Name, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", t.schema.Name, err)
	}
	return out, nil
}
