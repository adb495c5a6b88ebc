package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ban/internal/resource/diff"
	"ban/internal/resource/identifier"
	"ban/internal/resource/mask"
	"ban/internal/resource/models"
	"ban/internal/resource/schema"
	"ban/internal/resource/validator"
	dErrors "ban/pkg/domain-errors"
	"ban/pkg/platform/sentinel"
	"ban/pkg/requestcontext"
)

const msgReadOnly = "Read-only field."

func invalid(fields map[string]string) error {
	return dErrors.Validation("Invalid data", fields)
}

func conflict(message string, fields map[string]string) error {
	return &dErrors.Error{Code: dErrors.CodeConflict, Message: message, Fields: fields}
}

// Create validates payload and stores a new resource at version 1.
func (s *Service) Create(ctx context.Context, resource string, payload map[string]any) (*models.Record, error) {
	sch, err := s.Schema(resource)
	if err != nil {
		return nil, err
	}
	who, err := actor(ctx)
	if err != nil {
		return nil, err
	}
	ctx, span := s.startSpan(ctx, "resource.create", resource)
	defer span.End()
	defer s.observeDuration(resource, time.Now())

	var created *models.Record
	err = s.store.RunInTx(ctx, func(ctx context.Context) error {
		res, err := s.validator.Validate(ctx, sch, validator.Create, payload, nil)
		if err != nil {
			return err
		}
		if !res.Valid() {
			return invalid(res.Errors)
		}

		now := requestcontext.Now(ctx)
		rec := models.NewRecord(sch.Name)
		rec.ID = identifier.Mint(sch.Name)
		rec.Version = 1
		rec.CreatedAt, rec.ModifiedAt = now, now
		rec.CreatedBy, rec.ModifiedBy = who.SessionPK, who.SessionPK
		for name, value := range res.Cleaned {
			rec.Set(name, value)
		}
		if err := s.derive(ctx, sch, rec, nil, res); err != nil {
			return err
		}
		if err := s.store.Insert(ctx, rec); err != nil {
			return err
		}
		if err := s.commitVersion(ctx, sch, rec, now); err != nil {
			return err
		}
		created = rec
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, translate(err, "failed to create "+resource)
	}

	s.observeWrite(resource, "create")
	s.logAudit(ctx, "resource_created", "resource", resource, "resource_id", created.ID)
	return created, nil
}

// Update applies a PATCH (validator.Patch) or PUT (validator.Replace). A PUT
// on a deleted resource restores it.
func (s *Service) Update(ctx context.Context, resource, ref string, payload map[string]any, mode validator.Mode) (*models.Record, error) {
	sch, err := s.Schema(resource)
	if err != nil {
		return nil, err
	}
	who, err := actor(ctx)
	if err != nil {
		return nil, err
	}
	ctx, span := s.startSpan(ctx, "resource.update", resource)
	defer span.End()
	defer s.observeDuration(resource, time.Now())

	var (
		updated  *models.Record
		restored bool
		merged   bool
	)
	err = s.store.RunInTx(ctx, func(ctx context.Context) error {
		instance, err := s.target(ctx, sch, ref, mode == validator.Replace)
		if err != nil {
			return err
		}
		res, err := s.validator.Validate(ctx, sch, mode, payload, instance)
		if err != nil {
			return err
		}
		if !res.Valid() {
			return invalid(res.Errors)
		}

		fields, wasMerged, err := s.incoming(ctx, sch, instance, res)
		if err != nil {
			return err
		}
		merged = wasMerged

		now := requestcontext.Now(ctx)
		rec := instance.Clone()
		for name, value := range fields {
			rec.Set(name, value)
		}
		if rec.IsDeleted() {
			rec.DeletedAt = nil
			restored = true
		}
		rec.Version = instance.Version + 1
		rec.ModifiedAt, rec.ModifiedBy = now, who.SessionPK

		if err := s.derive(ctx, sch, rec, instance, res); err != nil {
			return err
		}
		if err := s.store.Update(ctx, rec); err != nil {
			return err
		}
		if err := s.commitVersion(ctx, sch, rec, now); err != nil {
			return err
		}
		if err := s.syncRedirects(ctx, sch, instance, rec, now); err != nil {
			return err
		}
		if changedAny(sch.CascadeOn, instance, rec) {
			if err := s.rederiveDependents(ctx, sch, rec, now, who); err != nil {
				return err
			}
		}
		updated = rec
		return nil
	})
	if err != nil {
		span.RecordError(err)
		if dErrors.HasCode(err, dErrors.CodeConflict) {
			s.incrementConflict()
		}
		return nil, translate(err, "failed to update "+resource)
	}

	operation := "update"
	if restored {
		operation = "restore"
	}
	if merged {
		s.incrementMerge()
	}
	s.observeWrite(resource, operation)
	s.logAudit(ctx, "resource_"+operation+"d", "resource", resource, "resource_id", updated.ID,
		"version", updated.Version, "merged", merged)
	return updated, nil
}

// Delete soft-deletes a resource that nothing live references.
func (s *Service) Delete(ctx context.Context, resource, ref string) (*models.Record, error) {
	sch, err := s.Schema(resource)
	if err != nil {
		return nil, err
	}
	who, err := actor(ctx)
	if err != nil {
		return nil, err
	}
	ctx, span := s.startSpan(ctx, "resource.delete", resource)
	defer span.End()
	defer s.observeDuration(resource, time.Now())

	var deleted *models.Record
	err = s.store.RunInTx(ctx, func(ctx context.Context) error {
		instance, err := s.target(ctx, sch, ref, false)
		if err != nil {
			return err
		}
		for _, rel := range s.registry.Reverse(sch.Name) {
			linked, err := s.store.Related(ctx, rel, instance.PK)
			if err != nil {
				return err
			}
			if len(linked) > 0 {
				return conflict(
					fmt.Sprintf("resource is linked to %d %s", len(linked), rel.Name),
					map[string]string{rel.Name: fmt.Sprintf("%d linked %s", len(linked), rel.Source)},
				)
			}
		}

		now := requestcontext.Now(ctx)
		rec := instance.Clone()
		rec.DeletedAt = &now
		rec.Version = instance.Version + 1
		rec.ModifiedAt, rec.ModifiedBy = now, who.SessionPK
		if err := s.store.Update(ctx, rec); err != nil {
			return err
		}
		if err := s.commitVersion(ctx, sch, rec, now); err != nil {
			return err
		}
		deleted = rec
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, translate(err, "failed to delete "+resource)
	}

	s.observeWrite(resource, "delete")
	s.logAudit(ctx, "resource_deleted", "resource", resource, "resource_id", deleted.ID)
	return deleted, nil
}

// target resolves and locks the record a write or sub-resource request acts
// on. It follows a single redirect; deleted records are only returned when
// allowDeleted is set.
func (s *Service) target(ctx context.Context, sch *schema.Schema, ref string, allowDeleted bool) (*models.Record, error) {
	rec, err := identifier.ResolveReference(ctx, &lookup{s: s}, sch, ref)
	var deleted *identifier.DeletedError
	if errors.As(err, &deleted) && allowDeleted {
		rec, err = deleted.Record, nil
	}
	if err != nil {
		return nil, err
	}
	return s.store.Lock(ctx, sch.Name, rec.PK)
}

// incoming applies the version gate and, for stale writes, the three-way
// merge. It returns the fields to write and whether a merge happened.
func (s *Service) incoming(ctx context.Context, sch *schema.Schema, instance *models.Record, res *validator.Result) (map[string]any, bool, error) {
	current, claimed := instance.Version, res.Version
	switch {
	case claimed == current+1:
		return res.Cleaned, false, nil
	case claimed > current+1:
		return nil, false, conflict(fmt.Sprintf("version %d is not the next version (current is %d)", claimed, current), nil)
	case claimed <= 1:
		return nil, false, conflict(fmt.Sprintf("version %d is stale (current is %d)", claimed, current), nil)
	}

	baseVersion, err := s.store.GetVersion(ctx, sch.Name, instance.PK, claimed-1)
	if err != nil {
		return nil, false, err
	}
	currentVersion, err := s.store.GetVersion(ctx, sch.Name, instance.PK, current)
	if err != nil {
		return nil, false, err
	}
	base, err := baseVersion.Decode()
	if err != nil {
		return nil, false, err
	}
	latest, err := currentVersion.Decode()
	if err != nil {
		return nil, false, err
	}

	submitted := make(map[string]any, len(res.Cleaned))
	for name, value := range res.Cleaned {
		rendered, err := s.snapshotValue(ctx, sch, name, value)
		if err != nil {
			return nil, false, err
		}
		submitted[name] = rendered
	}
	if conflicts := diff.Merge(base, latest, submitted); len(conflicts) > 0 {
		fields := make(map[string]string, len(conflicts))
		for _, name := range conflicts {
			fields[name] = "Modified by a concurrent write."
		}
		return nil, false, conflict(fmt.Sprintf("version %d is stale (current is %d)", claimed, current), fields)
	}

	apply := map[string]any{}
	for name, value := range res.Cleaned {
		if !diff.Equal(base[name], submitted[name]) {
			apply[name] = value
		}
	}
	return apply, true, nil
}

// snapshotValue renders one internal value the way version snapshots store it.
func (s *Service) snapshotValue(ctx context.Context, sch *schema.Schema, name string, value any) (any, error) {
	tmp := models.NewRecord(sch.Name)
	tmp.Set(name, value)
	out, err := s.serializer.Render(ctx, tmp, mask.Fields(name))
	if err != nil {
		return nil, err
	}
	return diff.Normalize(out[name]), nil
}

// derive computes read-only fields and checks submitted read-only values
// against them.
func (s *Service) derive(ctx context.Context, sch *schema.Schema, rec, before *models.Record, res *validator.Result) error {
	if sch.Derive != nil {
		if err := sch.Derive(ctx, rec, &lookup{s: s}); err != nil {
			return err
		}
	}
	errs := map[string]string{}
	for name, raw := range res.ReadOnly {
		if diff.Equal(raw, rec.Get(name)) {
			continue
		}
		if before != nil && diff.Equal(raw, before.Get(name)) {
			continue
		}
		errs[name] = msgReadOnly
	}
	if len(errs) > 0 {
		return invalid(errs)
	}
	return nil
}

// commitVersion snapshots rec, closes the previous version period, records
// the diff and clears the cached reference.
func (s *Service) commitVersion(ctx context.Context, sch *schema.Schema, rec *models.Record, now time.Time) error {
	rendered, err := s.serializer.Render(ctx, rec, mask.AsVersion(sch))
	if err != nil {
		return err
	}
	data, err := json.Marshal(rendered)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	var previous *models.Version
	if rec.Version > 1 {
		previous, err = s.store.GetVersion(ctx, sch.Name, rec.PK, rec.Version-1)
		if errors.Is(err, sentinel.ErrNotFound) {
			return sentinel.ErrConflict
		}
		if err != nil {
			return err
		}
		if !now.After(previous.Period.Lower) {
			now = previous.Period.Lower.Add(time.Microsecond)
		}
		if err := s.store.CloseVersion(ctx, sch.Name, rec.PK, now); err != nil {
			return err
		}
	}

	version := &models.Version{
		ModelName:  sch.Name,
		ModelPK:    rec.PK,
		Sequential: rec.Version,
		Data:       data,
		Period:     models.Period{Lower: now},
	}
	if err := s.store.InsertVersion(ctx, version); err != nil {
		return err
	}

	old := map[string]any{}
	change := &models.Diff{
		ResourceName: sch.Name,
		ResourceID:   rec.ID,
		ResourcePK:   rec.PK,
		NewVersionPK: version.PK,
		CreatedAt:    now,
	}
	if previous != nil {
		if old, err = previous.Decode(); err != nil {
			return err
		}
		change.OldVersionPK = &previous.PK
	}
	current, _ := diff.Normalize(rendered).(map[string]any)
	change.Changes = diff.Compute(old, current, diff.Volatile...)
	if err := s.store.InsertDiff(ctx, change); err != nil {
		return err
	}
	return s.refs.Invalidate(ctx, sch.Name, rec.PK)
}

// rederiveDependents walks sch.Dependents below rec and saves a new version
// of every record whose derived fields moved.
func (s *Service) rederiveDependents(ctx context.Context, sch *schema.Schema, rec *models.Record, now time.Time, who requestcontext.Principal) error {
	for _, name := range sch.Dependents {
		rel, _ := s.registry.Relation(sch.Name, name)
		dependent := s.registry.MustGet(rel.Source)
		linked, err := s.store.Related(ctx, rel, rec.PK)
		if err != nil {
			return err
		}
		for _, l := range linked {
			if err := s.rederive(ctx, dependent, l.PK, now, who); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) rederive(ctx context.Context, sch *schema.Schema, pk int64, now time.Time, who requestcontext.Principal) error {
	instance, err := s.store.Lock(ctx, sch.Name, pk)
	if err != nil {
		return err
	}
	rec := instance.Clone()
	if sch.Derive != nil {
		if err := sch.Derive(ctx, rec, &lookup{s: s}); err != nil {
			return err
		}
	}
	if changedAny(sch.FieldNames(), instance, rec) {
		rec.Version = instance.Version + 1
		rec.ModifiedAt, rec.ModifiedBy = now, who.SessionPK
		if err := s.store.Update(ctx, rec); err != nil {
			return err
		}
		if err := s.commitVersion(ctx, sch, rec, now); err != nil {
			return err
		}
		if err := s.syncRedirects(ctx, sch, instance, rec, now); err != nil {
			return err
		}
		s.observeWrite(sch.Name, "update")
		s.logger.DebugContext(ctx, "derived fields refreshed",
			"resource", sch.Name, "resource_id", rec.ID, "version", rec.Version)
	}
	return s.rederiveDependents(ctx, sch, rec, now, who)
}

func changedAny(fields []string, before, after *models.Record) bool {
	for _, name := range fields {
		if !diff.Equal(before.Get(name), after.Get(name)) {
			return true
		}
	}
	return false
}

// syncRedirects materializes a redirect for every identifier whose value
// changed, and drops redirects made stale by the new value.
func (s *Service) syncRedirects(ctx context.Context, sch *schema.Schema, before, after *models.Record, now time.Time) error {
	for _, name := range sch.Identifiers {
		previous, current := before.String(name), after.String(name)
		if previous == current {
			continue
		}
		if current != "" {
			err := s.store.RemoveRedirect(ctx, sch.Name, name, current, after.PK)
			if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
				return err
			}
		}
		if previous == "" {
			continue
		}
		err := s.store.AddRedirect(ctx, &models.Redirect{
			ModelName:  sch.Name,
			Identifier: name,
			Value:      previous,
			ModelPK:    after.PK,
			CreatedAt:  now,
		})
		if err != nil && !errors.Is(err, sentinel.ErrAlreadyUsed) {
			return err
		}
		s.incrementRedirect()
	}
	return nil
}

func (s *Service) observeDuration(resource string, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveWrite(resource, start)
	}
}
