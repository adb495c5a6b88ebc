package service

import (
	"context"
	"errors"

	"ban/internal/resource/models"
	dErrors "ban/pkg/domain-errors"
	"ban/pkg/platform/sentinel"
	"ban/pkg/requestcontext"
)

// Flag marks (on) or unmarks a version on behalf of the session's client.
// Both directions are idempotent. Viewers cannot flag.
func (s *Service) Flag(ctx context.Context, resource, ref string, sequential int, on bool) (*models.Version, error) {
	sch, err := s.Schema(resource)
	if err != nil {
		return nil, err
	}
	who, err := actor(ctx)
	if err != nil {
		return nil, err
	}
	if who.IsViewer() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "viewers cannot flag versions")
	}
	if who.ClientPK == 0 {
		return nil, dErrors.New(dErrors.CodeForbidden, "only client sessions can flag versions")
	}

	var version *models.Version
	err = s.store.RunInTx(ctx, func(ctx context.Context) error {
		rec, err := s.target(ctx, sch, ref, true)
		if err != nil {
			return err
		}
		v, err := s.store.GetVersion(ctx, sch.Name, rec.PK, sequential)
		if err != nil {
			return err
		}
		if on {
			err = s.store.AddFlag(ctx, &models.Flag{
				VersionPK:       v.PK,
				SessionPK:       who.SessionPK,
				ClientPK:        who.ClientPK,
				ContributorType: who.ContributorType,
				CreatedAt:       requestcontext.Now(ctx),
			})
			if errors.Is(err, sentinel.ErrAlreadyUsed) {
				err = nil
			}
		} else {
			err = s.store.RemoveFlag(ctx, v.PK, who.ClientPK)
			if errors.Is(err, sentinel.ErrNotFound) {
				err = nil
			}
		}
		if err != nil {
			return err
		}
		version, err = s.store.GetVersion(ctx, sch.Name, rec.PK, sequential)
		return err
	})
	if err != nil {
		return nil, translate(err, "version "+ref)
	}

	event := "version_flagged"
	if !on {
		event = "version_unflagged"
	}
	s.logAudit(ctx, event, "resource", resource, "version", sequential, "client_pk", who.ClientPK)
	return version, nil
}
