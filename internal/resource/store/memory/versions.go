package memory

import (
	"context"
	"sort"
	"time"

	"ban/internal/resource/models"
	"ban/pkg/platform/sentinel"
)

func (s *Store) InsertVersion(ctx context.Context, v *models.Version) error {
	defer s.write(ctx)()

	for _, existing := range s.data.versions {
		if existing.ModelName == v.ModelName && existing.ModelPK == v.ModelPK && existing.Sequential == v.Sequential {
			return sentinel.ErrConflict
		}
	}
	v.PK = s.data.next("version")
	cp := *v
	cp.Flags = nil
	s.data.versions = append(s.data.versions, &cp)
	return nil
}

func (s *Store) CloseVersion(ctx context.Context, model string, pk int64, upper time.Time) error {
	defer s.write(ctx)()

	for _, v := range s.data.versions {
		if v.ModelName == model && v.ModelPK == pk && v.Period.Upper == nil {
			u := upper
			v.Period.Upper = &u
		}
	}
	return nil
}

func (s *Store) GetVersion(ctx context.Context, model string, pk int64, sequential int) (*models.Version, error) {
	defer s.read(ctx)()

	for _, v := range s.data.versions {
		if v.ModelName == model && v.ModelPK == pk && v.Sequential == sequential {
			return s.withFlags(v), nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *Store) VersionAt(ctx context.Context, model string, pk int64, at time.Time) (*models.Version, error) {
	defer s.read(ctx)()

	var found *models.Version
	for _, v := range s.data.versions {
		if v.ModelName != model || v.ModelPK != pk || !v.Period.Contains(at) {
			continue
		}
		if found == nil || v.Sequential > found.Sequential {
			found = v
		}
	}
	if found == nil {
		return nil, sentinel.ErrNotFound
	}
	return s.withFlags(found), nil
}

func (s *Store) ListVersions(ctx context.Context, model string, pk int64, limit, offset int) ([]*models.Version, error) {
	defer s.read(ctx)()

	all := s.versionsOf(model, pk)
	if offset >= len(all) {
		return []*models.Version{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	out := make([]*models.Version, len(all))
	for i, v := range all {
		out[i] = s.withFlags(v)
	}
	return out, nil
}

func (s *Store) CountVersions(ctx context.Context, model string, pk int64) (int, error) {
	defer s.read(ctx)()
	return len(s.versionsOf(model, pk)), nil
}

func (s *Store) AddFlag(ctx context.Context, f *models.Flag) error {
	defer s.write(ctx)()

	for _, existing := range s.data.flags {
		if existing.VersionPK == f.VersionPK && existing.ClientPK == f.ClientPK {
			return sentinel.ErrAlreadyUsed
		}
	}
	f.PK = s.data.next("flag")
	cp := *f
	s.data.flags = append(s.data.flags, &cp)
	return nil
}

func (s *Store) RemoveFlag(ctx context.Context, versionPK, clientPK int64) error {
	defer s.write(ctx)()

	for i, f := range s.data.flags {
		if f.VersionPK == versionPK && f.ClientPK == clientPK {
			s.data.flags = append(s.data.flags[:i], s.data.flags[i+1:]...)
			return nil
		}
	}
	return sentinel.ErrNotFound
}

func (s *Store) versionsOf(model string, pk int64) []*models.Version {
	var out []*models.Version
	for _, v := range s.data.versions {
		if v.ModelName == model && v.ModelPK == pk {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequential < out[j].Sequential })
	return out
}

func (s *Store) withFlags(v *models.Version) *models.Version {
	cp := *v
	if v.Period.Upper != nil {
		u := *v.Period.Upper
		cp.Period.Upper = &u
	}
	cp.Flags = nil
	for _, f := range s.data.flags {
		if f.VersionPK == v.PK {
			cp.Flags = append(cp.Flags, *f)
		}
	}
	return &cp
}

func (s *Store) InsertDiff(ctx context.Context, d *models.Diff) error {
	defer s.write(ctx)()

	d.PK = s.data.next("diff")
	cp := *d
	cp.Old, cp.New = nil, nil
	s.data.diffs = append(s.data.diffs, &cp)
	return nil
}

func (s *Store) ListDiffs(ctx context.Context, after int64, limit int, resource string) ([]*models.Diff, error) {
	defer s.read(ctx)()

	out := []*models.Diff{}
	for _, d := range s.data.diffs {
		if d.PK <= after || (resource != "" && d.ResourceName != resource) {
			continue
		}
		cp := *d
		cp.New = s.versionByPK(d.NewVersionPK)
		if d.OldVersionPK != nil {
			cp.Old = s.versionByPK(*d.OldVersionPK)
		}
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) versionByPK(pk int64) *models.Version {
	for _, v := range s.data.versions {
		if v.PK == pk {
			return s.withFlags(v)
		}
	}
	return nil
}
