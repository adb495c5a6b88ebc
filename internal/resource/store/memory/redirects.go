package memory

import (
	"context"

	"ban/internal/resource/models"
	"ban/pkg/platform/sentinel"
)

func (s *Store) AddRedirect(ctx context.Context, r *models.Redirect) error {
	defer s.write(ctx)()

	for _, existing := range s.data.redirects {
		if sameRedirect(existing, r.ModelName, r.Identifier, r.Value) && existing.ModelPK == r.ModelPK {
			return sentinel.ErrAlreadyUsed
		}
	}
	r.PK = s.data.next("redirect")
	cp := *r
	s.data.redirects = append(s.data.redirects, &cp)
	return nil
}

func (s *Store) RemoveRedirect(ctx context.Context, model, identifier, value string, pk int64) error {
	defer s.write(ctx)()

	for i, r := range s.data.redirects {
		if sameRedirect(r, model, identifier, value) && r.ModelPK == pk {
			s.data.redirects = append(s.data.redirects[:i], s.data.redirects[i+1:]...)
			return nil
		}
	}
	return sentinel.ErrNotFound
}

func (s *Store) RedirectTargets(ctx context.Context, model, identifier, value string) ([]int64, error) {
	defer s.read(ctx)()

	var out []int64
	for _, r := range s.data.redirects {
		if sameRedirect(r, model, identifier, value) {
			out = append(out, r.ModelPK)
		}
	}
	return out, nil
}

func (s *Store) RedirectsTo(ctx context.Context, model string, pk int64) ([]*models.Redirect, error) {
	defer s.read(ctx)()

	out := []*models.Redirect{}
	for _, r := range s.data.redirects {
		if r.ModelName == model && r.ModelPK == pk {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// RetargetRedirects points every redirect aimed at from to to, dropping the
// ones that would duplicate an existing redirect.
func (s *Store) RetargetRedirects(ctx context.Context, model string, from, to int64) error {
	defer s.write(ctx)()

	existing := map[[2]string]bool{}
	for _, r := range s.data.redirects {
		if r.ModelName == model && r.ModelPK == to {
			existing[[2]string{r.Identifier, r.Value}] = true
		}
	}
	kept := make([]*models.Redirect, 0, len(s.data.redirects))
	for _, r := range s.data.redirects {
		if r.ModelName == model && r.ModelPK == from {
			key := [2]string{r.Identifier, r.Value}
			if existing[key] {
				continue
			}
			existing[key] = true
			r.ModelPK = to
		}
		kept = append(kept, r)
	}
	s.data.redirects = kept
	return nil
}

func (s *Store) CountRedirects(ctx context.Context, model string) (int, error) {
	defer s.read(ctx)()

	n := 0
	for _, r := range s.data.redirects {
		if r.ModelName == model {
			n++
		}
	}
	return n, nil
}

func sameRedirect(r *models.Redirect, model, identifier, value string) bool {
	return r.ModelName == model && r.Identifier == identifier && r.Value == value
}
