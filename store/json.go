package store

import (
	"context"
	"encoding/json"
	"time"
)

// Versioned documents carry their store version in their own payload
// (usually as UpdatedAt) so clients can echo it back as a precondition.
type Versioned interface {
	SetVersion(time.Time)
}

func Load[T any](ctx context.Context, s Store, path string) (*T, time.Time, error) {
	rec, err := s.Get(ctx, path)
	if err != nil {
		return nil, time.Time{}, err
	}
	var v T
	if err := json.Unmarshal(rec.Data, &v); err != nil {
		return nil, time.Time{}, err
	}
	return &v, rec.Version, nil
}

// LoadAll decodes every direct child of prefix. Undecodable children are skipped.
func LoadAll[T any](ctx context.Context, s Store, prefix string) ([]*T, error) {
	recs, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := json.Unmarshal(rec.Data, &v); err != nil {
			continue
		}
		out = append(out, &v)
	}
	return out, nil
}

// Modify decodes the document at path, lets fn change it, stamps the new
// version and writes it back, all under the store's conditional update.
func Modify[T any, PT interface {
	*T
	Versioned
}](ctx context.Context, s Store, path string, expected *time.Time, fn func(PT) error) (PT, error) {
	var result PT
	_, err := s.Update(ctx, path, expected, func(current []byte, version time.Time) ([]byte, error) {
		v := PT(new(T))
		if err := json.Unmarshal(current, v); err != nil {
			return nil, err
		}
		if err := fn(v); err != nil {
			return nil, err
		}
		v.SetVersion(version)
		result = v
		return json.Marshal(v)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Insert writes entity at path only if nothing is stored there yet.
func Insert[T any, PT interface {
	*T
	Versioned
}](ctx context.Context, s Store, path string, entity PT) (PT, error) {
	_, err := s.Create(ctx, path, func(_ []byte, version time.Time) ([]byte, error) {
		entity.SetVersion(version)
		return json.Marshal(entity)
	})
	if err != nil {
		return nil, err
	}
	return entity, nil
}
