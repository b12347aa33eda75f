package service

import (
	"context"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"bitespeed-identity/internal/models"
)

// Resolution is the set of clusters a sighting touches.
type Resolution struct {
	// Hits are the contacts sharing the sighting's email or phone number.
	Hits []*models.Contact
	// PrimaryIDs are the distinct cluster primaries of Hits, ascending.
	PrimaryIDs []int64
}

// Touched returns the number of distinct clusters hit.
func (r Resolution) Touched() int {
	return len(r.PrimaryIDs)
}

// HasPair reports whether a hit stores exactly the sighting's pair.
func (r Resolution) HasPair(s models.Sighting) bool {
	for _, c := range r.Hits {
		if c.HasPair(s.Email, s.PhoneNumber) {
			return true
		}
	}
	return false
}

// resolve finds the contacts matching the sighting and reduces them to the
// clusters they belong to. It never writes.
func (s *ReconciliationService) resolve(ctx context.Context, sighting models.Sighting) (Resolution, error) {
	ctx, span := tracer.Start(ctx, "identity.resolve")
	defer span.End()

	hits, err := s.store.FindByEmailOrPhone(ctx, sighting.Email, sighting.PhoneNumber)
	if err != nil {
		return Resolution{}, fmt.Errorf("find contacts by email or phone: %w", err)
	}

	res := newResolution(hits)
	span.SetAttributes(
		attribute.Int("identity.hits", len(res.Hits)),
		attribute.Int("identity.clusters", res.Touched()),
	)
	return res, nil
}

// newResolution maps every hit to its cluster primary. A secondary records
// its primary directly, so no graph walk is needed.
func newResolution(hits []*models.Contact) Resolution {
	seen := make(map[int64]struct{}, len(hits))
	ids := make([]int64, 0, len(hits))
	for _, c := range hits {
		id := c.PrimaryID()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return Resolution{Hits: hits, PrimaryIDs: ids}
}
