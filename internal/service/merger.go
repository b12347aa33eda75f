package service

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"bitespeed-identity/internal/models"
)

// Outcome describes what a merge did to the store.
type Outcome string

const (
	OutcomeCreatedPrimary   Outcome = "created_primary"
	OutcomeCreatedSecondary Outcome = "created_secondary"
	OutcomeMerged           Outcome = "merged"
	OutcomeUnchanged        Outcome = "unchanged"
)

// Cluster is a primary contact and its secondaries ordered oldest first.
type Cluster struct {
	Primary     *models.Contact
	Secondaries []*models.Contact
}

func newCluster(primary *models.Contact, members []*models.Contact) Cluster {
	secondaries := make([]*models.Contact, 0, len(members))
	for _, c := range members {
		if c.ID != primary.ID {
			secondaries = append(secondaries, c)
		}
	}
	models.SortContacts(secondaries)
	return Cluster{Primary: primary, Secondaries: secondaries}
}

// writes counts the rows a merge changed. Identify records them only after
// the transaction committed.
type writes struct {
	created []models.LinkPrecedence
	demoted int
}

// merge applies the resolution to the store and returns the single resulting
// cluster. Must run inside the caller's transaction.
func (s *ReconciliationService) merge(ctx context.Context, sighting models.Sighting, res Resolution, w *writes) (Cluster, Outcome, error) {
	ctx, span := tracer.Start(ctx, "identity.merge")
	defer span.End()

	if res.Touched() == 0 {
		primary, err := s.store.InsertPrimary(ctx, sighting.Email, sighting.PhoneNumber)
		if err != nil {
			return Cluster{}, "", fmt.Errorf("insert primary contact: %w", err)
		}
		w.created = append(w.created, models.PrecedencePrimary)
		return Cluster{Primary: primary}, OutcomeCreatedPrimary, nil
	}

	primaries, err := s.loadPrimaries(ctx, res)
	if err != nil {
		return Cluster{}, "", err
	}
	members, err := s.store.FindByLinkedIDs(ctx, res.PrimaryIDs)
	if err != nil {
		return Cluster{}, "", fmt.Errorf("find cluster members: %w", err)
	}

	survivor := primaries[0]
	for _, p := range primaries[1:] {
		if models.Older(p, survivor) {
			survivor = p
		}
	}

	outcome := OutcomeUnchanged
	wrote := false

	if len(primaries) > 1 {
		demoted, err := s.unify(ctx, survivor, primaries, members)
		if err != nil {
			return Cluster{}, "", err
		}
		w.demoted += demoted
		outcome = OutcomeMerged
		wrote = true
	}

	if !res.HasPair(sighting) && carriesNewInfo(sighting, primaries, members) {
		if _, err := s.store.InsertSecondary(ctx, sighting.Email, sighting.PhoneNumber, survivor.ID); err != nil {
			return Cluster{}, "", fmt.Errorf("insert secondary contact: %w", err)
		}
		w.created = append(w.created, models.PrecedenceSecondary)
		if outcome == OutcomeUnchanged {
			outcome = OutcomeCreatedSecondary
		}
		wrote = true
	}

	span.SetAttributes(
		attribute.String("identity.outcome", string(outcome)),
		attribute.Int64("identity.primary_id", survivor.ID),
	)

	if !wrote {
		return newCluster(survivor, members), outcome, nil
	}

	cluster, err := s.loadCluster(ctx, survivor.ID)
	if err != nil {
		return Cluster{}, "", err
	}
	return cluster, outcome, nil
}

// unify demotes every touched primary except survivor and points their
// secondaries straight at survivor.
func (s *ReconciliationService) unify(ctx context.Context, survivor *models.Contact, primaries, members []*models.Contact) (int, error) {
	demoted := 0
	for _, p := range primaries {
		if p.ID == survivor.ID {
			continue
		}
		if err := s.store.DemoteToSecondary(ctx, p.ID, survivor.ID); err != nil {
			return 0, fmt.Errorf("demote contact %d: %w", p.ID, err)
		}
		demoted++
		s.log.InfoContext(ctx, "primary contact demoted",
			slog.Int64("contact_id", p.ID),
			slog.Int64("primary_id", survivor.ID),
		)
	}

	for _, m := range members {
		if m.LinkedID == nil || *m.LinkedID == survivor.ID {
			continue
		}
		if err := s.store.Relink(ctx, m.ID, survivor.ID); err != nil {
			return 0, fmt.Errorf("relink contact %d: %w", m.ID, err)
		}
	}
	return demoted, nil
}

// loadPrimaries returns the primaries of every touched cluster, taking those
// already present among the hits and fetching the rest by id.
func (s *ReconciliationService) loadPrimaries(ctx context.Context, res Resolution) ([]*models.Contact, error) {
	byID := make(map[int64]*models.Contact, len(res.PrimaryIDs))
	for _, c := range res.Hits {
		if c.IsPrimary() {
			byID[c.ID] = c
		}
	}

	var missing []int64
	for _, id := range res.PrimaryIDs {
		if _, ok := byID[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		found, err := s.store.FindByIDs(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("find primary contacts: %w", err)
		}
		for _, c := range found {
			byID[c.ID] = c
		}
	}

	primaries := make([]*models.Contact, 0, len(res.PrimaryIDs))
	for _, id := range res.PrimaryIDs {
		p, ok := byID[id]
		if !ok {
			return nil, models.NewStorageError("find primary contacts", fmt.Errorf("primary contact %d is missing", id))
		}
		primaries = append(primaries, p)
	}
	return primaries, nil
}

func (s *ReconciliationService) loadCluster(ctx context.Context, primaryID int64) (Cluster, error) {
	found, err := s.store.FindByIDs(ctx, []int64{primaryID})
	if err != nil {
		return Cluster{}, fmt.Errorf("reload primary contact: %w", err)
	}
	if len(found) != 1 {
		return Cluster{}, models.NewStorageError("reload primary contact", fmt.Errorf("primary contact %d is missing", primaryID))
	}
	members, err := s.store.FindByLinkedIDs(ctx, []int64{primaryID})
	if err != nil {
		return Cluster{}, fmt.Errorf("reload cluster members: %w", err)
	}
	return newCluster(found[0], members), nil
}

// carriesNewInfo reports whether the sighting has an email or phone number
// that no contact of the touched clusters stores yet.
func carriesNewInfo(sighting models.Sighting, groups ...[]*models.Contact) bool {
	emails := make(map[string]struct{})
	phones := make(map[string]struct{})
	for _, group := range groups {
		for _, c := range group {
			if c.Email != nil {
				emails[*c.Email] = struct{}{}
			}
			if c.PhoneNumber != nil {
				phones[*c.PhoneNumber] = struct{}{}
			}
		}
	}

	if sighting.Email != nil {
		if _, ok := emails[*sighting.Email]; !ok {
			return true
		}
	}
	if sighting.PhoneNumber != nil {
		if _, ok := phones[*sighting.PhoneNumber]; !ok {
			return true
		}
	}
	return false
}
