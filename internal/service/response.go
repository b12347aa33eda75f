package service

import "bitespeed-identity/internal/models"

// assemble builds the identity view of a cluster. Emails and phone numbers
// keep first-seen order, starting with the primary's own values.
func assemble(c Cluster) *models.IdentifyResponse {
	emails := newOrderedSet()
	phones := newOrderedSet()
	secondaryIDs := make([]int64, 0, len(c.Secondaries))

	emails.add(c.Primary.Email)
	phones.add(c.Primary.PhoneNumber)
	for _, s := range c.Secondaries {
		emails.add(s.Email)
		phones.add(s.PhoneNumber)
		secondaryIDs = append(secondaryIDs, s.ID)
	}

	return &models.IdentifyResponse{
		Contact: models.ContactResponse{
			PrimaryContactID:    c.Primary.ID,
			Emails:              emails.values,
			PhoneNumbers:        phones.values,
			SecondaryContactIDs: secondaryIDs,
		},
	}
}

type orderedSet struct {
	seen   map[string]struct{}
	values []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]struct{}), values: []string{}}
}

func (s *orderedSet) add(v *string) {
	if v == nil || *v == "" {
		return
	}
	if _, ok := s.seen[*v]; ok {
		return
	}
	s.seen[*v] = struct{}{}
	s.values = append(s.values, *v)
}
