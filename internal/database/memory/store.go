// Package memory implements the contact store in process memory. It keeps the
// same transactional contract as the SQL stores: a RunInTx callback either
// commits every write or none of them.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"bitespeed-identity/internal/models"
)

type txCtxKey struct{}

// Store is an in-memory contact table.
type Store struct {
	mu       sync.Mutex
	contacts map[int64]*models.Contact
	nextID   int64
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for created/updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		contacts: make(map[int64]*models.Contact),
		nextID:   1,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// RunInTx runs fn holding the store lock. When fn fails, or ctx is done by
// the time fn returns, every write made by fn is discarded.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return models.NewStorageError("begin transaction", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.cloneState()
	if err := fn(context.WithValue(ctx, txCtxKey{}, s)); err != nil {
		s.restore(snapshot)
		return err
	}
	if err := ctx.Err(); err != nil {
		s.restore(snapshot)
		return models.NewStorageError("commit transaction", err)
	}
	return nil
}

// Contacts returns a copy of every stored contact ordered by id.
func (s *Store) Contacts() []*models.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectLocked(func(*models.Contact) bool { return true })
}

func (s *Store) FindByEmailOrPhone(ctx context.Context, email, phoneNumber *string) ([]*models.Contact, error) {
	defer s.lock(ctx)()
	return s.selectLocked(func(c *models.Contact) bool {
		return (email != nil && c.Email != nil && *c.Email == *email) ||
			(phoneNumber != nil && c.PhoneNumber != nil && *c.PhoneNumber == *phoneNumber)
	}), nil
}

func (s *Store) FindByIDs(ctx context.Context, ids []int64) ([]*models.Contact, error) {
	defer s.lock(ctx)()
	return s.selectLocked(func(c *models.Contact) bool {
		return slices.Contains(ids, c.ID)
	}), nil
}

func (s *Store) FindByLinkedIDs(ctx context.Context, primaryIDs []int64) ([]*models.Contact, error) {
	defer s.lock(ctx)()
	return s.selectLocked(func(c *models.Contact) bool {
		return c.LinkedID != nil && slices.Contains(primaryIDs, *c.LinkedID)
	}), nil
}

func (s *Store) InsertPrimary(ctx context.Context, email, phoneNumber *string) (*models.Contact, error) {
	defer s.lock(ctx)()
	return s.insertLocked(email, phoneNumber, nil)
}

func (s *Store) InsertSecondary(ctx context.Context, email, phoneNumber *string, linkedID int64) (*models.Contact, error) {
	defer s.lock(ctx)()
	primary, ok := s.contacts[linkedID]
	if !ok || primary.DeletedAt != nil {
		return nil, models.NewStorageError("insert secondary contact", fmt.Errorf("linked contact %d not found", linkedID))
	}
	return s.insertLocked(email, phoneNumber, &linkedID)
}

func (s *Store) DemoteToSecondary(ctx context.Context, contactID, linkedID int64) error {
	defer s.lock(ctx)()
	c, ok := s.contacts[contactID]
	if !ok || c.DeletedAt != nil || !c.IsPrimary() {
		return models.NewConflictError("demote contact", fmt.Errorf("contact %d is not a live primary", contactID))
	}
	c.LinkPrecedence = models.PrecedenceSecondary
	c.LinkedID = &linkedID
	c.UpdatedAt = s.now()
	return nil
}

func (s *Store) Relink(ctx context.Context, contactID, newLinkedID int64) error {
	defer s.lock(ctx)()
	c, ok := s.contacts[contactID]
	if !ok || c.DeletedAt != nil || c.IsPrimary() {
		return models.NewConflictError("relink contact", fmt.Errorf("contact %d is not a live secondary", contactID))
	}
	c.LinkedID = &newLinkedID
	c.UpdatedAt = s.now()
	return nil
}

// lock takes the store mutex unless ctx already belongs to a transaction of
// this store, which holds it.
func (s *Store) lock(ctx context.Context) func() {
	if owner, ok := ctx.Value(txCtxKey{}).(*Store); ok && owner == s {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) insertLocked(email, phoneNumber *string, linkedID *int64) (*models.Contact, error) {
	for _, c := range s.contacts {
		if c.DeletedAt == nil && c.HasPair(email, phoneNumber) {
			return nil, models.NewConflictError("insert contact", fmt.Errorf("pair already stored as contact %d", c.ID))
		}
	}

	now := s.now()
	c := &models.Contact{
		ID:             s.nextID,
		Email:          cloneString(email),
		PhoneNumber:    cloneString(phoneNumber),
		LinkPrecedence: models.PrecedencePrimary,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if linkedID != nil {
		id := *linkedID
		c.LinkedID = &id
		c.LinkPrecedence = models.PrecedenceSecondary
	}
	s.nextID++
	s.contacts[c.ID] = c
	return cloneContact(c), nil
}

func (s *Store) selectLocked(match func(*models.Contact) bool) []*models.Contact {
	var out []*models.Contact
	for _, c := range s.contacts {
		if c.DeletedAt == nil && match(c) {
			out = append(out, cloneContact(c))
		}
	}
	slices.SortFunc(out, func(a, b *models.Contact) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

type state struct {
	contacts map[int64]*models.Contact
	nextID   int64
}

func (s *Store) cloneState() state {
	contacts := make(map[int64]*models.Contact, len(s.contacts))
	for id, c := range s.contacts {
		contacts[id] = cloneContact(c)
	}
	return state{contacts: contacts, nextID: s.nextID}
}

func (s *Store) restore(st state) {
	s.contacts = st.contacts
	s.nextID = st.nextID
}

func cloneContact(c *models.Contact) *models.Contact {
	out := *c
	out.Email = cloneString(c.Email)
	out.PhoneNumber = cloneString(c.PhoneNumber)
	if c.LinkedID != nil {
		id := *c.LinkedID
		out.LinkedID = &id
	}
	if c.DeletedAt != nil {
		t := *c.DeletedAt
		out.DeletedAt = &t
	}
	return &out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
