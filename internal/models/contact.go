package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// LinkPrecedence marks a contact as the canonical record of its cluster or as a
// record merged into it.
type LinkPrecedence string

const (
	PrecedencePrimary   LinkPrecedence = "primary"
	PrecedenceSecondary LinkPrecedence = "secondary"
)

// Valid reports whether p is one of the known precedences.
func (p LinkPrecedence) Valid() bool {
	return p == PrecedencePrimary || p == PrecedenceSecondary
}

// Contact represents a customer contact in the database
type Contact struct {
	ID             int64          `json:"id" db:"id"`
	PhoneNumber    *string        `json:"phoneNumber,omitempty" db:"phone_number"`
	Email          *string        `json:"email,omitempty" db:"email"`
	LinkedID       *int64         `json:"linkedId,omitempty" db:"linked_id"`
	LinkPrecedence LinkPrecedence `json:"linkPrecedence" db:"link_precedence"`
	CreatedAt      time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time      `json:"updatedAt" db:"updated_at"`
	DeletedAt      *time.Time     `json:"deletedAt,omitempty" db:"deleted_at"`
}

// IsPrimary reports whether the contact heads its cluster.
func (c *Contact) IsPrimary() bool {
	return c.LinkPrecedence == PrecedencePrimary
}

// PrimaryID returns the id of the cluster primary this contact belongs to.
func (c *Contact) PrimaryID() int64 {
	if c.IsPrimary() || c.LinkedID == nil {
		return c.ID
	}
	return *c.LinkedID
}

// HasPair reports whether the contact stores exactly the given email/phone pair.
func (c *Contact) HasPair(email, phoneNumber *string) bool {
	return equalOptional(c.Email, email) && equalOptional(c.PhoneNumber, phoneNumber)
}

// Older orders contacts by creation time, falling back to id.
func Older(a, b *Contact) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SortContacts orders contacts oldest first.
func SortContacts(contacts []*Contact) {
	sort.SliceStable(contacts, func(i, j int) bool {
		return Older(contacts[i], contacts[j])
	})
}

func equalOptional(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Sighting is a validated (email?, phoneNumber?) fact. At least one field is set
// and set fields are never empty.
type Sighting struct {
	Email       *string
	PhoneNumber *string
}

// Keys returns the identifier keys touched by the sighting in sorted order.
func (s Sighting) Keys() []string {
	keys := make([]string, 0, 2)
	if s.Email != nil {
		keys = append(keys, "email:"+*s.Email)
	}
	if s.PhoneNumber != nil {
		keys = append(keys, "phone:"+*s.PhoneNumber)
	}
	sort.Strings(keys)
	return keys
}

// IdentifyRequest represents the incoming request body
type IdentifyRequest struct {
	Email       *string `json:"email"`
	PhoneNumber *string `json:"phoneNumber"`
}

// UnmarshalJSON accepts phoneNumber either as a string or as a JSON number.
func (r *IdentifyRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		Email       *string         `json:"email"`
		PhoneNumber json.RawMessage `json:"phoneNumber"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	phone, err := decodeStringOrNumber(raw.PhoneNumber)
	if err != nil {
		return fmt.Errorf("phoneNumber: %w", err)
	}

	r.Email = raw.Email
	r.PhoneNumber = phone
	return nil
}

func decodeStringOrNumber(raw json.RawMessage) (*string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return &s, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("must be a string or a number")
	}
	s = n.String()
	return &s, nil
}

// Sighting validates the request and returns the normalized sighting.
// Surrounding whitespace is trimmed and empty values count as absent.
func (r IdentifyRequest) Sighting() (Sighting, error) {
	s := Sighting{
		Email:       trimOrNil(r.Email),
		PhoneNumber: trimOrNil(r.PhoneNumber),
	}
	if s.Email == nil && s.PhoneNumber == nil {
		return Sighting{}, NewValidationErrors([]FieldError{
			{Field: "email", Message: "either email or phoneNumber must be provided"},
			{Field: "phoneNumber", Message: "either email or phoneNumber must be provided"},
		})
	}
	return s, nil
}

func trimOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// ContactResponse represents the contact data in the response
type ContactResponse struct {
	PrimaryContactID    int64    `json:"primaryContactId" yaml:"primaryContactId"`
	Emails              []string `json:"emails" yaml:"emails"`
	PhoneNumbers        []string `json:"phoneNumbers" yaml:"phoneNumbers"`
	SecondaryContactIDs []int64  `json:"secondaryContactIds" yaml:"secondaryContactIds"`
}

// IdentifyResponse represents the response body
type IdentifyResponse struct {
	Contact ContactResponse `json:"contact" yaml:"contact"`
}
