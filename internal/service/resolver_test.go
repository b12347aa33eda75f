package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"bitespeed-identity/internal/models"
)

func primary(id int64, email, phone string) *models.Contact {
	c := &models.Contact{ID: id, LinkPrecedence: models.PrecedencePrimary}
	if email != "" {
		c.Email = ptr(email)
	}
	if phone != "" {
		c.PhoneNumber = ptr(phone)
	}
	return c
}

func secondary(id, linkedID int64, email, phone string) *models.Contact {
	c := primary(id, email, phone)
	c.LinkPrecedence = models.PrecedenceSecondary
	c.LinkedID = &linkedID
	return c
}

func TestNewResolution(t *testing.T) {
	tests := []struct {
		name    string
		hits    []*models.Contact
		want    []int64
		touched int
	}{
		{name: "no hits", hits: nil, want: []int64{}, touched: 0},
		{
			name:    "primary and its secondary",
			hits:    []*models.Contact{primary(1, "a", ""), secondary(2, 1, "a", "5")},
			want:    []int64{1},
			touched: 1,
		},
		{
			name:    "secondary only",
			hits:    []*models.Contact{secondary(4, 3, "", "5")},
			want:    []int64{3},
			touched: 1,
		},
		{
			name:    "two clusters sorted",
			hits:    []*models.Contact{secondary(9, 7, "b", ""), primary(2, "", "5"), primary(7, "b", "")},
			want:    []int64{2, 7},
			touched: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := newResolution(tt.hits)
			assert.Equal(t, tt.want, res.PrimaryIDs)
			assert.Equal(t, tt.touched, res.Touched())
		})
	}
}

func TestResolution_HasPair(t *testing.T) {
	res := newResolution([]*models.Contact{primary(1, "a", ""), secondary(2, 1, "a", "5")})

	assert.True(t, res.HasPair(models.Sighting{Email: ptr("a")}))
	assert.True(t, res.HasPair(models.Sighting{Email: ptr("a"), PhoneNumber: ptr("5")}))
	assert.False(t, res.HasPair(models.Sighting{PhoneNumber: ptr("5")}))
	assert.False(t, res.HasPair(models.Sighting{Email: ptr("a"), PhoneNumber: ptr("6")}))
}

func TestCarriesNewInfo(t *testing.T) {
	group := []*models.Contact{primary(1, "a", ""), secondary(2, 1, "", "5")}

	assert.False(t, carriesNewInfo(models.Sighting{Email: ptr("a"), PhoneNumber: ptr("5")}, group))
	assert.True(t, carriesNewInfo(models.Sighting{Email: ptr("b")}, group))
	assert.True(t, carriesNewInfo(models.Sighting{Email: ptr("a"), PhoneNumber: ptr("6")}, group))
	assert.False(t, carriesNewInfo(models.Sighting{PhoneNumber: ptr("5")}, nil, group))
}
