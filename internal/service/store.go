package service

import (
	"context"

	"bitespeed-identity/internal/models"
)

// ContactStore is the contact store contract the engine depends on.
// Every method called inside RunInTx's callback, with the callback's ctx,
// joins that transaction.
type ContactStore interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error

	// FindByEmailOrPhone returns live contacts whose email equals email or whose
	// phone number equals phoneNumber. Nil arguments are not matched.
	FindByEmailOrPhone(ctx context.Context, email, phoneNumber *string) ([]*models.Contact, error)
	FindByIDs(ctx context.Context, ids []int64) ([]*models.Contact, error)
	FindByLinkedIDs(ctx context.Context, primaryIDs []int64) ([]*models.Contact, error)

	InsertPrimary(ctx context.Context, email, phoneNumber *string) (*models.Contact, error)
	InsertSecondary(ctx context.Context, email, phoneNumber *string, linkedID int64) (*models.Contact, error)
	DemoteToSecondary(ctx context.Context, contactID, linkedID int64) error
	Relink(ctx context.Context, contactID, newLinkedID int64) error
}
