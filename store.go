package sso

import (
	"context"

	"github.com/google/uuid"
)

// AccountStore is the persistence the engine needs. Lookups that miss
// return an error for which repository.IsRecordNotFound holds.
type AccountStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)
	GetByLogin(ctx context.Context, login string) (*Account, error)
	// FindByAttribute returns the account holding key=value. Values are
	// matched exactly.
	FindByAttribute(ctx context.Context, key, value string) (*Account, error)

	// Create inserts the account together with its attributes in a single
	// transaction.
	Create(ctx context.Context, account *Account, attributes map[string]string) (*Account, error)

	GetAttribute(ctx context.Context, accountID uuid.UUID, key string) (string, bool, error)
	// SetAttribute upserts the value.
	SetAttribute(ctx context.Context, accountID uuid.UUID, key, value string) error
	DeleteAttribute(ctx context.Context, accountID uuid.UUID, key string) error

	// ReassignContent moves content owned by from to to and returns the
	// number of rows moved.
	ReassignContent(ctx context.Context, from, to uuid.UUID) (int64, error)
	// Delete removes the account and its attributes, handing every record
	// the deletion manages over to reassignTo.
	Delete(ctx context.Context, id, reassignTo uuid.UUID) error
}

// ExternalID returns the external identity bound to the account, if any.
func ExternalID(ctx context.Context, store AccountStore, accountID uuid.UUID) (string, bool, error) {
	return store.GetAttribute(ctx, accountID, AttributeExternalID)
}
