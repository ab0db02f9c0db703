package sso

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Attribute keys stored against an account.
const (
	// AttributeExternalID binds the account to one external identity.
	AttributeExternalID = "sso_external_id"
	// AttributeLinkState holds the encoded LinkState.
	AttributeLinkState = "sso_link_state"
)

// Account is a local account.
type Account struct {
	bun.BaseModel `bun:"table:accounts,alias:acc"`
	ID            uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	Login         string     `bun:"login,notnull,unique" json:"login,omitempty"`
	Email         string     `bun:"email,notnull" json:"email,omitempty"`
	PasswordHash  string     `bun:"password_hash" json:"-"`
	FirstName     string     `bun:"first_name" json:"first_name,omitempty"`
	LastName      string     `bun:"last_name" json:"last_name,omitempty"`
	DisplayName   string     `bun:"display_name" json:"display_name,omitempty"`
	Role          string     `bun:"role,notnull" json:"role,omitempty"`
	CreatedAt     *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt     *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
}

// Resolution is the outcome of resolving an identity to an account.
type Resolution struct {
	Account *Account
	// Created is set when the account was created by this resolution.
	Created bool
	// Substituted is set when a hook returned a different account than the
	// one bound to the external id.
	Substituted bool
}
