package repository

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// AccountAttributeModel is one key/value attribute of an account.
type AccountAttributeModel struct {
	bun.BaseModel `bun:"table:account_attributes,alias:attr"`

	AccountID uuid.UUID `bun:"account_id,pk,type:uuid"`
	Key       string    `bun:"attr_key,pk"`
	Value     string    `bun:"attr_value,notnull"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,default:current_timestamp"`
}

// CommentModel is content owned by an account. Comments are moved to the
// surviving account when two accounts are merged.
type CommentModel struct {
	bun.BaseModel `bun:"table:comments,alias:cmt"`

	ID        uuid.UUID `bun:"id,pk,type:uuid"`
	AccountID uuid.UUID `bun:"account_id,notnull,type:uuid"`
	Body      string    `bun:"body"`
	CreatedAt time.Time `bun:"created_at,nullzero,default:current_timestamp"`
}

// PostModel is content whose ownership is handed over when an account is
// deleted.
type PostModel struct {
	bun.BaseModel `bun:"table:posts,alias:pst"`

	ID        uuid.UUID `bun:"id,pk,type:uuid"`
	AuthorID  uuid.UUID `bun:"author_id,notnull,type:uuid"`
	Title     string    `bun:"title"`
	CreatedAt time.Time `bun:"created_at,nullzero,default:current_timestamp"`
}
