package repository

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-sso"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Store implements sso.AccountStore over bun.
type Store struct {
	db       *bun.DB
	accounts repository.Repository[*sso.Account]
}

var (
	_ sso.AccountStore              = (*Store)(nil)
	_ repository.TransactionManager = (*Store)(nil)
)

// NewAccountsRepository returns the generic repository for accounts, keyed
// by login.
func NewAccountsRepository(db *bun.DB) repository.Repository[*sso.Account] {
	return repository.NewRepository[*sso.Account](db, repository.ModelHandlers[*sso.Account]{
		NewRecord: func() *sso.Account { return &sso.Account{} },
		GetID: func(a *sso.Account) uuid.UUID {
			if a == nil {
				return uuid.Nil
			}
			return a.ID
		},
		SetID: func(a *sso.Account, id uuid.UUID) {
			if a != nil {
				a.ID = id
			}
		},
		GetIdentifier: func() string {
			return "login"
		},
	})
}

func NewStore(db *bun.DB) *Store {
	return &Store{
		db:       db,
		accounts: NewAccountsRepository(db),
	}
}

func (s *Store) Validate() error {
	if s.db == nil {
		return errors.New("store database should be initialized")
	}
	if s.accounts == nil {
		return errors.New("repository accounts should be initialized")
	}
	return nil
}

func (s *Store) MustValidate() {
	if err := s.Validate(); err != nil {
		log.Panic(err)
	}
}

func (s *Store) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return s.db.RunInTx(ctx, opts, f)
	}
}

// CreateSchema creates the tables the store uses when they do not exist.
func (s *Store) CreateSchema(ctx context.Context) error {
	models := []any{
		(*sso.Account)(nil),
		(*AccountAttributeModel)(nil),
		(*CommentModel)(nil),
		(*PostModel)(nil),
	}
	for _, m := range models {
		if _, err := s.db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}
	_, err := s.db.NewCreateIndex().
		Model((*AccountAttributeModel)(nil)).
		Index("idx_account_attributes_key_value").
		Column("attr_key", "attr_value").
		IfNotExists().
		Exec(ctx)
	return err
}

func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*sso.Account, error) {
	return s.accounts.GetByID(ctx, id.String())
}

func (s *Store) GetByLogin(ctx context.Context, login string) (*sso.Account, error) {
	return s.accounts.GetByIdentifier(ctx, login)
}

func (s *Store) FindByAttribute(ctx context.Context, key, value string) (*sso.Account, error) {
	sub := s.db.NewSelect().
		Model((*AccountAttributeModel)(nil)).
		Column("account_id").
		Where("attr_key = ?", key).
		Where("attr_value = ?", value)

	record := &sso.Account{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id IN (?)", sub).
		OrderExpr("?TableAlias.created_at ASC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || repository.IsRecordNotFound(err) {
			return nil, repository.NewRecordNotFound().WithMetadata(map[string]any{
				"attribute": key,
			})
		}
		return nil, err
	}
	return record, nil
}

// Create inserts the account and its attributes in one transaction.
func (s *Store) Create(ctx context.Context, account *sso.Account, attributes map[string]string) (*sso.Account, error) {
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}

	var created *sso.Account
	err := s.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		rec, err := s.accounts.CreateTx(ctx, tx, account)
		if err != nil {
			return err
		}
		for k, v := range attributes {
			if err := upsertAttribute(ctx, tx, rec.ID, k, v); err != nil {
				return err
			}
		}
		created = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Store) GetAttribute(ctx context.Context, accountID uuid.UUID, key string) (string, bool, error) {
	attr := &AccountAttributeModel{}
	err := s.db.NewSelect().
		Model(attr).
		Where("account_id = ?", accountID).
		Where("attr_key = ?", key).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return attr.Value, true, nil
}

func (s *Store) SetAttribute(ctx context.Context, accountID uuid.UUID, key, value string) error {
	return upsertAttribute(ctx, s.db, accountID, key, value)
}

// DeleteAttribute is a no-op when the attribute is absent.
func (s *Store) DeleteAttribute(ctx context.Context, accountID uuid.UUID, key string) error {
	_, err := s.db.NewDelete().
		Model((*AccountAttributeModel)(nil)).
		Where("account_id = ?", accountID).
		Where("attr_key = ?", key).
		Exec(ctx)
	return err
}

// ReassignContent moves every comment of from to to.
func (s *Store) ReassignContent(ctx context.Context, from, to uuid.UUID) (int64, error) {
	res, err := s.db.NewUpdate().
		Model((*CommentModel)(nil)).
		Set("account_id = ?", to).
		Where("account_id = ?", from).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Delete hands posts over to reassignTo, or removes them when reassignTo is
// uuid.Nil, then removes the attributes and the account.
func (s *Store) Delete(ctx context.Context, id, reassignTo uuid.UUID) error {
	return s.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if reassignTo != uuid.Nil {
			if _, err := tx.NewUpdate().
				Model((*PostModel)(nil)).
				Set("author_id = ?", reassignTo).
				Where("author_id = ?", id).
				Exec(ctx); err != nil {
				return err
			}
		} else {
			if _, err := tx.NewDelete().
				Model((*PostModel)(nil)).
				Where("author_id = ?", id).
				Exec(ctx); err != nil {
				return err
			}
		}

		if _, err := tx.NewDelete().
			Model((*AccountAttributeModel)(nil)).
			Where("account_id = ?", id).
			Exec(ctx); err != nil {
			return err
		}

		res, err := tx.NewDelete().
			Model((*sso.Account)(nil)).
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return repository.NewRecordNotFound().WithMetadata(map[string]any{
				"id": id.String(),
			})
		}
		return nil
	})
}

func upsertAttribute(ctx context.Context, db bun.IDB, accountID uuid.UUID, key, value string) error {
	attr := &AccountAttributeModel{
		AccountID: accountID,
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}
	_, err := db.NewInsert().
		Model(attr).
		On("CONFLICT (account_id, attr_key) DO UPDATE").
		Set("attr_value = EXCLUDED.attr_value").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}
