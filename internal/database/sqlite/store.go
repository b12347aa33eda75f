// Package sqlite implements the contact store on SQLite through database/sql
// and mattn/go-sqlite3. The handle must come from database.Open so that every
// transaction begins IMMEDIATE on a single connection.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/mattn/go-sqlite3"

	"bitespeed-identity/internal/models"
)

const table = "contacts"

var columns = []string{
	"id", "phone_number", "email", "linked_id", "link_precedence",
	"created_at", "updated_at", "deleted_at",
}

type txKey struct{}

type querier interface {
	sqlscan.Querier
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store persists contacts in SQLite.
type Store struct {
	db  *sql.DB
	sb  sq.StatementBuilderType
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for created/updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store over an open handle.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:  db,
		sb:  sq.StatementBuilder.PlaceholderFormat(sq.Question),
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RunInTx executes fn inside a transaction. Store calls made with the ctx
// passed to fn join it. fn's error rolls the transaction back and is
// returned unchanged. Nested calls reuse the outer transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("begin transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError("commit transaction", err)
	}
	return nil
}

func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

func (s *Store) FindByEmailOrPhone(ctx context.Context, email, phoneNumber *string) ([]*models.Contact, error) {
	match := sq.Or{}
	if email != nil {
		match = append(match, sq.Eq{"email": *email})
	}
	if phoneNumber != nil {
		match = append(match, sq.Eq{"phone_number": *phoneNumber})
	}
	if len(match) == 0 {
		return nil, nil
	}
	return s.selectContacts(ctx, "find contacts by email or phone", match)
}

func (s *Store) FindByIDs(ctx context.Context, ids []int64) ([]*models.Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.selectContacts(ctx, "find contacts by id", sq.Eq{"id": ids})
}

func (s *Store) FindByLinkedIDs(ctx context.Context, primaryIDs []int64) ([]*models.Contact, error) {
	if len(primaryIDs) == 0 {
		return nil, nil
	}
	return s.selectContacts(ctx, "find contacts by linked id", sq.Eq{"linked_id": primaryIDs})
}

func (s *Store) InsertPrimary(ctx context.Context, email, phoneNumber *string) (*models.Contact, error) {
	return s.insert(ctx, "insert primary contact", email, phoneNumber, nil, models.PrecedencePrimary)
}

func (s *Store) InsertSecondary(ctx context.Context, email, phoneNumber *string, linkedID int64) (*models.Contact, error) {
	return s.insert(ctx, "insert secondary contact", email, phoneNumber, &linkedID, models.PrecedenceSecondary)
}

func (s *Store) DemoteToSecondary(ctx context.Context, contactID, linkedID int64) error {
	query := s.sb.Update(table).
		Set("link_precedence", models.PrecedenceSecondary).
		Set("linked_id", linkedID).
		Set("updated_at", s.now()).
		Where(sq.Eq{"id": contactID, "link_precedence": models.PrecedencePrimary, "deleted_at": nil})
	return s.updateOne(ctx, "demote contact", query, contactID)
}

func (s *Store) Relink(ctx context.Context, contactID, newLinkedID int64) error {
	query := s.sb.Update(table).
		Set("linked_id", newLinkedID).
		Set("updated_at", s.now()).
		Where(sq.Eq{"id": contactID, "link_precedence": models.PrecedenceSecondary, "deleted_at": nil})
	return s.updateOne(ctx, "relink contact", query, contactID)
}

func (s *Store) selectContacts(ctx context.Context, op string, where sq.Sqlizer) ([]*models.Contact, error) {
	query, args, err := s.sb.Select(columns...).
		From(table).
		Where(where).
		Where(sq.Eq{"deleted_at": nil}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: build query: %w", op, err)
	}

	var out []*models.Contact
	if err := sqlscan.Select(ctx, s.q(ctx), &out, query, args...); err != nil {
		return nil, mapError(op, err)
	}
	return out, nil
}

func (s *Store) insert(ctx context.Context, op string, email, phoneNumber *string, linkedID *int64, precedence models.LinkPrecedence) (*models.Contact, error) {
	now := s.now()
	query, args, err := s.sb.Insert(table).
		Columns("phone_number", "email", "linked_id", "link_precedence", "created_at", "updated_at").
		Values(phoneNumber, email, linkedID, precedence, now, now).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: build query: %w", op, err)
	}

	res, err := s.q(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, mapError(op, err)
	}

	// Read back through the column types so timestamps decode as time.Time.
	found, err := s.selectContacts(ctx, op, sq.Eq{"id": id})
	if err != nil {
		return nil, err
	}
	if len(found) != 1 {
		return nil, models.NewStorageError(op, fmt.Errorf("inserted contact %d not found", id))
	}
	return found[0], nil
}

func (s *Store) updateOne(ctx context.Context, op string, update sq.UpdateBuilder, contactID int64) error {
	query, args, err := update.ToSql()
	if err != nil {
		return fmt.Errorf("%s: build query: %w", op, err)
	}
	res, err := s.q(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return mapError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapError(op, err)
	}
	if n != 1 {
		return models.NewConflictError(op, fmt.Errorf("contact %d changed concurrently", contactID))
	}
	return nil
}

// mapError classifies a driver error. Constraint violations and lock
// contention are conflicts; everything else is a storage failure.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch {
		case se.ExtendedCode == sqlite3.ErrConstraintUnique,
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey,
			se.Code == sqlite3.ErrBusy,
			se.Code == sqlite3.ErrLocked:
			return models.NewConflictError(op, err)
		}
	}
	return models.NewStorageError(op, err)
}
