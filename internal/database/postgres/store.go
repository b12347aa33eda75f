// Package postgres implements the contact store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"bitespeed-identity/internal/models"
)

const table = "contacts"

var columns = []string{
	"id", "phone_number", "email", "linked_id", "link_precedence",
	"created_at", "updated_at", "deleted_at",
}

const advisoryLockSQL = "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))"

type txCtxKey struct{}

// Store persists contacts in PostgreSQL.
type Store struct {
	pool Pool
	sb   sq.StatementBuilderType
	now  func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for created/updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store over pool.
func New(pool Pool, opts ...Option) *Store {
	s := &Store{
		pool: pool,
		sb:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping verifies the pool can reach the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RunInTx executes fn within a database transaction.
// Isolation level: Read Committed (PostgreSQL default).
// On success: commits.
// On error from fn: rolls back and returns the error.
// On panic from fn: rolls back and re-panics.
// Nested calls reuse the outer transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txCtxKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapError("begin transaction", err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(r)
		}
	}()

	if err := fn(context.WithValue(ctx, txCtxKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return models.NewStorageError("rollback transaction", fmt.Errorf("%w (original error: %v)", rbErr, err))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return mapError("commit transaction", err)
	}
	return nil
}

// querier returns the transaction from ctx if present, otherwise the pool.
func (s *Store) querier(ctx context.Context) (Querier, bool) {
	if tx, ok := ctx.Value(txCtxKey{}).(pgx.Tx); ok {
		return tx, true
	}
	return s.pool, false
}

// FindByEmailOrPhone takes a transaction-scoped advisory lock per identifier
// before reading when called inside RunInTx, so concurrent sightings of the
// same email or phone number resolve one after the other.
func (s *Store) FindByEmailOrPhone(ctx context.Context, email, phoneNumber *string) ([]*models.Contact, error) {
	match := sq.Or{}
	var keys []string
	if email != nil {
		match = append(match, sq.Eq{"email": *email})
		keys = append(keys, "email:"+*email)
	}
	if phoneNumber != nil {
		match = append(match, sq.Eq{"phone_number": *phoneNumber})
		keys = append(keys, "phone:"+*phoneNumber)
	}
	if len(match) == 0 {
		return nil, nil
	}

	if q, inTx := s.querier(ctx); inTx {
		sort.Strings(keys)
		for _, key := range keys {
			if _, err := q.Exec(ctx, advisoryLockSQL, key); err != nil {
				return nil, mapError("lock identifier", err)
			}
		}
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
		Set("link_precedence", string(models.PrecedenceSecondary)).
		Set("linked_id", linkedID).
		Set("updated_at", s.timestamp()).
		Where(sq.Eq{"id": contactID, "link_precedence": string(models.PrecedencePrimary), "deleted_at": nil})
	return s.updateOne(ctx, "demote contact", query, contactID)
}

func (s *Store) Relink(ctx context.Context, contactID, newLinkedID int64) error {
	query := s.sb.Update(table).
		Set("linked_id", newLinkedID).
		Set("updated_at", s.timestamp()).
		Where(sq.Eq{"id": contactID, "link_precedence": string(models.PrecedenceSecondary), "deleted_at": nil})
	return s.updateOne(ctx, "relink contact", query, contactID)
}

// timestamp matches the microsecond precision of timestamptz.
func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Store) selectContacts(ctx context.Context, op string, where sq.Sqlizer) ([]*models.Contact, error) {
	q, inTx := s.querier(ctx)
	builder := s.sb.Select(columns...).
		From(table).
		Where(where).
		Where(sq.Eq{"deleted_at": nil}).
		OrderBy("id")
	if inTx {
		builder = builder.Suffix("FOR UPDATE")
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: build query: %w", op, err)
	}

	var out []*models.Contact
	if err := pgxscan.Select(ctx, q, &out, query, args...); err != nil {
		return nil, mapError(op, err)
	}
	return out, nil
}

func (s *Store) insert(ctx context.Context, op string, email, phoneNumber *string, linkedID *int64, precedence models.LinkPrecedence) (*models.Contact, error) {
	q, _ := s.querier(ctx)
	now := s.timestamp()
	query, args, err := s.sb.Insert(table).
		Columns("phone_number", "email", "linked_id", "link_precedence", "created_at", "updated_at").
		Values(phoneNumber, email, linkedID, string(precedence), now, now).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: build query: %w", op, err)
	}

	var id int64
	if err := q.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return nil, mapError(op, err)
	}

	c := &models.Contact{
		ID:             id,
		PhoneNumber:    phoneNumber,
		Email:          email,
		LinkedID:       linkedID,
		LinkPrecedence: precedence,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return c, nil
}

func (s *Store) updateOne(ctx context.Context, op string, update sq.UpdateBuilder, contactID int64) error {
	q, _ := s.querier(ctx)
	query, args, err := update.ToSql()
	if err != nil {
		return fmt.Errorf("%s: build query: %w", op, err)
	}
	tag, err := q.Exec(ctx, query, args...)
	if err != nil {
		return mapError(op, err)
	}
	if tag.RowsAffected() != 1 {
		return models.NewConflictError(op, fmt.Errorf("contact %d changed concurrently", contactID))
	}
	return nil
}

// mapError converts pgx/pgconn errors to domain errors. Unique violations,
// serialization failures, deadlocks and lock timeouts are conflicts; the
// whole unit of work may be retried.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", // unique_violation
			"40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03": // lock_not_available
			return models.NewConflictError(op, err)
		}
	}

	return models.NewStorageError(op, err)
}
