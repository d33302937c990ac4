package store

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

// Store is the Postgres-backed unit of work factory
type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Begin opens a unit of work backed by a database transaction
func (s *Store) Begin(ctx context.Context) (UnitOfWork, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &sqlUnitOfWork{tx: tx}, nil
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type sqlUnitOfWork struct {
	tx   *sqlx.Tx
	done bool
}

func (u *sqlUnitOfWork) Orders() OrderRepository       { return &orderRepo{tx: u.tx} }
func (u *sqlUnitOfWork) Inventory() InventoryRepository { return &inventoryRepo{tx: u.tx} }
func (u *sqlUnitOfWork) Payments() PaymentRepository   { return &paymentRepo{tx: u.tx} }
func (u *sqlUnitOfWork) History() HistoryRepository    { return &historyRepo{tx: u.tx} }
func (u *sqlUnitOfWork) Tracking() TrackingRepository  { return &trackingRepo{tx: u.tx} }

func (u *sqlUnitOfWork) Commit() error {
	if u.done {
		return fmt.Errorf("transaction already finished")
	}
	u.done = true
	return u.tx.Commit()
}

func (u *sqlUnitOfWork) Rollback() error {
	if u.done {
		return nil
	}
	u.done = true
	return u.tx.Rollback()
}
