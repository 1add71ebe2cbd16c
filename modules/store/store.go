// Package store provides transactional persistence for batches,
// requests, delivery attempts, transitions and jobs. The database is
// the sole coordination primitive of the system: every state change
// runs inside a transaction, transitions are guard-checked against the
// declared lifecycle graphs, and side effects (job enqueues in the
// same database, event publishes after commit) ride on the same
// transaction.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log/level"
	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/driftq/driftq/pkg/clock"
	"github.com/driftq/driftq/pkg/events"
	"github.com/driftq/driftq/pkg/lifecycle"
	"github.com/driftq/driftq/pkg/util/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateCustomID is returned when a request's custom_id is
	// already taken.
	ErrDuplicateCustomID = errors.New("duplicate custom_id")

	// ErrOptimisticConflict is returned when a batch row changed under
	// an in-flight transition.
	ErrOptimisticConflict = errors.New("batch modified concurrently")
)

type Config struct {
	DSN string `yaml:"dsn"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.DSN, prefix+"store.dsn", "file:/var/driftq/driftq.db", "SQLite DSN for the driftq database")
}

// Store wraps the database handle. Safe for concurrent use; SQLite's
// single writer plus immediate transactions provide the row-lock
// semantics transitions rely on.
type Store struct {
	db    *sqlx.DB
	clock clock.Clock
	bus   events.Publisher
}

func Open(cfg Config, cl clock.Clock, bus events.Publisher) (*Store, error) {
	if cl == nil {
		cl = clock.New()
	}
	if bus == nil {
		bus = events.NopPublisher{}
	}

	dsn := cfg.DSN
	if !strings.Contains(dsn, "?") {
		dsn += "?_journal=WAL&_busy_timeout=5000&_fk=1&_txlock=immediate"
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids busy
	// retries inside transactions.
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, err
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	level.Info(log.Logger).Log("msg", "store opened", "dsn", cfg.DSN)

	return &Store{db: db, clock: cl, bus: bus}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for sibling modules (the job queue
// shares the database).
func (s *Store) DB() *sqlx.DB { return s.db }

// Clock returns the store's time source.
func (s *Store) Clock() clock.Clock { return s.clock }

// Tx is a database transaction plus the side effects to fire once it
// commits. Event publishes never block or influence the transaction.
type Tx struct {
	*sqlx.Tx

	store       *Store
	afterCommit []func()
}

// AfterCommit registers fn to run if and only if the transaction
// commits.
func (tx *Tx) AfterCommit(fn func()) {
	tx.afterCommit = append(tx.afterCommit, fn)
}

func (tx *Tx) now() time.Time { return tx.store.clock.Now().UTC() }

// Now returns the transaction's view of the current time.
func (tx *Tx) Now() time.Time { return tx.now() }

// WithTx runs fn inside a transaction. On commit, all registered
// after-commit hooks fire in order.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	stx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	tx := &Tx{Tx: stx, store: s}
	if err := fn(tx); err != nil {
		_ = stx.Rollback()
		return err
	}
	if err := stx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	for _, hook := range tx.afterCommit {
		hook()
	}
	return nil
}

// recordTransition writes the audit row and queues the post-commit
// event. An empty from records entity creation.
func (tx *Tx) recordTransition(kind lifecycle.EntityKind, entityID int64, from, to lifecycle.State) error {
	at := tx.now()
	_, err := tx.Exec(
		`INSERT INTO transitions (entity_kind, entity_id, from_state, to_state, at) VALUES (?, ?, ?, ?, ?)`,
		string(kind), entityID, string(from), string(to), at,
	)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}

	topic := events.TopicBatchTransitions
	if kind == lifecycle.EntityRequest {
		topic = events.TopicRequestTransitions
	}
	tx.AfterCommit(func() {
		tx.store.bus.Publish(events.Event{
			Topic: topic,
			Transition: &events.Transition{
				ID:         events.NewID(),
				EntityKind: string(kind),
				EntityID:   entityID,
				From:       string(from),
				To:         string(to),
				At:         at,
			},
		})
	})
	return nil
}

// Transitions returns the audit trail for one entity, oldest first.
func (s *Store) Transitions(ctx context.Context, kind lifecycle.EntityKind, entityID int64) ([]Transition, error) {
	var out []Transition
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, entity_kind, entity_id, from_state, to_state, at
		   FROM transitions WHERE entity_kind = ? AND entity_id = ? ORDER BY id`,
		string(kind), entityID,
	)
	return out, err
}

// Transition is one row of the audit trail.
type Transition struct {
	ID         int64     `db:"id"`
	EntityKind string    `db:"entity_kind"`
	EntityID   int64     `db:"entity_id"`
	FromState  string    `db:"from_state"`
	ToState    string    `db:"to_state"`
	At         time.Time `db:"at"`
}

func isUniqueViolation(err error, indexHint string) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	if serr.ExtendedCode != sqlite3.ErrConstraintUnique && serr.ExtendedCode != sqlite3.ErrConstraintPrimaryKey {
		return false
	}
	return indexHint == "" || strings.Contains(serr.Error(), indexHint)
}

func notFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
