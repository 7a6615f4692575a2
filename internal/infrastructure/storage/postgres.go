package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/vitos/grid_trade_engine/internal/domain"
)

// PostgresStore is the shared durable state store. It doubles as the leader
// lock provider: pg advisory locks are connection-scoped, so a crashed or
// partitioned holder releases the lock automatically when its connection
// dies. That connection drop is the entire crash-recovery story for
// leadership; there is no heartbeat protocol.
type PostgresStore struct {
	db *sql.DB

	// lockConn is pinned for the life of the held lock. database/sql pools
	// connections, so the advisory lock must be taken and verified on this
	// one connection, never through the pool.
	lockConn *sql.Conn
	lockHeld bool
}

var _ domain.StateStore = (*PostgresStore)(nil)
var _ domain.LeaderLock = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS engine_state (
		id TEXT PRIMARY KEY,
		state JSONB NOT NULL DEFAULT '{}'::jsonb,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("init engine_state schema: %w", err)
	}
	return nil
}

// Load returns the persisted state for id, or the default state when no row
// exists. Legacy key names in the blob are migrated on decode.
func (s *PostgresStore) Load(ctx context.Context, id string) (domain.EngineState, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM engine_state WHERE id = $1`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewEngineState(), nil
	}
	if err != nil {
		return domain.NewEngineState(), fmt.Errorf("load engine state %s: %w", id, err)
	}
	return domain.DecodeEngineState(blob)
}

// Save upserts the whole state blob in one statement. Readers never observe
// a partial update.
func (s *PostgresStore) Save(ctx context.Context, id string, state domain.EngineState) error {
	blob, err := state.Encode()
	if err != nil {
		return fmt.Errorf("encode engine state %s: %w", id, err)
	}
	query := `INSERT INTO engine_state (id, state, updated_at)
			  VALUES ($1, $2::jsonb, now())
			  ON CONFLICT (id)
			  DO UPDATE SET state = EXCLUDED.state, updated_at = now()`
	if _, err := s.db.ExecContext(ctx, query, id, blob); err != nil {
		return fmt.Errorf("save engine state %s: %w", id, err)
	}
	return nil
}

// TryAcquire attempts the session advisory lock for key on the pinned
// connection. Returns false without error when another instance holds it.
func (s *PostgresStore) TryAcquire(ctx context.Context, key string) (bool, error) {
	if s.lockHeld {
		return true, nil
	}

	if s.lockConn == nil {
		conn, err := s.db.Conn(ctx)
		if err != nil {
			return false, fmt.Errorf("pin lock connection: %w", err)
		}
		s.lockConn = conn
	}

	var acquired bool
	err := s.lockConn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, key).Scan(&acquired)
	if err != nil {
		s.dropLockConn()
		return false, fmt.Errorf("try advisory lock %s: %w", key, err)
	}

	s.lockHeld = acquired
	return acquired, nil
}

// Verify confirms the lock-holding connection is still alive. Any failure
// means the advisory lock is gone and leadership must be surrendered.
func (s *PostgresStore) Verify(ctx context.Context) error {
	if !s.lockHeld || s.lockConn == nil {
		return errors.New("leader lock not held")
	}
	if err := s.lockConn.PingContext(ctx); err != nil {
		s.dropLockConn()
		return fmt.Errorf("leader lock connection lost: %w", err)
	}
	return nil
}

func (s *PostgresStore) dropLockConn() {
	if s.lockConn != nil {
		_ = s.lockConn.Close()
		s.lockConn = nil
	}
	s.lockHeld = false
}

func (s *PostgresStore) Close() error {
	s.dropLockConn()
	return s.db.Close()
}
