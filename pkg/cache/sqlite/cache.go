// Package sqlite is the SQLite backend of the response cache.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/promptgate/pkg/cache"
	"github.com/pario-ai/promptgate/pkg/models"
)

// DefaultSweepInterval is how often expired rows are deleted.
const DefaultSweepInterval = 10 * time.Minute

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cached_responses (
	cache_key  TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
)`

const createExpiresIndex = `CREATE INDEX IF NOT EXISTS idx_cached_responses_expires ON cached_responses(expires_at)`

// sqliteConstraint is SQLITE_CONSTRAINT; extended codes keep it in the low byte.
const sqliteConstraint = 19

// Store keeps cached responses in a SQLite table. Timestamps are stored as
// unix milliseconds.
type Store struct {
	db       *sql.DB
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithSweepInterval sets the expiry sweep period. Zero disables the sweeper.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) { s.interval = d }
}

// WithLogger sets the logger used by the sweeper.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock sets the time source used by the sweeper.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New opens the database at dbPath, creates the schema and starts the sweeper.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{createCacheTable, createExpiresIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate cache db: %w", err)
		}
	}

	s := &Store{
		db:       db,
		interval: DefaultSweepInterval,
		logger:   zap.NewNop(),
		now:      time.Now,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.interval > 0 {
		s.wg.Add(1)
		go s.sweepLoop()
	}
	return s, nil
}

// FindByKey implements cache.Store.
func (s *Store) FindByKey(ctx context.Context, key string) (models.CachedResponse, error) {
	var (
		entry     = models.CachedResponse{Key: key}
		createdAt int64
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, created_at, expires_at FROM cached_responses WHERE cache_key = ?`, key,
	).Scan(&entry.Value, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CachedResponse{}, cache.ErrNotFound
	}
	if err != nil {
		return models.CachedResponse{}, fmt.Errorf("cache find: %w", err)
	}
	entry.CreatedAt = time.UnixMilli(createdAt).UTC()
	entry.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	return entry, nil
}

// Insert implements cache.Store.
func (s *Store) Insert(ctx context.Context, entry models.CachedResponse) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cached_responses (cache_key, value, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		entry.Key, entry.Value, entry.CreatedAt.UnixMilli(), entry.ExpiresAt.UnixMilli(),
	)
	if isConstraint(err) {
		return cache.ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("cache insert: %w", err)
	}
	return nil
}

// UpdateByKey implements cache.Store.
func (s *Store) UpdateByKey(ctx context.Context, entry models.CachedResponse) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cached_responses SET value = ?, created_at = ?, expires_at = ? WHERE cache_key = ?`,
		entry.Value, entry.CreatedAt.UnixMilli(), entry.ExpiresAt.UnixMilli(), entry.Key,
	)
	if err != nil {
		return fmt.Errorf("cache update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cache update: %w", err)
	}
	if n == 0 {
		return cache.ErrNotFound
	}
	return nil
}

// DeleteExpired implements cache.Store.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cached_responses WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("cache delete expired: %w", err)
	}
	return res.RowsAffected()
}

// Clear implements cache.Store.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cached_responses`); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

// Count implements cache.Store.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cached_responses`).Scan(&n); err != nil {
		return 0, fmt.Errorf("cache count: %w", err)
	}
	return n, nil
}

// Close stops the sweeper and closes the database.
func (s *Store) Close() error {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
	return s.db.Close()
}

func (s *Store) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			n, err := s.DeleteExpired(context.Background(), s.now())
			if err != nil {
				s.logger.Warn("cache sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Debug("cache sweep", zap.Int64("deleted", n))
			}
		}
	}
}

func isConstraint(err error) bool {
	var coded interface{ Code() int }
	return errors.As(err, &coded) && coded.Code()&0xff == sqliteConstraint
}
