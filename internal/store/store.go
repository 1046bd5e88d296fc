package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Store is the PostgreSQL persistence layer. It backs the skill catalog,
// installations, execution logs, and sessions.
type Store struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// New opens a pgx connection pool against dsn and verifies the database is
// reachable before returning.
func New(dsn string, logger *zap.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres unreachable: %w", err)
	}

	logger.Info("postgres connected", zap.String("database", cfg.ConnConfig.Database))
	return &Store{db: pool, logger: logger}, nil
}

// Migrate applies every .up.sql file under dir in lexical order. Migrations
// are written to be re-runnable, so applying the full set on every boot is
// safe.
func (s *Store) Migrate(ctx context.Context, dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("scan migrations in %s: %w", dir, err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no migrations found in %s", dir)
	}
	sort.Strings(files)

	for _, path := range files {
		sql, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", path, err)
		}
		if _, err := s.db.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply migration %s: %w", filepath.Base(path), err)
		}
		s.logger.Debug("migration applied", zap.String("file", filepath.Base(path)))
	}
	s.logger.Info("schema up to date", zap.Int("migrations", len(files)))
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.db.Close()
}
