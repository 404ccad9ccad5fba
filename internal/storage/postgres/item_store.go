// Package postgres writes item batches into a Postgres JSONB table.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawlkit/internal/storage"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for item rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// IDGenerator supplies row ids for items that carry none.
type IDGenerator interface {
	NewID() (string, error)
}

type txBeginCloser interface {
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// ItemStore inserts items as rows of (collection, item_id, fields, stored_at).
// Rows conflicting on (collection, item_id) are skipped, which makes
// replayed batches harmless.
type ItemStore struct {
	pool  txBeginCloser
	table string
	ids   IDGenerator
	now   func() time.Time
}

// NewItemStore connects a pool using cfg.
func NewItemStore(ctx context.Context, cfg Config, ids IDGenerator) (*ItemStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ItemStore{pool: pool, table: table, ids: ids, now: time.Now}, nil
}

// NewItemStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewItemStoreWithPool(pool txBeginCloser, table string, ids IDGenerator, now func() time.Time) (*ItemStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &ItemStore{pool: pool, table: name, ids: ids, now: now}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = "crawl_items"
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// WriteBatch inserts the batch in one transaction.
func (s *ItemStore) WriteBatch(ctx context.Context, collection string, items []storage.Item) (string, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (collection, item_id, fields, stored_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (collection, item_id) DO NOTHING`, s.table)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	fail := func(err error) (string, error) {
		_ = tx.Rollback(ctx)
		return "", err
	}

	storedAt := s.now().UTC()
	for _, item := range items {
		id := item.ID
		if id == "" {
			if s.ids == nil {
				return fail(fmt.Errorf("item in %s has no id and no generator is configured", collection))
			}
			if id, err = s.ids.NewID(); err != nil {
				return fail(fmt.Errorf("generate item id: %w", err))
			}
		}
		fields, err := json.Marshal(item.Fields)
		if err != nil {
			return fail(fmt.Errorf("marshal item %s: %w", id, err))
		}
		if _, err := tx.Exec(ctx, query, collection, id, fields, storedAt); err != nil {
			return fail(fmt.Errorf("insert item %s: %w", id, err))
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit items: %w", err)
	}
	return fmt.Sprintf("postgres://%s/%s", s.table, collection), nil
}

// Close releases the underlying pool resources.
func (s *ItemStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
