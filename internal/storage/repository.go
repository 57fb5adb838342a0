package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertPairUpdateSQL = `INSERT INTO pair_updates (
        kind,
        subscription,
        chain_id,
        pair_address,
        dex_id,
        base_symbol,
        quote_symbol,
        price_usd,
        price_native,
        volume_h24,
        liquidity_usd,
        snapshot,
        observed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
    );`

	selectPairUpdateColumns = `SELECT
        id,
        kind,
        subscription,
        chain_id,
        pair_address,
        dex_id,
        base_symbol,
        quote_symbol,
        price_usd,
        price_native,
        volume_h24,
        liquidity_usd,
        snapshot,
        observed_at,
        created_at
    FROM pair_updates`

	listRecentUpdatesSQL = selectPairUpdateColumns + `
    WHERE ($1 = '' OR chain_id = $1)
      AND ($2 = '' OR lower(pair_address) = lower($2))
    ORDER BY observed_at DESC
    LIMIT $3;`

	listUpdatesBetweenSQL = selectPairUpdateColumns + `
    WHERE ($1 = '' OR chain_id = $1)
      AND ($2 = '' OR lower(pair_address) = lower($2))
      AND observed_at >= $3
      AND observed_at < $4
    ORDER BY observed_at;`

	countUpdatesSQL = `SELECT COUNT(*) FROM pair_updates;`

	deleteUpdatesBeforeSQL = `DELETE FROM pair_updates WHERE observed_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// UpdateStore defines operations for pair update persistence.
type UpdateStore interface {
	InsertPairUpdates(ctx context.Context, updates []PairUpdate) error
	ListRecentUpdates(ctx context.Context, q UpdateQuery) ([]PairUpdate, error)
	ListUpdatesBetween(ctx context.Context, q UpdateQuery) ([]PairUpdate, error)
	CountUpdates(ctx context.Context) (int64, error)
	DeleteUpdatesBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store gives access to recorded pair updates.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Migrate applies every .sql file in dir in lexical order. Statements must
// be idempotent; there is no applied-migrations bookkeeping.
func (s *Store) Migrate(ctx context.Context, dir string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)

	for _, file := range files {
		body, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", filepath.Base(file), err)
		}
		if _, err := pool.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", filepath.Base(file), err)
		}
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Best effort: the lock dies with the session anyway.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// InsertPairUpdates records updates in one batch.
func (s *Store) InsertPairUpdates(ctx context.Context, updates []PairUpdate) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(updates) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, u := range updates {
		batch.Queue(insertPairUpdateSQL,
			u.Kind,
			u.Subscription,
			u.ChainID,
			u.PairAddress,
			u.DexID,
			u.BaseSymbol,
			u.QuoteSymbol,
			nullableDecimal(u.PriceUSD),
			u.PriceNative.String(),
			u.VolumeH24.String(),
			nullableDecimal(u.LiquidityUSD),
			[]byte(u.Snapshot),
			u.ObservedAt,
		)
	}

	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert pair updates: %w", err)
	}
	return nil
}

// ListRecentUpdates lists the newest updates first.
func (s *Store) ListRecentUpdates(ctx context.Context, q UpdateQuery) ([]PairUpdate, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentUpdatesSQL, q.ChainID, q.PairAddress, q.Limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent updates: %w", queryErr)
	}
	return collectUpdates(rows)
}

// ListUpdatesBetween lists updates observed in [From, To), oldest first.
func (s *Store) ListUpdatesBetween(ctx context.Context, q UpdateQuery) ([]PairUpdate, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listUpdatesBetweenSQL, q.ChainID, q.PairAddress, q.From, q.To)
	if queryErr != nil {
		return nil, fmt.Errorf("list updates between: %w", queryErr)
	}
	return collectUpdates(rows)
}

// CountUpdates counts stored updates.
func (s *Store) CountUpdates(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countUpdatesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count updates: %w", scanErr)
	}
	return count, nil
}

// DeleteUpdatesBefore prunes updates older than the cutoff.
func (s *Store) DeleteUpdatesBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteUpdatesBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete updates before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func collectUpdates(rows pgx.Rows) ([]PairUpdate, error) {
	defer rows.Close()

	updates := make([]PairUpdate, 0)
	for rows.Next() {
		update, scanErr := scanPairUpdate(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		updates = append(updates, update)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return updates, nil
}

func scanPairUpdate(rows pgx.Rows) (PairUpdate, error) {
	var (
		u            PairUpdate
		priceUSD     *string
		priceNative  string
		volume       string
		liquidityUSD *string
	)

	if err := rows.Scan(
		&u.ID,
		&u.Kind,
		&u.Subscription,
		&u.ChainID,
		&u.PairAddress,
		&u.DexID,
		&u.BaseSymbol,
		&u.QuoteSymbol,
		&priceUSD,
		&priceNative,
		&volume,
		&liquidityUSD,
		&u.Snapshot,
		&u.ObservedAt,
		&u.CreatedAt,
	); err != nil {
		return PairUpdate{}, err
	}

	var err error
	if u.PriceUSD, err = parseNullDecimal(priceUSD); err != nil {
		return PairUpdate{}, fmt.Errorf("parse price usd: %w", err)
	}
	if u.PriceNative, err = decimal.NewFromString(priceNative); err != nil {
		return PairUpdate{}, fmt.Errorf("parse price native: %w", err)
	}
	if u.VolumeH24, err = decimal.NewFromString(volume); err != nil {
		return PairUpdate{}, fmt.Errorf("parse volume: %w", err)
	}
	if u.LiquidityUSD, err = parseNullDecimal(liquidityUSD); err != nil {
		return PairUpdate{}, fmt.Errorf("parse liquidity usd: %w", err)
	}
	return u, nil
}

func nullableDecimal(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func parseNullDecimal(s *string) (decimal.NullDecimal, error) {
	if s == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

var _ UpdateStore = (*Store)(nil)
var _ AdvisoryLocker = (*Store)(nil)
