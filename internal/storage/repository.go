package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
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
	createSchemaSQL = `CREATE TABLE IF NOT EXISTS keeper_executions (
        id                BIGSERIAL PRIMARY KEY,
        block_number      BIGINT      NOT NULL,
        pair              TEXT        NOT NULL,
        action            TEXT        NOT NULL,
        dex_price         NUMERIC     NOT NULL,
        amount_to_sell    NUMERIC     NOT NULL,
        amount_to_buy_min NUMERIC     NOT NULL,
        tx_hash           TEXT,
        outcome           TEXT        NOT NULL,
        error             TEXT,
        created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );`

	createIndexSQL = `CREATE INDEX IF NOT EXISTS keeper_executions_created_at_idx ON keeper_executions (created_at);`

	insertExecutionSQL = `INSERT INTO keeper_executions (
        block_number,
        pair,
        action,
        dex_price,
        amount_to_sell,
        amount_to_buy_min,
        tx_hash,
        outcome,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    RETURNING id, created_at;`

	selectExecutionColumns = `SELECT
        id,
        block_number,
        pair,
        action,
        dex_price::TEXT,
        amount_to_sell::TEXT,
        amount_to_buy_min::TEXT,
        tx_hash,
        outcome,
        error,
        created_at
    FROM keeper_executions`

	listRecentExecutionsSQL = selectExecutionColumns + `
    ORDER BY created_at DESC
    LIMIT $1;`

	listExecutionsBetweenSQL = selectExecutionColumns + `
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ExecutionStore journals keeper action attempts.
type ExecutionStore interface {
	InsertExecution(ctx context.Context, rec ExecutionRecord) (ExecutionRecord, error)
	ListRecentExecutions(ctx context.Context, limit int) ([]ExecutionRecord, error)
	ListExecutionsBetween(ctx context.Context, from, to time.Time) ([]ExecutionRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the PostgreSQL-backed execution journal.
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

// EnsureSchema creates the journal table when it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range []string{createSchemaSQL, createIndexSQL} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
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
		// a failed unlock is released with the session when the connection is recycled
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// InsertExecution persists an execution attempt and returns it with its id and timestamp.
func (s *Store) InsertExecution(ctx context.Context, rec ExecutionRecord) (ExecutionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return ExecutionRecord{}, err
	}

	var txHash interface{}
	if rec.TxHash != nil {
		txHash = *rec.TxHash
	}
	var errMsg interface{}
	if rec.Error != nil {
		errMsg = *rec.Error
	}

	row := pool.QueryRow(ctx, insertExecutionSQL,
		rec.BlockNumber,
		rec.Pair,
		rec.Action,
		rec.DexPrice.String(),
		rec.AmountToSell.String(),
		rec.AmountToBuyMin.String(),
		txHash,
		rec.Outcome,
		errMsg,
	)
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return ExecutionRecord{}, fmt.Errorf("insert execution: %w", scanErr)
	}
	return rec, nil
}

// ListRecentExecutions lists the most recent attempts, newest first.
func (s *Store) ListRecentExecutions(ctx context.Context, limit int) ([]ExecutionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentExecutionsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent executions: %w", queryErr)
	}
	defer rows.Close()

	return collectExecutions(rows, limit)
}

// ListExecutionsBetween lists attempts within a time window, oldest first.
func (s *Store) ListExecutionsBetween(ctx context.Context, from, to time.Time) ([]ExecutionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listExecutionsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list executions between: %w", queryErr)
	}
	defer rows.Close()

	return collectExecutions(rows, 0)
}

func collectExecutions(rows pgx.Rows, capacity int) ([]ExecutionRecord, error) {
	records := make([]ExecutionRecord, 0, capacity)
	for rows.Next() {
		rec, scanErr := scanExecution(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanExecution(rows pgx.Rows) (ExecutionRecord, error) {
	var (
		rec      ExecutionRecord
		priceStr string
		sellStr  string
		buyStr   string
		txHash   sql.NullString
		errMsg   sql.NullString
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.BlockNumber,
		&rec.Pair,
		&rec.Action,
		&priceStr,
		&sellStr,
		&buyStr,
		&txHash,
		&rec.Outcome,
		&errMsg,
		&rec.CreatedAt,
	); err != nil {
		return ExecutionRecord{}, err
	}

	var err error
	if rec.DexPrice, err = decimal.NewFromString(priceStr); err != nil {
		return ExecutionRecord{}, fmt.Errorf("parse dex price: %w", err)
	}
	if rec.AmountToSell, err = decimal.NewFromString(sellStr); err != nil {
		return ExecutionRecord{}, fmt.Errorf("parse amount to sell: %w", err)
	}
	if rec.AmountToBuyMin, err = decimal.NewFromString(buyStr); err != nil {
		return ExecutionRecord{}, fmt.Errorf("parse amount to buy: %w", err)
	}

	if txHash.Valid {
		hash := txHash.String
		rec.TxHash = &hash
	}
	if errMsg.Valid {
		msg := errMsg.String
		rec.Error = &msg
	}
	return rec, nil
}

var (
	_ ExecutionStore = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
