package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/marketbeam/tickstore/internal/candle"
	"github.com/marketbeam/tickstore/internal/interval"
)

const candlesSchema = `
CREATE TABLE IF NOT EXISTS candles (
	instrument   TEXT             NOT NULL,
	granularity  TEXT             NOT NULL,
	bucket_start TIMESTAMPTZ      NOT NULL,
	open         DOUBLE PRECISION NOT NULL,
	high         DOUBLE PRECISION NOT NULL,
	low          DOUBLE PRECISION NOT NULL,
	close        DOUBLE PRECISION NOT NULL,
	volume       BIGINT           NOT NULL,
	source       TEXT             NOT NULL,
	PRIMARY KEY (instrument, granularity, bucket_start)
);
CREATE INDEX IF NOT EXISTS idx_candles_series_time
	ON candles (instrument, granularity, bucket_start DESC);
`

// Postgres is the Durable backend for deployments that want SQL access to the
// candle history. The primary key enforces one candle per bucket; conflicting
// appends are detected, never overwritten.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(connStr string) (*Postgres, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := db.Exec(candlesSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an existing connection (tests provision their own
// database and schema).
func NewPostgresFromDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}
	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}
	return nil
}

func (p *Postgres) Append(ctx context.Context, c candle.Candle) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO candles (instrument, granularity, bucket_start, open, high, low, close, volume, source)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (instrument, granularity, bucket_start) DO NOTHING`,
			c.Instrument, string(c.Granularity), c.BucketStart.UTC(),
			c.Open, c.High, c.Low, c.Close, c.Volume, c.Source)
		if err != nil {
			return fmt.Errorf("failed to insert candle for %s %s at %s: %w",
				c.Instrument, c.Granularity, c.BucketStart, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read insert result: %w", err)
		}
		if n > 0 {
			return nil
		}
		// Bucket occupied; idempotent if identical, conflict otherwise.
		existing, err := scanCandle(tx.QueryRowContext(ctx, `
			SELECT instrument, granularity, bucket_start, open, high, low, close, volume, source
			FROM candles
			WHERE instrument=$1 AND granularity=$2 AND bucket_start=$3`,
			c.Instrument, string(c.Granularity), c.BucketStart.UTC()))
		if err != nil {
			return fmt.Errorf("failed to load existing candle: %w", err)
		}
		if existing.Equal(c) {
			return nil
		}
		return &candle.DuplicateBucketError{Existing: existing, Incoming: c}
	})
}

func (p *Postgres) Replace(ctx context.Context, c candle.Candle) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO candles (instrument, granularity, bucket_start, open, high, low, close, volume, source)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (instrument, granularity, bucket_start) DO UPDATE SET
				open=EXCLUDED.open, high=EXCLUDED.high, low=EXCLUDED.low,
				close=EXCLUDED.close, volume=EXCLUDED.volume, source=EXCLUDED.source`,
			c.Instrument, string(c.Granularity), c.BucketStart.UTC(),
			c.Open, c.High, c.Low, c.Close, c.Volume, c.Source)
		if err != nil {
			return fmt.Errorf("failed to replace candle for %s %s at %s: %w",
				c.Instrument, c.Granularity, c.BucketStart, err)
		}
		return nil
	})
}

func (p *Postgres) LoadRange(ctx context.Context, key Key, from, to time.Time) ([]candle.Candle, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT instrument, granularity, bucket_start, open, high, low, close, volume, source
		FROM candles
		WHERE instrument=$1 AND granularity=$2 AND bucket_start >= $3 AND bucket_start < $4
		ORDER BY bucket_start ASC`,
		key.Instrument, string(key.Granularity), from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query candles in range: %w", err)
	}
	defer rows.Close()
	return collectCandles(rows)
}

func (p *Postgres) LoadLatest(ctx context.Context, key Key, n int) ([]candle.Candle, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT instrument, granularity, bucket_start, open, high, low, close, volume, source
		FROM (
			SELECT * FROM candles
			WHERE instrument=$1 AND granularity=$2
			ORDER BY bucket_start DESC
			LIMIT $3
		) latest
		ORDER BY bucket_start ASC`,
		key.Instrument, string(key.Granularity), n)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest candles: %w", err)
	}
	defer rows.Close()
	return collectCandles(rows)
}

func (p *Postgres) Keys(ctx context.Context) ([]Key, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT instrument, granularity FROM candles
		ORDER BY instrument, granularity`)
	if err != nil {
		return nil, fmt.Errorf("failed to query series keys: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var instrument, g string
		if err := rows.Scan(&instrument, &g); err != nil {
			return nil, fmt.Errorf("failed to scan series key: %w", err)
		}
		keys = append(keys, Key{Instrument: instrument, Granularity: interval.Granularity(g)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating series keys: %w", err)
	}
	return keys, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCandle(row rowScanner) (candle.Candle, error) {
	var c candle.Candle
	var g string
	if err := row.Scan(&c.Instrument, &g, &c.BucketStart,
		&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.Source); err != nil {
		return candle.Candle{}, err
	}
	c.Granularity = interval.Granularity(g)
	c.BucketStart = c.BucketStart.UTC()
	return c, nil
}

func collectCandles(rows *sql.Rows) ([]candle.Candle, error) {
	var candles []candle.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candle rows: %w", err)
	}
	return candles, nil
}
