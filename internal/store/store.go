// Package store is the transactional persistence layer for trackers
// (per-chain watermarks) and deliveries (pending webhook payloads),
// over either SQLite or Postgres through database/sql.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pressly/goose/v3"
	"github.com/segmentio/ksuid"

	"blockwatch/internal/ethrpc"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// dialect picks the placeholder style and driver name for database_url.
type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Delivery is a persisted intent to POST one block's matching logs to
// one hook.
type Delivery struct {
	ID          string
	ChainID     int32
	HookID      string
	BlockNumber uint64
	Logs        []ethrpc.Log
	FailedAt    *time.Time
}

// DeliveryEntry is one hook's slice of logs for a single block, as
// produced by the listener before it calls RecordBlock.
type DeliveryEntry struct {
	HookID string
	Logs   []ethrpc.Log
}

// Store wraps a database/sql handle with the dialect-aware queries
// Blockwatch needs.
type Store struct {
	db      *sql.DB
	dialect dialect
}

// Open opens a connection pool for databaseURL, inferring the dialect
// from its scheme ("postgres://"/"postgresql://" vs everything else,
// which is treated as a SQLite DSN), per the polymorphism design note
// in its connection string.
func Open(databaseURL string) (*Store, error) {
	driver, dsn, d := resolveDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", driver, err)
	}

	return &Store{db: db, dialect: d}, nil
}

func resolveDriver(databaseURL string) (driver, dsn string, d dialect) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return "pgx", databaseURL, dialectPostgres
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return "sqlite", strings.TrimPrefix(databaseURL, "sqlite://"), dialectSQLite
	default:
		return "sqlite", databaseURL, dialectSQLite
	}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema migrations. It is idempotent:
// goose tracks applied versions in its own bookkeeping table.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationFS)
	dialectName := "sqlite3"
	if s.dialect == dialectPostgres {
		dialectName = "postgres"
	}
	if err := goose.SetDialect(dialectName); err != nil {
		return fmt.Errorf("store: setting goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("store: running migrations: %w", err)
	}
	return nil
}

// rebind rewrites "?" placeholders into "$1", "$2", ... for Postgres;
// SQLite queries are used verbatim. This keeps every query below
// written once, in the intersection of both dialects' SQL, per the
// §9 polymorphism note.
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// LastBlock reads the tracker row for chainID. The second return value
// is false when no tracker row has ever been written for this chain.
func (s *Store) LastBlock(ctx context.Context, chainID int32) (uint64, bool, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT last_block_number FROM trackers WHERE chain_id = ?`,
	), chainID)

	var last int64
	if err := row.Scan(&last); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("store: reading tracker for chain %d: %w", chainID, err)
	}
	return uint64(last), true, nil
}

// RecordBlock inserts one Delivery row per entry and advances the
// chain's watermark to blockNum, all in a single transaction (I3). The
// delivery insert is idempotent via ON CONFLICT(hook_id, block_number)
// DO NOTHING (I5), and the tracker upsert is idempotent by
// construction, so retrying RecordBlock with identical arguments is a
// no-op.
func (s *Store) RecordBlock(ctx context.Context, chainID int32, blockNum uint64, entries []DeliveryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin record_block tx: %w", err)
	}
	defer tx.Rollback()

	insertStmt := s.rebind(`
		INSERT INTO deliveries (id, chain_id, hook_id, block_number, logs)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (hook_id, block_number) DO NOTHING
	`)
	for _, entry := range entries {
		// types.Log's JSON decoder rejects a null "topics" field, so a
		// nil Topics slice is stored as an empty array; otherwise
		// PendingDeliveries could not read the row back.
		logs := make([]ethrpc.Log, len(entry.Logs))
		copy(logs, entry.Logs)
		for i := range logs {
			if logs[i].Topics == nil {
				logs[i].Topics = []common.Hash{}
			}
		}
		logsJSON, err := json.Marshal(logs)
		if err != nil {
			return fmt.Errorf("store: encoding logs for hook %s: %w", entry.HookID, err)
		}
		id := ksuid.New().String()
		if _, err := tx.ExecContext(ctx, insertStmt, id, chainID, entry.HookID, blockNum, string(logsJSON)); err != nil {
			return fmt.Errorf("store: inserting delivery for hook %s: %w", entry.HookID, err)
		}
	}

	upsertStmt := s.rebind(`
		INSERT INTO trackers (chain_id, last_block_number, last_block_processed_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (chain_id) DO UPDATE SET
			last_block_number = excluded.last_block_number,
			last_block_processed_at = CURRENT_TIMESTAMP
	`)
	if _, err := tx.ExecContext(ctx, upsertStmt, chainID, blockNum); err != nil {
		return fmt.Errorf("store: advancing tracker for chain %d: %w", chainID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing record_block tx: %w", err)
	}
	return nil
}

// PendingDeliveries returns up to limit not-yet-failed deliveries,
// ordered oldest block first so the worker delivers in approximate
// chronological order per chain.
func (s *Store) PendingDeliveries(ctx context.Context, limit int) ([]Delivery, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, chain_id, hook_id, block_number, logs
		FROM deliveries
		WHERE failed_at IS NULL
		ORDER BY block_number ASC
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, fmt.Errorf("store: querying pending deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var (
			d        Delivery
			blockNum int64
			logsJSON string
		)
		if err := rows.Scan(&d.ID, &d.ChainID, &d.HookID, &blockNum, &logsJSON); err != nil {
			return nil, fmt.Errorf("store: scanning pending delivery: %w", err)
		}
		d.BlockNumber = uint64(blockNum)
		if err := json.Unmarshal([]byte(logsJSON), &d.Logs); err != nil {
			return nil, fmt.Errorf("store: decoding logs for delivery %s: %w", d.ID, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeliveryTx scopes the worker's delete-then-POST-then-commit
// transaction. The caller performs the HTTP POST
// between BeginDeliveryTx and Commit/Rollback.
type DeliveryTx struct {
	tx *sql.Tx
}

// BeginDeliveryTx opens a transaction and deletes the delivery row
// within it. The row only disappears for good if the caller commits;
// a rollback restores it.
func (s *Store) BeginDeliveryTx(ctx context.Context, id string) (*DeliveryTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin delivery tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM deliveries WHERE id = ?`), id); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("store: deleting delivery %s: %w", id, err)
	}
	return &DeliveryTx{tx: tx}, nil
}

// Commit finalizes the delivery as sent.
func (dt *DeliveryTx) Commit() error {
	return dt.tx.Commit()
}

// Rollback restores the delivery row so it can be marked failed.
func (dt *DeliveryTx) Rollback() error {
	return dt.tx.Rollback()
}

// MarkDeliveryFailed stamps failed_at on a delivery that was restored
// by a rolled-back DeliveryTx, moving it out of the pending queue.
func (s *Store) MarkDeliveryFailed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE deliveries SET failed_at = CURRENT_TIMESTAMP WHERE id = ?`,
	), id)
	if err != nil {
		return fmt.Errorf("store: marking delivery %s failed: %w", id, err)
	}
	return nil
}
