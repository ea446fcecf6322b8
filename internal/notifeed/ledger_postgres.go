package notifeed

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresLedgerTableName  = "notifeed_ledger"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresLedgerBackend stores each ledger slot as a row in a small
// key/value table, so ledger state can be shared by clients that have
// no stable local filesystem.
type PostgresLedgerBackend struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresLedgerBackend(dsn string) (*PostgresLedgerBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresLedgerBackend{
		dsn:       dsn,
		tableName: postgresLedgerTableName,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresLedgerBackend) Load() (map[string]json.RawMessage, error) {
	if b == nil {
		return nil, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT slot_key, payload FROM %s", postgresQuoteIdentifier(b.tableName))
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	slots := map[string]json.RawMessage{}
	for rows.Next() {
		var key, payload string
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, err
		}
		slots[key] = json.RawMessage(payload)
	}
	return slots, rows.Err()
}

func (b *PostgresLedgerBackend) Save(slots map[string]json.RawMessage) error {
	if b == nil {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf(`
		INSERT INTO %s (slot_key, payload, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (slot_key)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()`, postgresQuoteIdentifier(b.tableName))
	for key, payload := range slots {
		if _, err := tx.ExecContext(ctx, query, key, string(payload)); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (b *PostgresLedgerBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresLedgerBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				slot_key TEXT PRIMARY KEY,
				payload TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
