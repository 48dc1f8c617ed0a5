package subscriptions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // cgo driver, registered as "sqlite3"
	_ "modernc.org/sqlite"          // pure Go driver, registered as "sqlite"

	"github.com/ParleSec/GraphWebhooks/pkg/models"
)

// SQLiteRegistry persists records in a SQLite database
type SQLiteRegistry struct {
	db *sql.DB
}

// NewSQLiteRegistry opens subscriptions.db under dataDir. driver is "sqlite"
// (modernc.org/sqlite, the default) or "sqlite3" (mattn/go-sqlite3).
func NewSQLiteRegistry(dataDir, driver string) (*SQLiteRegistry, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "subscriptions.db")

	var dsn string
	switch driver {
	case "", "sqlite":
		driver = "sqlite"
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	case "sqlite3":
		dsn = dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	default:
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	r := &SQLiteRegistry{db: db}
	if err := r.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return r, nil
}

func (r *SQLiteRegistry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		client_state TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		tenant_id TEXT NOT NULL DEFAULT '',
		resource TEXT NOT NULL DEFAULT '',
		expires_at INTEGER,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := r.db.Exec(schema)
	return err
}

// Close closes the database connection
func (r *SQLiteRegistry) Close() error {
	return r.db.Close()
}

// Get returns the record for id or ErrNotFound
func (r *SQLiteRegistry) Get(ctx context.Context, id string) (*models.SubscriptionRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, client_state, user_id, tenant_id, resource, expires_at
		FROM subscriptions WHERE id = ?`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return rec, nil
}

// Save inserts or replaces rec
func (r *SQLiteRegistry) Save(ctx context.Context, rec *models.SubscriptionRecord) error {
	if err := validate(rec); err != nil {
		return err
	}

	var expires sql.NullInt64
	if rec.ExpiresAt != nil {
		expires = sql.NullInt64{Int64: rec.ExpiresAt.Unix(), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, client_state, user_id, tenant_id, resource, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			client_state = excluded.client_state,
			user_id = excluded.user_id,
			tenant_id = excluded.tenant_id,
			resource = excluded.resource,
			expires_at = excluded.expires_at,
			updated_at = CURRENT_TIMESTAMP`,
		rec.ID, rec.ClientState, rec.UserID, rec.TenantID, rec.Resource, expires)
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

// Delete removes the record for id
func (r *SQLiteRegistry) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all records ordered by ID
func (r *SQLiteRegistry) List(ctx context.Context) ([]*models.SubscriptionRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, client_state, user_id, tenant_id, resource, expires_at
		FROM subscriptions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*models.SubscriptionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*models.SubscriptionRecord, error) {
	var rec models.SubscriptionRecord
	var expires sql.NullInt64
	if err := s.Scan(&rec.ID, &rec.ClientState, &rec.UserID, &rec.TenantID, &rec.Resource, &expires); err != nil {
		return nil, err
	}
	if expires.Valid {
		t := time.Unix(expires.Int64, 0).UTC()
		rec.ExpiresAt = &t
	}
	return &rec, nil
}
