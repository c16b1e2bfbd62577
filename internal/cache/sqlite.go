package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteCache implements Cache using a single SQLite table keyed by
// (namespace, id) with vector BLOBs.
type SQLiteCache struct {
	db *sql.DB
}

// NewSQLiteCache opens or creates a SQLite database at dbPath and initializes
// the schema. Parent directories are created if they do not exist.
func NewSQLiteCache(dbPath string) (*SQLiteCache, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteCache{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS embeddings (
		namespace TEXT NOT NULL,
		id TEXT NOT NULL,
		vector BLOB NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (namespace, id)
	);

	CREATE INDEX IF NOT EXISTS idx_embeddings_namespace ON embeddings(namespace);
	`
	_, err := db.Exec(schema)
	return err
}

// Get returns the vector for id in namespace, if present.
func (c *SQLiteCache) Get(ctx context.Context, namespace, id string) ([]float32, bool, error) {
	var blob []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT vector FROM embeddings WHERE namespace = ? AND id = ?`, namespace, id,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return VectorFromBytes(blob), true, nil
}

// GetMany returns the vectors present for the given ids. Missing ids are
// simply absent from the result.
func (c *SQLiteCache) GetMany(ctx context.Context, namespace string, ids []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query := fmt.Sprintf(
		`SELECT id, vector FROM embeddings WHERE namespace = ? AND id IN (%s)`,
		placeholders(len(ids)),
	)
	args := make([]any, 0, len(ids)+1)
	args = append(args, namespace)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		out[id] = VectorFromBytes(blob)
	}
	return out, rows.Err()
}

// Set stores the vector for id, replacing any existing entry.
func (c *SQLiteCache) Set(ctx context.Context, namespace, id string, vector []float32) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO embeddings (namespace, id, vector, updated_at) VALUES (?, ?, ?, ?)`,
		namespace, id, VectorToBytes(vector), time.Now(),
	)
	return err
}

// SetMany stores all vectors in one transaction.
func (c *SQLiteCache) SetMany(ctx context.Context, namespace string, vectors map[string][]float32) error {
	if len(vectors) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO embeddings (namespace, id, vector, updated_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	now := time.Now()
	for id, v := range vectors {
		if _, err := stmt.ExecContext(ctx, namespace, id, VectorToBytes(v), now); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Delete removes the entry for id, if present.
func (c *SQLiteCache) Delete(ctx context.Context, namespace, id string) error {
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM embeddings WHERE namespace = ? AND id = ?`, namespace, id)
	return err
}

// DeleteMany removes all listed ids in one statement.
func (c *SQLiteCache) DeleteMany(ctx context.Context, namespace string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(
		`DELETE FROM embeddings WHERE namespace = ? AND id IN (%s)`,
		placeholders(len(ids)),
	)
	args := make([]any, 0, len(ids)+1)
	args = append(args, namespace)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := c.db.ExecContext(ctx, query, args...)
	return err
}

// Keys returns all ids stored in namespace.
func (c *SQLiteCache) Keys(ctx context.Context, namespace string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id FROM embeddings WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the underlying database.
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
