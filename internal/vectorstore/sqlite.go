package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"trialtrends/internal/core"
	"trialtrends/internal/logger"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS condition_embeddings (
	position  INTEGER PRIMARY KEY,
	condition TEXT NOT NULL UNIQUE,
	vector    TEXT NOT NULL
);
`

// SQLiteRepository persists a Store as a single SQLite file. Rows keep the
// store order through their position column.
type SQLiteRepository struct {
	db *sqlx.DB
}

type embeddingRow struct {
	Position  int64  `db:"position"`
	Condition string `db:"condition"`
	Vector    string `db:"vector"`
}

// OpenSQLite opens (and creates if needed) the store file at path.
// ":memory:" opens a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteRepository, error) {
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store directory: %w", err)
			}
		}
		dsn = path + "?_pragma=busy_timeout(5000)"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

// Close closes the underlying database
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Load reads every record in position order into a Store.
func (r *SQLiteRepository) Load(ctx context.Context) (*Store, error) {
	var rows []embeddingRow
	if err := r.db.SelectContext(ctx, &rows,
		`SELECT position, condition, vector FROM condition_embeddings ORDER BY position`); err != nil {
		return nil, fmt.Errorf("load embeddings: %w", err)
	}

	records := make([]core.EmbeddingRecord, 0, len(rows))
	for _, row := range rows {
		vector, err := parseVector(row.Vector)
		if err != nil {
			return nil, fmt.Errorf("decode embedding for %q: %w", row.Condition, err)
		}
		records = append(records, core.EmbeddingRecord{Condition: row.Condition, Vector: vector})
	}

	store, err := New(records)
	if err != nil {
		return nil, err
	}

	stats := store.Stats()
	logger.Debug("Loaded embedding store", "records", stats.Records, "dimensions", stats.Dimensions, "dropped", stats.Dropped)
	return store, nil
}

// Save replaces the stored records with the store's contents in one
// transaction.
func (r *SQLiteRepository) Save(ctx context.Context, store *Store) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM condition_embeddings`); err != nil {
		return fmt.Errorf("clear embeddings: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx,
		`INSERT INTO condition_embeddings (position, condition, vector) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, rec := range store.Records() {
		if _, err := stmt.ExecContext(ctx, i, rec.Condition, formatVector(rec.Vector)); err != nil {
			return fmt.Errorf("insert embedding for %q: %w", rec.Condition, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit embeddings: %w", err)
	}
	return nil
}

// Count returns the number of stored records
func (r *SQLiteRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM condition_embeddings`); err != nil {
		return 0, fmt.Errorf("count embeddings: %w", err)
	}
	return n, nil
}

// LoadFile opens the store file at path, loads it and closes it.
func LoadFile(ctx context.Context, path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("embedding store %s: %w", path, err)
	}
	repo, err := OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	defer repo.Close()
	return repo.Load(ctx)
}

// formatVector converts []float64 to the stored text format
// Example: [0.1, 0.2, 0.3] -> "[0.1,0.2,0.3]"
func formatVector(embedding []float64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, val := range embedding {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
	}
	b.WriteByte(']')
	return b.String()
}

func parseVector(text string) ([]float64, error) {
	var vector []float64
	if err := json.Unmarshal([]byte(text), &vector); err != nil {
		return nil, err
	}
	return vector, nil
}
