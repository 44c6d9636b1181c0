package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// Store provides SQLite-based persistence for resolved pair addresses, so
// CREATE2 derivations and factory lookups survive restarts.
type Store struct {
	db *sql.DB
}

// PairRecord is one resolved (dex, token0, token1) -> pair mapping.
// Token addresses are stored lowercase with token0 < token1.
type PairRecord struct {
	Dex       string
	Token0    string
	Token1    string
	Pair      string
	UpdatedAt time.Time
}

// NewStore creates a new SQLite store and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

// migrate runs database schema migrations.
func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS pairs (
			dex TEXT NOT NULL,
			token0 TEXT NOT NULL,
			token1 TEXT NOT NULL,
			pair TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (dex, token0, token1)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pairs_pair ON pairs(pair)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	log.Info().Msg("Database migrations completed")
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertPair inserts or updates a resolved pair address.
func (s *Store) UpsertPair(ctx context.Context, rec PairRecord) error {
	query := `INSERT INTO pairs (dex, token0, token1, pair, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(dex, token0, token1) DO UPDATE SET
			pair = excluded.pair,
			updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query, rec.Dex, rec.Token0, rec.Token1, rec.Pair, time.Now())
	return err
}

// GetPair retrieves a resolved pair address, or nil when unknown.
func (s *Store) GetPair(ctx context.Context, dex, token0, token1 string) (*PairRecord, error) {
	query := `SELECT dex, token0, token1, pair, updated_at FROM pairs
		WHERE dex = ? AND token0 = ? AND token1 = ?`

	var rec PairRecord
	err := s.db.QueryRowContext(ctx, query, dex, token0, token1).Scan(
		&rec.Dex, &rec.Token0, &rec.Token1, &rec.Pair, &rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetAllPairs retrieves every stored pair mapping.
func (s *Store) GetAllPairs(ctx context.Context) ([]PairRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT dex, token0, token1, pair, updated_at FROM pairs`)
	if err != nil {
		return nil, fmt.Errorf("querying pairs: %w", err)
	}
	defer rows.Close()

	var pairs []PairRecord
	for rows.Next() {
		var rec PairRecord
		if err := rows.Scan(&rec.Dex, &rec.Token0, &rec.Token1, &rec.Pair, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		pairs = append(pairs, rec)
	}

	return pairs, rows.Err()
}

// PairCount returns the total number of stored pair mappings.
func (s *Store) PairCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pairs").Scan(&count)
	return count, err
}
