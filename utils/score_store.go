package utils

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PostgresScoreStore keeps parsed score tables in Postgres, one row per
// (item, feature) plus a pgvector embedding of every fully rated item.
type PostgresScoreStore struct {
	pool       *pgxpool.Pool
	vocabulary []string
}

func NewPostgresScoreStore(ctx context.Context, databaseURL string, vocabulary []string) (*PostgresScoreStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresScoreStore{pool: pool, vocabulary: vocabulary}, nil
}

func (s *PostgresScoreStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema creates the score tables if they don't exist.
func (s *PostgresScoreStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS rating_runs (
            id UUID PRIMARY KEY,
            source VARCHAR(1024) NOT NULL,
            created_at TIMESTAMPTZ NOT NULL
        );

        CREATE TABLE IF NOT EXISTS feature_scores (
            id BIGSERIAL PRIMARY KEY,
            run_id UUID REFERENCES rating_runs(id) ON DELETE CASCADE,
            row_index INTEGER NOT NULL,
            item_key VARCHAR(1024) NOT NULL,
            feature VARCHAR(255) NOT NULL,
            score DOUBLE PRECISION,
            UNIQUE(run_id, row_index, feature)
        );

        CREATE TABLE IF NOT EXISTS score_vectors (
            id BIGSERIAL PRIMARY KEY,
            run_id UUID REFERENCES rating_runs(id) ON DELETE CASCADE,
            row_index INTEGER NOT NULL,
            item_key VARCHAR(1024) NOT NULL,
            embedding vector(%d) NOT NULL,
            UNIQUE(run_id, row_index)
        );
    `, len(s.vocabulary)))
	if err != nil {
		return fmt.Errorf("failed to create score schema: %w", err)
	}
	return nil
}

// SaveTable stores every cell of t under a new run id. Missing and
// unreadable scores are stored as NULL.
func (s *PostgresScoreStore) SaveTable(ctx context.Context, source string, t *ScoreTable) (uuid.UUID, error) {
	runID := uuid.New()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		"INSERT INTO rating_runs (id, source, created_at) VALUES ($1, $2, $3)",
		runID, source, time.Now()); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create run entry: %w", err)
	}

	batch := &pgx.Batch{}
	for i := range t.Rows {
		key := t.Key(i)
		for _, col := range t.Columns {
			var score *float64
			if v, ok := t.Cell(i, col); ok {
				score = &v
			}
			batch.Queue(
				"INSERT INTO feature_scores (run_id, row_index, item_key, feature, score) VALUES ($1, $2, $3, $4, $5)",
				runID, i, key, col, score)
		}
		if vec, ok := ScoreVector(t.Rows[i], s.vocabulary); ok {
			batch.Queue(
				"INSERT INTO score_vectors (run_id, row_index, item_key, embedding) VALUES ($1, $2, $3, $4)",
				runID, i, key, pgvector.NewVector(vec))
		}
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return uuid.Nil, fmt.Errorf("failed to store scores: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("failed to commit scores: %w", err)
	}
	return runID, nil
}

// SimilarItems returns the item keys of run whose score vectors are closest
// to the vector of item.
func (s *PostgresScoreStore) SimilarItems(ctx context.Context, runID uuid.UUID, item string, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT b.item_key
        FROM score_vectors a
        JOIN score_vectors b ON a.run_id = b.run_id AND a.id <> b.id
        WHERE a.run_id = $1 AND a.item_key = $2
        ORDER BY a.embedding <-> b.embedding
        LIMIT $3`,
		runID, item, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search similar items: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan similar items: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// ScoreVector lays the row out in vocabulary order. It reports false unless
// every feature has a readable score.
func ScoreVector(row ScoreRow, vocabulary []string) ([]float32, bool) {
	if row.Unavailable || len(vocabulary) == 0 {
		return nil, false
	}
	vec := make([]float32, len(vocabulary))
	for i, f := range vocabulary {
		v, ok := row.Value(f)
		if !ok || math.IsNaN(v) {
			return nil, false
		}
		vec[i] = float32(v)
	}
	return vec, true
}
