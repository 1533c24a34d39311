package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/litree/labsos/internal/domain"
	"github.com/litree/labsos/internal/domain/idempotency"
)

// InsertIdempotencyKey claims a key with a plain INSERT. The primary-key
// constraint is the arbiter under concurrency: the loser of a race gets
// domain.ErrConflict and must fetch the winner's record.
func (s *Store) InsertIdempotencyKey(ctx context.Context, rec *idempotency.Record) error {
	if rec.Status == "" {
		rec.Status = idempotency.StatusStarted
	}
	const q = `
		INSERT INTO idempotency_keys (key, scope, user_id, request_hash, status, response)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`
	err := s.pool.QueryRow(ctx, q, rec.Key, rec.Scope, rec.UserID,
		rec.RequestHash, rec.Status, rec.Response).
		Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("idempotency key %q: %w", rec.Key, domain.ErrConflict)
		}
		return fmt.Errorf("insert idempotency key: %w", err)
	}
	return nil
}

func (s *Store) GetIdempotencyKey(ctx context.Context, key string) (*idempotency.Record, error) {
	const q = `
		SELECT key, scope, user_id, request_hash, status, response, created_at, updated_at
		FROM idempotency_keys
		WHERE key = $1`
	var rec idempotency.Record
	err := s.pool.QueryRow(ctx, q, key).Scan(&rec.Key, &rec.Scope,
		&rec.UserID, &rec.RequestHash, &rec.Status, &rec.Response,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get idempotency key")
	}
	return &rec, nil
}

func (s *Store) UpdateIdempotencyKey(ctx context.Context, key string, status idempotency.Status, response json.RawMessage) error {
	const q = `
		UPDATE idempotency_keys SET status = $2, response = $3, updated_at = now()
		WHERE key = $1`
	tag, err := s.pool.Exec(ctx, q, key, status, response)
	return execExpectOne(tag, err, "update idempotency key")
}
