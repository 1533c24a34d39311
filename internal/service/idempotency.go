package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/litree/labsos/internal/domain"
	"github.com/litree/labsos/internal/domain/idempotency"
	"github.com/litree/labsos/internal/port/cache"
	"github.com/litree/labsos/internal/port/database"
)

// IdempotencyService guards side-effecting operations so a caller-supplied
// key executes its operation at most once. The insert-first protocol makes
// the database the arbiter under concurrency; completed responses are also
// kept in a cache so replays usually skip the store.
type IdempotencyService struct {
	store       database.Store
	respCache   cache.Cache
	responseTTL time.Duration
}

// NewIdempotencyService builds the guard. respCache may be nil; replays
// then always read the stored record.
func NewIdempotencyService(store database.Store, respCache cache.Cache, responseTTL time.Duration) *IdempotencyService {
	if responseTTL <= 0 {
		responseTTL = time.Hour
	}
	return &IdempotencyService{store: store, respCache: respCache, responseTTL: responseTTL}
}

// Begin claims key for one operation. Outcomes:
//   - proceed=true, existing=nil: the caller owns the key and must call
//     Complete or Fail.
//   - proceed=false, existing!=nil: a COMPLETED record exists; serve
//     existing.Response verbatim.
//   - error wrapping domain.ErrIdempotencyMismatch: the key was reused
//     with a different request body.
//   - error wrapping domain.ErrConflict: the first attempt is still in
//     flight.
//
// A FAILED record lets the caller retry: the record is reclaimed and
// Begin reports proceed=true.
func (s *IdempotencyService) Begin(ctx context.Context, key, scope, userID string, requestHash string) (proceed bool, existing *idempotency.Record, err error) {
	if key == "" {
		return false, nil, fmt.Errorf("%w: idempotency key is required", domain.ErrValidation)
	}

	rec := &idempotency.Record{
		Key:         key,
		Scope:       scope,
		UserID:      userID,
		RequestHash: requestHash,
		Status:      idempotency.StatusStarted,
	}
	insertErr := s.store.InsertIdempotencyKey(ctx, rec)
	if insertErr == nil {
		return true, nil, nil
	}
	if !errors.Is(insertErr, domain.ErrConflict) {
		return false, nil, fmt.Errorf("idempotency begin: %w", insertErr)
	}

	prev, err := s.store.GetIdempotencyKey(ctx, key)
	if err != nil {
		return false, nil, fmt.Errorf("idempotency begin: %w", err)
	}
	if prev.RequestHash != requestHash {
		return false, nil, fmt.Errorf("key %q reused with different request: %w",
			key, domain.ErrIdempotencyMismatch)
	}

	switch prev.Status {
	case idempotency.StatusCompleted:
		if prev.Response == nil {
			if cached, ok := s.cachedResponse(ctx, key); ok {
				prev.Response = cached
			}
		}
		return false, prev, nil
	case idempotency.StatusFailed:
		// First attempt failed terminally; let this caller retry under
		// the same key.
		if err := s.store.UpdateIdempotencyKey(ctx, key, idempotency.StatusStarted, nil); err != nil {
			return false, nil, fmt.Errorf("idempotency retry: %w", err)
		}
		return true, nil, nil
	default:
		return false, nil, fmt.Errorf("operation for key %q still in flight: %w", key, domain.ErrConflict)
	}
}

// Complete records the operation's response so replays serve it verbatim.
func (s *IdempotencyService) Complete(ctx context.Context, key string, response json.RawMessage) error {
	if err := s.store.UpdateIdempotencyKey(ctx, key, idempotency.StatusCompleted, response); err != nil {
		return fmt.Errorf("idempotency complete: %w", err)
	}
	if s.respCache != nil && response != nil {
		if err := s.respCache.Set(ctx, respCacheKey(key), response, s.responseTTL); err != nil {
			slog.Warn("idempotency response cache set failed", "key", key, "error", err)
		}
	}
	return nil
}

// Fail marks the operation terminally failed; a later Begin with the
// same key and body may retry it.
func (s *IdempotencyService) Fail(ctx context.Context, key string) error {
	if err := s.store.UpdateIdempotencyKey(ctx, key, idempotency.StatusFailed, nil); err != nil {
		return fmt.Errorf("idempotency fail: %w", err)
	}
	return nil
}

func (s *IdempotencyService) cachedResponse(ctx context.Context, key string) (json.RawMessage, bool) {
	if s.respCache == nil {
		return nil, false
	}
	val, ok, err := s.respCache.Get(ctx, respCacheKey(key))
	if err != nil || !ok {
		return nil, false
	}
	return val, true
}

func respCacheKey(key string) string {
	return "idem:" + key
}

// HashRequest produces the canonical hash binding an idempotency key to
// one request body from one user. Binding the user means two principals
// sharing a key string collide on the hash check instead of one replaying
// the other's stored response.
func HashRequest(userID string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
