package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/litree/labsos/internal/domain"
	"github.com/litree/labsos/internal/domain/idempotency"
)

func TestIdempotencyBeginFirstClaim(t *testing.T) {
	svc := NewIdempotencyService(newMockStore(), nil, time.Hour)
	proceed, existing, err := svc.Begin(context.Background(), "k1", "test", "u1", HashRequest("u1", []byte(`{}`)))
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if !proceed || existing != nil {
		t.Fatalf("proceed=%v existing=%v, want true/nil", proceed, existing)
	}
}

func TestIdempotencyRequiresKey(t *testing.T) {
	svc := NewIdempotencyService(newMockStore(), nil, time.Hour)
	_, _, err := svc.Begin(context.Background(), "", "test", "u1", "h")
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestIdempotencyReplayServesStoredResponse(t *testing.T) {
	store := newMockStore()
	svc := NewIdempotencyService(store, nil, time.Hour)
	ctx := context.Background()
	hash := HashRequest("u1", []byte(`{"listing":"l1"}`))

	proceed, _, err := svc.Begin(ctx, "k1", "test", "u1", hash)
	if err != nil || !proceed {
		t.Fatalf("first Begin: proceed=%v err=%v", proceed, err)
	}
	resp := json.RawMessage(`{"trade_id":"t1"}`)
	if err := svc.Complete(ctx, "k1", resp); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	proceed, existing, err := svc.Begin(ctx, "k1", "test", "u1", hash)
	if err != nil {
		t.Fatalf("replay Begin: %v", err)
	}
	if proceed {
		t.Fatal("replay was allowed to proceed")
	}
	if existing == nil || string(existing.Response) != string(resp) {
		t.Fatalf("replay response = %s, want %s", existing.Response, resp)
	}
}

func TestIdempotencyKeyReuseDifferentBody(t *testing.T) {
	svc := NewIdempotencyService(newMockStore(), nil, time.Hour)
	ctx := context.Background()

	if _, _, err := svc.Begin(ctx, "k1", "test", "u1", HashRequest("u1", []byte(`{"a":1}`))); err != nil {
		t.Fatalf("first Begin: %v", err)
	}
	_, _, err := svc.Begin(ctx, "k1", "test", "u1", HashRequest("u1", []byte(`{"a":2}`)))
	if !errors.Is(err, domain.ErrIdempotencyMismatch) {
		t.Fatalf("err = %v, want ErrIdempotencyMismatch", err)
	}
}

func TestIdempotencyInFlightConflict(t *testing.T) {
	svc := NewIdempotencyService(newMockStore(), nil, time.Hour)
	ctx := context.Background()
	hash := HashRequest("u1", []byte(`{}`))

	if _, _, err := svc.Begin(ctx, "k1", "test", "u1", hash); err != nil {
		t.Fatalf("first Begin: %v", err)
	}
	// No Complete/Fail yet: a concurrent duplicate must be refused, not
	// served and not allowed to run the operation a second time.
	_, _, err := svc.Begin(ctx, "k1", "test", "u1", hash)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestIdempotencyFailedRecordAllowsRetry(t *testing.T) {
	store := newMockStore()
	svc := NewIdempotencyService(store, nil, time.Hour)
	ctx := context.Background()
	hash := HashRequest("u1", []byte(`{}`))

	if _, _, err := svc.Begin(ctx, "k1", "test", "u1", hash); err != nil {
		t.Fatalf("first Begin: %v", err)
	}
	if err := svc.Fail(ctx, "k1"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	proceed, _, err := svc.Begin(ctx, "k1", "test", "u1", hash)
	if err != nil {
		t.Fatalf("retry Begin: %v", err)
	}
	if !proceed {
		t.Fatal("retry after failure was not allowed")
	}
	if store.idem["k1"].Status != idempotency.StatusStarted {
		t.Errorf("status = %s, want STARTED", store.idem["k1"].Status)
	}
}

func TestIdempotencyCompletedResponseFromCache(t *testing.T) {
	store := newMockStore()
	c := newMemCache()
	svc := NewIdempotencyService(store, c, time.Hour)
	ctx := context.Background()
	hash := HashRequest("u1", []byte(`{}`))

	if _, _, err := svc.Begin(ctx, "k1", "test", "u1", hash); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	resp := json.RawMessage(`{"ok":true}`)
	if err := svc.Complete(ctx, "k1", resp); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// Simulate a stored record whose response column was not loaded.
	store.idem["k1"].Response = nil

	_, existing, err := svc.Begin(ctx, "k1", "test", "u1", hash)
	if err != nil {
		t.Fatalf("replay Begin: %v", err)
	}
	if existing == nil || string(existing.Response) != string(resp) {
		t.Fatalf("cached response not served: %s", existing.Response)
	}
}
