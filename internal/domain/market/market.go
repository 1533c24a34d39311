// Package market defines the marketplace entities: assets, fractional
// shares, listings, trades, and settlement ledger entries.
package market

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/litree/labsos/internal/domain"
)

// TradeStatus is the trade state machine. Settlement is a no-op on an
// already-SETTLED trade; that guard, not broker delivery semantics, is what
// makes settlement safe under redelivery.
type TradeStatus string

const (
	TradeRequested TradeStatus = "REQUESTED"
	TradeEscrowed  TradeStatus = "ESCROWED"
	TradeSettled   TradeStatus = "SETTLED"
	TradeFailed    TradeStatus = "FAILED"
)

// ListingStatus is the listing state machine.
type ListingStatus string

const (
	ListingActive    ListingStatus = "ACTIVE"
	ListingSold      ListingStatus = "SOLD"
	ListingCancelled ListingStatus = "CANCELLED"
)

// Asset is a tradable item whose ownership is split into shares.
// Share rows for an asset always sum to TotalShares.
type Asset struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Tradable    bool            `json:"tradable"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	TotalShares int             `json:"total_shares"`
	Shares      []Share         `json:"shares,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Share records one owner's fraction of an asset.
type Share struct {
	ID      string `json:"id"`
	AssetID string `json:"asset_id"`
	OwnerID string `json:"owner_id"`
	Shares  int    `json:"shares"`
}

// Listing offers a seller's shares of an asset at a price.
type Listing struct {
	ID         string        `json:"id"`
	AssetID    string        `json:"asset_id"`
	SellerID   string        `json:"seller_id"`
	PriceCents int64         `json:"price_cents"`
	Shares     int           `json:"shares"`
	Status     ListingStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Trade references a listing and a buyer and moves through
// REQUESTED -> ESCROWED -> SETTLED | FAILED.
type Trade struct {
	ID             string      `json:"id"`
	ListingID      string      `json:"listing_id"`
	AssetID        string      `json:"asset_id"`
	BuyerID        string      `json:"buyer_id"`
	SellerID       string      `json:"seller_id"`
	Shares         int         `json:"shares"`
	PriceCents     int64       `json:"price_cents"`
	Status         TradeStatus `json:"status"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	SettledAt      time.Time   `json:"settled_at,omitzero"`
}

// LedgerKind distinguishes settlement ledger entries.
type LedgerKind string

const (
	LedgerDebit  LedgerKind = "DEBIT"
	LedgerCredit LedgerKind = "CREDIT"
)

// LedgerEntry is one side of a settled trade's money movement.
type LedgerEntry struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Kind        LedgerKind `json:"kind"`
	AmountCents int64      `json:"amount_cents"`
	RefType     string     `json:"ref_type"`
	RefID       string     `json:"ref_id"`
	CreatedAt   time.Time  `json:"created_at"`
}

// CreateAssetRequest is the payload for POST /marketplace/asset.
type CreateAssetRequest struct {
	Type        string          `json:"type"`
	OwnerID     string          `json:"owner_id"`
	Tradable    *bool           `json:"tradable,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	TotalShares int             `json:"total_shares,omitempty"`
}

// Validate checks required fields and normalizes defaults.
func (r *CreateAssetRequest) Validate() error {
	if r.Type == "" {
		return fmt.Errorf("%w: type is required", domain.ErrValidation)
	}
	if r.OwnerID == "" {
		return fmt.Errorf("%w: owner_id is required", domain.ErrValidation)
	}
	if r.TotalShares == 0 {
		r.TotalShares = 1
	}
	if r.TotalShares < 1 {
		return fmt.Errorf("%w: total_shares must be >= 1", domain.ErrValidation)
	}
	return nil
}

// CreateListingRequest is the payload for POST /marketplace/list.
type CreateListingRequest struct {
	AssetID    string `json:"asset_id"`
	SellerID   string `json:"seller_id"`
	PriceCents int64  `json:"price_cents"`
	Shares     int    `json:"shares,omitempty"`
}

// Validate checks required fields and normalizes defaults.
func (r *CreateListingRequest) Validate() error {
	if r.AssetID == "" || r.SellerID == "" {
		return fmt.Errorf("%w: asset_id and seller_id are required", domain.ErrValidation)
	}
	if r.PriceCents < 1 {
		return fmt.Errorf("%w: price_cents must be >= 1", domain.ErrValidation)
	}
	if r.Shares == 0 {
		r.Shares = 1
	}
	if r.Shares < 1 {
		return fmt.Errorf("%w: shares must be >= 1", domain.ErrValidation)
	}
	return nil
}

// TradeRequest is the payload for POST /marketplace/trade/request.
type TradeRequest struct {
	ListingID string `json:"listing_id"`
	BuyerID   string `json:"buyer_id"`
}

// Validate checks required fields.
func (r *TradeRequest) Validate() error {
	if r.ListingID == "" || r.BuyerID == "" {
		return fmt.Errorf("%w: listing_id and buyer_id are required", domain.ErrValidation)
	}
	return nil
}
