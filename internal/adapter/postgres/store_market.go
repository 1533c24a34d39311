package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/litree/labsos/internal/domain"
	"github.com/litree/labsos/internal/domain/market"
)

func (s *Store) CreateAssetWithShares(ctx context.Context, a *market.Asset, ownerID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("create asset: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO assets (id, type, tradable, metadata, total_shares)
		 VALUES ($1, $2, $3, $4, $5) RETURNING created_at`,
		a.ID, a.Type, a.Tradable, a.Metadata, a.TotalShares).Scan(&a.CreatedAt)
	if err != nil {
		return fmt.Errorf("create asset: %w", err)
	}

	share := market.Share{
		ID:      uuid.NewString(),
		AssetID: a.ID,
		OwnerID: ownerID,
		Shares:  a.TotalShares,
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO asset_shares (id, asset_id, owner_id, shares)
		 VALUES ($1, $2, $3, $4)`,
		share.ID, share.AssetID, share.OwnerID, share.Shares)
	if err != nil {
		return fmt.Errorf("create asset: shares: %w", err)
	}
	a.Shares = []market.Share{share}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("create asset: commit: %w", err)
	}
	return nil
}

func (s *Store) GetAsset(ctx context.Context, id string) (*market.Asset, error) {
	var a market.Asset
	err := s.pool.QueryRow(ctx,
		`SELECT id, type, tradable, metadata, total_shares, created_at
		 FROM assets WHERE id = $1`, id).
		Scan(&a.ID, &a.Type, &a.Tradable, &a.Metadata, &a.TotalShares, &a.CreatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get asset")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, asset_id, owner_id, shares FROM asset_shares
		 WHERE asset_id = $1 ORDER BY owner_id`, id)
	if err != nil {
		return nil, fmt.Errorf("get asset: shares: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sh market.Share
		if err := rows.Scan(&sh.ID, &sh.AssetID, &sh.OwnerID, &sh.Shares); err != nil {
			return nil, fmt.Errorf("get asset: shares: %w", err)
		}
		a.Shares = append(a.Shares, sh)
	}
	return &a, rows.Err()
}

func (s *Store) CreateListing(ctx context.Context, l *market.Listing) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Status == "" {
		l.Status = market.ListingActive
	}
	const q = `
		INSERT INTO listings (id, asset_id, seller_id, price_cents, shares, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`
	err := s.pool.QueryRow(ctx, q, l.ID, l.AssetID, l.SellerID,
		l.PriceCents, l.Shares, l.Status).Scan(&l.CreatedAt)
	if err != nil {
		return fmt.Errorf("create listing: %w", err)
	}
	return nil
}

const listingColumns = `id, asset_id, seller_id, price_cents, shares, status, created_at`

func scanListing(row scannable) (*market.Listing, error) {
	var l market.Listing
	err := row.Scan(&l.ID, &l.AssetID, &l.SellerID, &l.PriceCents,
		&l.Shares, &l.Status, &l.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Store) GetListing(ctx context.Context, id string) (*market.Listing, error) {
	q := `SELECT ` + listingColumns + ` FROM listings WHERE id = $1`
	l, err := scanListing(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFoundWrap(err, "get listing")
	}
	return l, nil
}

func (s *Store) ListActiveListings(ctx context.Context, limit int) ([]market.Listing, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + listingColumns + ` FROM listings
		WHERE status = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, q, market.ListingActive, limit)
	if err != nil {
		return nil, fmt.Errorf("list active listings: %w", err)
	}
	defer rows.Close()

	var out []market.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("list active listings: %w", err)
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

const tradeColumns = `id, listing_id, asset_id, buyer_id, seller_id, shares,
	price_cents, status, idempotency_key, created_at, settled_at`

func scanTrade(row scannable) (*market.Trade, error) {
	var (
		t         market.Trade
		idemKey   *string
		settledAt *time.Time
	)
	err := row.Scan(&t.ID, &t.ListingID, &t.AssetID, &t.BuyerID, &t.SellerID,
		&t.Shares, &t.PriceCents, &t.Status, &idemKey, &t.CreatedAt, &settledAt)
	if err != nil {
		return nil, err
	}
	if idemKey != nil {
		t.IdempotencyKey = *idemKey
	}
	if settledAt != nil {
		t.SettledAt = *settledAt
	}
	return &t, nil
}

func (s *Store) GetTrade(ctx context.Context, id string) (*market.Trade, error) {
	q := `SELECT ` + tradeColumns + ` FROM trades WHERE id = $1`
	t, err := scanTrade(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFoundWrap(err, "get trade")
	}
	return t, nil
}

// EscrowTrade validates the listing under a row lock, creates the trade
// ESCROWED, and marks the listing SOLD. The FOR UPDATE on the listing is
// what prevents double-selling under concurrent buyers: the loser sees
// status SOLD and fails validation.
func (s *Store) EscrowTrade(ctx context.Context, listingID, buyerID, idempotencyKey string) (*market.Trade, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("escrow trade: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	l, err := scanListing(tx.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1 FOR UPDATE`, listingID))
	if err != nil {
		return nil, notFoundWrap(err, "escrow trade: listing")
	}
	if l.Status != market.ListingActive {
		return nil, fmt.Errorf("%w: listing is %s", domain.ErrValidation, l.Status)
	}
	if l.SellerID == buyerID {
		return nil, fmt.Errorf("%w: buyer owns the listing", domain.ErrValidation)
	}

	var (
		tradable     bool
		sellerShares int
	)
	err = tx.QueryRow(ctx,
		`SELECT a.tradable, COALESCE(sh.shares, 0)
		 FROM assets a
		 LEFT JOIN asset_shares sh ON sh.asset_id = a.id AND sh.owner_id = $2
		 WHERE a.id = $1`, l.AssetID, l.SellerID).Scan(&tradable, &sellerShares)
	if err != nil {
		return nil, notFoundWrap(err, "escrow trade: asset")
	}
	if !tradable {
		return nil, fmt.Errorf("%w: asset is not tradable", domain.ErrValidation)
	}
	if sellerShares < l.Shares {
		return nil, fmt.Errorf("%w: seller holds %d of %d listed shares",
			domain.ErrValidation, sellerShares, l.Shares)
	}

	t := &market.Trade{
		ID:             uuid.NewString(),
		ListingID:      l.ID,
		AssetID:        l.AssetID,
		BuyerID:        buyerID,
		SellerID:       l.SellerID,
		Shares:         l.Shares,
		PriceCents:     l.PriceCents,
		Status:         market.TradeEscrowed,
		IdempotencyKey: idempotencyKey,
	}
	var idemKey *string
	if idempotencyKey != "" {
		idemKey = &idempotencyKey
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO trades (id, listing_id, asset_id, buyer_id, seller_id, shares, price_cents, status, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING created_at`,
		t.ID, t.ListingID, t.AssetID, t.BuyerID, t.SellerID, t.Shares,
		t.PriceCents, t.Status, idemKey).Scan(&t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("escrow trade: insert: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE listings SET status = $2 WHERE id = $1`, l.ID, market.ListingSold)
	if err := execExpectOne(tag, err, "escrow trade: mark sold"); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("escrow trade: commit: %w", err)
	}
	return t, nil
}

// SettleTrade moves shares from seller to buyer, writes the debit/credit
// ledger pair, and stamps the trade SETTLED. Called from a redeliverable
// bus handler, so the ESCROWED guard under FOR UPDATE is the exactly-once
// boundary: a redelivered settlement finds SETTLED and returns (false, t, nil).
func (s *Store) SettleTrade(ctx context.Context, tradeID string) (bool, *market.Trade, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("settle trade: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	t, err := scanTrade(tx.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = $1 FOR UPDATE`, tradeID))
	if err != nil {
		return false, nil, notFoundWrap(err, "settle trade")
	}
	switch t.Status {
	case market.TradeSettled:
		return false, t, nil
	case market.TradeEscrowed:
		// proceed
	default:
		return false, nil, fmt.Errorf("%w: trade is %s, not ESCROWED", domain.ErrConflict, t.Status)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE asset_shares SET shares = shares - $3
		 WHERE asset_id = $1 AND owner_id = $2 AND shares >= $3`,
		t.AssetID, t.SellerID, t.Shares)
	if err != nil {
		return false, nil, fmt.Errorf("settle trade: debit shares: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil, fmt.Errorf("%w: seller no longer holds %d shares", domain.ErrConflict, t.Shares)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO asset_shares (id, asset_id, owner_id, shares)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (asset_id, owner_id) DO UPDATE SET shares = asset_shares.shares + $4`,
		uuid.NewString(), t.AssetID, t.BuyerID, t.Shares)
	if err != nil {
		return false, nil, fmt.Errorf("settle trade: credit shares: %w", err)
	}
	_, err = tx.Exec(ctx,
		`DELETE FROM asset_shares WHERE asset_id = $1 AND owner_id = $2 AND shares = 0`,
		t.AssetID, t.SellerID)
	if err != nil {
		return false, nil, fmt.Errorf("settle trade: prune empty: %w", err)
	}

	batch := &pgx.Batch{}
	const ledgerQ = `INSERT INTO ledger_entries (id, user_id, kind, amount_cents, ref_type, ref_id)
		VALUES ($1, $2, $3, $4, 'TRADE', $5)`
	batch.Queue(ledgerQ, uuid.NewString(), t.BuyerID, market.LedgerDebit, t.PriceCents, t.ID)
	batch.Queue(ledgerQ, uuid.NewString(), t.SellerID, market.LedgerCredit, t.PriceCents, t.ID)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return false, nil, fmt.Errorf("settle trade: ledger: %w", err)
	}

	err = tx.QueryRow(ctx,
		`UPDATE trades SET status = $2, settled_at = now() WHERE id = $1
		 RETURNING settled_at`, t.ID, market.TradeSettled).Scan(&t.SettledAt)
	if err != nil {
		return false, nil, fmt.Errorf("settle trade: stamp: %w", err)
	}
	t.Status = market.TradeSettled

	if err := tx.Commit(ctx); err != nil {
		return false, nil, fmt.Errorf("settle trade: commit: %w", err)
	}
	return true, t, nil
}
