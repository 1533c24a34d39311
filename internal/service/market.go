package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/litree/labsos/internal/adapter/otel"
	"github.com/litree/labsos/internal/domain/market"
	"github.com/litree/labsos/internal/port/cache"
	"github.com/litree/labsos/internal/port/database"
	"github.com/litree/labsos/internal/port/messagequeue"
)

const (
	tradeScope      = "marketplace:trade"
	listingCacheKey = "listings:active"
	listingCacheTTL = 10 * time.Second
	settlerDurable  = "trade-settler"
)

// MarketService owns the marketplace flow: assets, listings, and the
// trade request/settlement pipeline. Trade requests run under the
// idempotency guard; settlement runs on the bus and is safe under
// redelivery because the SETTLED state check is transactional.
type MarketService struct {
	store   database.Store
	queue   messagequeue.Queue
	idem    *IdempotencyService
	cache   cache.Cache
	metrics *otel.Metrics
	cancel  func()
}

// NewMarketService wires the marketplace. cache and metrics may be nil.
func NewMarketService(store database.Store, queue messagequeue.Queue, idem *IdempotencyService, c cache.Cache, metrics *otel.Metrics) *MarketService {
	return &MarketService{store: store, queue: queue, idem: idem, cache: c, metrics: metrics}
}

// CreateAsset mints an asset with all shares held by the owner.
func (s *MarketService) CreateAsset(ctx context.Context, req *market.CreateAssetRequest) (*market.Asset, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	tradable := true
	if req.Tradable != nil {
		tradable = *req.Tradable
	}
	a := &market.Asset{
		Type:        req.Type,
		Tradable:    tradable,
		Metadata:    req.Metadata,
		TotalShares: req.TotalShares,
	}
	if err := s.store.CreateAssetWithShares(ctx, a, req.OwnerID); err != nil {
		return nil, err
	}
	return a, nil
}

// GetAsset returns an asset with its share breakdown.
func (s *MarketService) GetAsset(ctx context.Context, id string) (*market.Asset, error) {
	return s.store.GetAsset(ctx, id)
}

// CreateListing puts shares up for sale and invalidates the listing cache.
func (s *MarketService) CreateListing(ctx context.Context, req *market.CreateListingRequest) (*market.Listing, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	l := &market.Listing{
		AssetID:    req.AssetID,
		SellerID:   req.SellerID,
		PriceCents: req.PriceCents,
		Shares:     req.Shares,
		Status:     market.ListingActive,
	}
	if err := s.store.CreateListing(ctx, l); err != nil {
		return nil, err
	}
	s.invalidateListings(ctx)
	return l, nil
}

// ListActiveListings serves the browse page, cached briefly since it is
// the hottest read in the marketplace.
func (s *MarketService) ListActiveListings(ctx context.Context, limit int) ([]market.Listing, error) {
	if s.cache != nil && limit <= 0 {
		if data, ok, err := s.cache.Get(ctx, listingCacheKey); err == nil && ok {
			var cached []market.Listing
			if json.Unmarshal(data, &cached) == nil {
				return cached, nil
			}
		}
	}

	listings, err := s.store.ListActiveListings(ctx, limit)
	if err != nil {
		return nil, err
	}

	if s.cache != nil && limit <= 0 {
		if data, err := json.Marshal(listings); err == nil {
			_ = s.cache.Set(ctx, listingCacheKey, data, listingCacheTTL)
		}
	}
	return listings, nil
}

// GetTrade returns one trade.
func (s *MarketService) GetTrade(ctx context.Context, id string) (*market.Trade, error) {
	return s.store.GetTrade(ctx, id)
}

// RequestTrade escrows a trade for the buyer under the idempotency
// guard: the same key with the same body always yields the same trade,
// and reusing a key with a different body is rejected.
func (s *MarketService) RequestTrade(ctx context.Context, idemKey, userID string, req *market.TradeRequest) (*market.Trade, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, false, fmt.Errorf("request trade: %w", err)
	}
	proceed, existing, err := s.idem.Begin(ctx, idemKey, tradeScope, userID, HashRequest(userID, body))
	if err != nil {
		return nil, false, err
	}
	if !proceed {
		var t market.Trade
		if existing.Response != nil {
			if err := json.Unmarshal(existing.Response, &t); err == nil {
				return &t, true, nil
			}
		}
		return nil, true, fmt.Errorf("request trade: replay without stored response")
	}

	trade, escrowErr := s.store.EscrowTrade(ctx, req.ListingID, req.BuyerID, idemKey)
	if escrowErr != nil {
		if err := s.idem.Fail(ctx, idemKey); err != nil {
			slog.Warn("idempotency fail record failed", "key", idemKey, "error", err)
		}
		s.publishTradeEvent(ctx, messagequeue.SubjectTradeFailed, &market.Trade{
			ListingID: req.ListingID,
			BuyerID:   req.BuyerID,
			Status:    market.TradeFailed,
		})
		return nil, false, escrowErr
	}

	response, _ := json.Marshal(trade)
	if err := s.idem.Complete(ctx, idemKey, response); err != nil {
		slog.Warn("idempotency complete failed", "key", idemKey, "error", err)
	}

	s.invalidateListings(ctx)
	requested := *trade
	requested.Status = market.TradeRequested
	s.publishTradeEvent(ctx, messagequeue.SubjectTradeRequested, &requested)
	s.publishTradeEvent(ctx, messagequeue.SubjectTradeEscrowed, trade)
	return trade, false, nil
}

// StartSettlement subscribes the durable settlement consumer. Escrowed
// trade events drive settlement; redeliveries find the trade SETTLED and
// ack without effect.
func (s *MarketService) StartSettlement(ctx context.Context) error {
	cancel, err := s.queue.Subscribe(ctx, messagequeue.SubjectTradeEscrowed, messagequeue.SubscribeOptions{
		Durable: settlerDurable,
	}, s.handleEscrowed)
	if err != nil {
		return fmt.Errorf("settlement subscribe: %w", err)
	}
	s.cancel = cancel
	slog.Info("trade settlement consumer started", "durable", settlerDurable)
	return nil
}

// StopSettlement cancels the settlement subscription.
func (s *MarketService) StopSettlement() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *MarketService) handleEscrowed(ctx context.Context, _ string, data []byte) error {
	var event tradeEvent
	if err := json.Unmarshal(data, &event); err != nil {
		slog.Error("dropping malformed trade event", "error", err)
		return nil
	}

	settled, trade, err := s.store.SettleTrade(ctx, event.TradeID)
	if err != nil {
		return fmt.Errorf("settle trade %s: %w", event.TradeID, err)
	}
	if !settled {
		slog.Info("trade already settled, skipping redelivery", "trade_id", event.TradeID)
		return nil
	}

	if s.metrics != nil {
		s.metrics.TradesSettled.Add(ctx, 1)
	}
	slog.Info("trade settled",
		"trade_id", trade.ID, "asset_id", trade.AssetID,
		"buyer_id", trade.BuyerID, "price_cents", trade.PriceCents)
	s.publishTradeEvent(ctx, messagequeue.SubjectTradeSettled, trade)
	return nil
}

type tradeEvent struct {
	TradeID   string `json:"trade_id"`
	ListingID string `json:"listing_id"`
	AssetID   string `json:"asset_id"`
	BuyerID   string `json:"buyer_id"`
	SellerID  string `json:"seller_id"`
	Status    string `json:"status"`
}

func (s *MarketService) publishTradeEvent(ctx context.Context, subject string, t *market.Trade) {
	payload, _ := json.Marshal(tradeEvent{
		TradeID:   t.ID,
		ListingID: t.ListingID,
		AssetID:   t.AssetID,
		BuyerID:   t.BuyerID,
		SellerID:  t.SellerID,
		Status:    string(t.Status),
	})
	if err := s.queue.Publish(ctx, subject, payload); err != nil {
		slog.Warn("trade event publish failed", "subject", subject, "trade_id", t.ID, "error", err)
	}
}

func (s *MarketService) invalidateListings(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, listingCacheKey); err != nil {
		slog.Warn("listing cache invalidation failed", "error", err)
	}
}
