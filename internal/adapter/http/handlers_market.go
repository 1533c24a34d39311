package http

import (
	"net/http"
	"strconv"

	"github.com/litree/labsos/internal/domain/market"
	"github.com/litree/labsos/internal/middleware"
)

// CreateAsset registers a new tradable asset owned by the caller.
func (h *Handlers) CreateAsset(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[market.CreateAssetRequest](w, r)
	if !ok {
		return
	}
	if req.OwnerID == "" {
		if claims := middleware.ClaimsFromContext(r.Context()); claims != nil {
			req.OwnerID = claims.Subject
		}
	}
	a, err := h.Market.CreateAsset(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, "asset not found")
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// GetAsset returns an asset with its share distribution.
func (h *Handlers) GetAsset(w http.ResponseWriter, r *http.Request) {
	a, err := h.Market.GetAsset(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "asset not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// CreateListing puts shares of an asset up for sale.
func (h *Handlers) CreateListing(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[market.CreateListingRequest](w, r)
	if !ok {
		return
	}
	if req.SellerID == "" {
		if claims := middleware.ClaimsFromContext(r.Context()); claims != nil {
			req.SellerID = claims.Subject
		}
	}
	l, err := h.Market.CreateListing(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, "asset not found")
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

// ListListings returns active listings, newest first.
func (h *Handlers) ListListings(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	listings, err := h.Market.ListActiveListings(r.Context(), limit)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"listings": listings})
}

// RequestTrade escrows a purchase against an active listing. The
// Idempotency-Key header makes the request safe to retry: a replay with
// the same key and body returns the original trade instead of buying
// twice.
func (h *Handlers) RequestTrade(w http.ResponseWriter, r *http.Request) {
	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" {
		writeError(w, http.StatusBadRequest, "Idempotency-Key header is required")
		return
	}

	req, ok := readJSON[market.TradeRequest](w, r)
	if !ok {
		return
	}
	claims := middleware.ClaimsFromContext(r.Context())
	if req.BuyerID == "" && claims != nil {
		req.BuyerID = claims.Subject
	}

	var userID string
	if claims != nil {
		userID = claims.Subject
	}
	t, _, err := h.Market.RequestTrade(r.Context(), idemKey, userID, &req)
	if err != nil {
		writeDomainError(w, err, "listing not found")
		return
	}
	// Replays must be byte-identical to the first response, status
	// included, so both paths answer 200.
	writeJSON(w, http.StatusOK, t)
}

// GetTrade returns one trade.
func (h *Handlers) GetTrade(w http.ResponseWriter, r *http.Request) {
	t, err := h.Market.GetTrade(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "trade not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}
