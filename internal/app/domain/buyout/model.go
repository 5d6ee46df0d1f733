// Package buyout defines the durable buyout-offer record and its state
// machine.
package buyout

import "time"

// Status is an offer's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// DefaultTTL is the offer validity window applied when no explicit expiry is
// provided.
const DefaultTTL = 7 * 24 * time.Hour

// ValidStatus reports whether s is a known lifecycle state.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from one status to another is legal.
// Pending is the only non-terminal state.
func CanTransition(from, to Status) bool {
	if from != StatusPending {
		return false
	}
	switch to {
	case StatusAccepted, StatusRejected, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// VaultSnapshot is the vault state captured at offer-creation time. It is
// diagnostic context only; the ledger account remains authoritative.
type VaultSnapshot struct {
	Authority   string
	MetadataURI string
	TotalSupply uint64
	TokenMint   string
}

// Offer is the off-chain record of a buyout offer. OfferAddress is the
// deterministic program-derived address and the record's natural unique key.
type Offer struct {
	ID             string
	VaultAddress   string
	BuyerPublicKey string
	OfferAddress   string

	OfferLamports uint64
	OfferSOL      float64

	TransactionSignature string
	Network              string

	Status    Status
	BuyerNote string
	Notes     string
	Vault     VaultSnapshot

	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time

	RespondedAt                  *time.Time
	RespondedBy                  string
	ResponseTransactionSignature string
}

// IsExpired reports whether the offer's validity window has lapsed.
func (o Offer) IsExpired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt)
}

// EffectiveStatus is the status a reader should see: a stored pending offer
// whose expiry has passed is presented as expired even before a sweep
// persists the transition. Every read boundary applies this projection.
func (o Offer) EffectiveStatus(now time.Time) Status {
	if o.Status == StatusPending && o.IsExpired(now) {
		return StatusExpired
	}
	return o.Status
}

// Projected returns a copy with the read-time expiry projection applied.
func (o Offer) Projected(now time.Time) Offer {
	o.Status = o.EffectiveStatus(now)
	return o
}

// LamportsPerSOL is the smallest-unit scale of the ledger's native token.
const LamportsPerSOL = 1_000_000_000

// LamportsToSOL converts a smallest-unit amount to whole tokens.
func LamportsToSOL(lamports uint64) float64 {
	return float64(lamports) / LamportsPerSOL
}

// SortField selects the ordering column for offer listings.
type SortField string

const (
	SortByCreatedAt SortField = "createdAt"
	SortByAmount    SortField = "offerAmountSOL"
	SortByExpiresAt SortField = "expiresAt"
)

// Filter narrows offer listings. Zero values mean no constraint.
type Filter struct {
	VaultAddress   string
	BuyerPublicKey string
	Status         Status
	MinOfferSOL    *float64
	MaxOfferSOL    *float64
}

// Sort describes listing order.
type Sort struct {
	Field      SortField
	Descending bool
}

// Page is a 1-based pagination request.
type Page struct {
	Number int
	Limit  int
}

// Normalize clamps a page request to sane bounds.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Limit < 1 {
		p.Limit = 20
	}
	if p.Limit > 100 {
		p.Limit = 100
	}
	return p
}

// Offset returns the number of records preceding this page.
func (p Page) Offset() int { return (p.Number - 1) * p.Limit }

// PageInfo describes the position of a returned page within the full result.
type PageInfo struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"totalPages"`
	HasNext    bool `json:"hasNext"`
	HasPrev    bool `json:"hasPrev"`
}

// NewPageInfo computes pagination metadata for a total result size.
func NewPageInfo(p Page, total int) PageInfo {
	pages := total / p.Limit
	if total%p.Limit != 0 {
		pages++
	}
	return PageInfo{
		Page:       p.Number,
		Limit:      p.Limit,
		Total:      total,
		TotalPages: pages,
		HasNext:    p.Number < pages,
		HasPrev:    p.Number > 1 && total > 0,
	}
}

// Statistics aggregates the offer ledger. Counts apply the expiry projection;
// the value aggregates cover live pending offers only.
type Statistics struct {
	TotalOffers int `json:"totalOffers"`
	Pending     int `json:"pending"`
	Accepted    int `json:"accepted"`
	Rejected    int `json:"rejected"`
	Expired     int `json:"expired"`
	Cancelled   int `json:"cancelled"`

	MinOfferSOL     float64 `json:"minOfferSOL"`
	MaxOfferSOL     float64 `json:"maxOfferSOL"`
	AverageOfferSOL float64 `json:"averageOfferSOL"`
	TotalValueSOL   float64 `json:"totalValueSOL"`
}
