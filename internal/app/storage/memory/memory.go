// Package memory provides an in-memory implementation of the storage
// interfaces for tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Arteon-Labs/vault_layer/internal/app/domain/buyout"
	"github.com/Arteon-Labs/vault_layer/internal/app/domain/content"
	"github.com/Arteon-Labs/vault_layer/internal/app/domain/vault"
	"github.com/Arteon-Labs/vault_layer/internal/app/storage"
	"github.com/Arteon-Labs/vault_layer/internal/apperr"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use.
type Store struct {
	mu             sync.RWMutex
	offers         map[string]buyout.Offer // keyed by offer address
	records        map[string]vault.Record // keyed by vault address
	contentByVault map[string]content.Item
	contentByID    map[string]string // content id -> vault address
}

var _ storage.OfferStore = (*Store)(nil)
var _ storage.FractionalizationStore = (*Store)(nil)
var _ storage.ContentStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		offers:         make(map[string]buyout.Offer),
		records:        make(map[string]vault.Record),
		contentByVault: make(map[string]content.Item),
		contentByID:    make(map[string]string),
	}
}

func cloneOffer(o buyout.Offer) buyout.Offer {
	if o.RespondedAt != nil {
		at := *o.RespondedAt
		o.RespondedAt = &at
	}
	return o
}

// OfferStore implementation --------------------------------------------------

func (s *Store) CreateOffer(_ context.Context, offer buyout.Offer) (buyout.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.offers[offer.OfferAddress]; exists {
		return buyout.Offer{}, apperr.New(apperr.CodeConflict, "offer %s already recorded", offer.OfferAddress)
	}

	if offer.ID == "" {
		offer.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if offer.CreatedAt.IsZero() {
		offer.CreatedAt = now
	}
	offer.UpdatedAt = now
	if offer.ExpiresAt.IsZero() {
		offer.ExpiresAt = offer.CreatedAt.Add(buyout.DefaultTTL)
	}
	if offer.Status == "" {
		offer.Status = buyout.StatusPending
	}

	s.offers[offer.OfferAddress] = cloneOffer(offer)
	return cloneOffer(offer), nil
}

func (s *Store) GetOffer(_ context.Context, offerAddress string) (buyout.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	offer, ok := s.offers[offerAddress]
	if !ok {
		return buyout.Offer{}, apperr.New(apperr.CodeNotFound, "offer %s not found", offerAddress)
	}
	return cloneOffer(offer).Projected(time.Now().UTC()), nil
}

func matches(o buyout.Offer, f buyout.Filter, now time.Time) bool {
	if f.VaultAddress != "" && o.VaultAddress != f.VaultAddress {
		return false
	}
	if f.BuyerPublicKey != "" && o.BuyerPublicKey != f.BuyerPublicKey {
		return false
	}
	if f.Status != "" && o.EffectiveStatus(now) != f.Status {
		return false
	}
	if f.MinOfferSOL != nil && o.OfferSOL < *f.MinOfferSOL {
		return false
	}
	if f.MaxOfferSOL != nil && o.OfferSOL > *f.MaxOfferSOL {
		return false
	}
	return true
}

func orderOffers(offers []buyout.Offer, by buyout.Sort) {
	sort.SliceStable(offers, func(i, j int) bool {
		a, b := offers[i], offers[j]
		var less bool
		switch by.Field {
		case buyout.SortByAmount:
			if a.OfferSOL != b.OfferSOL {
				less = a.OfferSOL < b.OfferSOL
			} else {
				less = a.CreatedAt.Before(b.CreatedAt)
			}
		case buyout.SortByExpiresAt:
			less = a.ExpiresAt.Before(b.ExpiresAt)
		default:
			less = a.CreatedAt.Before(b.CreatedAt)
		}
		if by.Descending {
			return !less
		}
		return less
	})
}

func (s *Store) ListOffers(_ context.Context, filter buyout.Filter, by buyout.Sort, page buyout.Page) ([]buyout.Offer, buyout.PageInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	page = page.Normalize()

	var all []buyout.Offer
	for _, o := range s.offers {
		if matches(o, filter, now) {
			all = append(all, cloneOffer(o).Projected(now))
		}
	}
	orderOffers(all, by)

	info := buyout.NewPageInfo(page, len(all))
	start := page.Offset()
	if start >= len(all) {
		return []buyout.Offer{}, info, nil
	}
	end := start + page.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], info, nil
}

func (s *Store) TopOffers(_ context.Context, limit int) ([]buyout.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 10
	}
	now := time.Now().UTC()

	var live []buyout.Offer
	for _, o := range s.offers {
		if o.Status == buyout.StatusPending && !o.IsExpired(now) {
			live = append(live, cloneOffer(o))
		}
	}
	orderOffers(live, buyout.Sort{Field: buyout.SortByAmount, Descending: true})

	if len(live) > limit {
		live = live[:limit]
	}
	return live, nil
}

func (s *Store) OfferStatistics(_ context.Context) (buyout.Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	var stats buyout.Statistics
	var livePending int

	for _, o := range s.offers {
		stats.TotalOffers++
		switch o.EffectiveStatus(now) {
		case buyout.StatusPending:
			stats.Pending++
			livePending++
			stats.TotalValueSOL += o.OfferSOL
			if livePending == 1 || o.OfferSOL < stats.MinOfferSOL {
				stats.MinOfferSOL = o.OfferSOL
			}
			if o.OfferSOL > stats.MaxOfferSOL {
				stats.MaxOfferSOL = o.OfferSOL
			}
		case buyout.StatusAccepted:
			stats.Accepted++
		case buyout.StatusRejected:
			stats.Rejected++
		case buyout.StatusExpired:
			stats.Expired++
		case buyout.StatusCancelled:
			stats.Cancelled++
		}
	}
	if livePending > 0 {
		stats.AverageOfferSOL = stats.TotalValueSOL / float64(livePending)
	}
	return stats, nil
}

func (s *Store) TransitionOffer(_ context.Context, offerAddress string, req storage.TransitionRequest) (buyout.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	offer, ok := s.offers[offerAddress]
	if !ok {
		return buyout.Offer{}, apperr.New(apperr.CodeNotFound, "offer %s not found", offerAddress)
	}

	now := time.Now().UTC()
	from := offer.EffectiveStatus(now)
	switch {
	case from == buyout.StatusExpired && req.To == buyout.StatusExpired && offer.Status == buyout.StatusPending:
		// Persisting a projection the readers already see.
	case !buyout.CanTransition(from, req.To):
		return buyout.Offer{}, apperr.New(apperr.CodeIllegalTransition, "cannot transition offer %s from %s to %s",
			offerAddress, from, req.To)
	}

	offer.Status = req.To
	offer.UpdatedAt = now
	if req.To != buyout.StatusExpired || req.RespondedBy != "" {
		offer.RespondedAt = &now
		offer.RespondedBy = req.RespondedBy
		offer.ResponseTransactionSignature = req.ResponseTransaction
	}
	if req.Notes != "" {
		offer.Notes = req.Notes
	}

	s.offers[offerAddress] = cloneOffer(offer)
	return cloneOffer(offer), nil
}

func (s *Store) MarkExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var swept int
	for addr, o := range s.offers {
		if o.Status == buyout.StatusPending && o.IsExpired(now) {
			o.Status = buyout.StatusExpired
			o.UpdatedAt = now
			s.offers[addr] = o
			swept++
		}
	}
	return swept, nil
}

// FractionalizationStore implementation --------------------------------------

func (s *Store) CreateRecord(_ context.Context, rec vault.Record) (vault.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.VaultAddress]; exists {
		return vault.Record{}, apperr.New(apperr.CodeConflict, "vault %s already has a fractionalization record", rec.VaultAddress)
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.FractionalizedAt.IsZero() {
		rec.FractionalizedAt = now
	}
	if rec.Status == "" {
		rec.Status = vault.RecordActive
	}

	s.records[rec.VaultAddress] = rec
	return rec, nil
}

func (s *Store) GetRecordByVault(_ context.Context, vaultAddress string) (vault.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[vaultAddress]
	if !ok {
		return vault.Record{}, apperr.New(apperr.CodeNotFound, "no fractionalization record for vault %s", vaultAddress)
	}
	return rec, nil
}

func (s *Store) ListRecords(_ context.Context) ([]vault.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]vault.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FractionalizedAt.After(out[j].FractionalizedAt)
	})
	return out, nil
}

// ContentStore implementation ------------------------------------------------

// SeedContent registers a content record for tests and local development.
func (s *Store) SeedContent(item content.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	s.contentByVault[item.VaultAddress] = item
	s.contentByID[item.ID] = item.VaultAddress
}

func (s *Store) GetContentByVault(_ context.Context, vaultAddress string) (content.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.contentByVault[vaultAddress]
	if !ok {
		return content.Item{}, apperr.New(apperr.CodeNotFound, "no content record for vault %s", vaultAddress)
	}
	return item, nil
}

func (s *Store) UpdateFractionalizationSnapshot(_ context.Context, contentID string, snap content.FractionalizationSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	vaultAddr, ok := s.contentByID[contentID]
	if !ok {
		return apperr.New(apperr.CodeNotFound, "content %s not found", contentID)
	}
	item := s.contentByVault[vaultAddr]
	item.Fractionalization = &snap
	item.UpdatedAt = time.Now().UTC()
	s.contentByVault[vaultAddr] = item
	return nil
}
