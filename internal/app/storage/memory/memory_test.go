package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Arteon-Labs/vault_layer/internal/app/domain/buyout"
	"github.com/Arteon-Labs/vault_layer/internal/app/domain/content"
	"github.com/Arteon-Labs/vault_layer/internal/app/domain/vault"
	"github.com/Arteon-Labs/vault_layer/internal/app/storage"
	"github.com/Arteon-Labs/vault_layer/internal/apperr"
)

func testOffer(n int, vaultAddr string, sol float64) buyout.Offer {
	return buyout.Offer{
		VaultAddress:   vaultAddr,
		BuyerPublicKey: fmt.Sprintf("buyer-%d", n),
		OfferAddress:   fmt.Sprintf("offer-%d", n),
		OfferLamports:  uint64(sol * buyout.LamportsPerSOL),
		OfferSOL:       sol,
	}
}

func TestCreateOfferConflict(t *testing.T) {
	s := New()
	ctx := context.Background()

	created, err := s.CreateOffer(ctx, testOffer(1, "vault-a", 5))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Status != buyout.StatusPending {
		t.Fatalf("status: got %s, want pending", created.Status)
	}
	if created.ExpiresAt.Sub(created.CreatedAt) != buyout.DefaultTTL {
		t.Fatalf("expiry window: got %s", created.ExpiresAt.Sub(created.CreatedAt))
	}
	if created.ID == "" {
		t.Fatal("expected generated id")
	}

	_, err = s.CreateOffer(ctx, testOffer(1, "vault-a", 3))
	if !apperr.HasCode(err, apperr.CodeConflict) {
		t.Fatalf("duplicate create: got %v, want CONFLICT", err)
	}
}

func TestGetOfferProjectsExpiry(t *testing.T) {
	s := New()
	ctx := context.Background()

	offer := testOffer(1, "vault-a", 5)
	offer.CreatedAt = time.Now().UTC().Add(-8 * 24 * time.Hour)
	offer.ExpiresAt = offer.CreatedAt.Add(buyout.DefaultTTL)
	if _, err := s.CreateOffer(ctx, offer); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetOffer(ctx, "offer-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != buyout.StatusExpired {
		t.Fatalf("lapsed offer status: got %s, want expired", got.Status)
	}

	_, err = s.GetOffer(ctx, "offer-missing")
	if !apperr.HasCode(err, apperr.CodeNotFound) {
		t.Fatalf("missing offer: got %v, want NOT_FOUND", err)
	}
}

func TestListOffersFilterSortPage(t *testing.T) {
	s := New()
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 1; i <= 25; i++ {
		o := testOffer(i, "vault-a", float64(i))
		o.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		o.ExpiresAt = o.CreatedAt.Add(buyout.DefaultTTL)
		if _, err := s.CreateOffer(ctx, o); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	offers, info, err := s.ListOffers(ctx, buyout.Filter{VaultAddress: "vault-a"},
		buyout.Sort{Field: buyout.SortByAmount, Descending: true},
		buyout.Page{Number: 2, Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(offers) != 10 {
		t.Fatalf("page size: got %d, want 10", len(offers))
	}
	if !info.HasNext || !info.HasPrev {
		t.Fatalf("page 2 of 3: hasNext=%v hasPrev=%v", info.HasNext, info.HasPrev)
	}
	if info.Total != 25 || info.TotalPages != 3 {
		t.Fatalf("totals: got %d/%d, want 25/3", info.Total, info.TotalPages)
	}
	// Amount-descending page 2 holds offers 15 down to 6.
	if offers[0].OfferSOL != 15 || offers[9].OfferSOL != 6 {
		t.Fatalf("page bounds: got %.0f..%.0f, want 15..6", offers[0].OfferSOL, offers[9].OfferSOL)
	}

	min := 20.0
	filtered, _, err := s.ListOffers(ctx, buyout.Filter{MinOfferSOL: &min}, buyout.Sort{}, buyout.Page{Limit: 50})
	if err != nil {
		t.Fatalf("filtered list: %v", err)
	}
	if len(filtered) != 6 {
		t.Fatalf("min filter: got %d offers, want 6", len(filtered))
	}
}

func TestTopOffersExcludesLapsedAndNonPending(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	high := testOffer(1, "vault-a", 9)
	high.CreatedAt = now.Add(-10 * 24 * time.Hour)
	high.ExpiresAt = high.CreatedAt.Add(buyout.DefaultTTL)
	if _, err := s.CreateOffer(ctx, high); err != nil {
		t.Fatalf("create lapsed: %v", err)
	}

	for i, sol := range []float64{5, 6} {
		if _, err := s.CreateOffer(ctx, testOffer(i+2, "vault-a", sol)); err != nil {
			t.Fatalf("create live: %v", err)
		}
	}

	accepted := testOffer(4, "vault-a", 8)
	if _, err := s.CreateOffer(ctx, accepted); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.TransitionOffer(ctx, accepted.OfferAddress, storage.TransitionRequest{
		To: buyout.StatusAccepted, RespondedBy: "authority", ResponseTransaction: "sig",
	}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	top, err := s.TopOffers(ctx, 10)
	if err != nil {
		t.Fatalf("top: %v", err)
	}
	if len(top) != 2 {
		t.Fatalf("top offers: got %d, want 2", len(top))
	}
	if top[0].OfferSOL != 6 || top[1].OfferSOL != 5 {
		t.Fatalf("top order: got %.0f, %.0f", top[0].OfferSOL, top[1].OfferSOL)
	}
}

func TestStatistics(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i, sol := range []float64{1, 2, 3} {
		if _, err := s.CreateOffer(ctx, testOffer(i+1, "vault-a", sol)); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	big := testOffer(4, "vault-a", 10)
	if _, err := s.CreateOffer(ctx, big); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.TransitionOffer(ctx, big.OfferAddress, storage.TransitionRequest{
		To: buyout.StatusAccepted, RespondedBy: "authority", ResponseTransaction: "sig",
	}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	stats, err := s.OfferStatistics(ctx)
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if stats.TotalOffers != 4 || stats.Pending != 3 || stats.Accepted != 1 {
		t.Fatalf("counts: %+v", stats)
	}
	if stats.MinOfferSOL != 1 || stats.MaxOfferSOL != 3 || stats.AverageOfferSOL != 2 {
		t.Fatalf("value aggregates: min=%.1f max=%.1f avg=%.1f",
			stats.MinOfferSOL, stats.MaxOfferSOL, stats.AverageOfferSOL)
	}
	if stats.TotalValueSOL != 6 {
		t.Fatalf("total value: got %.1f, want 6", stats.TotalValueSOL)
	}
}

func TestTransitionRules(t *testing.T) {
	s := New()
	ctx := context.Background()

	offer := testOffer(1, "vault-a", 5)
	if _, err := s.CreateOffer(ctx, offer); err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := s.TransitionOffer(ctx, offer.OfferAddress, storage.TransitionRequest{
		To: buyout.StatusRejected, RespondedBy: "authority", ResponseTransaction: "sig-1",
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if updated.RespondedAt == nil || updated.RespondedBy != "authority" {
		t.Fatalf("response metadata not recorded: %+v", updated)
	}

	_, err = s.TransitionOffer(ctx, offer.OfferAddress, storage.TransitionRequest{To: buyout.StatusAccepted})
	if !apperr.HasCode(err, apperr.CodeIllegalTransition) {
		t.Fatalf("rejected -> accepted: got %v, want ILLEGAL_TRANSITION", err)
	}

	_, err = s.TransitionOffer(ctx, "offer-missing", storage.TransitionRequest{To: buyout.StatusAccepted})
	if !apperr.HasCode(err, apperr.CodeNotFound) {
		t.Fatalf("missing offer: got %v, want NOT_FOUND", err)
	}
}

func TestMarkExpiredSweep(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	lapsed := testOffer(1, "vault-a", 5)
	lapsed.CreatedAt = now.Add(-10 * 24 * time.Hour)
	lapsed.ExpiresAt = lapsed.CreatedAt.Add(buyout.DefaultTTL)
	if _, err := s.CreateOffer(ctx, lapsed); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateOffer(ctx, testOffer(2, "vault-a", 3)); err != nil {
		t.Fatalf("create: %v", err)
	}

	swept, err := s.MarkExpired(ctx, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept: got %d, want 1", swept)
	}

	got, err := s.GetOffer(ctx, "offer-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != buyout.StatusExpired {
		t.Fatalf("stored status after sweep: got %s", got.Status)
	}
	if got.RespondedAt != nil {
		t.Fatal("time-derived expiry must not set respondedAt")
	}
}

func TestFractionalizationRecords(t *testing.T) {
	s := New()
	ctx := context.Background()

	rec, err := s.CreateRecord(ctx, vault.Record{
		VaultAddress:          "vault-a",
		TokenMint:             "mint-a",
		AuthorityAddress:      "authority",
		AuthorityTokenAccount: "ata",
		TotalSupply:           1000,
		TokenBalance:          1000,
		TransactionSignature:  "sig",
	})
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
	if rec.Status != vault.RecordActive || rec.ID == "" {
		t.Fatalf("record defaults: %+v", rec)
	}

	_, err = s.CreateRecord(ctx, vault.Record{VaultAddress: "vault-a", TokenMint: "mint-b"})
	if !apperr.HasCode(err, apperr.CodeConflict) {
		t.Fatalf("duplicate record: got %v, want CONFLICT", err)
	}

	got, err := s.GetRecordByVault(ctx, "vault-a")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if got.TokenMint != "mint-a" {
		t.Fatalf("token mint: got %s", got.TokenMint)
	}

	list, err := s.ListRecords(ctx)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("records: got %d, want 1", len(list))
	}
}

func TestContentSnapshotUpdate(t *testing.T) {
	s := New()
	ctx := context.Background()

	s.SeedContent(content.Item{ID: "content-1", VaultAddress: "vault-a"})

	item, err := s.GetContentByVault(ctx, "vault-a")
	if err != nil {
		t.Fatalf("get content: %v", err)
	}
	if item.Fractionalization != nil {
		t.Fatal("fresh content should have no snapshot")
	}

	snap := content.FractionalizationSnapshot{
		IsFractionalized: true,
		TokenMint:        "mint-a",
		TotalSupply:      1000,
		FractionalizedAt: time.Now().UTC(),
	}
	if err := s.UpdateFractionalizationSnapshot(ctx, "content-1", snap); err != nil {
		t.Fatalf("update snapshot: %v", err)
	}

	item, err = s.GetContentByVault(ctx, "vault-a")
	if err != nil {
		t.Fatalf("get content: %v", err)
	}
	if item.Fractionalization == nil || item.Fractionalization.TokenMint != "mint-a" {
		t.Fatalf("snapshot not applied: %+v", item.Fractionalization)
	}

	err = s.UpdateFractionalizationSnapshot(ctx, "content-missing", snap)
	if !apperr.HasCode(err, apperr.CodeNotFound) {
		t.Fatalf("missing content: got %v, want NOT_FOUND", err)
	}
}
