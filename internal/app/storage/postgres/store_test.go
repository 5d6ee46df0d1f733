package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/Arteon-Labs/vault_layer/internal/app/domain/buyout"
	"github.com/Arteon-Labs/vault_layer/internal/app/domain/vault"
	"github.com/Arteon-Labs/vault_layer/internal/app/storage"
	"github.com/Arteon-Labs/vault_layer/internal/apperr"
)

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	store := New(db)
	ctx := context.Background()
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	offer := buyout.Offer{
		VaultAddress:         "vault-int",
		BuyerPublicKey:       "buyer-int",
		OfferAddress:         "offer-int-" + time.Now().Format("20060102150405.000"),
		OfferLamports:        5 * buyout.LamportsPerSOL,
		OfferSOL:             5,
		TransactionSignature: "sig",
	}
	created, err := store.CreateOffer(ctx, offer)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}

	_, err = store.CreateOffer(ctx, offer)
	if !apperr.HasCode(err, apperr.CodeConflict) {
		t.Fatalf("duplicate offer: got %v, want CONFLICT", err)
	}

	got, err := store.GetOffer(ctx, created.OfferAddress)
	if err != nil {
		t.Fatalf("get offer: %v", err)
	}
	if got.Status != buyout.StatusPending {
		t.Fatalf("status: got %s", got.Status)
	}

	if _, err := store.TransitionOffer(ctx, created.OfferAddress, storage.TransitionRequest{
		To: buyout.StatusRejected, RespondedBy: "authority", ResponseTransaction: "sig-2",
	}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	_, err = store.TransitionOffer(ctx, created.OfferAddress, storage.TransitionRequest{To: buyout.StatusAccepted})
	if !apperr.HasCode(err, apperr.CodeIllegalTransition) {
		t.Fatalf("terminal transition: got %v, want ILLEGAL_TRANSITION", err)
	}

	rec := vault.Record{
		VaultAddress:          "vault-int-" + created.OfferAddress,
		TokenMint:             "mint",
		AuthorityAddress:      "authority",
		AuthorityTokenAccount: "ata",
		TotalSupply:           1000,
		TokenBalance:          1000,
		TransactionSignature:  "sig",
	}
	if _, err := store.CreateRecord(ctx, rec); err != nil {
		t.Fatalf("create record: %v", err)
	}
	_, err = store.CreateRecord(ctx, rec)
	if !apperr.HasCode(err, apperr.CodeConflict) {
		t.Fatalf("duplicate record: got %v, want CONFLICT", err)
	}
}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestCreateOfferMapsUniqueViolation(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec(`INSERT INTO buyout_offers`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "buyout_offers_offer_address_key"})

	_, err := store.CreateOffer(context.Background(), buyout.Offer{
		VaultAddress:   "vault-a",
		BuyerPublicKey: "buyer-a",
		OfferAddress:   "offer-a",
		OfferLamports:  buyout.LamportsPerSOL,
		OfferSOL:       1,
	})
	if !apperr.HasCode(err, apperr.CodeConflict) {
		t.Fatalf("got %v, want CONFLICT", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetOfferNotFound(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery(`SELECT .+ FROM buyout_offers WHERE offer_address`).
		WithArgs("offer-missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetOffer(context.Background(), "offer-missing")
	if !apperr.HasCode(err, apperr.CodeNotFound) {
		t.Fatalf("got %v, want NOT_FOUND", err)
	}
}

func TestOfferStatisticsScan(t *testing.T) {
	store, mock := newMock(t)

	rows := sqlmock.NewRows([]string{
		"total", "pending", "accepted", "rejected", "expired", "cancelled",
		"min", "max", "avg", "sum",
	}).AddRow(4, 3, 1, 0, 0, 0, 1.0, 3.0, 2.0, 6.0)
	mock.ExpectQuery(`SELECT\s+COUNT\(\*\),`).WillReturnRows(rows)

	stats, err := store.OfferStatistics(context.Background())
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if stats.Pending != 3 || stats.Accepted != 1 || stats.AverageOfferSOL != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestMarkExpired(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec(`UPDATE buyout_offers\s+SET status = 'expired'`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	swept, err := store.MarkExpired(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("mark expired: %v", err)
	}
	if swept != 2 {
		t.Fatalf("swept: got %d, want 2", swept)
	}
}
