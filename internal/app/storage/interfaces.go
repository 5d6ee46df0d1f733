// Package storage defines the persistence interfaces for the offer ledger
// and the fractionalization records.
package storage

import (
	"context"
	"time"

	"github.com/Arteon-Labs/vault_layer/internal/app/domain/buyout"
	"github.com/Arteon-Labs/vault_layer/internal/app/domain/content"
	"github.com/Arteon-Labs/vault_layer/internal/app/domain/vault"
)

// TransitionRequest carries the response metadata recorded alongside a status
// change.
type TransitionRequest struct {
	To                  buyout.Status
	RespondedBy         string
	ResponseTransaction string
	Notes               string
}

// OfferStore persists buyout offers. All read methods apply the expiry
// projection: a stored pending offer past its expiry is returned, filtered
// and counted as expired.
type OfferStore interface {
	// CreateOffer fails with CONFLICT when a record with the same offer
	// address already exists.
	CreateOffer(ctx context.Context, offer buyout.Offer) (buyout.Offer, error)
	GetOffer(ctx context.Context, offerAddress string) (buyout.Offer, error)
	ListOffers(ctx context.Context, filter buyout.Filter, sort buyout.Sort, page buyout.Page) ([]buyout.Offer, buyout.PageInfo, error)
	// TopOffers returns live pending offers ordered by amount descending,
	// ties broken by creation time descending.
	TopOffers(ctx context.Context, limit int) ([]buyout.Offer, error)
	OfferStatistics(ctx context.Context) (buyout.Statistics, error)
	// TransitionOffer enforces the state machine against the offer's
	// effective status and fails with ILLEGAL_TRANSITION otherwise.
	TransitionOffer(ctx context.Context, offerAddress string, req TransitionRequest) (buyout.Offer, error)
	// MarkExpired persists the expired status for every pending offer whose
	// expiry has lapsed and returns how many rows changed.
	MarkExpired(ctx context.Context, now time.Time) (int, error)
}

// FractionalizationStore persists one record per fractionalized vault.
type FractionalizationStore interface {
	// CreateRecord fails with CONFLICT when the vault already has a record.
	CreateRecord(ctx context.Context, rec vault.Record) (vault.Record, error)
	GetRecordByVault(ctx context.Context, vaultAddress string) (vault.Record, error)
	ListRecords(ctx context.Context) ([]vault.Record, error)
}

// ContentStore maintains the denormalized fractionalization snapshot on the
// content record a vault was minted for. The social surface owns the records;
// this interface covers only the fields this layer touches.
type ContentStore interface {
	GetContentByVault(ctx context.Context, vaultAddress string) (content.Item, error)
	UpdateFractionalizationSnapshot(ctx context.Context, contentID string, snap content.FractionalizationSnapshot) error
}
