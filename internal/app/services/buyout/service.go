// Package buyout orchestrates the buyout-offer lifecycle across the chain
// gateway, the authority keystore and the offer ledger.
package buyout

import (
	"context"
	"strings"
	"time"

	"github.com/Arteon-Labs/vault_layer/internal/app/domain/buyout"
	"github.com/Arteon-Labs/vault_layer/internal/app/metrics"
	"github.com/Arteon-Labs/vault_layer/internal/app/storage"
	"github.com/Arteon-Labs/vault_layer/internal/apperr"
	"github.com/Arteon-Labs/vault_layer/internal/chain"
	"github.com/Arteon-Labs/vault_layer/pkg/logger"
)

// responseMinBalance is the authority balance required before submitting an
// accept or reject instruction.
const responseMinBalance = buyout.LamportsPerSOL / 20

// Gateway is the chain surface the coordinator needs.
type Gateway interface {
	DeriveOfferAddress(vault, buyer chain.Address) chain.Address
	FetchVault(ctx context.Context, vault chain.Address) (chain.Vault, error)
	ListVaultOffers(ctx context.Context, vault chain.Address) ([]chain.OfferAccount, error)
	SubmitInitiateBuyout(ctx context.Context, vault chain.Address, buyer chain.Keypair, lamports int64) (string, error)
	SubmitAcceptBuyout(ctx context.Context, vault, buyer chain.Address, authority chain.Keypair) (string, error)
	SubmitRejectBuyout(ctx context.Context, vault, buyer chain.Address, authority chain.Keypair) (string, error)
	SupportsBuyoutResponse() bool
}

// Authority is the keystore surface the coordinator needs.
type Authority interface {
	PublicKey() (chain.Address, error)
	Keypair() (chain.Keypair, error)
	EnsureBalance(ctx context.Context, minLamports uint64) (uint64, bool, error)
}

// Service drives the offer state machine end to end.
type Service struct {
	gateway   Gateway
	authority Authority
	offers    storage.OfferStore
	log       *logger.Logger
	network   string
}

// New constructs a buyout coordinator.
func New(gateway Gateway, authority Authority, offers storage.OfferStore, network string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("buyout")
	}
	if network == "" {
		network = "localhost"
	}
	return &Service{
		gateway:   gateway,
		authority: authority,
		offers:    offers,
		log:       log,
		network:   network,
	}
}

// InitiateRequest is one buyout initiation. The buyer signs the instruction,
// so the request carries the buyer's secret key material.
type InitiateRequest struct {
	VaultAddress   string
	OfferLamports  int64
	BuyerSecretKey []byte
	BuyerNote      string
}

// InitiateResult reports a confirmed initiation. Warning is set when the
// chain submission confirmed but the ledger write failed; the on-chain state
// is authoritative and is never rolled back for an off-chain write failure.
type InitiateResult struct {
	Offer                buyout.Offer
	TransactionSignature string
	Warning              string
}

// Initiate runs the NONE -> PENDING transition. Precondition order: syntactic
// validation, buyer key validation, vault state, duplicate check. The first
// failure wins and nothing is submitted after a precondition failure.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	res, err := s.initiate(ctx, req)
	switch {
	case err != nil:
		metrics.RecordOfferInitiation(string(apperr.CodeOf(err)))
	case res.Warning != "":
		metrics.RecordOfferInitiation("degraded")
	default:
		metrics.RecordOfferInitiation("success")
	}
	return res, err
}

func (s *Service) initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	vaultAddr, err := chain.ParseAddress(strings.TrimSpace(req.VaultAddress))
	if err != nil {
		return InitiateResult{}, apperr.Wrap(err, apperr.CodeValidation, "invalid vault address")
	}
	if req.OfferLamports <= 0 {
		return InitiateResult{}, apperr.New(apperr.CodeValidation, "offerLamports must be greater than 0")
	}
	// The duplicate pre-check needs the buyer's public key, so the keypair is
	// validated before any chain call.
	buyer, err := chain.KeypairFromSecret(req.BuyerSecretKey)
	if err != nil {
		return InitiateResult{}, apperr.Wrap(err, apperr.CodeValidation, "invalid buyer keypair")
	}

	vaultState, err := s.gateway.FetchVault(ctx, vaultAddr)
	if err != nil {
		return InitiateResult{}, err
	}
	if !vaultState.IsFractionalized {
		return InitiateResult{}, apperr.New(apperr.CodeVaultNotFractional,
			"vault %s must be fractionalized before accepting buyout offers", vaultAddr)
	}

	sig, err := s.gateway.SubmitInitiateBuyout(ctx, vaultAddr, buyer, req.OfferLamports)
	metrics.RecordChainSubmission(chain.InstructionInitiateBuyout, err == nil)
	if err != nil {
		return InitiateResult{}, err
	}

	offerAddr := s.gateway.DeriveOfferAddress(vaultAddr, buyer.PublicKey())
	now := time.Now().UTC()
	offer := buyout.Offer{
		VaultAddress:         vaultAddr.String(),
		BuyerPublicKey:       buyer.PublicKey().String(),
		OfferAddress:         offerAddr.String(),
		OfferLamports:        uint64(req.OfferLamports),
		OfferSOL:             buyout.LamportsToSOL(uint64(req.OfferLamports)),
		TransactionSignature: sig,
		Network:              s.network,
		Status:               buyout.StatusPending,
		BuyerNote:            strings.TrimSpace(req.BuyerNote),
		Vault: buyout.VaultSnapshot{
			Authority:   vaultState.Authority.String(),
			MetadataURI: vaultState.MetadataURI,
			TotalSupply: vaultState.TotalSupply,
			TokenMint:   vaultState.TokenMint.String(),
		},
		CreatedAt: now,
		ExpiresAt: now.Add(buyout.DefaultTTL),
	}

	// The chain submission confirmed; a client disconnect must not skip the
	// ledger write.
	stored, err := s.offers.CreateOffer(context.WithoutCancel(ctx), offer)
	if err != nil {
		// The chain effect is the source of truth. A persistence failure
		// degrades the off-chain record but must not fail the operation.
		metrics.RecordDegradedPersist()
		s.log.WithError(err).
			WithField("offer_address", offer.OfferAddress).
			WithField("signature", sig).
			Error("offer confirmed on chain but ledger write failed")
		return InitiateResult{
			Offer:                offer,
			TransactionSignature: sig,
			Warning:              "offer confirmed on chain but could not be recorded off-chain",
		}, nil
	}

	s.log.WithField("offer_address", stored.OfferAddress).
		WithField("vault", stored.VaultAddress).
		WithField("buyer", stored.BuyerPublicKey).
		WithField("offer_sol", stored.OfferSOL).
		Info("buyout offer initiated")
	return InitiateResult{Offer: stored, TransactionSignature: sig}, nil
}

// RespondRequest identifies the offer an authority responds to.
type RespondRequest struct {
	VaultAddress   string
	BuyerPublicKey string
	Notes          string
}

// RespondResult reports an accept or reject outcome. Mocked is true when the
// deployed program does not implement the response instruction and no chain
// state changed; the ledger transition still applies.
type RespondResult struct {
	Offer                buyout.Offer
	TransactionSignature string
	Mocked               bool
}

// Accept transitions a pending offer to accepted.
func (s *Service) Accept(ctx context.Context, req RespondRequest) (RespondResult, error) {
	return s.respond(ctx, req, buyout.StatusAccepted)
}

// Reject transitions a pending offer to rejected.
func (s *Service) Reject(ctx context.Context, req RespondRequest) (RespondResult, error) {
	return s.respond(ctx, req, buyout.StatusRejected)
}

func (s *Service) respond(ctx context.Context, req RespondRequest, to buyout.Status) (RespondResult, error) {
	vaultAddr, err := chain.ParseAddress(strings.TrimSpace(req.VaultAddress))
	if err != nil {
		return RespondResult{}, apperr.Wrap(err, apperr.CodeValidation, "invalid vault address")
	}
	buyerAddr, err := chain.ParseAddress(strings.TrimSpace(req.BuyerPublicKey))
	if err != nil {
		return RespondResult{}, apperr.Wrap(err, apperr.CodeValidation, "invalid buyer public key")
	}

	authorityKey, err := s.authority.PublicKey()
	if err != nil {
		return RespondResult{}, err
	}

	// Reconcile authority identity before any funded operation: a mismatch is
	// guaranteed to be rejected on chain, so failing here saves a top-up.
	vaultState, err := s.gateway.FetchVault(ctx, vaultAddr)
	if err != nil {
		return RespondResult{}, err
	}
	if !vaultState.Authority.Equal(authorityKey) {
		return RespondResult{}, apperr.New(apperr.CodeAuthorityMismatch, "server authority does not control this vault").
			WithDetail("vault_authority", vaultState.Authority.String()).
			WithDetail("signing_authority", authorityKey.String())
	}

	offerAddr := s.gateway.DeriveOfferAddress(vaultAddr, buyerAddr)
	offer, err := s.offers.GetOffer(ctx, offerAddr.String())
	if err != nil {
		return RespondResult{}, err
	}
	// GetOffer projects expiry, so a non-pending status here is final. Fail
	// before funding or submitting for an offer the ledger cannot transition.
	if offer.Status != buyout.StatusPending {
		return RespondResult{}, apperr.New(apperr.CodeIllegalTransition, "cannot transition offer %s from %s to %s",
			offerAddr, offer.Status, to)
	}

	_, airdropped, err := s.authority.EnsureBalance(ctx, responseMinBalance)
	if airdropped {
		metrics.RecordFundingTopUp(err == nil)
	}
	if err != nil {
		return RespondResult{}, err
	}

	keypair, err := s.authority.Keypair()
	if err != nil {
		return RespondResult{}, err
	}

	submit := s.gateway.SubmitAcceptBuyout
	instruction := chain.InstructionAcceptBuyout
	if to == buyout.StatusRejected {
		submit = s.gateway.SubmitRejectBuyout
		instruction = chain.InstructionRejectBuyout
	}

	var sig string
	mocked := false
	sig, err = submit(ctx, vaultAddr, buyerAddr, keypair)
	switch {
	case err == nil:
		metrics.RecordChainSubmission(instruction, true)
	case apperr.HasCode(err, apperr.CodeNotImplemented):
		// The deployed program has no response instruction yet. The ledger
		// transition still applies so the offer lifecycle can be exercised,
		// and the caller sees Mocked=true by contract.
		mocked = true
		s.log.WithField("instruction", instruction).
			WithField("offer_address", offerAddr.String()).
			Warn("response instruction not implemented on chain, recording off-chain only")
	default:
		metrics.RecordChainSubmission(instruction, false)
		return RespondResult{}, err
	}

	// The response is settled on chain (or mocked); finish the ledger
	// transition even if the caller has gone away.
	updated, err := s.offers.TransitionOffer(context.WithoutCancel(ctx), offerAddr.String(), storage.TransitionRequest{
		To:                  to,
		RespondedBy:         authorityKey.String(),
		ResponseTransaction: sig,
		Notes:               strings.TrimSpace(req.Notes),
	})
	if err != nil {
		return RespondResult{}, err
	}

	s.log.WithField("offer_address", updated.OfferAddress).
		WithField("status", string(updated.Status)).
		WithField("mocked", mocked).
		Info("buyout offer responded")
	return RespondResult{Offer: updated, TransactionSignature: sig, Mocked: mocked}, nil
}

// ListOffers returns ledger offers matching the filter.
func (s *Service) ListOffers(ctx context.Context, filter buyout.Filter, sort buyout.Sort, page buyout.Page) ([]buyout.Offer, buyout.PageInfo, error) {
	if filter.Status != "" && !buyout.ValidStatus(filter.Status) {
		return nil, buyout.PageInfo{}, apperr.New(apperr.CodeValidation, "unknown status %q", filter.Status)
	}
	return s.offers.ListOffers(ctx, filter, sort, page)
}

// VaultOffers returns ledger offers for one vault.
func (s *Service) VaultOffers(ctx context.Context, vaultAddress string, status buyout.Status, page buyout.Page) ([]buyout.Offer, buyout.PageInfo, error) {
	if _, err := chain.ParseAddress(strings.TrimSpace(vaultAddress)); err != nil {
		return nil, buyout.PageInfo{}, apperr.Wrap(err, apperr.CodeValidation, "invalid vault address")
	}
	return s.ListOffers(ctx, buyout.Filter{VaultAddress: strings.TrimSpace(vaultAddress), Status: status},
		buyout.Sort{Field: buyout.SortByAmount, Descending: true}, page)
}

// BuyerOffers returns ledger offers created by one buyer.
func (s *Service) BuyerOffers(ctx context.Context, buyerPublicKey string, page buyout.Page) ([]buyout.Offer, buyout.PageInfo, error) {
	if _, err := chain.ParseAddress(strings.TrimSpace(buyerPublicKey)); err != nil {
		return nil, buyout.PageInfo{}, apperr.Wrap(err, apperr.CodeValidation, "invalid buyer public key")
	}
	return s.ListOffers(ctx, buyout.Filter{BuyerPublicKey: strings.TrimSpace(buyerPublicKey)},
		buyout.Sort{Field: buyout.SortByCreatedAt, Descending: true}, page)
}

// TopOffers returns the highest live pending offers.
func (s *Service) TopOffers(ctx context.Context, limit int) ([]buyout.Offer, error) {
	return s.offers.TopOffers(ctx, limit)
}

// Statistics aggregates the offer ledger.
func (s *Service) Statistics(ctx context.Context) (buyout.Statistics, error) {
	return s.offers.OfferStatistics(ctx)
}

// OnChainOffers lists the authoritative offer accounts for a vault.
func (s *Service) OnChainOffers(ctx context.Context, vaultAddress string) ([]chain.OfferAccount, error) {
	vaultAddr, err := chain.ParseAddress(strings.TrimSpace(vaultAddress))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeValidation, "invalid vault address")
	}
	return s.gateway.ListVaultOffers(ctx, vaultAddr)
}
