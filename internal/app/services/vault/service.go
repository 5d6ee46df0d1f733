// Package vault coordinates vault creation, fractionalization and the
// per-vault fractionalization record.
package vault

import (
	"context"
	"strconv"
	"strings"

	"github.com/Arteon-Labs/vault_layer/internal/app/domain/content"
	"github.com/Arteon-Labs/vault_layer/internal/app/domain/vault"
	"github.com/Arteon-Labs/vault_layer/internal/app/metrics"
	"github.com/Arteon-Labs/vault_layer/internal/app/storage"
	"github.com/Arteon-Labs/vault_layer/internal/apperr"
	"github.com/Arteon-Labs/vault_layer/internal/chain"
	"github.com/Arteon-Labs/vault_layer/internal/wallet"
	"github.com/Arteon-Labs/vault_layer/pkg/logger"
)

// fractionalizeMinBalance is the authority balance required before a
// fractionalize submission.
const fractionalizeMinBalance = wallet.LamportsPerSOL / 10

// Gateway is the chain surface the vault service needs.
type Gateway interface {
	DeriveTokenMintAddress(vault chain.Address) chain.Address
	FetchVault(ctx context.Context, vault chain.Address) (chain.Vault, error)
	SubmitInitializeVault(ctx context.Context, authority chain.Keypair, vault chain.Address, metadataURI string, totalSupply uint64) (chain.InitializeVaultResult, error)
	SubmitFractionalize(ctx context.Context, vault chain.Address, authority chain.Keypair) (chain.FractionalizeResult, error)
}

// Authority is the keystore surface the vault service needs.
type Authority interface {
	PublicKey() (chain.Address, error)
	Keypair() (chain.Keypair, error)
	Balance(ctx context.Context) (uint64, error)
	EnsureBalance(ctx context.Context, minLamports uint64) (uint64, bool, error)
	WalletInfo() (wallet.Info, error)
}

// Service manages vaults and their fractionalization records.
type Service struct {
	gateway   Gateway
	authority Authority
	records   storage.FractionalizationStore
	contents  storage.ContentStore
	log       *logger.Logger
	network   string
}

// New constructs a vault service. contents may be nil when no content store
// is wired; the denormalized snapshot update is skipped in that case.
func New(gateway Gateway, authority Authority, records storage.FractionalizationStore, contents storage.ContentStore, network string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("vault")
	}
	if network == "" {
		network = "localhost"
	}
	return &Service{
		gateway:   gateway,
		authority: authority,
		records:   records,
		contents:  contents,
		log:       log,
		network:   network,
	}
}

// CreateVaultRequest describes a new vault to initialize on chain.
type CreateVaultRequest struct {
	VaultAddress string
	MetadataURI  string
	TotalSupply  uint64
}

// CreateVault submits an initialize-vault instruction signed by the server
// authority.
func (s *Service) CreateVault(ctx context.Context, req CreateVaultRequest) (chain.InitializeVaultResult, error) {
	vaultAddr, err := chain.ParseAddress(strings.TrimSpace(req.VaultAddress))
	if err != nil {
		return chain.InitializeVaultResult{}, apperr.Wrap(err, apperr.CodeValidation, "invalid vault address")
	}
	if strings.TrimSpace(req.MetadataURI) == "" {
		return chain.InitializeVaultResult{}, apperr.New(apperr.CodeValidation, "metadataUri is required")
	}
	if req.TotalSupply == 0 {
		return chain.InitializeVaultResult{}, apperr.New(apperr.CodeValidation, "totalSupply must be greater than 0")
	}

	keypair, err := s.authority.Keypair()
	if err != nil {
		return chain.InitializeVaultResult{}, err
	}
	_, airdropped, err := s.authority.EnsureBalance(ctx, fractionalizeMinBalance)
	if airdropped {
		metrics.RecordFundingTopUp(err == nil)
	}
	if err != nil {
		return chain.InitializeVaultResult{}, err
	}

	result, err := s.gateway.SubmitInitializeVault(ctx, keypair, vaultAddr, strings.TrimSpace(req.MetadataURI), req.TotalSupply)
	metrics.RecordChainSubmission(chain.InstructionInitializeVault, err == nil)
	if err != nil {
		return chain.InitializeVaultResult{}, err
	}

	s.log.WithField("vault", result.Vault.String()).
		WithField("signature", result.Signature).
		Info("vault initialized")
	return result, nil
}

// GetVault fetches the normalized on-chain vault state.
func (s *Service) GetVault(ctx context.Context, vaultAddress string) (chain.Vault, error) {
	vaultAddr, err := chain.ParseAddress(strings.TrimSpace(vaultAddress))
	if err != nil {
		return chain.Vault{}, apperr.Wrap(err, apperr.CodeValidation, "invalid vault address")
	}
	return s.gateway.FetchVault(ctx, vaultAddr)
}

// FractionalizeRequest describes one fractionalize call. The server authority
// is the only supported signer: a request naming a different authority is
// rejected before any chain call.
type FractionalizeRequest struct {
	VaultAddress       string
	UseServerAuthority *bool
	ContentID          string
}

// FractionalizeResult reports a confirmed fractionalization. Warning is set
// when the record or snapshot write degraded after chain success.
type FractionalizeResult struct {
	Chain   chain.FractionalizeResult
	Record  vault.Record
	Warning string
}

// Fractionalize runs the one-time fractionalization end to end: authority
// reconciliation, funding, chain submit, record write, best-effort content
// snapshot update.
func (s *Service) Fractionalize(ctx context.Context, req FractionalizeRequest) (FractionalizeResult, error) {
	vaultAddr, err := chain.ParseAddress(strings.TrimSpace(req.VaultAddress))
	if err != nil {
		return FractionalizeResult{}, apperr.Wrap(err, apperr.CodeValidation, "invalid vault address")
	}
	if req.UseServerAuthority != nil && !*req.UseServerAuthority {
		return FractionalizeResult{}, apperr.New(apperr.CodeValidation,
			"only the server authority can fractionalize vaults")
	}

	authorityKey, err := s.authority.PublicKey()
	if err != nil {
		return FractionalizeResult{}, err
	}

	vaultState, err := s.gateway.FetchVault(ctx, vaultAddr)
	if err != nil {
		return FractionalizeResult{}, err
	}
	if vaultState.IsFractionalized {
		return FractionalizeResult{}, apperr.New(apperr.CodeAlreadyFractional,
			"vault %s has already been fractionalized", vaultAddr)
	}
	// Reconcile before funding: a mismatched authority is guaranteed to be
	// rejected on chain.
	if !vaultState.Authority.Equal(authorityKey) {
		return FractionalizeResult{}, apperr.New(apperr.CodeAuthorityMismatch, "server authority does not control this vault").
			WithDetail("vault_authority", vaultState.Authority.String()).
			WithDetail("signing_authority", authorityKey.String())
	}

	_, airdropped, err := s.authority.EnsureBalance(ctx, fractionalizeMinBalance)
	if airdropped {
		metrics.RecordFundingTopUp(err == nil)
	}
	if err != nil {
		return FractionalizeResult{}, err
	}

	keypair, err := s.authority.Keypair()
	if err != nil {
		return FractionalizeResult{}, err
	}

	chainRes, err := s.gateway.SubmitFractionalize(ctx, vaultAddr, keypair)
	metrics.RecordChainSubmission(chain.InstructionFractionalize, err == nil)
	if err != nil {
		return FractionalizeResult{}, err
	}

	// The fractionalization is settled on chain; client cancellation must
	// not skip the record and snapshot writes.
	persistCtx := context.WithoutCancel(ctx)

	res := FractionalizeResult{Chain: chainRes}
	rec, err := s.recordFractionalization(persistCtx, vaultAddr, chainRes, req.ContentID)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeAlreadyRecorded) {
			return FractionalizeResult{}, err
		}
		// Chain state is authoritative; a degraded record is surfaced, not
		// rolled back.
		metrics.RecordDegradedPersist()
		s.log.WithError(err).WithField("vault", vaultAddr.String()).
			Error("fractionalization confirmed on chain but record write failed")
		res.Warning = "fractionalization confirmed on chain but could not be recorded off-chain"
		return res, nil
	}
	res.Record = rec

	if warn := s.updateContentSnapshot(persistCtx, rec); warn != "" {
		res.Warning = warn
	}
	return res, nil
}

func (s *Service) recordFractionalization(ctx context.Context, vaultAddr chain.Address, chainRes chain.FractionalizeResult, contentID string) (vault.Record, error) {
	balance := parseAmount(chainRes.AuthorityTokenBalance)
	rec := vault.Record{
		VaultAddress:          vaultAddr.String(),
		ContentID:             strings.TrimSpace(contentID),
		TokenMint:             chainRes.TokenMint.String(),
		AuthorityAddress:      chainRes.Vault.Authority.String(),
		AuthorityTokenAccount: chainRes.TokenMint.String(),
		TotalSupply:           chainRes.Vault.TotalSupply,
		TokenBalance:          balance,
		TransactionSignature:  chainRes.Signature,
		MetadataURI:           chainRes.Vault.MetadataURI,
		Network:               s.network,
		Status:                vault.RecordActive,
	}
	created, err := s.records.CreateRecord(ctx, rec)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeConflict) {
			// Should be structurally impossible after the AlreadyFractional
			// fast-fail; a trip here means the flag and the record disagree.
			return vault.Record{}, apperr.Wrap(err, apperr.CodeAlreadyRecorded,
				"vault %s already has a fractionalization record", vaultAddr)
		}
		return vault.Record{}, err
	}
	s.log.WithField("vault", created.VaultAddress).
		WithField("token_mint", created.TokenMint).
		Info("fractionalization recorded")
	return created, nil
}

// updateContentSnapshot denormalizes the record onto the originating content
// item. Failures degrade to a warning; the record is the source of truth.
func (s *Service) updateContentSnapshot(ctx context.Context, rec vault.Record) string {
	if s.contents == nil {
		return ""
	}

	contentID := rec.ContentID
	if contentID == "" {
		item, err := s.contents.GetContentByVault(ctx, rec.VaultAddress)
		if err != nil {
			if !apperr.HasCode(err, apperr.CodeNotFound) {
				s.log.WithError(err).WithField("vault", rec.VaultAddress).Warn("content lookup failed")
			}
			return ""
		}
		contentID = item.ID
	}

	err := s.contents.UpdateFractionalizationSnapshot(ctx, contentID, content.FractionalizationSnapshot{
		IsFractionalized: true,
		TokenMint:        rec.TokenMint,
		TotalSupply:      rec.TotalSupply,
		FractionalizedAt: rec.FractionalizedAt,
	})
	if err != nil {
		s.log.WithError(err).
			WithField("content_id", contentID).
			WithField("vault", rec.VaultAddress).
			Warn("content snapshot update failed")
		return "fractionalization recorded but the content snapshot could not be updated"
	}
	return ""
}

// FractionalizationInfo combines the on-chain vault state with the ledger
// record and the derived mint cross-check.
type FractionalizationInfo struct {
	Vault       chain.Vault
	Record      *vault.Record
	DerivedMint string
	MintMatches bool
}

// Info reports detailed fractionalization status for a vault.
func (s *Service) Info(ctx context.Context, vaultAddress string) (FractionalizationInfo, error) {
	vaultAddr, err := chain.ParseAddress(strings.TrimSpace(vaultAddress))
	if err != nil {
		return FractionalizationInfo{}, apperr.Wrap(err, apperr.CodeValidation, "invalid vault address")
	}

	vaultState, err := s.gateway.FetchVault(ctx, vaultAddr)
	if err != nil {
		return FractionalizationInfo{}, err
	}

	info := FractionalizationInfo{
		Vault:       vaultState,
		DerivedMint: s.gateway.DeriveTokenMintAddress(vaultAddr).String(),
	}
	if vaultState.IsFractionalized {
		info.MintMatches = info.DerivedMint == vaultState.TokenMint.String()
	}

	rec, err := s.records.GetRecordByVault(ctx, vaultAddr.String())
	switch {
	case err == nil:
		info.Record = &rec
	case apperr.HasCode(err, apperr.CodeNotFound):
		// A fractionalized vault without a record is the PersistenceDegraded
		// gap; callers see it as a nil record.
	default:
		return FractionalizationInfo{}, err
	}
	return info, nil
}

// ListRecords returns all fractionalization records, newest first.
func (s *Service) ListRecords(ctx context.Context) ([]vault.Record, error) {
	return s.records.ListRecords(ctx)
}

// RecordByVault returns the fractionalization record for a vault.
func (s *Service) RecordByVault(ctx context.Context, vaultAddress string) (vault.Record, error) {
	if _, err := chain.ParseAddress(strings.TrimSpace(vaultAddress)); err != nil {
		return vault.Record{}, apperr.Wrap(err, apperr.CodeValidation, "invalid vault address")
	}
	return s.records.GetRecordByVault(ctx, strings.TrimSpace(vaultAddress))
}

// AuthorityWallet returns the server signing identity info. The route serving
// this must be access controlled: the payload includes secret material.
func (s *Service) AuthorityWallet(ctx context.Context) (wallet.Info, uint64, error) {
	info, err := s.authority.WalletInfo()
	if err != nil {
		return wallet.Info{}, 0, err
	}
	balance, err := s.authority.Balance(ctx)
	if err != nil {
		// Balance is advisory on this surface.
		s.log.WithError(err).Warn("authority balance read failed")
		balance = 0
	}
	return info, balance, nil
}

// EnsureAuthorityBalance tops up the authority wallet to minLamports.
func (s *Service) EnsureAuthorityBalance(ctx context.Context, minLamports uint64) (uint64, error) {
	if minLamports == 0 {
		minLamports = fractionalizeMinBalance
	}
	balance, airdropped, err := s.authority.EnsureBalance(ctx, minLamports)
	if airdropped {
		metrics.RecordFundingTopUp(err == nil)
	}
	return balance, err
}

func parseAmount(raw string) uint64 {
	n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
