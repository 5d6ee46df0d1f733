package chain

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/mr-tron/base58"

	"github.com/Arteon-Labs/vault_layer/internal/apperr"
	"github.com/Arteon-Labs/vault_layer/pkg/logger"
)

// Instruction names exposed by the pre-deployed vault program.
const (
	InstructionInitializeVault = "initialize_vault"
	InstructionFractionalize   = "fractionalize_vault"
	InstructionInitiateBuyout  = "initiate_buyout"
	InstructionAcceptBuyout    = "accept_buyout"
	InstructionRejectBuyout    = "reject_buyout"
)

// Vault is the canonical, normalized vault account state.
type Vault struct {
	Address          Address `json:"address"`
	Authority        Address `json:"authority"`
	MetadataURI      string  `json:"metadataUri"`
	TotalSupply      uint64  `json:"totalSupply"`
	IsFractionalized bool    `json:"isFractionalized"`
	BuyoutStatus     string  `json:"buyoutStatus"`
	TokenMint        Address `json:"tokenMint"`
}

// OfferAccount is the canonical on-chain buyout offer account state.
type OfferAccount struct {
	Address   Address `json:"address"`
	Vault     Address `json:"vault"`
	Buyer     Address `json:"buyer"`
	Lamports  uint64  `json:"offerLamports"`
	Timestamp int64   `json:"timestamp"`
}

// InitializeVaultResult reports a confirmed initialize-vault instruction.
type InitializeVaultResult struct {
	Signature string
	Vault     Address
	Authority Address
}

// FractionalizeResult reports a confirmed fractionalize instruction.
type FractionalizeResult struct {
	Signature             string
	TokenMint             Address
	AuthorityTokenBalance string
	Vault                 Vault
}

// rpcNode is the subset of Client the program gateway needs.
type rpcNode interface {
	Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error)
	GetAccountInfo(ctx context.Context, addr Address) (*AccountInfo, error)
	GetTokenAccountBalance(ctx context.Context, addr Address) (TokenBalance, error)
	WaitForConfirmation(ctx context.Context, signature string, pollInterval time.Duration) error
}

// ProgramClient is a thin typed gateway over the pre-deployed vault program.
// It derives program addresses, fetches normalized account state, and submits
// instructions. Submits are single attempts: an ambiguous failure is surfaced
// to the caller instead of retried, because a funds-moving instruction must
// not be resent without idempotency proof. The deterministic offer address is
// that proof for buyout initiation.
type ProgramClient struct {
	node      rpcNode
	programID Address
	log       *logger.Logger

	// The program does not implement accept/reject yet. The capability is an
	// explicit contract so callers can distinguish mock-mode responses.
	supportsBuyoutResponse bool
}

// ProgramOption configures a ProgramClient.
type ProgramOption func(*ProgramClient)

// WithBuyoutResponseSupport marks accept/reject as implemented on-chain.
func WithBuyoutResponseSupport() ProgramOption {
	return func(p *ProgramClient) { p.supportsBuyoutResponse = true }
}

// NewProgramClient builds a gateway bound to one program id.
func NewProgramClient(node rpcNode, programID Address, log *logger.Logger, opts ...ProgramOption) *ProgramClient {
	if log == nil {
		log = logger.NewDefault("chain")
	}
	p := &ProgramClient{node: node, programID: programID, log: log}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProgramID returns the bound program identity.
func (p *ProgramClient) ProgramID() Address { return p.programID }

// SupportsBuyoutResponse reports whether accept/reject submit for real. When
// false, SubmitAcceptBuyout and SubmitRejectBuyout fail with NOT_IMPLEMENTED
// and callers run in documented mock mode.
func (p *ProgramClient) SupportsBuyoutResponse() bool { return p.supportsBuyoutResponse }

// DeriveOfferAddress returns the deterministic offer slot for (vault, buyer).
func (p *ProgramClient) DeriveOfferAddress(vault, buyer Address) Address {
	return DeriveOfferAddress(p.programID, vault, buyer)
}

// DeriveTokenMintAddress returns the deterministic token mint for a vault.
func (p *ProgramClient) DeriveTokenMintAddress(vault Address) Address {
	return DeriveTokenMintAddress(p.programID, vault)
}

// =============================================================================
// Account Fetching
// =============================================================================

// FetchVault fetches and normalizes a vault account.
func (p *ProgramClient) FetchVault(ctx context.Context, vault Address) (Vault, error) {
	info, err := p.node.GetAccountInfo(ctx, vault)
	if err != nil {
		if errors.Is(err, ErrNoAccount) {
			return Vault{}, apperr.New(apperr.CodeNotFound, "vault not found at address %s", vault)
		}
		return Vault{}, apperr.Wrap(err, apperr.CodeChainSubmission, "fetch vault %s", vault)
	}
	decoded, err := decodeVault(vault, info.Data)
	if err != nil {
		return Vault{}, apperr.Wrap(err, apperr.CodeChainSubmission, "decode vault %s", vault)
	}
	return decoded, nil
}

// FetchOffer fetches and normalizes a buyout offer account.
func (p *ProgramClient) FetchOffer(ctx context.Context, offer Address) (OfferAccount, error) {
	info, err := p.node.GetAccountInfo(ctx, offer)
	if err != nil {
		if errors.Is(err, ErrNoAccount) {
			return OfferAccount{}, apperr.New(apperr.CodeNotFound, "offer not found at address %s", offer)
		}
		return OfferAccount{}, apperr.Wrap(err, apperr.CodeChainSubmission, "fetch offer %s", offer)
	}
	decoded, err := decodeOffer(offer, info.Data)
	if err != nil {
		return OfferAccount{}, apperr.Wrap(err, apperr.CodeChainSubmission, "decode offer %s", offer)
	}
	return decoded, nil
}

// ListVaultOffers returns all on-chain offer accounts scoped to a vault.
func (p *ProgramClient) ListVaultOffers(ctx context.Context, vault Address) ([]OfferAccount, error) {
	result, err := p.node.Call(ctx, "getProgramAccounts", []interface{}{
		p.programID.String(),
		map[string]interface{}{"account": "buyout_offer", "vault": vault.String()},
	})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeChainSubmission, "list offers for vault %s", vault)
	}

	var raw []struct {
		Pubkey string          `json:"pubkey"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeChainSubmission, "decode offer list for vault %s", vault)
	}

	offers := make([]OfferAccount, 0, len(raw))
	for _, entry := range raw {
		addr, err := ParseAddress(entry.Pubkey)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeChainSubmission, "decode offer address %s", entry.Pubkey)
		}
		offer, err := decodeOffer(addr, entry.Data)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeChainSubmission, "decode offer %s", addr)
		}
		offers = append(offers, offer)
	}
	return offers, nil
}

// =============================================================================
// Instruction Submission
// =============================================================================

// SubmitInitializeVault creates a new vault owned by the signing authority.
func (p *ProgramClient) SubmitInitializeVault(ctx context.Context, authority Keypair, vault Address, metadataURI string, totalSupply uint64) (InitializeVaultResult, error) {
	if strings.TrimSpace(metadataURI) == "" {
		return InitializeVaultResult{}, apperr.New(apperr.CodeValidation, "metadataUri is required")
	}
	if totalSupply == 0 {
		return InitializeVaultResult{}, apperr.New(apperr.CodeValidation, "totalSupply must be greater than 0")
	}

	sig, err := p.submit(ctx, authority, InstructionInitializeVault,
		map[string]string{"vault": vault.String(), "authority": authority.PublicKey().String()},
		map[string]interface{}{"metadata_uri": metadataURI, "total_supply": totalSupply},
	)
	if err != nil {
		return InitializeVaultResult{}, err
	}
	return InitializeVaultResult{Signature: sig, Vault: vault, Authority: authority.PublicKey()}, nil
}

// SubmitInitiateBuyout submits a buyout offer for a fractionalized vault. The
// derived offer address is the uniqueness slot: if the account already exists
// the ledger rejects creation atomically and the rejection is surfaced as
// DUPLICATE_OFFER even when the pre-check below raced past an in-flight offer.
func (p *ProgramClient) SubmitInitiateBuyout(ctx context.Context, vault Address, buyer Keypair, lamports int64) (string, error) {
	if lamports <= 0 {
		return "", apperr.New(apperr.CodeValidation, "offer amount must be greater than 0")
	}

	vaultState, err := p.FetchVault(ctx, vault)
	if err != nil {
		return "", err
	}
	if !vaultState.IsFractionalized {
		return "", apperr.New(apperr.CodeVaultNotFractional, "vault must be fractionalized before accepting buyout offers")
	}

	offerAddr := p.DeriveOfferAddress(vault, buyer.PublicKey())
	if _, err := p.FetchOffer(ctx, offerAddr); err == nil {
		return "", apperr.New(apperr.CodeDuplicateOffer, "buyer already has a pending offer for this vault").
			WithDetail("offer_address", offerAddr.String())
	} else if !apperr.HasCode(err, apperr.CodeNotFound) {
		return "", err
	}

	sig, err := p.submit(ctx, buyer, InstructionInitiateBuyout,
		map[string]string{
			"vault":        vault.String(),
			"buyer":        buyer.PublicKey().String(),
			"buyout_offer": offerAddr.String(),
		},
		map[string]interface{}{"offer_lamports": lamports},
	)
	if err != nil {
		// The ledger's atomic account creation at the derived address is the
		// authoritative race-breaker for concurrent duplicate submissions.
		if isAccountInUse(err) {
			return "", apperr.Wrap(err, apperr.CodeDuplicateOffer, "buyer already has a pending offer for this vault").
				WithDetail("offer_address", offerAddr.String())
		}
		return "", err
	}
	return sig, nil
}

// SubmitFractionalize mints the fractional token supply against a vault.
func (p *ProgramClient) SubmitFractionalize(ctx context.Context, vault Address, authority Keypair) (FractionalizeResult, error) {
	vaultState, err := p.FetchVault(ctx, vault)
	if err != nil {
		return FractionalizeResult{}, err
	}
	if vaultState.IsFractionalized {
		return FractionalizeResult{}, apperr.New(apperr.CodeAlreadyFractional, "vault %s has already been fractionalized", vault)
	}
	if !vaultState.Authority.Equal(authority.PublicKey()) {
		return FractionalizeResult{}, apperr.New(apperr.CodeAuthorityMismatch, "only the vault authority can fractionalize the vault").
			WithDetail("vault_authority", vaultState.Authority.String()).
			WithDetail("signing_authority", authority.PublicKey().String())
	}

	tokenMint := p.DeriveTokenMintAddress(vault)
	sig, err := p.submit(ctx, authority, InstructionFractionalize,
		map[string]string{
			"vault":      vault.String(),
			"authority":  authority.PublicKey().String(),
			"token_mint": tokenMint.String(),
		},
		nil,
	)
	if err != nil {
		return FractionalizeResult{}, err
	}

	updated, err := p.FetchVault(ctx, vault)
	if err != nil {
		return FractionalizeResult{}, err
	}

	result := FractionalizeResult{
		Signature: sig,
		TokenMint: tokenMint,
		Vault:     updated,
	}
	// Best effort: the fractionalization already confirmed, a balance read
	// failure only degrades the reported snapshot.
	if bal, err := p.node.GetTokenAccountBalance(ctx, tokenMint); err == nil {
		result.AuthorityTokenBalance = bal.Amount
	} else {
		p.log.WithError(err).WithField("token_mint", tokenMint.String()).Warn("could not fetch authority token balance")
		result.AuthorityTokenBalance = "0"
	}
	return result, nil
}

// SubmitAcceptBuyout submits an accept-buyout instruction. The instruction is
// not implemented by the deployed program yet; unless the client was built
// with WithBuyoutResponseSupport this fails with NOT_IMPLEMENTED.
func (p *ProgramClient) SubmitAcceptBuyout(ctx context.Context, vault Address, buyer Address, authority Keypair) (string, error) {
	return p.submitBuyoutResponse(ctx, InstructionAcceptBuyout, vault, buyer, authority)
}

// SubmitRejectBuyout submits a reject-buyout instruction, with the same
// capability contract as SubmitAcceptBuyout.
func (p *ProgramClient) SubmitRejectBuyout(ctx context.Context, vault Address, buyer Address, authority Keypair) (string, error) {
	return p.submitBuyoutResponse(ctx, InstructionRejectBuyout, vault, buyer, authority)
}

func (p *ProgramClient) submitBuyoutResponse(ctx context.Context, instruction string, vault, buyer Address, authority Keypair) (string, error) {
	if !p.supportsBuyoutResponse {
		return "", apperr.New(apperr.CodeNotImplemented, "%s is not implemented by the deployed program", instruction)
	}

	offerAddr := p.DeriveOfferAddress(vault, buyer)
	if _, err := p.FetchOffer(ctx, offerAddr); err != nil {
		return "", err
	}
	return p.submit(ctx, authority, instruction,
		map[string]string{
			"vault":        vault.String(),
			"buyer":        buyer.String(),
			"buyout_offer": offerAddr.String(),
			"authority":    authority.PublicKey().String(),
		},
		nil,
	)
}

// submit signs and sends one instruction and waits for its confirmation. No
// internal retry: an ambiguous failure (timeout mid-confirmation) surfaces as
// CHAIN_SUBMISSION_FAILED with node diagnostics attached for operators.
func (p *ProgramClient) submit(ctx context.Context, signer Keypair, instruction string, accounts map[string]string, args map[string]interface{}) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"program":     p.programID.String(),
		"instruction": instruction,
		"accounts":    accounts,
		"args":        args,
	})
	if err != nil {
		return "", apperr.Wrap(err, apperr.CodeInternal, "marshal %s instruction", instruction)
	}

	signature := base58.Encode(signer.Sign(payload))
	result, err := p.node.Call(ctx, "sendInstruction", []interface{}{
		json.RawMessage(payload),
		signer.PublicKey().String(),
		signature,
	})
	if err != nil {
		return "", p.mapSubmitError(instruction, err)
	}

	var txSig string
	if err := json.Unmarshal(result, &txSig); err != nil {
		return "", apperr.Wrap(err, apperr.CodeChainSubmission, "decode %s signature", instruction)
	}

	// The instruction is in flight now. Caller cancellation must not unwind
	// the confirmation wait, so detach it; the bounded window is the only
	// abort path from here.
	confirmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultConfirmTimeout)
	defer cancel()
	if err := p.node.WaitForConfirmation(confirmCtx, txSig, 0); err != nil {
		return "", apperr.Wrap(err, apperr.CodeChainSubmission, "confirm %s", instruction).
			WithDetail("signature", txSig)
	}

	p.log.WithField("instruction", instruction).
		WithField("signature", txSig).
		WithField("signer", signer.PublicKey().String()).
		Info("instruction confirmed")
	return txSig, nil
}

func (p *ProgramClient) mapSubmitError(instruction string, err error) error {
	appErr := apperr.Wrap(err, apperr.CodeChainSubmission, "submit %s", instruction)
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Data != "" {
		// Raw node logs are operator diagnostics, never shown to end users.
		appErr = appErr.WithDetail("node_logs", rpcErr.Data)
	}
	return appErr
}

// isAccountInUse detects the ledger's rejection of account creation at an
// address that already exists.
func isAccountInUse(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "already in use")
}
