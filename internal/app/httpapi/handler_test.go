package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Arteon-Labs/vault_layer/internal/app/domain/buyout"
	buyoutsvc "github.com/Arteon-Labs/vault_layer/internal/app/services/buyout"
	vaultsvc "github.com/Arteon-Labs/vault_layer/internal/app/services/vault"
	"github.com/Arteon-Labs/vault_layer/internal/app/storage/memory"
	"github.com/Arteon-Labs/vault_layer/internal/apperr"
	"github.com/Arteon-Labs/vault_layer/internal/chain"
	"github.com/Arteon-Labs/vault_layer/internal/wallet"
)

type fakeGateway struct {
	mu               sync.Mutex
	programID        chain.Address
	vaults           map[string]chain.Vault
	offerAccounts    map[string]chain.OfferAccount
	supportsResponse bool
	submitCalls      int
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	program, err := chain.NewKeypair()
	require.NoError(t, err)
	return &fakeGateway{
		programID:     program.PublicKey(),
		vaults:        make(map[string]chain.Vault),
		offerAccounts: make(map[string]chain.OfferAccount),
	}
}

func (f *fakeGateway) putVault(addr, authority chain.Address, fractionalized bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := chain.Vault{
		Address:          addr,
		Authority:        authority,
		MetadataURI:      "ipfs://meta",
		TotalSupply:      1000,
		IsFractionalized: fractionalized,
	}
	if fractionalized {
		v.TokenMint = chain.DeriveTokenMintAddress(f.programID, addr)
	}
	f.vaults[addr.String()] = v
}

func (f *fakeGateway) DeriveOfferAddress(vault, buyer chain.Address) chain.Address {
	return chain.DeriveOfferAddress(f.programID, vault, buyer)
}

func (f *fakeGateway) DeriveTokenMintAddress(vault chain.Address) chain.Address {
	return chain.DeriveTokenMintAddress(f.programID, vault)
}

func (f *fakeGateway) FetchVault(_ context.Context, vault chain.Address) (chain.Vault, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vaults[vault.String()]
	if !ok {
		return chain.Vault{}, apperr.New(apperr.CodeNotFound, "vault not found at address %s", vault)
	}
	return v, nil
}

func (f *fakeGateway) ListVaultOffers(_ context.Context, vault chain.Address) ([]chain.OfferAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []chain.OfferAccount
	for _, o := range f.offerAccounts {
		if o.Vault.Equal(vault) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeGateway) SubmitInitiateBuyout(_ context.Context, vault chain.Address, buyer chain.Keypair, lamports int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++

	addr := chain.DeriveOfferAddress(f.programID, vault, buyer.PublicKey())
	if _, exists := f.offerAccounts[addr.String()]; exists {
		return "", apperr.New(apperr.CodeDuplicateOffer, "account %s already in use", addr)
	}
	f.offerAccounts[addr.String()] = chain.OfferAccount{
		Address:   addr,
		Vault:     vault,
		Buyer:     buyer.PublicKey(),
		Lamports:  uint64(lamports),
		Timestamp: time.Now().Unix(),
	}
	return fmt.Sprintf("sig-%d", f.submitCalls), nil
}

func (f *fakeGateway) SubmitAcceptBuyout(_ context.Context, _, _ chain.Address, _ chain.Keypair) (string, error) {
	return f.respond()
}

func (f *fakeGateway) SubmitRejectBuyout(_ context.Context, _, _ chain.Address, _ chain.Keypair) (string, error) {
	return f.respond()
}

func (f *fakeGateway) respond() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.supportsResponse {
		return "", apperr.New(apperr.CodeNotImplemented, "instruction not implemented by the deployed program")
	}
	return "response-sig", nil
}

func (f *fakeGateway) SupportsBuyoutResponse() bool { return f.supportsResponse }

func (f *fakeGateway) SubmitInitializeVault(_ context.Context, authority chain.Keypair, vault chain.Address, metadataURI string, totalSupply uint64) (chain.InitializeVaultResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vaults[vault.String()] = chain.Vault{
		Address:     vault,
		Authority:   authority.PublicKey(),
		MetadataURI: metadataURI,
		TotalSupply: totalSupply,
	}
	return chain.InitializeVaultResult{
		Signature: "init-sig",
		Vault:     vault,
		Authority: authority.PublicKey(),
	}, nil
}

func (f *fakeGateway) SubmitFractionalize(_ context.Context, vault chain.Address, _ chain.Keypair) (chain.FractionalizeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vaults[vault.String()]
	if !ok {
		return chain.FractionalizeResult{}, apperr.New(apperr.CodeNotFound, "vault not found at address %s", vault)
	}
	v.IsFractionalized = true
	v.TokenMint = chain.DeriveTokenMintAddress(f.programID, vault)
	f.vaults[vault.String()] = v
	return chain.FractionalizeResult{
		Signature:             "frac-sig",
		TokenMint:             v.TokenMint,
		AuthorityTokenBalance: "1000",
		Vault:                 v,
	}, nil
}

type fakeAuthority struct {
	kp chain.Keypair
}

func newFakeAuthority(t *testing.T) *fakeAuthority {
	t.Helper()
	kp, err := chain.NewKeypair()
	require.NoError(t, err)
	return &fakeAuthority{kp: kp}
}

func (f *fakeAuthority) PublicKey() (chain.Address, error) { return f.kp.PublicKey(), nil }
func (f *fakeAuthority) Keypair() (chain.Keypair, error)   { return f.kp, nil }
func (f *fakeAuthority) Balance(context.Context) (uint64, error) {
	return 10 * wallet.LamportsPerSOL, nil
}
func (f *fakeAuthority) EnsureBalance(context.Context, uint64) (uint64, bool, error) {
	return 10 * wallet.LamportsPerSOL, false, nil
}
func (f *fakeAuthority) WalletInfo() (wallet.Info, error) {
	return wallet.Info{
		PublicKey: f.kp.PublicKey().String(),
		SecretKey: wallet.SecretKey(f.kp.Secret()),
		CreatedAt: time.Now().UTC(),
		Purpose:   "vault-authority",
	}, nil
}

type fixture struct {
	server *httptest.Server
	gw     *fakeGateway
	auth   *fakeAuthority
	store  *memory.Store
}

func newFixture(t *testing.T, opts ...func(*Config)) *fixture {
	t.Helper()
	gw := newFakeGateway(t)
	auth := newFakeAuthority(t)
	store := memory.New()

	cfg := Config{
		Buyouts: buyoutsvc.New(gw, auth, store, "localhost", nil),
		Vaults:  vaultsvc.New(gw, auth, store, store, "localhost", nil),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv := httptest.NewServer(NewHandler(cfg))
	t.Cleanup(srv.Close)
	return &fixture{server: srv, gw: gw, auth: auth, store: store}
}

func (f *fixture) authorityAddr(t *testing.T) chain.Address {
	t.Helper()
	pub, err := f.auth.PublicKey()
	require.NoError(t, err)
	return pub
}

type apiResponse struct {
	Success bool              `json:"success"`
	Data    json.RawMessage   `json:"data"`
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Details map[string]string `json:"details"`
	Warning string            `json:"warning"`
}

func doJSON(t *testing.T, method, url string, body interface{}) (int, apiResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func newKeypair(t *testing.T) chain.Keypair {
	t.Helper()
	kp, err := chain.NewKeypair()
	require.NoError(t, err)
	return kp
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	status, resp := doJSON(t, http.MethodGet, f.server.URL+"/healthz", nil)
	require.Equal(t, http.StatusOK, status)
	require.True(t, resp.Success)
}

func TestInitiateOffer(t *testing.T) {
	f := newFixture(t)
	vaultAddr := newKeypair(t).PublicKey()
	f.gw.putVault(vaultAddr, f.authorityAddr(t), true)
	buyer := newKeypair(t)

	status, resp := doJSON(t, http.MethodPost, f.server.URL+"/buyout/initiate", map[string]any{
		"vaultAddress":  vaultAddr.String(),
		"offerLamports": 5 * buyout.LamportsPerSOL,
		"buyerKeypair":  wallet.SecretKey(buyer.Secret()),
		"buyerNote":     "take it",
	})
	require.Equal(t, http.StatusCreated, status)
	require.True(t, resp.Success)
	require.Empty(t, resp.Warning)

	var payload initiateResponse
	require.NoError(t, json.Unmarshal(resp.Data, &payload))
	require.Equal(t, buyout.StatusPending, payload.Offer.Status)
	require.Equal(t, 5.0, payload.Offer.OfferSOL)
	require.Equal(t, "take it", payload.Offer.BuyerNote)
	require.NotEmpty(t, payload.TransactionSignature)
}

func TestInitiateRequiresKeyMaterial(t *testing.T) {
	f := newFixture(t)
	status, resp := doJSON(t, http.MethodPost, f.server.URL+"/buyout/initiate", map[string]any{
		"vaultAddress":  newKeypair(t).PublicKey().String(),
		"offerLamports": buyout.LamportsPerSOL,
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.False(t, resp.Success)
	require.Equal(t, string(apperr.CodeValidation), resp.Error)
	require.Zero(t, f.gw.submitCalls)
}

func TestInitiateRejectsUnknownFields(t *testing.T) {
	f := newFixture(t)
	status, resp := doJSON(t, http.MethodPost, f.server.URL+"/buyout/initiate", map[string]any{
		"vaultAddress": "x",
		"bogusField":   true,
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, string(apperr.CodeValidation), resp.Error)
}

func TestAcceptMockMode(t *testing.T) {
	f := newFixture(t)
	vaultAddr := newKeypair(t).PublicKey()
	f.gw.putVault(vaultAddr, f.authorityAddr(t), true)
	buyer := newKeypair(t)

	status, _ := doJSON(t, http.MethodPost, f.server.URL+"/buyout/initiate", map[string]any{
		"vaultAddress":  vaultAddr.String(),
		"offerLamports": 2 * buyout.LamportsPerSOL,
		"buyerKeypair":  wallet.SecretKey(buyer.Secret()),
	})
	require.Equal(t, http.StatusCreated, status)

	status, resp := doJSON(t, http.MethodPost, f.server.URL+"/buyout/accept", map[string]any{
		"vaultAddress": vaultAddr.String(),
		"buyerPubkey":  buyer.PublicKey().String(),
		"notes":        "fair price",
	})
	require.Equal(t, http.StatusOK, status)
	require.True(t, resp.Success)

	var payload respondResponse
	require.NoError(t, json.Unmarshal(resp.Data, &payload))
	require.True(t, payload.Mocked)
	require.Empty(t, payload.TransactionSignature)
	require.Equal(t, buyout.StatusAccepted, payload.Offer.Status)
}

func TestRejectAuthorityMismatch(t *testing.T) {
	f := newFixture(t)
	vaultAddr := newKeypair(t).PublicKey()
	otherAuthority := newKeypair(t).PublicKey()
	f.gw.putVault(vaultAddr, otherAuthority, true)

	status, resp := doJSON(t, http.MethodPost, f.server.URL+"/buyout/reject", map[string]any{
		"vaultAddress": vaultAddr.String(),
		"buyerPubkey":  newKeypair(t).PublicKey().String(),
	})
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, string(apperr.CodeAuthorityMismatch), resp.Error)
	require.Equal(t, otherAuthority.String(), resp.Details["vault_authority"])
}

func TestAllOffersQueryValidation(t *testing.T) {
	f := newFixture(t)
	status, resp := doJSON(t, http.MethodGet, f.server.URL+"/buyout/all-offers?minAmount=abc", nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, string(apperr.CodeValidation), resp.Error)

	status, resp = doJSON(t, http.MethodGet, f.server.URL+"/buyout/all-offers?sortBy=bogus", nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, string(apperr.CodeValidation), resp.Error)

	status, resp = doJSON(t, http.MethodGet, f.server.URL+"/buyout/all-offers?page=0", nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, string(apperr.CodeValidation), resp.Error)
}

func TestAllOffersPagination(t *testing.T) {
	f := newFixture(t)
	vaultAddr := newKeypair(t).PublicKey()
	f.gw.putVault(vaultAddr, f.authorityAddr(t), true)

	for i := 0; i < 15; i++ {
		buyer := newKeypair(t)
		status, _ := doJSON(t, http.MethodPost, f.server.URL+"/buyout/initiate", map[string]any{
			"vaultAddress":  vaultAddr.String(),
			"offerLamports": int64(i+1) * buyout.LamportsPerSOL,
			"buyerKeypair":  wallet.SecretKey(buyer.Secret()),
		})
		require.Equal(t, http.StatusCreated, status)
	}

	status, resp := doJSON(t, http.MethodGet, f.server.URL+"/buyout/all-offers?page=2&limit=10&sortBy=offerAmountSOL&sortOrder=asc", nil)
	require.Equal(t, http.StatusOK, status)

	var payload offerListResponse
	require.NoError(t, json.Unmarshal(resp.Data, &payload))
	require.Len(t, payload.Offers, 5)
	require.Equal(t, 15, payload.Pagination.Total)
	require.Equal(t, 11.0, payload.Offers[0].OfferSOL)
	require.True(t, payload.Pagination.HasPrev)
	require.False(t, payload.Pagination.HasNext)
}

func TestTopOffersAndStatistics(t *testing.T) {
	f := newFixture(t)
	vaultAddr := newKeypair(t).PublicKey()
	f.gw.putVault(vaultAddr, f.authorityAddr(t), true)

	for _, sol := range []int64{1, 3, 2} {
		buyer := newKeypair(t)
		status, _ := doJSON(t, http.MethodPost, f.server.URL+"/buyout/initiate", map[string]any{
			"vaultAddress":  vaultAddr.String(),
			"offerLamports": sol * buyout.LamportsPerSOL,
			"buyerKeypair":  wallet.SecretKey(buyer.Secret()),
		})
		require.Equal(t, http.StatusCreated, status)
	}

	status, resp := doJSON(t, http.MethodGet, f.server.URL+"/buyout/top-offers?limit=2", nil)
	require.Equal(t, http.StatusOK, status)
	var top struct {
		Offers []buyout.Offer `json:"offers"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &top))
	require.Len(t, top.Offers, 2)
	require.Equal(t, 3.0, top.Offers[0].OfferSOL)

	status, resp = doJSON(t, http.MethodGet, f.server.URL+"/buyout/statistics", nil)
	require.Equal(t, http.StatusOK, status)
	var stats buyout.Statistics
	require.NoError(t, json.Unmarshal(resp.Data, &stats))
	require.Equal(t, 3, stats.TotalOffers)
	require.Equal(t, 1.0, stats.MinOfferSOL)
	require.Equal(t, 3.0, stats.MaxOfferSOL)
	require.Equal(t, 2.0, stats.AverageOfferSOL)
}

func TestGenerateBuyerKeypair(t *testing.T) {
	f := newFixture(t)
	status, resp := doJSON(t, http.MethodGet, f.server.URL+"/buyout/generate-buyer-keypair", nil)
	require.Equal(t, http.StatusOK, status)

	var payload struct {
		PublicKey string           `json:"publicKey"`
		SecretKey wallet.SecretKey `json:"secretKey"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &payload))
	require.Len(t, []byte(payload.SecretKey), 64)

	kp, err := chain.KeypairFromSecret(payload.SecretKey)
	require.NoError(t, err)
	require.Equal(t, payload.PublicKey, kp.PublicKey().String())
}

func TestAirdropWithoutFaucet(t *testing.T) {
	f := newFixture(t)
	status, resp := doJSON(t, http.MethodPost, f.server.URL+"/buyout/airdrop-buyer", map[string]any{
		"buyerPubkey": newKeypair(t).PublicKey().String(),
	})
	require.Equal(t, http.StatusNotImplemented, status)
	require.Equal(t, string(apperr.CodeNotImplemented), resp.Error)
}

type fakeFaucet struct {
	drops int
}

func (f *fakeFaucet) RequestAirdrop(_ context.Context, _ chain.Address, _ uint64) (string, error) {
	f.drops++
	return fmt.Sprintf("drop-%d", f.drops), nil
}

func (f *fakeFaucet) WaitForConfirmation(context.Context, string, time.Duration) error { return nil }

func TestAirdropWithFaucet(t *testing.T) {
	faucet := &fakeFaucet{}
	f := newFixture(t, func(cfg *Config) { cfg.Faucet = faucet })

	status, resp := doJSON(t, http.MethodPost, f.server.URL+"/buyout/airdrop-buyer", map[string]any{
		"buyerPubkey": newKeypair(t).PublicKey().String(),
	})
	require.Equal(t, http.StatusOK, status)
	require.True(t, resp.Success)
	require.Equal(t, 1, faucet.drops)
}

func TestVaultFractionalizeFlow(t *testing.T) {
	f := newFixture(t)
	vaultAddr := newKeypair(t).PublicKey()
	f.gw.putVault(vaultAddr, f.authorityAddr(t), false)

	status, resp := doJSON(t, http.MethodPost, f.server.URL+"/vault/fractionalize", map[string]any{
		"vaultPubkey": vaultAddr.String(),
	})
	require.Equal(t, http.StatusOK, status)
	require.True(t, resp.Success)

	var payload fractionalizeResponse
	require.NoError(t, json.Unmarshal(resp.Data, &payload))
	require.True(t, payload.Vault.IsFractionalized)
	require.Equal(t, payload.TokenMint, payload.Record.TokenMint)
	require.Equal(t, "frac-sig", payload.TransactionSignature)

	status, resp = doJSON(t, http.MethodGet, f.server.URL+"/vault/"+vaultAddr.String()+"/fractionalization-info", nil)
	require.Equal(t, http.StatusOK, status)
	var info struct {
		MintMatches bool `json:"mintMatches"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &info))
	require.True(t, info.MintMatches)

	status, resp = doJSON(t, http.MethodPost, f.server.URL+"/vault/fractionalize", map[string]any{
		"vaultPubkey": vaultAddr.String(),
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, string(apperr.CodeAlreadyFractional), resp.Error)
}

func TestVaultInitializeAndGet(t *testing.T) {
	f := newFixture(t)
	vaultAddr := newKeypair(t).PublicKey()

	status, resp := doJSON(t, http.MethodPost, f.server.URL+"/vault/initialize", map[string]any{
		"vaultAddress": vaultAddr.String(),
		"metadataUri":  "ipfs://demo",
		"totalSupply":  1000,
	})
	require.Equal(t, http.StatusCreated, status)
	require.True(t, resp.Success)

	status, resp = doJSON(t, http.MethodGet, f.server.URL+"/vault/"+vaultAddr.String(), nil)
	require.Equal(t, http.StatusOK, status)
	var state chain.Vault
	require.NoError(t, json.Unmarshal(resp.Data, &state))
	require.Equal(t, "ipfs://demo", state.MetadataURI)
	require.False(t, state.IsFractionalized)
}

func TestAuthorityWalletEndpoints(t *testing.T) {
	f := newFixture(t)
	status, resp := doJSON(t, http.MethodGet, f.server.URL+"/vault/authority-wallet", nil)
	require.Equal(t, http.StatusOK, status)
	var info struct {
		PublicKey  string  `json:"publicKey"`
		BalanceSol float64 `json:"balanceSol"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &info))
	require.Equal(t, f.authorityAddr(t).String(), info.PublicKey)
	require.Equal(t, 10.0, info.BalanceSol)

	status, resp = doJSON(t, http.MethodPost, f.server.URL+"/vault/authority-wallet/ensure-balance", map[string]any{
		"minBalance": wallet.LamportsPerSOL,
	})
	require.Equal(t, http.StatusOK, status)
	require.True(t, resp.Success)
}

func TestRateLimiting(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.RateLimitPerSecond = 1
		cfg.RateLimitBurst = 1
	})

	status, _ := doJSON(t, http.MethodGet, f.server.URL+"/healthz", nil)
	require.Equal(t, http.StatusOK, status)

	limited := false
	for i := 0; i < 5; i++ {
		status, resp := doJSON(t, http.MethodGet, f.server.URL+"/healthz", nil)
		if status == http.StatusTooManyRequests {
			require.Equal(t, "RATE_LIMITED", resp.Error)
			limited = true
			break
		}
	}
	require.True(t, limited)
}
