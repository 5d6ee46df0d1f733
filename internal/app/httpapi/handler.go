package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/Arteon-Labs/vault_layer/internal/app/domain/buyout"
	"github.com/Arteon-Labs/vault_layer/internal/app/domain/vault"
	"github.com/Arteon-Labs/vault_layer/internal/app/metrics"
	buyoutsvc "github.com/Arteon-Labs/vault_layer/internal/app/services/buyout"
	vaultsvc "github.com/Arteon-Labs/vault_layer/internal/app/services/vault"
	"github.com/Arteon-Labs/vault_layer/internal/apperr"
	"github.com/Arteon-Labs/vault_layer/internal/chain"
	"github.com/Arteon-Labs/vault_layer/internal/wallet"
	"github.com/Arteon-Labs/vault_layer/pkg/logger"
)

// Faucet funds arbitrary addresses on test networks. It is optional; the
// airdrop endpoint answers NOT_IMPLEMENTED when no faucet is wired.
type Faucet interface {
	RequestAirdrop(ctx context.Context, addr chain.Address, lamports uint64) (string, error)
	WaitForConfirmation(ctx context.Context, signature string, pollInterval time.Duration) error
}

// Handler exposes the buyout and vault services over HTTP.
type Handler struct {
	buyouts *buyoutsvc.Service
	vaults  *vaultsvc.Service
	faucet  Faucet
	log     *logger.Logger
}

// Config carries the handler dependencies and middleware tuning.
type Config struct {
	Buyouts *buyoutsvc.Service
	Vaults  *vaultsvc.Service
	Faucet  Faucet
	Logger  *logger.Logger

	RateLimitPerSecond int
	RateLimitBurst     int
}

// NewHandler builds the full route tree with CORS, request logging, rate
// limiting and request metrics applied to every route.
func NewHandler(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("httpapi")
	}
	h := &Handler{
		buyouts: cfg.Buyouts,
		vaults:  cfg.Vaults,
		faucet:  cfg.Faucet,
		log:     cfg.Logger,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	b := r.PathPrefix("/buyout").Subrouter()
	b.HandleFunc("/initiate", h.handleInitiate).Methods(http.MethodPost)
	b.HandleFunc("/accept", h.handleAccept).Methods(http.MethodPost)
	b.HandleFunc("/reject", h.handleReject).Methods(http.MethodPost)
	b.HandleFunc("/all-offers", h.handleAllOffers).Methods(http.MethodGet)
	b.HandleFunc("/top-offers", h.handleTopOffers).Methods(http.MethodGet)
	b.HandleFunc("/statistics", h.handleStatistics).Methods(http.MethodGet)
	b.HandleFunc("/offers/{vaultAddress}", h.handleOnChainOffers).Methods(http.MethodGet)
	b.HandleFunc("/vault/{vaultAddress}/offers", h.handleVaultOffers).Methods(http.MethodGet)
	b.HandleFunc("/buyer/{buyerPublicKey}/offers", h.handleBuyerOffers).Methods(http.MethodGet)
	b.HandleFunc("/airdrop-buyer", h.handleAirdropBuyer).Methods(http.MethodPost)
	b.HandleFunc("/generate-buyer-keypair", h.handleGenerateKeypair).Methods(http.MethodGet)

	v := r.PathPrefix("/vault").Subrouter()
	v.HandleFunc("/initialize", h.handleInitializeVault).Methods(http.MethodPost)
	v.HandleFunc("/fractionalize", h.handleFractionalize).Methods(http.MethodPost)
	v.HandleFunc("/fractionalizations", h.handleListFractionalizations).Methods(http.MethodGet)
	v.HandleFunc("/authority-wallet", h.handleAuthorityWallet).Methods(http.MethodGet)
	v.HandleFunc("/authority-wallet/ensure-balance", h.handleEnsureBalance).Methods(http.MethodPost)
	v.HandleFunc("/{vaultAddress}", h.handleGetVault).Methods(http.MethodGet)
	v.HandleFunc("/{vaultAddress}/fractionalization", h.handleFractionalizationInfo).Methods(http.MethodGet)
	v.HandleFunc("/{vaultAddress}/fractionalization-info", h.handleFractionalizationInfo).Methods(http.MethodGet)

	var handler http.Handler = r
	if cfg.RateLimitPerSecond > 0 {
		rl := newRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst, cfg.Logger)
		handler = rl.middleware(handler)
	}
	handler = metrics.InstrumentHandler(handler)
	handler = loggingMiddleware(cfg.Logger)(handler)
	handler = corsMiddleware(handler)
	return handler
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ===== Buyout routes =====

type initiateRequest struct {
	VaultAddress     string           `json:"vaultAddress"`
	OfferLamports    int64            `json:"offerLamports"`
	BuyerKeypair     wallet.SecretKey `json:"buyerKeypair,omitempty"`
	BuyerKeypairPath string           `json:"buyerKeypairPath,omitempty"`
	BuyerNote        string           `json:"buyerNote,omitempty"`
}

type initiateResponse struct {
	Offer                buyout.Offer `json:"offer"`
	TransactionSignature string       `json:"transactionSignature"`
}

func (h *Handler) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	secret := []byte(req.BuyerKeypair)
	if len(secret) == 0 && strings.TrimSpace(req.BuyerKeypairPath) != "" {
		loaded, err := wallet.ReadSecretKeyFile(req.BuyerKeypairPath)
		if err != nil {
			writeError(w, err)
			return
		}
		secret = loaded
	}
	if len(secret) == 0 {
		writeError(w, apperr.New(apperr.CodeValidation, "buyerKeypair or buyerKeypairPath is required"))
		return
	}

	res, err := h.buyouts.Initiate(r.Context(), buyoutsvc.InitiateRequest{
		VaultAddress:   req.VaultAddress,
		OfferLamports:  req.OfferLamports,
		BuyerSecretKey: secret,
		BuyerNote:      req.BuyerNote,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccessWarning(w, http.StatusCreated, initiateResponse{
		Offer:                res.Offer,
		TransactionSignature: res.TransactionSignature,
	}, res.Warning)
}

type respondRequest struct {
	VaultAddress   string `json:"vaultAddress"`
	BuyerPublicKey string `json:"buyerPubkey"`
	Notes          string `json:"notes,omitempty"`
}

type respondResponse struct {
	Offer                buyout.Offer `json:"offer"`
	TransactionSignature string       `json:"transactionSignature,omitempty"`
	Mocked               bool         `json:"mocked"`
}

func (h *Handler) handleAccept(w http.ResponseWriter, r *http.Request) {
	h.respondToOffer(w, r, h.buyouts.Accept)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	h.respondToOffer(w, r, h.buyouts.Reject)
}

func (h *Handler) respondToOffer(w http.ResponseWriter, r *http.Request, respond func(context.Context, buyoutsvc.RespondRequest) (buyoutsvc.RespondResult, error)) {
	var req respondRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := respond(r.Context(), buyoutsvc.RespondRequest{
		VaultAddress:   req.VaultAddress,
		BuyerPublicKey: req.BuyerPublicKey,
		Notes:          req.Notes,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, respondResponse{
		Offer:                res.Offer,
		TransactionSignature: res.TransactionSignature,
		Mocked:               res.Mocked,
	})
}

type offerListResponse struct {
	Offers     []buyout.Offer  `json:"offers"`
	Pagination buyout.PageInfo `json:"pagination"`
}

func (h *Handler) handleAllOffers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := buyout.Filter{
		VaultAddress:   strings.TrimSpace(q.Get("vaultAddress")),
		BuyerPublicKey: strings.TrimSpace(q.Get("buyerPublicKey")),
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		filter.Status = buyout.Status(raw)
	}
	var err error
	if filter.MinOfferSOL, err = parseOptionalFloat(q.Get("minAmount"), "minAmount"); err != nil {
		writeError(w, err)
		return
	}
	if filter.MaxOfferSOL, err = parseOptionalFloat(q.Get("maxAmount"), "maxAmount"); err != nil {
		writeError(w, err)
		return
	}

	sort, err := parseSort(q.Get("sortBy"), q.Get("sortOrder"))
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := parsePage(q.Get("page"), q.Get("limit"))
	if err != nil {
		writeError(w, err)
		return
	}

	offers, pageInfo, err := h.buyouts.ListOffers(r.Context(), filter, sort, page)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, offerListResponse{Offers: offers, Pagination: pageInfo})
}

func (h *Handler) handleVaultOffers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := parsePage(q.Get("page"), q.Get("limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	status := buyout.Status(strings.TrimSpace(q.Get("status")))

	offers, pageInfo, err := h.buyouts.VaultOffers(r.Context(), mux.Vars(r)["vaultAddress"], status, page)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, offerListResponse{Offers: offers, Pagination: pageInfo})
}

func (h *Handler) handleBuyerOffers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := parsePage(q.Get("page"), q.Get("limit"))
	if err != nil {
		writeError(w, err)
		return
	}

	offers, pageInfo, err := h.buyouts.BuyerOffers(r.Context(), mux.Vars(r)["buyerPublicKey"], page)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, offerListResponse{Offers: offers, Pagination: pageInfo})
}

func (h *Handler) handleTopOffers(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, apperr.New(apperr.CodeValidation, "limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	offers, err := h.buyouts.TopOffers(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"offers": offers})
}

func (h *Handler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.buyouts.Statistics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, stats)
}

func (h *Handler) handleOnChainOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := h.buyouts.OnChainOffers(r.Context(), mux.Vars(r)["vaultAddress"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"offers": offers})
}

type airdropRequest struct {
	BuyerPublicKey string `json:"buyerPubkey"`
	Lamports       uint64 `json:"lamports,omitempty"`
}

func (h *Handler) handleAirdropBuyer(w http.ResponseWriter, r *http.Request) {
	if h.faucet == nil {
		writeError(w, apperr.New(apperr.CodeNotImplemented, "airdrops are not available on this network"))
		return
	}

	var req airdropRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	addr, err := chain.ParseAddress(strings.TrimSpace(req.BuyerPublicKey))
	if err != nil {
		writeError(w, apperr.Wrap(err, apperr.CodeValidation, "invalid buyer public key"))
		return
	}
	lamports := req.Lamports
	if lamports == 0 {
		lamports = 2 * wallet.LamportsPerSOL
	}

	sig, err := h.faucet.RequestAirdrop(r.Context(), addr, lamports)
	if err != nil {
		writeError(w, apperr.Wrap(err, apperr.CodeFunding, "airdrop request failed"))
		return
	}
	if err := h.faucet.WaitForConfirmation(r.Context(), sig, time.Second); err != nil {
		writeError(w, apperr.Wrap(err, apperr.CodeFunding, "airdrop %s did not confirm", sig))
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"buyerPubkey": addr.String(),
		"lamports":    lamports,
		"signature":   sig,
	})
}

func (h *Handler) handleGenerateKeypair(w http.ResponseWriter, r *http.Request) {
	kp, err := chain.NewKeypair()
	if err != nil {
		writeError(w, apperr.Wrap(err, apperr.CodeInternal, "keypair generation failed"))
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"publicKey": kp.PublicKey().String(),
		"secretKey": wallet.SecretKey(kp.Secret()),
	})
}

// ===== Vault routes =====

type initializeVaultRequest struct {
	VaultAddress string `json:"vaultAddress"`
	MetadataURI  string `json:"metadataUri"`
	TotalSupply  uint64 `json:"totalSupply"`
}

func (h *Handler) handleInitializeVault(w http.ResponseWriter, r *http.Request) {
	var req initializeVaultRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.vaults.CreateVault(r.Context(), vaultsvc.CreateVaultRequest{
		VaultAddress: req.VaultAddress,
		MetadataURI:  req.MetadataURI,
		TotalSupply:  req.TotalSupply,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, map[string]any{
		"vault":     res.Vault.String(),
		"authority": res.Authority.String(),
		"signature": res.Signature,
	})
}

type fractionalizeRequest struct {
	VaultAddress       string `json:"vaultPubkey"`
	UseServerAuthority *bool  `json:"useServerAuthority,omitempty"`
	ContentID          string `json:"contentId,omitempty"`
}

type fractionalizeResponse struct {
	Vault                 chain.Vault  `json:"vault"`
	TokenMint             string       `json:"tokenMint"`
	AuthorityTokenBalance string       `json:"authorityTokenBalance"`
	TransactionSignature  string       `json:"transactionSignature"`
	Record                vault.Record `json:"record"`
}

func (h *Handler) handleFractionalize(w http.ResponseWriter, r *http.Request) {
	var req fractionalizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.vaults.Fractionalize(r.Context(), vaultsvc.FractionalizeRequest{
		VaultAddress:       req.VaultAddress,
		UseServerAuthority: req.UseServerAuthority,
		ContentID:          req.ContentID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccessWarning(w, http.StatusOK, fractionalizeResponse{
		Vault:                 res.Chain.Vault,
		TokenMint:             res.Chain.TokenMint.String(),
		AuthorityTokenBalance: res.Chain.AuthorityTokenBalance,
		TransactionSignature:  res.Chain.Signature,
		Record:                res.Record,
	}, res.Warning)
}

func (h *Handler) handleListFractionalizations(w http.ResponseWriter, r *http.Request) {
	records, err := h.vaults.ListRecords(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"fractionalizations": records})
}

func (h *Handler) handleGetVault(w http.ResponseWriter, r *http.Request) {
	state, err := h.vaults.GetVault(r.Context(), mux.Vars(r)["vaultAddress"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, state)
}

func (h *Handler) handleFractionalizationInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.vaults.Info(r.Context(), mux.Vars(r)["vaultAddress"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"vault":       info.Vault,
		"record":      info.Record,
		"derivedMint": info.DerivedMint,
		"mintMatches": info.MintMatches,
	})
}

func (h *Handler) handleAuthorityWallet(w http.ResponseWriter, r *http.Request) {
	info, balance, err := h.vaults.AuthorityWallet(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	// The secret key is deliberately exposed here to mirror the wallet file;
	// the route must sit behind operator-level access control in deployment.
	writeSuccess(w, http.StatusOK, map[string]any{
		"publicKey":  info.PublicKey,
		"secretKey":  info.SecretKey,
		"balance":    balance,
		"balanceSol": float64(balance) / float64(wallet.LamportsPerSOL),
		"createdAt":  info.CreatedAt,
		"purpose":    info.Purpose,
	})
}

type ensureBalanceRequest struct {
	MinBalance uint64 `json:"minBalance,omitempty"`
}

func (h *Handler) handleEnsureBalance(w http.ResponseWriter, r *http.Request) {
	var req ensureBalanceRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	balance, err := h.vaults.EnsureAuthorityBalance(r.Context(), req.MinBalance)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"balance":    balance,
		"balanceSol": float64(balance) / float64(wallet.LamportsPerSOL),
	})
}

// ===== Query parsing =====

func parseOptionalFloat(raw, name string) (*float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return nil, apperr.New(apperr.CodeValidation, "%s must be a non-negative number", name)
	}
	return &v, nil
}

func parseSort(sortBy, sortOrder string) (buyout.Sort, error) {
	sort := buyout.Sort{Field: buyout.SortByCreatedAt, Descending: true}
	switch strings.TrimSpace(sortBy) {
	case "", string(buyout.SortByCreatedAt):
	case string(buyout.SortByAmount):
		sort.Field = buyout.SortByAmount
	case string(buyout.SortByExpiresAt):
		sort.Field = buyout.SortByExpiresAt
	default:
		return buyout.Sort{}, apperr.New(apperr.CodeValidation, "unknown sortBy %q", sortBy)
	}
	switch strings.ToLower(strings.TrimSpace(sortOrder)) {
	case "", "desc":
	case "asc":
		sort.Descending = false
	default:
		return buyout.Sort{}, apperr.New(apperr.CodeValidation, "sortOrder must be asc or desc")
	}
	return sort, nil
}

func parsePage(pageRaw, limitRaw string) (buyout.Page, error) {
	page := buyout.Page{}
	if raw := strings.TrimSpace(pageRaw); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return buyout.Page{}, apperr.New(apperr.CodeValidation, "page must be a positive integer")
		}
		page.Number = n
	}
	if raw := strings.TrimSpace(limitRaw); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return buyout.Page{}, apperr.New(apperr.CodeValidation, "limit must be a positive integer")
		}
		page.Limit = n
	}
	return page, nil
}
