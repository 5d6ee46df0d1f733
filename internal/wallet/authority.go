// Package wallet manages the server-controlled authority signing identity
// used for vault and fractionalization operations.
package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Arteon-Labs/vault_layer/internal/apperr"
	"github.com/Arteon-Labs/vault_layer/internal/chain"
	"github.com/Arteon-Labs/vault_layer/pkg/logger"
)

// LamportsPerSOL is the smallest-unit scale of the ledger's native token.
const LamportsPerSOL = 1_000_000_000

// minTopUpLamports is the floor for a single faucet request, so repeated
// small deficits don't turn into a stream of tiny funding calls.
const minTopUpLamports = 2 * LamportsPerSOL

// defaultConfirmWindow bounds how long a funding top-up may take end to end.
const defaultConfirmWindow = 30 * time.Second

// node is the ledger surface the keystore needs.
type node interface {
	GetBalance(ctx context.Context, addr chain.Address) (uint64, error)
	RequestAirdrop(ctx context.Context, addr chain.Address, lamports uint64) (string, error)
	WaitForConfirmation(ctx context.Context, signature string, pollInterval time.Duration) error
}

// SecretKey is raw key material that marshals as a JSON array of byte
// values, the layout wallet tooling writes, rather than the base64 string
// encoding/json uses for []byte.
type SecretKey []byte

func (s SecretKey) MarshalJSON() ([]byte, error) {
	vals := make([]uint16, len(s))
	for i, b := range s {
		vals[i] = uint16(b)
	}
	return json.Marshal(vals)
}

func (s *SecretKey) UnmarshalJSON(data []byte) error {
	var vals []uint16
	if err := json.Unmarshal(data, &vals); err != nil {
		return err
	}
	out := make([]byte, len(vals))
	for i, v := range vals {
		if v > 0xff {
			return fmt.Errorf("secret key byte %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	*s = out
	return nil
}

// ReadSecretKeyFile reads a 64-byte secret key from a wallet file, accepting
// both the object layout and a bare JSON array.
func ReadSecretKeyFile(path string) (SecretKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeValidation, "wallet file not found at %s", path)
	}
	var file keypairFile
	if err := json.Unmarshal(raw, &file); err == nil && len(file.SecretKey) > 0 {
		return file.SecretKey, nil
	}
	var secret SecretKey
	if err := json.Unmarshal(raw, &secret); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeValidation, "parse wallet file %s", path)
	}
	return secret, nil
}

// keypairFile is the on-disk layout of the authority wallet file.
type keypairFile struct {
	SecretKey SecretKey `json:"secretKey"`
	CreatedAt time.Time `json:"createdAt"`
	Purpose   string    `json:"purpose"`
	IsFixed   bool      `json:"isFixed"`
}

// Info describes the authority identity for the access-controlled wallet
// endpoint. SecretKey is included deliberately: the route exposing it must be
// restricted in any real deployment.
type Info struct {
	PublicKey string    `json:"publicKey"`
	SecretKey SecretKey `json:"secretKey"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	Purpose   string    `json:"purpose,omitempty"`
}

// Keystore holds the single process-wide authority identity. It is
// constructed explicitly at startup and injected into every component that
// needs it; the secret material never mutates after Load, so concurrent read
// access across requests is safe.
type Keystore struct {
	node node
	log  *logger.Logger

	kp      chain.Keypair
	meta    keypairFile
	loaded  bool
	confirm time.Duration

	// topUp serializes funding so concurrent requests coalesce on one
	// outstanding faucet call per identity.
	topUp sync.Mutex
}

// Option configures a Keystore.
type Option func(*Keystore)

// WithConfirmWindow overrides the bounded wait for funding confirmation.
func WithConfirmWindow(d time.Duration) Option {
	return func(k *Keystore) { k.confirm = d }
}

// New builds an unloaded keystore. Call Load before use.
func New(n node, log *logger.Logger, opts ...Option) *Keystore {
	if log == nil {
		log = logger.NewDefault("wallet")
	}
	k := &Keystore{node: n, log: log, confirm: defaultConfirmWindow}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Load reads the authority keypair file. It fails with CONFIGURATION_ERROR
// when no credential material is present.
func (k *Keystore) Load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeConfiguration, "authority wallet file not found at %s", path)
	}

	var file keypairFile
	if err := json.Unmarshal(raw, &file); err != nil {
		// Older wallet files are a bare JSON array of 64 bytes.
		var secret SecretKey
		if arrErr := json.Unmarshal(raw, &secret); arrErr != nil {
			return apperr.Wrap(err, apperr.CodeConfiguration, "parse authority wallet file %s", path)
		}
		file = keypairFile{SecretKey: secret}
	}

	kp, err := chain.KeypairFromSecret(file.SecretKey)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeConfiguration, "invalid authority secret key in %s", path)
	}

	k.kp = kp
	k.meta = file
	k.loaded = true
	k.log.WithField("public_key", kp.PublicKey().String()).Info("authority wallet loaded")
	return nil
}

// LoadGenerated installs a freshly generated identity. Intended for tests and
// local development where no fixed wallet file exists.
func (k *Keystore) LoadGenerated() error {
	kp, err := chain.NewKeypair()
	if err != nil {
		return apperr.Wrap(err, apperr.CodeConfiguration, "generate authority keypair")
	}
	k.kp = kp
	k.meta = keypairFile{SecretKey: SecretKey(kp.Secret()), CreatedAt: time.Now().UTC(), Purpose: "generated"}
	k.loaded = true
	return nil
}

// PublicKey returns the authority's public identity without exposing secret
// material.
func (k *Keystore) PublicKey() (chain.Address, error) {
	if !k.loaded {
		return chain.Address{}, apperr.New(apperr.CodeConfiguration, "authority wallet not loaded")
	}
	return k.kp.PublicKey(), nil
}

// Keypair returns the signing identity for authority-gated submissions.
func (k *Keystore) Keypair() (chain.Keypair, error) {
	if !k.loaded {
		return chain.Keypair{}, apperr.New(apperr.CodeConfiguration, "authority wallet not loaded")
	}
	return k.kp, nil
}

// WalletInfo returns identity metadata including the secret key.
func (k *Keystore) WalletInfo() (Info, error) {
	if !k.loaded {
		return Info{}, apperr.New(apperr.CodeConfiguration, "authority wallet not loaded")
	}
	return Info{
		PublicKey: k.kp.PublicKey().String(),
		SecretKey: k.meta.SecretKey,
		CreatedAt: k.meta.CreatedAt,
		Purpose:   k.meta.Purpose,
	}, nil
}

// Balance reads the authority's current spendable balance.
func (k *Keystore) Balance(ctx context.Context) (uint64, error) {
	addr, err := k.PublicKey()
	if err != nil {
		return 0, err
	}
	return k.node.GetBalance(ctx, addr)
}

// EnsureBalance checks the authority's balance against minLamports and, when
// short, requests faucet funding and waits for confirmation within a bounded
// window. It blocks the caller: funding is a precondition, not background
// work. Returns the balance after any top-up and whether an airdrop was
// actually requested, so callers can account top-ups separately from cheap
// balance checks. Fails with FUNDING_ERROR when the top-up cannot be
// confirmed in time.
func (k *Keystore) EnsureBalance(ctx context.Context, minLamports uint64) (uint64, bool, error) {
	addr, err := k.PublicKey()
	if err != nil {
		return 0, false, err
	}

	k.topUp.Lock()
	defer k.topUp.Unlock()

	// Re-check under the guard: a caller that queued behind an in-flight
	// top-up usually finds the balance already sufficient.
	balance, err := k.node.GetBalance(ctx, addr)
	if err != nil {
		return 0, false, apperr.Wrap(err, apperr.CodeFunding, "read authority balance")
	}
	if balance >= minLamports {
		return balance, false, nil
	}

	amount := minLamports - balance
	if amount < minTopUpLamports {
		amount = minTopUpLamports
	}

	k.log.WithField("balance", balance).
		WithField("required", minLamports).
		WithField("top_up", amount).
		Info("requesting authority funding")

	fundCtx, cancel := context.WithTimeout(ctx, k.confirm)
	defer cancel()

	sig, err := k.node.RequestAirdrop(fundCtx, addr, amount)
	if err != nil {
		return 0, true, apperr.Wrap(err, apperr.CodeFunding, "airdrop request failed (current %s, required %s)",
			formatSOL(balance), formatSOL(minLamports))
	}
	if err := k.node.WaitForConfirmation(fundCtx, sig, 0); err != nil {
		return 0, true, apperr.Wrap(err, apperr.CodeFunding, "airdrop %s not confirmed within %s", sig, k.confirm)
	}

	updated, err := k.node.GetBalance(ctx, addr)
	if err != nil {
		return 0, true, apperr.Wrap(err, apperr.CodeFunding, "read authority balance after top-up")
	}
	if updated < minLamports {
		return 0, true, apperr.New(apperr.CodeFunding, "balance still insufficient after top-up: %s < %s",
			formatSOL(updated), formatSOL(minLamports))
	}

	k.log.WithField("balance", updated).Info("authority funding confirmed")
	return updated, true, nil
}

func formatSOL(lamports uint64) string {
	return fmt.Sprintf("%.9g SOL", float64(lamports)/LamportsPerSOL)
}
