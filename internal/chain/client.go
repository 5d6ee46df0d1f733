// Package chain provides ledger RPC interaction for the vault layer.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client provides JSON-RPC client functionality against a ledger node.
type Client struct {
	rpcURL     string
	httpClient *http.Client
	commitment string
}

// Config holds client configuration.
type Config struct {
	RPCURL     string
	Commitment string // e.g. "confirmed"
	Timeout    time.Duration
}

// NewClient creates a new ledger RPC client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	commitment := cfg.Commitment
	if commitment == "" {
		commitment = "confirmed"
	}

	return &Client{
		rpcURL: cfg.RPCURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		commitment: commitment,
	}, nil
}

// =============================================================================
// Core RPC Methods
// =============================================================================

// Call makes an RPC call to the ledger node.
func (c *Client) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	req := RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

// GetBalance returns the spendable balance of an address in lamports.
func (c *Client) GetBalance(ctx context.Context, addr Address) (uint64, error) {
	result, err := c.Call(ctx, "getBalance", []interface{}{addr.String(), map[string]string{"commitment": c.commitment}})
	if err != nil {
		return 0, err
	}
	var balance uint64
	if err := json.Unmarshal(result, &balance); err != nil {
		return 0, fmt.Errorf("unmarshal balance: %w", err)
	}
	return balance, nil
}

// GetAccountInfo fetches raw account state. A null result means the account
// does not exist; that is surfaced as ErrNoAccount for callers to map.
func (c *Client) GetAccountInfo(ctx context.Context, addr Address) (*AccountInfo, error) {
	result, err := c.Call(ctx, "getAccountInfo", []interface{}{addr.String(), map[string]string{"commitment": c.commitment}})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, ErrNoAccount
	}
	var info AccountInfo
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, fmt.Errorf("unmarshal account info: %w", err)
	}
	return &info, nil
}

// GetTokenAccountBalance returns the balance of a token account.
func (c *Client) GetTokenAccountBalance(ctx context.Context, addr Address) (TokenBalance, error) {
	result, err := c.Call(ctx, "getTokenAccountBalance", []interface{}{addr.String()})
	if err != nil {
		return TokenBalance{}, err
	}
	var bal TokenBalance
	if err := json.Unmarshal(result, &bal); err != nil {
		return TokenBalance{}, fmt.Errorf("unmarshal token balance: %w", err)
	}
	return bal, nil
}

// RequestAirdrop asks the node's faucet to fund an address with lamports.
// It returns the funding transaction signature; callers must confirm it.
func (c *Client) RequestAirdrop(ctx context.Context, addr Address, lamports uint64) (string, error) {
	result, err := c.Call(ctx, "requestAirdrop", []interface{}{addr.String(), lamports})
	if err != nil {
		return "", err
	}
	var signature string
	if err := json.Unmarshal(result, &signature); err != nil {
		return "", fmt.Errorf("unmarshal airdrop signature: %w", err)
	}
	return signature, nil
}

// GetSignatureStatus reports confirmation state for a transaction signature.
func (c *Client) GetSignatureStatus(ctx context.Context, signature string) (SignatureStatus, error) {
	result, err := c.Call(ctx, "getSignatureStatus", []interface{}{signature})
	if err != nil {
		return SignatureStatus{}, err
	}
	var status SignatureStatus
	if err := json.Unmarshal(result, &status); err != nil {
		return SignatureStatus{}, fmt.Errorf("unmarshal signature status: %w", err)
	}
	return status, nil
}

// DefaultConfirmTimeout is the default timeout for waiting for confirmation.
const DefaultConfirmTimeout = 60 * time.Second

// DefaultPollInterval is the default interval for polling transaction status.
const DefaultPollInterval = 2 * time.Second

// WaitForConfirmation polls a signature until it confirms or the context is
// done. A missing status is transient and retried until the deadline expires.
func (c *Client) WaitForConfirmation(ctx context.Context, signature string, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			status, err := c.GetSignatureStatus(ctx, signature)
			if err != nil {
				if isNotFoundError(err) {
					continue
				}
				return err
			}
			if status.Err != "" {
				return fmt.Errorf("transaction %s failed: %s", signature, status.Err)
			}
			if status.Confirmed {
				return nil
			}
		}
	}
}

// ErrNoAccount indicates the requested account does not exist on the ledger.
var ErrNoAccount = fmt.Errorf("account does not exist")

func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "unknown transaction")
}
