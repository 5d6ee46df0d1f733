package chain

import (
	"encoding/json"
	"fmt"
)

// RPCRequest is a JSON-RPC 2.0 request.
type RPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
	ID      int           `json:"id"`
}

// RPCResponse is a JSON-RPC 2.0 response.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      int             `json:"id"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// AccountInfo is the raw account state returned by the node. Data holds the
// program-defined account payload as JSON; its field naming varies between
// node versions, so callers must decode it through the normalization layer.
type AccountInfo struct {
	Owner    string          `json:"owner"`
	Lamports uint64          `json:"lamports"`
	Data     json.RawMessage `json:"data"`
}

// TokenBalance is the node's token account balance shape.
type TokenBalance struct {
	Amount   string `json:"amount"`
	Decimals int    `json:"decimals"`
}

// SignatureStatus reports confirmation progress for a submitted transaction.
type SignatureStatus struct {
	Confirmed bool   `json:"confirmed"`
	Err       string `json:"err,omitempty"`
}
