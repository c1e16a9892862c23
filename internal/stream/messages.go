package stream

import (
	"encoding/json"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// WebSocket message types for the push-notification RPC dialect.

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type wsError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *wsError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// wsEnvelope covers every inbound frame: subscribe acks correlate by ID,
// notifications by Method.
type wsEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Result  json.RawMessage `json:"result"`
	Error   *wsError        `json:"error"`
	Params  json.RawMessage `json:"params"`
}

type accountNotificationParams struct {
	Subscription int64 `json:"subscription"`
	Result       struct {
		Context struct {
			Slot int64 `json:"slot"`
		} `json:"context"`
		Value struct {
			Data []string `json:"data"` // [base64_data, encoding]
		} `json:"value"`
	} `json:"result"`
}

type logsNotificationParams struct {
	Subscription int64 `json:"subscription"`
	Result       struct {
		Context struct {
			Slot int64 `json:"slot"`
		} `json:"context"`
		Value struct {
			Signature string      `json:"signature"`
			Logs      []string    `json:"logs"`
			Err       interface{} `json:"err"`
		} `json:"value"`
	} `json:"result"`
}

func subscribeAccountRequest(id uint64, account solana.PublicKey) wsRequest {
	return wsRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "accountSubscribe",
		Params: []interface{}{
			account.String(),
			map[string]string{"encoding": "base64", "commitment": "processed"},
		},
	}
}

func unsubscribeAccountRequest(id uint64, subscription int64) wsRequest {
	return wsRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "accountUnsubscribe",
		Params:  []interface{}{subscription},
	}
}

func subscribeLogsRequest(id uint64, program solana.PublicKey) wsRequest {
	return wsRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "logsSubscribe",
		Params: []interface{}{
			map[string]interface{}{"mentions": []string{program.String()}},
			map[string]string{"commitment": "processed"},
		},
	}
}
