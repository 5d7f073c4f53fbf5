package rpc

import (
	"encoding/json"
)

// JSON-RPC 2.0 constants.
const (
	JSONRPCVersion = "2.0"
)

// Request represents a JSON-RPC 2.0 request from lightningd.
// ID is kept raw so it can be echoed byte-for-byte.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// NewResponse builds a response for id carrying either result or err.
func NewResponse(id json.RawMessage, result interface{}, err *RPCError) *Response {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	resp := &Response{JSONRPC: JSONRPCVersion, ID: id}
	if err != nil {
		resp.Error = err
		return resp
	}
	if result == nil {
		result = struct{}{}
	}
	resp.Result = result
	return resp
}

// RPCError represents a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorData is attached to every backend-derived error so lightningd can
// tell transient conditions from definitive answers.
type ErrorData struct {
	Category    string   `json:"category"`
	Reason      string   `json:"reason,omitempty"`
	Stage       string   `json:"stage,omitempty"`
	Method      string   `json:"backend_method,omitempty"`
	BackendCode int      `json:"backend_code,omitempty"`
	Retryable   bool     `json:"retryable"`
	Progress    *float64 `json:"progress,omitempty"`
}

// MethodInfo describes a registered method for the plugin manifest.
type MethodInfo struct {
	Name        string `json:"name"`
	Usage       string `json:"usage"`
	Description string `json:"description"`
}

// StatusResult is the getbackendstatus result.
type StatusResult struct {
	State               string           `json:"state"`
	Progress            float64          `json:"progress"`
	Chain               string           `json:"chain,omitempty"`
	Height              *uint64          `json:"height,omitempty"`
	BestBlockHash       string           `json:"bestblockhash,omitempty"`
	Headers             uint64           `json:"headers"`
	Blocks              uint64           `json:"blocks"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	FailureThreshold    int              `json:"failure_threshold,omitempty"`
	LastError           string           `json:"last_error,omitempty"`
	UpdatedAt           string           `json:"updated_at"`
	Endpoints           []EndpointStatus `json:"endpoints,omitempty"`
}

// EndpointStatus is the health of one backend endpoint.
type EndpointStatus struct {
	URL         string  `json:"url"`
	Healthy     bool    `json:"healthy"`
	LastError   string  `json:"last_error,omitempty"`
	LastSuccess string  `json:"last_success,omitempty"`
	LatencyMS   float64 `json:"latency_ms,omitempty"`
}
