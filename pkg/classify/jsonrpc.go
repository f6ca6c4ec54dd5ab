package classify

import (
	"encoding/json"
	"strings"
)

// rpcRequest is the JSON-RPC 2.0 request envelope shared by MCP and A2A.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcResponse is the JSON-RPC 2.0 response envelope.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func decodeRequest(raw string) (rpcRequest, bool) {
	var req rpcRequest
	body := strings.TrimSpace(raw)
	if body == "" || body[0] != '{' {
		return req, false
	}
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return req, false
	}
	return req, req.Method != ""
}

// decodeResponse accepts plain JSON or an SSE framed stream, in which case
// the last event carrying a JSON-RPC result or error wins.
func decodeResponse(raw string) (rpcResponse, bool) {
	for _, payload := range responsePayloads(raw) {
		var resp rpcResponse
		if err := json.Unmarshal([]byte(payload), &resp); err != nil {
			continue
		}
		if len(resp.Result) > 0 || resp.Error != nil {
			return resp, true
		}
	}
	return rpcResponse{}, false
}

// responsePayloads returns candidate JSON documents, most recent first.
func responsePayloads(raw string) []string {
	body := strings.TrimSpace(raw)
	if body == "" {
		return nil
	}
	if body[0] == '{' {
		return []string{body}
	}
	events := parseSSE(body)
	out := make([]string, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		if data := strings.TrimSpace(events[i].Data); data != "" {
			out = append(out, data)
		}
	}
	return out
}
