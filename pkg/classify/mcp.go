package classify

import (
	"encoding/json"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/polisai/polis-flow/pkg/domain"
)

const (
	mcpInitialize = "initialize"
	mcpToolsList  = "tools/list"
	mcpToolsCall  = "tools/call"
)

func classifyMCP(route Route, rec *domain.Record) ProxiedCall {
	call := ProxiedCall{Route: route}

	req, _ := decodeRequest(rec.Request.Raw)
	method := req.Method
	if method == "" && strings.Contains(rec.Method, "/") {
		method = rec.Method
	}
	resp, hasResp := decodeResponse(rec.Response.Raw)

	call.Verb = rec.Method + " " + rec.Path
	if method != "" {
		call.Verb = method
	}
	call.Terminated = isGatewayTerminated(rec)

	switch method {
	case mcpToolsList:
		call.Phase = "Tool Discovery"
		call.RequestText = "List available tools"
		if hasResp && resp.Error == nil {
			var result mcp.ListToolsResult
			if err := json.Unmarshal(resp.Result, &result); err == nil {
				names := make([]string, 0, len(result.Tools))
				for _, t := range result.Tools {
					if t != nil {
						names = append(names, t.Name)
					}
				}
				call.Units = len(names)
				call.Unit = "tool"
				call.ResponseText = summarize(plural(len(names), "tool") + ": " + strings.Join(names, ", "))
				if len(names) == 0 {
					call.ResponseText = "No tools available"
				}
			}
		}

	case mcpToolsCall:
		var params mcp.CallToolParams
		if len(req.Params) > 0 {
			_ = json.Unmarshal(req.Params, &params)
		}
		name := firstNonEmpty(params.Name, "tool")
		call.Phase = "Tool Call — " + name
		call.RequestText = summarize(name + "(" + formatArgs(params.Arguments) + ")")
		if hasResp {
			call.ResponseText, call.Units = toolResultText(resp)
			if call.Units > 0 {
				call.Unit = "item"
			}
		}

	case mcpInitialize:
		call.Phase = "MCP Session — initialize"
		var params mcp.InitializeParams
		if len(req.Params) > 0 && json.Unmarshal(req.Params, &params) == nil && params.ClientInfo != nil {
			call.RequestText = summarize("Connect " + implementationText(params.ClientInfo))
		} else {
			call.RequestText = "Open MCP session"
		}
		if hasResp && resp.Error == nil {
			var result mcp.InitializeResult
			if err := json.Unmarshal(resp.Result, &result); err == nil && result.ServerInfo != nil {
				call.ResponseText = summarize("Session ready: " + implementationText(result.ServerInfo))
			}
		}

	case "":
		call.Phase = "MCP Request"

	default:
		call.Phase = "MCP Request — " + method
	}

	if hasResp && resp.Error != nil && call.ResponseText == "" {
		call.ResponseText = summarize("Error: " + resp.Error.Message)
	}
	return call
}

// toolResultText renders a tools/call result and counts the items it
// returned when the text content is a JSON array.
func toolResultText(resp rpcResponse) (string, int) {
	if resp.Error != nil {
		return summarize("Error: " + resp.Error.Message), 0
	}

	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return bodySummary(string(resp.Result)), 0
	}

	var texts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcp.TextContent); ok && tc.Text != "" {
			texts = append(texts, tc.Text)
		}
	}
	text := strings.Join(texts, "\n")

	units := 0
	if n, ok := itemCount(text); ok {
		units = n
	} else if result.StructuredContent != nil {
		if b, err := json.Marshal(result.StructuredContent); err == nil {
			units, _ = itemCount(string(b))
		}
	}

	if result.IsError {
		return summarize("Tool error: " + text), 0
	}
	if text == "" {
		return "Tool returned no content", units
	}
	return bodySummary(text), units
}

func implementationText(impl *mcp.Implementation) string {
	if impl.Version == "" {
		return impl.Name
	}
	return impl.Name + " " + impl.Version
}
