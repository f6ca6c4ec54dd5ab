package classify

import (
	"encoding/json"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/polisai/polis-flow/pkg/domain"
)

func (r *Registry) classifyLLM(route Route, rec *domain.Record) ProxiedCall {
	call := ProxiedCall{Route: route, Verb: rec.Method + " " + rec.Path}

	var req openai.ChatCompletionRequest
	hasReq := !rec.Request.Empty() && json.Unmarshal([]byte(rec.Request.Raw), &req) == nil
	prompt := ""
	if hasReq {
		prompt = lastUserMessage(req.Messages)
		if req.Model != "" {
			call.Verb = "chat " + req.Model
		}
	}
	call.RequestText = summarize(firstNonEmpty(prompt, "Prompt"))

	resp, reached := decodeChatResponse(rec.Response.Raw)
	if rec.Status >= 400 && !reached {
		call.Phase = "Guard Rail — Request Blocked"
		call.Terminated = true
		call.Blocked = rec.Status != 429
		call.ResponseText = firstNonEmpty(bodySummary(rec.Response.Raw), "Request blocked before reaching the model")
		return call
	}
	call.Terminated = isGatewayTerminated(rec)

	if !reached {
		call.Phase = "LLM Final Answer"
		call.ResponseText = bodySummary(rec.Response.Raw)
		return call
	}

	msg := resp.Choices[0].Message
	completion := msg.Content
	if len(msg.ToolCalls) > 0 {
		names := make([]string, 0, len(msg.ToolCalls))
		calls := make([]string, 0, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			names = append(names, tc.Function.Name)
			calls = append(calls, tc.Function.Name+"("+toolArguments(tc.Function.Arguments)+")")
			completion += tc.Function.Name + tc.Function.Arguments
		}
		call.Phase = "LLM Decision — " + strings.Join(names, ", ")
		call.ResponseText = summarize("Call " + strings.Join(calls, ", "))
	} else {
		call.Phase = "LLM Final Answer"
		call.ResponseText = summarize(firstNonEmpty(msg.Content, "Empty answer"))
	}

	call.Unit = "token"
	call.Units = resp.Usage.TotalTokens
	if call.Units == 0 {
		model := firstNonEmpty(resp.Model, req.Model)
		if n, ok := r.tokens.Count(model, promptText(req.Messages)+completion); ok {
			call.Units = n
		}
	}
	return call
}

// decodeChatResponse reports whether the body is a chat completion, which
// means the request reached the model.
func decodeChatResponse(raw string) (openai.ChatCompletionResponse, bool) {
	var resp openai.ChatCompletionResponse
	body := strings.TrimSpace(raw)
	if body == "" || body[0] != '{' {
		return resp, false
	}
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return resp, false
	}
	return resp, len(resp.Choices) > 0
}

func lastUserMessage(msgs []openai.ChatCompletionMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == openai.ChatMessageRoleUser {
			if text := messageText(msgs[i]); text != "" {
				return text
			}
		}
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == openai.ChatMessageRoleTool {
			return "Tool result: " + messageText(msgs[i])
		}
	}
	return ""
}

func messageText(m openai.ChatCompletionMessage) string {
	if m.Content != "" {
		return m.Content
	}
	parts := make([]string, 0, len(m.MultiContent))
	for _, p := range m.MultiContent {
		if p.Type == openai.ChatMessagePartTypeText {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, " ")
}

func promptText(msgs []openai.ChatCompletionMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(messageText(m))
		b.WriteByte('\n')
	}
	return b.String()
}

func toolArguments(raw string) string {
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return raw
	}
	return formatArgs(args)
}
