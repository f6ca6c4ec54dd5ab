package classify

import (
	"encoding/json"
	"strings"

	"github.com/polisai/polis-flow/pkg/domain"
)

// a2aPart is one part of an A2A message or artifact.
type a2aPart struct {
	Kind string `json:"kind"`
	Type string `json:"type"`
	Text string `json:"text"`
	Data any    `json:"data,omitempty"`
}

type a2aMessage struct {
	Role      string    `json:"role"`
	Parts     []a2aPart `json:"parts"`
	MessageID string    `json:"messageId"`
	ContextID string    `json:"contextId"`
}

type a2aSendParams struct {
	Message a2aMessage `json:"message"`
}

type a2aArtifact struct {
	Name  string    `json:"name"`
	Parts []a2aPart `json:"parts"`
}

type a2aTaskStatus struct {
	State   string      `json:"state"`
	Message *a2aMessage `json:"message,omitempty"`
}

// a2aResult covers both result kinds of message/send: a direct message or a
// task with status and artifacts.
type a2aResult struct {
	Kind      string         `json:"kind"`
	Role      string         `json:"role"`
	Parts     []a2aPart      `json:"parts"`
	Status    *a2aTaskStatus `json:"status,omitempty"`
	Artifacts []a2aArtifact  `json:"artifacts,omitempty"`
	Artifact  *a2aArtifact   `json:"artifact,omitempty"`
}

type agentCard struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
	Skills      []struct {
		Name string `json:"name"`
	} `json:"skills"`
}

func partsText(parts []a2aPart) string {
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
			continue
		}
		if p.Data != nil {
			if b, err := json.Marshal(p.Data); err == nil {
				texts = append(texts, string(b))
			}
		}
	}
	return strings.Join(texts, " ")
}

// a2aRequestText extracts the message text of an A2A message/send request.
// Plain JSON bodies with a message or text field are accepted too.
func a2aRequestText(raw string) string {
	if req, ok := decodeRequest(raw); ok {
		var params a2aSendParams
		if json.Unmarshal(req.Params, &params) == nil {
			if text := partsText(params.Message.Parts); text != "" {
				return summarize(text)
			}
		}
		return ""
	}
	return bodySummary(raw)
}

// a2aResponseText extracts the agent answer from a message/send result,
// preferring artifacts, then the status message, then message parts.
func a2aResponseText(raw string) string {
	resp, ok := decodeResponse(raw)
	if !ok {
		return bodySummary(raw)
	}
	if resp.Error != nil {
		return summarize("Error: " + resp.Error.Message)
	}

	var result a2aResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return ""
	}

	var texts []string
	for _, a := range result.Artifacts {
		if t := partsText(a.Parts); t != "" {
			texts = append(texts, t)
		}
	}
	if result.Artifact != nil {
		if t := partsText(result.Artifact.Parts); t != "" {
			texts = append(texts, t)
		}
	}
	if len(texts) == 0 && result.Status != nil && result.Status.Message != nil {
		if t := partsText(result.Status.Message.Parts); t != "" {
			texts = append(texts, t)
		}
	}
	if len(texts) == 0 {
		if t := partsText(result.Parts); t != "" {
			texts = append(texts, t)
		}
	}
	if len(texts) == 0 && result.Status != nil && result.Status.State != "" {
		return "Task " + result.Status.State
	}
	return summarize(strings.Join(texts, " "))
}

func classifyAgent(route Route, rec *domain.Record) ProxiedCall {
	name := firstNonEmpty(rec.API, route.Name)
	call := ProxiedCall{
		Route:      route,
		Phase:      "Agent Call — " + name,
		Verb:       rec.Method + " " + rec.Path,
		Terminated: isGatewayTerminated(rec),
	}
	if req, ok := decodeRequest(rec.Request.Raw); ok {
		call.Verb = req.Method
	}
	call.RequestText = a2aRequestText(rec.Request.Raw)
	call.ResponseText = a2aResponseText(rec.Response.Raw)
	return call
}

func classifyAgentCard(route Route, rec *domain.Record) ProxiedCall {
	name := firstNonEmpty(rec.API, agentNameFromPath(rec.Path, route.Suffix), route.Name)
	call := ProxiedCall{
		Route:       route,
		Verb:        rec.Method + " " + rec.Path,
		RequestText: "Fetch agent card",
		Terminated:  isGatewayTerminated(rec),
	}

	var card agentCard
	body := strings.TrimSpace(rec.Response.Raw)
	if body != "" && json.Unmarshal([]byte(body), &card) == nil && card.Name != "" {
		name = card.Name
		call.Units = len(card.Skills)
		call.Unit = "skill"
		call.ResponseText = summarize(firstNonEmpty(card.Description, card.Name))
	}
	call.Phase = "Agent Discovery — " + name
	return call
}

func agentNameFromPath(path, suffix string) string {
	base := strings.Trim(strings.TrimSuffix(path, suffix), "/")
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	return base
}
