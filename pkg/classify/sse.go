package classify

import "strings"

// sseEvent is one server-sent event.
type sseEvent struct {
	Event string
	ID    string
	Data  string
}

// parseSSE splits a captured SSE body into events. Streamable HTTP MCP
// servers and A2A message/stream answer this way, so response bodies in the
// telemetry are often SSE framed rather than plain JSON.
func parseSSE(body string) []sseEvent {
	body = strings.ReplaceAll(body, "\r\n", "\n")

	var (
		events    []sseEvent
		current   sseEvent
		dataLines []string
		hasFields bool
	)
	flush := func() {
		if hasFields {
			current.Data = strings.Join(dataLines, "\n")
			events = append(events, current)
		}
		current = sseEvent{}
		dataLines = nil
		hasFields = false
	}

	for _, line := range strings.Split(body, "\n") {
		if line == "" {
			flush()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		// Remove only a single space after colon
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			current.Event = value
			hasFields = true
		case "data":
			dataLines = append(dataLines, value)
			hasFields = true
		case "id":
			current.ID = value
			hasFields = true
		}
	}
	flush()
	return events
}
