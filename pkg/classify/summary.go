package classify

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxSummaryRunes bounds the text carried by a transition message.
const MaxSummaryRunes = 120

// summarize collapses whitespace and truncates to MaxSummaryRunes.
func summarize(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= MaxSummaryRunes {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:MaxSummaryRunes-1])) + "…"
}

// bodySummary returns a readable rendering of an opaque body: the text of a
// JSON string, a compact form of JSON documents, or the raw text.
func bodySummary(raw string) string {
	body := strings.TrimSpace(raw)
	if body == "" {
		return ""
	}
	var v any
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return summarize(body)
	}
	switch typed := v.(type) {
	case string:
		return summarize(typed)
	case map[string]any:
		for _, key := range []string{"message", "text", "content", "detail", "error"} {
			if s, ok := typed[key].(string); ok && s != "" {
				return summarize(s)
			}
		}
		if inner, ok := typed["error"].(map[string]any); ok {
			if s, ok := inner["message"].(string); ok && s != "" {
				return summarize(s)
			}
		}
	}
	compact, err := json.Marshal(v)
	if err != nil {
		return summarize(body)
	}
	return summarize(string(compact))
}

// itemCount returns the length of a top-level JSON array, or of the first
// array-valued field of a JSON object.
func itemCount(raw string) (int, bool) {
	body := strings.TrimSpace(raw)
	if body == "" {
		return 0, false
	}
	var v any
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return 0, false
	}
	switch typed := v.(type) {
	case []any:
		return len(typed), true
	case map[string]any:
		keys := make([]string, 0, len(typed))
		for k := range typed {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if arr, ok := typed[k].([]any); ok {
				return len(arr), true
			}
		}
	}
	return 0, false
}

// formatArgs renders tool arguments as "k: v, k2: v2" in key order.
func formatArgs(args any) string {
	m, ok := args.(map[string]any)
	if !ok {
		if args == nil {
			return ""
		}
		b, err := json.Marshal(args)
		if err != nil {
			return ""
		}
		return string(b)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+scalarText(m[k]))
	}
	return strings.Join(parts, ", ")
}

func scalarText(v any) string {
	switch typed := v.(type) {
	case string:
		return typed
	case nil:
		return "null"
	default:
		b, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprint(typed)
		}
		return string(b)
	}
}

// statusLabel renders a status code as "200 OK".
func statusLabel(status int) string {
	if text := http.StatusText(status); text != "" {
		return fmt.Sprintf("%d %s", status, text)
	}
	return fmt.Sprintf("%d", status)
}

func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "0ms"
	case d < time.Millisecond:
		return "<1ms"
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	default:
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
