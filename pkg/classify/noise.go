package classify

import (
	"net/http"
	"strings"

	"github.com/polisai/polis-flow/pkg/domain"
)

// StatusClientClosed is the nginx-style status for a client that went away
// before the response was written.
const StatusClientClosed = 499

// SlowRule names an address that is slow by design, such as a long-lived
// SSE stream whose gateway timeout is expected.
type SlowRule struct {
	Prefix string
	Suffix string
	Method string
}

func (s SlowRule) matches(rec *domain.Record) bool {
	if s.Method != "" && !strings.EqualFold(s.Method, rec.Method) {
		return false
	}
	if s.Suffix != "" && !strings.HasSuffix(rec.Path, s.Suffix) {
		return false
	}
	if s.Prefix != "" && !hasSegmentPrefix(rec.Path, s.Prefix) {
		return false
	}
	return s.Suffix != "" || s.Prefix != ""
}

// NoiseRules configures the noise filter.
type NoiseRules struct {
	Methods           []string
	Statuses          []int
	SlowPaths         []SlowRule
	DuplicatePrefixes []string
	// KeepNotifications disables dropping MCP notifications/* calls.
	KeepNotifications bool
}

// DefaultNoiseRules returns the rules for the reference deployment.
func DefaultNoiseRules() NoiseRules {
	return NoiseRules{
		Methods:   []string{http.MethodOptions, http.MethodHead, http.MethodConnect, http.MethodTrace},
		Statuses:  []int{StatusClientClosed, 0},
		SlowPaths: []SlowRule{{Suffix: "/mcp", Method: http.MethodGet}},
	}
}

// IsNoise reports whether rec is infrastructure chatter that carries no user
// visible activity. Asynchronous exchange records are never noise.
func IsNoise(rec *domain.Record, rules NoiseRules) bool {
	if rec == nil {
		return true
	}
	if rec.IsAsync() {
		return false
	}

	for _, m := range rules.Methods {
		if strings.EqualFold(m, rec.Method) {
			return true
		}
	}
	for _, s := range rules.Statuses {
		// A record without an address and status is still gateway
		// activity; only addressed calls with no response are dropped.
		if s == 0 && rec.Path == "" {
			continue
		}
		if rec.Status == s {
			return true
		}
	}
	if rec.Status == http.StatusGatewayTimeout {
		for _, rule := range rules.SlowPaths {
			if rule.matches(rec) {
				return true
			}
		}
	}
	for _, prefix := range rules.DuplicatePrefixes {
		if hasSegmentPrefix(rec.Path, prefix) {
			return true
		}
	}
	if !rules.KeepNotifications && isNotification(rec) {
		return true
	}
	return false
}

func isNotification(rec *domain.Record) bool {
	if strings.HasPrefix(rec.Method, "notifications/") {
		return true
	}
	if rec.Request.Empty() {
		return false
	}
	env, ok := decodeRequest(rec.Request.Raw)
	return ok && strings.HasPrefix(env.Method, "notifications/")
}
