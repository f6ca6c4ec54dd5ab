package classify

import (
	"sort"
	"strings"
	"time"

	"github.com/polisai/polis-flow/pkg/domain"
)

// Family identifies the protocol that produced a record.
type Family string

const (
	FamilyAgentCard    Family = "agent-card"
	FamilyMCP          Family = "mcp"
	FamilyLLM          Family = "llm"
	FamilyAgent        Family = "subagent"
	FamilyBackend      Family = "backend"
	FamilyHTTP         Family = "http"
	FamilyUnclassified Family = "unclassified"
	FamilyTerminal     Family = "terminal"
	FamilyAsync        Family = "async"
)

// Valid reports whether f can be assigned to a configured route.
func (f Family) Valid() bool {
	switch f {
	case FamilyAgentCard, FamilyMCP, FamilyLLM, FamilyAgent, FamilyBackend, FamilyHTTP:
		return true
	default:
		return false
	}
}

// Route is one entry of the dispatch table.
type Route struct {
	Name   string
	Family Family
	// Prefix matches whole path segments: "/llm" matches "/llm" and
	// "/llm/v1/chat" but not "/llmx".
	Prefix string
	// Suffix, when set, takes precedence over Prefix.
	Suffix        string
	Caller        domain.Participant
	Callee        domain.Participant
	Policies      []string
	ContentSafety bool
	// SlowThreshold overrides the registry default for the badge slow flag.
	SlowThreshold time.Duration
}

// Matches reports whether the route claims path.
func (r Route) Matches(path string) bool {
	if r.Suffix != "" {
		return strings.HasSuffix(path, r.Suffix)
	}
	return hasSegmentPrefix(path, r.Prefix)
}

func (r Route) specificity() (int, int) {
	if r.Suffix != "" {
		return 1, len(r.Suffix)
	}
	return 0, len(strings.TrimSuffix(r.Prefix, "/"))
}

// DefaultTerminalPrefix is the path of the outermost user-facing agent.
const DefaultTerminalPrefix = "/agent"

// DefaultRoutes returns the dispatch table for the reference deployment.
func DefaultRoutes() []Route {
	return []Route{
		{
			Name:   "agent-card",
			Family: FamilyAgentCard,
			Suffix: "/.well-known/agent-card.json",
			Caller: domain.ParticipantAgent,
			Callee: domain.ParticipantSubAgent,
		},
		{
			Name:     "hotels-mcp",
			Family:   FamilyMCP,
			Prefix:   "/hotels/mcp",
			Caller:   domain.ParticipantAgent,
			Callee:   domain.ParticipantMCP,
			Policies: []string{"OAuth2"},
		},
		{
			Name:          "llm",
			Family:        FamilyLLM,
			Prefix:        "/llm",
			Caller:        domain.ParticipantAgent,
			Callee:        domain.ParticipantLLM,
			Policies:      []string{"Guard Rail", "Token Rate Limit"},
			ContentSafety: true,
			SlowThreshold: 10 * time.Second,
		},
		{
			Name:   "currency-agent",
			Family: FamilyAgent,
			Prefix: "/currency-agent",
			Caller: domain.ParticipantAgent,
			Callee: domain.ParticipantSubAgent,
		},
		{
			Name:     "bookings",
			Family:   FamilyBackend,
			Prefix:   "/bookings",
			Caller:   domain.ParticipantMCP,
			Callee:   domain.ParticipantBackend,
			Policies: []string{"API Key"},
		},
	}
}

// sortRoutes orders routes most specific first. Suffix routes outrank prefix
// routes, longer patterns outrank shorter ones, and names break ties.
func sortRoutes(routes []Route) {
	sort.SliceStable(routes, func(i, j int) bool {
		ki, li := routes[i].specificity()
		kj, lj := routes[j].specificity()
		if ki != kj {
			return ki > kj
		}
		if li != lj {
			return li > lj
		}
		return routes[i].Name < routes[j].Name
	})
}

func hasSegmentPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	if strings.HasSuffix(prefix, "/") {
		return strings.HasPrefix(path, prefix) || path == strings.TrimSuffix(prefix, "/")
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	rest := path[len(prefix):]
	return rest == "" || rest[0] == '/' || rest[0] == '?'
}
