package config

import (
	"fmt"
	"strings"

	"github.com/polisai/polis-flow/pkg/classify"
	"github.com/polisai/polis-flow/pkg/domain"
)

var knownParticipants = map[domain.Participant]struct{}{
	domain.ParticipantClient:   {},
	domain.ParticipantAgent:    {},
	domain.ParticipantGateway:  {},
	domain.ParticipantLLM:      {},
	domain.ParticipantMCP:      {},
	domain.ParticipantBackend:  {},
	domain.ParticipantSubAgent: {},
	domain.ParticipantBroker:   {},
}

// Options converts the classifier section. The annotator, token counter
// and logger are left for the caller to supply.
func (c ClassifyConfig) Options() (classify.Options, error) {
	routes := make([]classify.Route, 0, len(c.Routes))
	for i, rc := range c.Routes {
		rt, err := rc.toRoute()
		if err != nil {
			return classify.Options{}, fmt.Errorf("classify.routes[%d]: %w", i, err)
		}
		routes = append(routes, rt)
	}

	return classify.Options{
		Routes:         routes,
		TerminalPrefix: c.TerminalPrefix,
		Noise:          c.Noise.toRules(),
		SlowThreshold:  c.SlowThreshold,
	}, nil
}

func (rc RouteConfig) toRoute() (classify.Route, error) {
	family := classify.Family(strings.ToLower(strings.TrimSpace(rc.Family)))
	if !family.Valid() {
		return classify.Route{}, fmt.Errorf("route %q: unknown family %q", rc.Name, rc.Family)
	}
	caller, err := participant(rc.Caller)
	if err != nil {
		return classify.Route{}, fmt.Errorf("route %q: caller: %w", rc.Name, err)
	}
	callee, err := participant(rc.Callee)
	if err != nil {
		return classify.Route{}, fmt.Errorf("route %q: callee: %w", rc.Name, err)
	}
	if strings.TrimSpace(rc.Name) == "" {
		return classify.Route{}, fmt.Errorf("route name is required")
	}
	if rc.Prefix == "" && rc.Suffix == "" {
		return classify.Route{}, fmt.Errorf("route %q: prefix or suffix is required", rc.Name)
	}
	return classify.Route{
		Name:          rc.Name,
		Family:        family,
		Prefix:        rc.Prefix,
		Suffix:        rc.Suffix,
		Caller:        caller,
		Callee:        callee,
		Policies:      append([]string(nil), rc.Policies...),
		ContentSafety: rc.ContentSafety,
		SlowThreshold: rc.SlowThreshold,
	}, nil
}

func participant(name string) (domain.Participant, error) {
	p := domain.Participant(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := knownParticipants[p]; !ok {
		return "", fmt.Errorf("unknown participant %q", name)
	}
	return p, nil
}

func (n NoiseConfig) toRules() classify.NoiseRules {
	slow := make([]classify.SlowRule, 0, len(n.SlowPaths))
	for _, sp := range n.SlowPaths {
		slow = append(slow, classify.SlowRule{Prefix: sp.Prefix, Suffix: sp.Suffix, Method: sp.Method})
	}
	return classify.NoiseRules{
		Methods:           append([]string(nil), n.Methods...),
		Statuses:          append([]int(nil), n.Statuses...),
		SlowPaths:         slow,
		DuplicatePrefixes: append([]string(nil), n.DuplicatePrefixes...),
		KeepNotifications: n.KeepNotifications,
	}
}

func routeConfigs(routes []classify.Route) []RouteConfig {
	out := make([]RouteConfig, 0, len(routes))
	for _, rt := range routes {
		out = append(out, RouteConfig{
			Name:          rt.Name,
			Family:        string(rt.Family),
			Prefix:        rt.Prefix,
			Suffix:        rt.Suffix,
			Caller:        string(rt.Caller),
			Callee:        string(rt.Callee),
			Policies:      append([]string(nil), rt.Policies...),
			ContentSafety: rt.ContentSafety,
			SlowThreshold: rt.SlowThreshold,
		})
	}
	return out
}

func noiseConfig(rules classify.NoiseRules) NoiseConfig {
	slow := make([]SlowPathConfig, 0, len(rules.SlowPaths))
	for _, sr := range rules.SlowPaths {
		slow = append(slow, SlowPathConfig{Prefix: sr.Prefix, Suffix: sr.Suffix, Method: sr.Method})
	}
	return NoiseConfig{
		Methods:           append([]string(nil), rules.Methods...),
		Statuses:          append([]int(nil), rules.Statuses...),
		SlowPaths:         slow,
		DuplicatePrefixes: append([]string(nil), rules.DuplicatePrefixes...),
		KeepNotifications: rules.KeepNotifications,
	}
}
