package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/policy"
)

// DefaultSlowThreshold is the round-trip time above which a successful call
// gets a slow badge.
const DefaultSlowThreshold = 2 * time.Second

// Options configure a Registry.
type Options struct {
	Routes         []Route
	TerminalPrefix string
	Noise          NoiseRules
	SlowThreshold  time.Duration
	Annotator      policy.Annotator
	Tokens         *TokenCounter
	Logger         *slog.Logger
}

// DefaultOptions returns the reference deployment's dispatch table.
func DefaultOptions() Options {
	return Options{
		Routes:         DefaultRoutes(),
		TerminalPrefix: DefaultTerminalPrefix,
		Noise:          DefaultNoiseRules(),
		SlowThreshold:  DefaultSlowThreshold,
	}
}

// Result is the classification of one record.
type Result struct {
	Family Family
	Route  string
	// Label names the originating service: the API name when the gateway
	// reported one, otherwise the family.
	Label string
	Steps []domain.Step
}

// Registry is an immutable prioritized dispatch table. A new Registry is
// built when configuration changes.
type Registry struct {
	routes         []Route
	terminalPrefix string
	terminal       Route
	noise          NoiseRules
	slowThreshold  time.Duration
	annotator      policy.Annotator
	tokens         *TokenCounter
	logger         *slog.Logger
}

// NewRegistry validates the routes and orders them most specific first.
func NewRegistry(opts Options) (*Registry, error) {
	routes := append([]Route(nil), opts.Routes...)
	for i, rt := range routes {
		if rt.Name == "" {
			return nil, fmt.Errorf("route %d: name is required", i)
		}
		if !rt.Family.Valid() {
			return nil, fmt.Errorf("route %q: unknown family %q", rt.Name, rt.Family)
		}
		if rt.Prefix == "" && rt.Suffix == "" {
			return nil, fmt.Errorf("route %q: prefix or suffix is required", rt.Name)
		}
		if rt.Caller == "" || rt.Callee == "" {
			return nil, fmt.Errorf("route %q: caller and callee are required", rt.Name)
		}
		routes[i].Policies = append([]string(nil), rt.Policies...)
	}
	sortRoutes(routes)

	terminalPrefix := opts.TerminalPrefix
	if terminalPrefix == "" {
		terminalPrefix = DefaultTerminalPrefix
	}
	slow := opts.SlowThreshold
	if slow <= 0 {
		slow = DefaultSlowThreshold
	}
	tokens := opts.Tokens
	if tokens == nil {
		tokens = NewTokenCounter()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		routes:         routes,
		terminalPrefix: terminalPrefix,
		terminal: Route{
			Name:   "terminal",
			Family: FamilyTerminal,
			Prefix: terminalPrefix,
			Caller: domain.ParticipantClient,
			Callee: domain.ParticipantAgent,
		},
		noise:         opts.Noise,
		slowThreshold: slow,
		annotator:     opts.Annotator,
		tokens:        tokens,
		logger:        logger,
	}, nil
}

// Routes returns the dispatch table in match order.
func (r *Registry) Routes() []Route {
	return append([]Route(nil), r.routes...)
}

// Match returns the most specific route claiming path.
func (r *Registry) Match(path string) (Route, bool) {
	for _, rt := range r.routes {
		if rt.Matches(path) {
			return rt, true
		}
	}
	return Route{}, false
}

// IsNoise applies the registry's noise rules.
func (r *Registry) IsNoise(rec *domain.Record) bool {
	return IsNoise(rec, r.noise)
}

// IsTerminal reports whether rec is the outermost user-facing call of a
// transaction. Discovery requests under the terminal prefix are not.
func (r *Registry) IsTerminal(rec *domain.Record) bool {
	if rec.IsAsync() || !hasSegmentPrefix(rec.Path, r.terminalPrefix) {
		return false
	}
	if rt, ok := r.Match(rec.Path); ok && rt.Suffix != "" {
		return false
	}
	return true
}

// Classify converts one non-terminal record into timeline steps.
func (r *Registry) Classify(ctx context.Context, rec *domain.Record) Result {
	if rec.Path == "" {
		return r.unclassified(rec)
	}

	rt, ok := r.Match(rec.Path)
	if !ok {
		rt = genericRoute()
	}

	var call ProxiedCall
	switch rt.Family {
	case FamilyMCP:
		call = classifyMCP(rt, rec)
	case FamilyLLM:
		call = r.classifyLLM(rt, rec)
	case FamilyAgent:
		call = classifyAgent(rt, rec)
	case FamilyAgentCard:
		call = classifyAgentCard(rt, rec)
	case FamilyBackend:
		call = classifyHTTP(rt, rec, "API Call")
	default:
		call = classifyHTTP(rt, rec, "HTTP")
	}

	return Result{
		Family: rt.Family,
		Route:  rt.Name,
		Label:  firstNonEmpty(rec.API, string(rt.Family)),
		Steps:  r.steps(ctx, rec, call),
	}
}

// unclassified renders a record without an address as a minimal boundary
// and transition so gateway activity is never silently lost.
func (r *Registry) unclassified(rec *domain.Record) Result {
	text := firstNonEmpty(bodySummary(rec.Request.Raw), rec.Method, "Record "+rec.ID)
	step := domain.Transition(domain.ParticipantClient, domain.ParticipantGateway, firstNonEmpty(rec.Method, "request")).
		WithMessage(text, bodyRef(rec, domain.BodyRequest)).
		WithPlan(rec.Plan).
		WithBadge(r.badge(rec, ProxiedCall{}))
	return Result{
		Family: FamilyUnclassified,
		Label:  firstNonEmpty(rec.API, string(FamilyUnclassified)),
		Steps:  []domain.Step{domain.Boundary("Gateway Activity"), step},
	}
}

// TerminalSummary holds the texts the assembler needs from a terminal
// record. Empty texts mean the body carried nothing usable.
type TerminalSummary struct {
	RequestText  string
	ResponseText string
	Verb         string
	Status       string
	Policies     []domain.Policy
	Badge        *domain.Badge
	// Terminated marks a request the gateway answered without reaching the
	// agent.
	Terminated   bool
}

// Terminal summarizes a terminal record's request and response sides.
func (r *Registry) Terminal(ctx context.Context, rec *domain.Record) TerminalSummary {
	call := ProxiedCall{
		Route:        r.terminal,
		Verb:         rec.Method + " " + rec.Path,
		RequestText:  a2aRequestText(rec.Request.Raw),
		ResponseText: a2aResponseText(rec.Response.Raw),
		Terminated:   isGatewayTerminated(rec),
	}
	return TerminalSummary{
		RequestText:  call.RequestText,
		ResponseText: call.ResponseText,
		Verb:         call.Verb,
		Status:       statusLabel(rec.Status),
		Policies:     r.annotate(ctx, rec, call),
		Badge:        r.badge(rec, call),
		Terminated:   call.Terminated,
	}
}

// RetriedTerminal renders a terminal record superseded by a retry as an
// ordinary inner call so none of its activity is dropped.
func (r *Registry) RetriedTerminal(ctx context.Context, rec *domain.Record) Result {
	call := ProxiedCall{
		Route:        r.terminal,
		Phase:        "Retried Request",
		Verb:         rec.Method + " " + rec.Path,
		RequestText:  a2aRequestText(rec.Request.Raw),
		ResponseText: a2aResponseText(rec.Response.Raw),
		Terminated:   isGatewayTerminated(rec),
	}
	return Result{
		Family: FamilyTerminal,
		Route:  r.terminal.Name,
		Label:  firstNonEmpty(rec.API, string(FamilyTerminal)),
		Steps:  r.steps(ctx, rec, call),
	}
}

// AsyncHalf extracts the summary of one half of an asynchronous exchange.
func AsyncHalf(rec *domain.Record) domain.AsyncHalf {
	half := domain.AsyncHalf{RecordID: rec.ID, At: rec.OrderTime()}
	if rec.Message == nil {
		return half
	}
	half.Payload = rec.Message.Payload
	half.Summary = asyncSummary(rec.Message.Payload)
	return half
}

func asyncSummary(payload string) string {
	body := strings.TrimSpace(payload)
	if _, ok := decodeRequest(body); ok {
		return firstNonEmpty(a2aRequestText(body), bodySummary(body))
	}
	if _, ok := decodeResponse(body); ok {
		return firstNonEmpty(a2aResponseText(body), bodySummary(body))
	}
	var msg a2aMessage
	if json.Unmarshal([]byte(body), &msg) == nil {
		if text := partsText(msg.Parts); text != "" {
			return summarize(text)
		}
	}
	return bodySummary(body)
}
