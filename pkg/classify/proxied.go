package classify

import (
	"context"
	"net/http"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/policy"
)

// ProxiedCall describes one call mediated by the gateway. Every protocol
// decoder reduces a record to a ProxiedCall and the step layout is derived
// from it in one place.
type ProxiedCall struct {
	Route  Route
	Phase  string
	Verb   string
	Caller domain.Participant
	Callee domain.Participant

	RequestText  string
	ResponseText string

	// Units is the secondary badge count, rendered with Unit.
	Units int
	Unit  string

	// Terminated marks a call the gateway answered itself, so no leg
	// reaches the callee.
	Terminated bool
	// Blocked marks a terminated call rejected by a content check.
	Blocked bool
}

// gatewayAnswered lists statuses the gateway emits on its own behalf.
var gatewayAnswered = map[int]bool{
	http.StatusUnauthorized:      true,
	http.StatusForbidden:         true,
	http.StatusProxyAuthRequired: true,
	http.StatusTooManyRequests:   true,
}

// isGatewayTerminated reports whether the record shows the gateway answering
// without reaching the upstream.
func isGatewayTerminated(rec *domain.Record) bool {
	if gatewayAnswered[rec.Status] {
		return true
	}
	return rec.Status >= 400 && rec.Response.Empty()
}

func (r *Registry) steps(ctx context.Context, rec *domain.Record, call ProxiedCall) []domain.Step {
	caller, callee := call.Caller, call.Callee
	if caller == "" {
		caller = call.Route.Caller
	}
	if callee == "" {
		callee = call.Route.Callee
	}
	verb := call.Verb
	if verb == "" {
		verb = rec.Method + " " + rec.Path
	}

	reqRef := bodyRef(rec, domain.BodyRequest)
	respRef := bodyRef(rec, domain.BodyResponse)
	reqText := firstNonEmpty(call.RequestText, verb)
	status := statusLabel(rec.Status)
	respText := firstNonEmpty(call.ResponseText, status)

	out := make([]domain.Step, 0, 5)
	out = append(out, domain.Boundary(call.Phase))
	out = append(out, domain.Transition(caller, domain.ParticipantGateway, verb).
		WithMessage(reqText, reqRef).
		WithPlan(rec.Plan))

	if !call.Terminated {
		out = append(out,
			domain.Transition(domain.ParticipantGateway, callee, verb).WithMessage(reqText, reqRef),
			domain.Transition(callee, domain.ParticipantGateway, status).WithMessage(respText, respRef),
		)
	}

	final := domain.Transition(domain.ParticipantGateway, caller, status).
		WithMessage(respText, respRef).
		WithPolicies(r.annotate(ctx, rec, call)).
		WithBadge(r.badge(rec, call))
	return append(out, final)
}

func (r *Registry) annotate(ctx context.Context, rec *domain.Record, call ProxiedCall) []domain.Policy {
	input := policy.Input{
		Family:        string(call.Route.Family),
		Route:         call.Route.Name,
		Status:        rec.Status,
		ContentSafety: call.Route.ContentSafety,
		Blocked:       call.Blocked,
		Policies:      call.Route.Policies,
	}
	if r.annotator == nil {
		return policy.Builtin(input).Policies
	}
	dec, err := r.annotator.Annotate(ctx, input)
	if err != nil {
		r.logger.Warn("policy annotation failed, using builtin rules",
			"record_id", rec.ID, "route", call.Route.Name, "error", err)
		return policy.Builtin(input).Policies
	}
	return dec.Policies
}

func (r *Registry) badge(rec *domain.Record, call ProxiedCall) *domain.Badge {
	elapsed := rec.ResponseTime
	if elapsed <= 0 {
		elapsed = rec.GatewayLatency
	}
	text := formatDuration(elapsed)
	if call.Units > 0 && call.Unit != "" {
		text += ", " + plural(call.Units, call.Unit)
	}

	threshold := call.Route.SlowThreshold
	if threshold <= 0 {
		threshold = r.slowThreshold
	}

	badge := &domain.Badge{Class: domain.BadgeError, Text: text}
	if rec.Status >= 200 && rec.Status < 400 && !call.Blocked {
		badge.Class = domain.BadgeSuccess
		badge.Slow = threshold > 0 && elapsed > threshold
	}
	return badge
}

func bodyRef(rec *domain.Record, side domain.BodySide) *domain.BodyRef {
	body := rec.Request
	if side == domain.BodyResponse {
		body = rec.Response
	}
	if body.Empty() {
		return nil
	}
	return &domain.BodyRef{RecordID: rec.ID, Side: side}
}
