package engine

import (
	"context"
	"strings"

	"github.com/polisai/polis-flow/pkg/classify"
	"github.com/polisai/polis-flow/pkg/domain"
)

// Boundary labels and fallback texts used when assembling a transaction.
const (
	RequestReceivedLabel   = "Request Received"
	ResponseDeliveredLabel = "Response Delivered"
	PartialFlowLabel       = "Partial Flow"
	AsyncExchangeLabel     = "Async Exchange"

	fallbackRequestText  = "User request"
	fallbackResponseText = "Response delivered to client"
)

// Assembly is the ordered step list of one flushed cycle.
type Assembly struct {
	Source         string
	Steps          []domain.Step
	Records        int
	RequestSummary string
	Bodies         []domain.BodyBlob
}

// Assemble orders a buffer's records into one step list. async is the
// correlated async entry for the same causal id, if any.
func Assemble(ctx context.Context, reg *classify.Registry, buf *Buffer, async *domain.AsyncEntry) Assembly {
	inner := buf.Ordered()

	var out Assembly
	out.Records = buf.Size()
	out.Bodies = collectBodies(buf.records())
	if async != nil {
		out.Records += asyncHalves(async)
		out.Bodies = append(out.Bodies, asyncBodies(async)...)
	}

	if buf.Terminal == nil {
		out.Steps = append(out.Steps, domain.Boundary(PartialFlowLabel))
		for _, e := range inner {
			out.Steps = append(out.Steps, e.Result.Steps...)
		}
		out.Steps = append(out.Steps, asyncSteps(async, false)...)
		if len(inner) > 0 {
			out.Source = inner[0].Result.Label
		} else {
			out.Source = AsyncExchangeLabel
		}
		return out
	}

	term := buf.Terminal
	sum := reg.Terminal(ctx, term)
	requestText := firstNonEmpty(sum.RequestText, outboundSummary(async), fallbackRequestText)
	responseText := firstNonEmpty(sum.ResponseText, inboundSummary(async), fallbackResponseText)
	reqRef := bodyRef(term, domain.BodyRequest)
	respRef := bodyRef(term, domain.BodyResponse)

	out.Source = domain.CompleteFlowLabel
	out.RequestSummary = requestText
	out.Steps = append(out.Steps,
		domain.Boundary(RequestReceivedLabel),
		domain.Transition(domain.ParticipantClient, domain.ParticipantGateway, sum.Verb).
			WithMessage(requestText, reqRef).
			WithPlan(term.Plan),
	)
	// A request the gateway answered itself never reaches the agent.
	if !sum.Terminated {
		out.Steps = append(out.Steps,
			domain.Transition(domain.ParticipantGateway, domain.ParticipantAgent, sum.Verb).
				WithMessage(requestText, reqRef))
	}
	for _, e := range inner {
		out.Steps = append(out.Steps, e.Result.Steps...)
	}
	out.Steps = append(out.Steps, asyncSteps(async, true)...)
	out.Steps = append(out.Steps, domain.Boundary(ResponseDeliveredLabel))
	if !sum.Terminated {
		out.Steps = append(out.Steps,
			domain.Transition(domain.ParticipantAgent, domain.ParticipantGateway, sum.Status).
				WithMessage(responseText, respRef))
	}
	out.Steps = append(out.Steps,
		domain.Transition(domain.ParticipantGateway, domain.ParticipantClient, sum.Status).
			WithMessage(responseText, respRef).
			WithPolicies(sum.Policies).
			WithBadge(sum.Badge),
	)
	return out
}

// AssembleAsync renders an async entry that never joined a buffer.
func AssembleAsync(async domain.AsyncEntry) Assembly {
	return Assembly{
		Source:         AsyncExchangeLabel,
		Steps:          asyncSteps(&async, false),
		Records:        asyncHalves(&async),
		RequestSummary: outboundSummary(&async),
		Bodies:         asyncBodies(&async),
	}
}

// asyncSteps renders the broker legs of an exchange. Inside a complete flow
// the exchange only appears when both halves are known; otherwise the
// summaries have already been used as fallback texts.
func asyncSteps(async *domain.AsyncEntry, complete bool) []domain.Step {
	if async == nil || (async.Outbound == nil && async.Inbound == nil) {
		return nil
	}
	if complete && !async.Complete() {
		return nil
	}

	steps := []domain.Step{domain.Boundary(AsyncExchangeLabel)}
	if h := async.Outbound; h != nil {
		steps = append(steps, domain.Transition(domain.ParticipantAgent, domain.ParticipantBroker, domain.OperationPublish).
			WithMessage(firstNonEmpty(h.Summary, "Message published"), halfRef(h, domain.BodyRequest)))
	}
	if h := async.Inbound; h != nil {
		steps = append(steps, domain.Transition(domain.ParticipantBroker, domain.ParticipantAgent, domain.OperationSubscribe).
			WithMessage(firstNonEmpty(h.Summary, "Message consumed"), halfRef(h, domain.BodyResponse)))
	}
	return steps
}

func outboundSummary(async *domain.AsyncEntry) string {
	if async == nil || async.Outbound == nil {
		return ""
	}
	return async.Outbound.Summary
}

func inboundSummary(async *domain.AsyncEntry) string {
	if async == nil || async.Inbound == nil {
		return ""
	}
	return async.Inbound.Summary
}

func asyncHalves(async *domain.AsyncEntry) int {
	n := 0
	if async.Outbound != nil {
		n++
	}
	if async.Inbound != nil {
		n++
	}
	return n
}

func halfRef(h *domain.AsyncHalf, side domain.BodySide) *domain.BodyRef {
	if h.RecordID == "" || strings.TrimSpace(h.Payload) == "" {
		return nil
	}
	return &domain.BodyRef{RecordID: h.RecordID, Side: side}
}

func asyncBodies(async *domain.AsyncEntry) []domain.BodyBlob {
	var out []domain.BodyBlob
	if h := async.Outbound; h != nil {
		if ref := halfRef(h, domain.BodyRequest); ref != nil {
			out = append(out, domain.BodyBlob{Ref: *ref, Data: h.Payload})
		}
	}
	if h := async.Inbound; h != nil {
		if ref := halfRef(h, domain.BodyResponse); ref != nil {
			out = append(out, domain.BodyBlob{Ref: *ref, Data: h.Payload})
		}
	}
	return out
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

func collectBodies(records []*domain.Record) []domain.BodyBlob {
	var out []domain.BodyBlob
	for _, rec := range records {
		if !rec.Request.Empty() {
			out = append(out, domain.BodyBlob{
				Ref:  domain.BodyRef{RecordID: rec.ID, Side: domain.BodyRequest},
				Data: rec.Request.Raw,
			})
		}
		if !rec.Response.Empty() {
			out = append(out, domain.BodyBlob{
				Ref:  domain.BodyRef{RecordID: rec.ID, Side: domain.BodyResponse},
				Data: rec.Response.Raw,
			})
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
