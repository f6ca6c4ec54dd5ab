package classify

import (
	"github.com/polisai/polis-flow/pkg/domain"
)

// classifyHTTP handles REST backends and the generic fallback. Both render
// as "<kind> — METHOD path" with the body summaries as messages.
func classifyHTTP(route Route, rec *domain.Record, kind string) ProxiedCall {
	address := rec.Method + " " + rec.Path
	call := ProxiedCall{
		Route:        route,
		Phase:        kind + " — " + address,
		Verb:         address,
		RequestText:  bodySummary(rec.Request.Raw),
		ResponseText: bodySummary(rec.Response.Raw),
		Terminated:   isGatewayTerminated(rec),
	}
	if n, ok := itemCount(rec.Response.Raw); ok && n > 0 {
		call.Units = n
		call.Unit = "item"
	}
	return call
}

// genericRoute is the implicit fallback for paths no route claims.
func genericRoute() Route {
	return Route{
		Name:   "http",
		Family: FamilyHTTP,
		Caller: domain.ParticipantClient,
		Callee: domain.ParticipantBackend,
	}
}
