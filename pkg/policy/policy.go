package policy

import (
	"context"
	"net/http"
	"sort"

	"github.com/polisai/polis-flow/pkg/domain"
)

// Annotation names produced by the bundled rules.
const (
	GuardRail = "Guard Rail"
	RateLimit = "Rate Limit"
)

// Input describes one classified call.
type Input struct {
	Family        string
	Route         string
	Status        int
	ContentSafety bool
	// Blocked is set when the gateway answered on behalf of the callee.
	Blocked bool
	// Policies lists the route's configured policy names.
	Policies     []string
	DisableCache bool
}

// Decision is the evaluated set of annotations, sorted by name.
type Decision struct {
	Policies []domain.Policy
}

// Annotator evaluates the annotations for a call.
type Annotator interface {
	Annotate(ctx context.Context, input Input) (Decision, error)
}

// Chain merges the annotations of several annotators. A name reported as
// failed by any member is failed in the result.
type Chain struct {
	annotators []Annotator
}

// NewChain constructs an annotator chain.
func NewChain(annotators ...Annotator) Chain {
	return Chain{annotators: append([]Annotator(nil), annotators...)}
}

// Annotate evaluates every member in order and merges the results.
func (c Chain) Annotate(ctx context.Context, input Input) (Decision, error) {
	if len(c.annotators) == 0 {
		return Builtin(input), nil
	}

	merged := make(map[string]bool)
	for _, a := range c.annotators {
		dec, err := a.Annotate(ctx, input)
		if err != nil {
			return Decision{}, err
		}
		for _, p := range dec.Policies {
			passed, seen := merged[p.Name]
			merged[p.Name] = p.Passed && (!seen || passed)
		}
	}
	return fromMap(merged), nil
}

// Builtin evaluates the bundled annotation rules without OPA:
//   - a 4xx other than 429 on a content-safety route, or a blocked call, fails Guard Rail
//   - a 429 fails Rate Limit
//   - on success every configured route policy passes
func Builtin(input Input) Decision {
	result := make(map[string]bool)
	if input.Blocked || (input.ContentSafety && isClientError(input.Status) && input.Status != http.StatusTooManyRequests) {
		result[GuardRail] = false
	}
	if input.Status == http.StatusTooManyRequests {
		result[RateLimit] = false
	}
	if isSuccess(input.Status) {
		for _, name := range input.Policies {
			if _, failed := result[name]; !failed {
				result[name] = true
			}
		}
	}
	return fromMap(result)
}

func fromMap(m map[string]bool) Decision {
	if len(m) == 0 {
		return Decision{}
	}
	out := make([]domain.Policy, 0, len(m))
	for name, passed := range m {
		out = append(out, domain.Policy{Name: name, Passed: passed})
	}
	sortPolicies(out)
	return Decision{Policies: out}
}

func sortPolicies(p []domain.Policy) {
	sort.Slice(p, func(i, j int) bool { return p[i].Name < p[j].Name })
}

func isSuccess(status int) bool {
	return status >= 200 && status < 400
}

func isClientError(status int) bool {
	return status >= 400 && status < 500
}
