package domain

// StepKind discriminates the Step variants.
type StepKind string

const (
	// StepBoundary marks the start of a transaction phase.
	StepBoundary StepKind = "boundary"
	// StepTransition is a directed hop between two participants.
	StepTransition StepKind = "transition"
)

// Participant names one actor of the reconstructed interaction.
type Participant string

const (
	ParticipantClient   Participant = "client"
	ParticipantAgent    Participant = "agent"
	ParticipantGateway  Participant = "gateway"
	ParticipantLLM      Participant = "llm"
	ParticipantMCP      Participant = "mcp"
	ParticipantBackend  Participant = "backend"
	ParticipantSubAgent Participant = "subagent"
	ParticipantBroker   Participant = "broker"
)

// BodySide selects the request or response half of a record body.
type BodySide string

const (
	BodyRequest  BodySide = "request"
	BodyResponse BodySide = "response"
)

// BodyRef points at a full opaque body that consumers can fetch on demand.
type BodyRef struct {
	RecordID string   `json:"recordId"`
	Side     BodySide `json:"side"`
}

// Message is the payload carried by a transition.
type Message struct {
	Target  Participant `json:"target"`
	Text    string      `json:"text"`
	BodyRef *BodyRef    `json:"bodyRef,omitempty"`
}

// Policy is one policy outcome annotation.
type Policy struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
}

// BadgeClass is the outcome class of a performance badge.
type BadgeClass string

const (
	BadgeSuccess BadgeClass = "success"
	BadgeError   BadgeClass = "error"
)

// Badge summarises the performance of a hop. Slow marks a call over its
// route's slow threshold and never changes Class.
type Badge struct {
	Class BadgeClass `json:"class"`
	Text  string     `json:"text"`
	Slow  bool       `json:"slow,omitempty"`
}

// Step is a display-agnostic unit of the reconstructed timeline. Boundary
// steps only carry a Label; transitions carry the remaining fields.
//
// Steps are values. The With* helpers return modified copies and never alias
// the receiver's slices, so a step handed to a consumer is never mutated.
type Step struct {
	Kind     StepKind    `json:"kind"`
	Label    string      `json:"label"`
	From     Participant `json:"from,omitempty"`
	To       Participant `json:"to,omitempty"`
	Message  *Message    `json:"message,omitempty"`
	Policies []Policy    `json:"policies,omitempty"`
	Plan     string      `json:"plan,omitempty"`
	Badge    *Badge      `json:"badge,omitempty"`
}

// Boundary creates a phase marker.
func Boundary(label string) Step {
	return Step{Kind: StepBoundary, Label: label}
}

// Transition creates a directed hop.
func Transition(from, to Participant, label string) Step {
	return Step{Kind: StepTransition, From: from, To: to, Label: label}
}

// IsBoundary reports whether the step is a phase marker.
func (s Step) IsBoundary() bool {
	return s.Kind == StepBoundary
}

// Touches reports whether the transition starts or ends at p.
func (s Step) Touches(p Participant) bool {
	return s.Kind == StepTransition && (s.From == p || s.To == p)
}

// WithMessage returns a copy carrying the given message.
func (s Step) WithMessage(text string, ref *BodyRef) Step {
	msg := &Message{Target: s.To, Text: text}
	if ref != nil {
		r := *ref
		msg.BodyRef = &r
	}
	s.Message = msg
	return s
}

// WithPolicies returns a copy carrying the given annotations.
func (s Step) WithPolicies(policies []Policy) Step {
	if len(policies) == 0 {
		s.Policies = nil
		return s
	}
	s.Policies = append([]Policy(nil), policies...)
	return s
}

// WithPlan returns a copy tagged with a plan.
func (s Step) WithPlan(plan string) Step {
	s.Plan = plan
	return s
}

// WithBadge returns a copy carrying a performance badge.
func (s Step) WithBadge(b *Badge) Step {
	if b == nil {
		s.Badge = nil
		return s
	}
	c := *b
	s.Badge = &c
	return s
}

// Transitions returns only the transition steps of a list.
func Transitions(steps []Step) []Step {
	out := make([]Step, 0, len(steps))
	for _, s := range steps {
		if s.Kind == StepTransition {
			out = append(out, s)
		}
	}
	return out
}
