package ingest

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the ingestion listener
var (
	// ErrBind indicates the listening socket could not be created
	ErrBind = errors.New("ingest: bind failed")

	// ErrAlreadyListening indicates Listen was called twice
	ErrAlreadyListening = errors.New("ingest: listener already bound")

	// ErrNotListening indicates Serve was called before Listen
	ErrNotListening = errors.New("ingest: listener not bound")
)

// BindError describes a failure to bind the ingestion port together with
// hints for the operator.
type BindError struct {
	Addr        string
	Cause       error
	Suggestions []string
}

func (e *BindError) Error() string {
	return fmt.Sprintf("ingest: listen on %s: %v", e.Addr, e.Cause)
}

func (e *BindError) Unwrap() error {
	return e.Cause
}

// Is reports every bind failure as ErrBind.
func (e *BindError) Is(target error) bool {
	return target == ErrBind
}

// WithSuggestion adds a hint for resolving the error
func (e *BindError) WithSuggestion(suggestion string) *BindError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// DetailedMessage returns the error followed by its numbered suggestions.
func (e *BindError) DetailedMessage() string {
	message := e.Error()
	if len(e.Suggestions) > 0 {
		message += "\n\nSuggestions:"
		for i, suggestion := range e.Suggestions {
			message += fmt.Sprintf("\n  %d. %s", i+1, suggestion)
		}
	}
	return message
}

func newBindError(addr string, cause error) *BindError {
	err := &BindError{Addr: addr, Cause: cause}
	switch msg := cause.Error(); {
	case strings.Contains(msg, "address already in use"):
		err.WithSuggestion("Check if another process is using this port").
			WithSuggestion("Point the gateway reporter at a different port and set ingest.address to match")
	case strings.Contains(msg, "permission denied"):
		err.WithSuggestion("Ports below 1024 typically require elevated privileges").
			WithSuggestion("Consider using a port above 1024")
	default:
		err.WithSuggestion("Check the address format is correct, e.g. :8999")
	}
	return err
}

// IsBindError checks if the error indicates the port could not be bound
func IsBindError(err error) bool {
	return errors.Is(err, ErrBind)
}
