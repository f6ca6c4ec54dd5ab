package broadcast

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"

	"github.com/polisai/polis-flow/internal/governance"
)

// DefaultNATSSubject is the subject transactions are published on.
const DefaultNATSSubject = "polis.flow.transactions"

// NATSOptions configure the NATS sink.
type NATSOptions struct {
	URL       string
	Subject   string
	QueueSize int
	// Progress also forwards progress notices on Subject + ".progress".
	Progress bool
	Breaker  governance.CircuitBreakerConfig
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

// natsPublisher is the part of *nats.Conn the sink uses.
type natsPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink forwards hub messages to a NATS subject. Publishing happens on
// its own goroutine; a circuit breaker stops hammering an unreachable server.
type NATSSink struct {
	id        string
	pub       natsPublisher
	subject   string
	progress  bool
	queue     chan Message
	breaker   *governance.CircuitBreaker
	logger    *slog.Logger
	conn      *nats.Conn
	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// ConnectNATS dials the server and starts a sink.
func ConnectNATS(opts NATSOptions) (*NATSSink, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(opts.URL,
		nats.Name("polis-flow"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", opts.URL, err)
	}
	sink := newNATSSink(conn, opts)
	sink.conn = conn
	return sink, nil
}

func newNATSSink(pub natsPublisher, opts NATSOptions) *NATSSink {
	subject := opts.Subject
	if subject == "" {
		subject = DefaultNATSSubject
	}
	queue := opts.QueueSize
	if queue <= 0 {
		queue = DefaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &NATSSink{
		id:       uuid.NewString(),
		pub:      pub,
		subject:  subject,
		progress: opts.Progress,
		queue:    make(chan Message, queue),
		breaker:  governance.NewCircuitBreaker(opts.Breaker, opts.Clock),
		logger:   logger.With("component", "nats_sink", "subject", subject),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *NATSSink) ID() string   { return s.id }
func (s *NATSSink) Kind() string { return "nats" }

// Enqueue drops the message when the queue is full or the message type is
// not forwarded.
func (s *NATSSink) Enqueue(msg Message) bool {
	if msg.Type == TypeProgress && !s.progress {
		return true
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.queue <- msg:
		return true
	default:
		return false
	}
}

// Close stops the publisher goroutine, then flushes and closes the
// connection if the sink owns one.
func (s *NATSSink) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.stopped
		if s.conn != nil {
			if err := s.conn.Drain(); err != nil {
				s.conn.Close()
			}
		}
	})
}

func (s *NATSSink) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			s.publish(msg)
		}
	}
}

func (s *NATSSink) publish(msg Message) {
	subject := s.subject
	if msg.Type == TypeProgress {
		subject += ".progress"
	}

	err := s.breaker.Execute(func() error {
		return s.pub.Publish(subject, msg.Data)
	})
	switch {
	case err == nil:
	case errors.Is(err, governance.ErrCircuitOpen):
		s.logger.Debug("nats circuit open, message dropped", "type", msg.Type)
	default:
		s.logger.Warn("nats publish failed", "type", msg.Type, "error", err, "circuit", s.breaker.State())
	}
}
