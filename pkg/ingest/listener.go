package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/polisai/polis-flow/internal/governance"
	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/telemetry"
)

const (
	// DefaultAddr is the reporter-facing ingestion address.
	DefaultAddr = ":8999"

	readChunkSize = 32 << 10
)

var acceptBackoff = governance.Backoff{Initial: 5 * time.Millisecond, Max: time.Second}

// Submitter receives decoded records.
type Submitter interface {
	Submit(ctx context.Context, rec *domain.Record) error
}

// ReadStats counts what a LineReader saw on one stream.
type ReadStats struct {
	Lines     int
	Records   int
	Malformed int
	Oversized int
}

// LineReader decodes records from a newline-delimited stream.
type LineReader struct {
	MaxLineSize int
	Metrics     *telemetry.Metrics
	Logger      *slog.Logger
}

// Read decodes src until EOF and passes every record to fn in stream
// order. An unterminated final line is decoded too. Malformed lines are
// skipped; an error from fn stops reading and is returned.
func (lr LineReader) Read(ctx context.Context, src io.Reader, fn func(*domain.Record) error) (ReadStats, error) {
	logger := lr.Logger
	if logger == nil {
		logger = slog.Default()
	}
	splitter := NewLineSplitter(lr.MaxLineSize)

	var stats ReadStats
	handle := func(line string) error {
		stats.Lines++
		lr.Metrics.RecordReceived()
		rec, err := domain.DecodeRecord([]byte(line))
		if err != nil {
			stats.Malformed++
			lr.Metrics.RecordDropped(telemetry.DropMalformed)
			logger.Debug("malformed record dropped", "error", err)
			return nil
		}
		stats.Records++
		return fn(rec)
	}

	chunk := make([]byte, readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		n, readErr := src.Read(chunk)
		if n > 0 {
			lines, oversized := splitter.Feed(chunk[:n])
			if oversized > 0 {
				stats.Oversized += oversized
				for i := 0; i < oversized; i++ {
					lr.Metrics.RecordDropped(telemetry.DropOversized)
				}
				logger.Warn("oversized record line discarded", "count", oversized, "max_bytes", splitter.max)
			}
			for _, line := range lines {
				if err := handle(line); err != nil {
					return stats, err
				}
			}
		}

		if readErr != nil {
			if line, ok := splitter.Flush(); ok {
				if err := handle(line); err != nil {
					return stats, err
				}
			}
			if errors.Is(readErr, io.EOF) {
				return stats, nil
			}
			return stats, readErr
		}
	}
}

// Options configure a Listener.
type Options struct {
	Addr        string
	MaxLineSize int
	Metrics     *telemetry.Metrics
	Logger      *slog.Logger
}

// Listener accepts reporter connections and submits their records.
type Listener struct {
	addr      string
	submitter Submitter
	reader    LineReader
	metrics   *telemetry.Metrics
	logger    *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewListener creates a listener that submits records to sub.
func NewListener(sub Submitter, opts Options) *Listener {
	addr := opts.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ingest")
	return &Listener{
		addr:      addr,
		submitter: sub,
		reader: LineReader{
			MaxLineSize: opts.MaxLineSize,
			Metrics:     opts.Metrics,
			Logger:      logger,
		},
		metrics: opts.Metrics,
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen binds the ingestion port. A bind failure is returned as a
// *BindError.
func (l *Listener) Listen() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.listener != nil {
		return ErrAlreadyListening
	}
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return newBindError(l.addr, err)
	}
	l.listener = ln
	l.logger.Info("ingest listener bound", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Serve accepts connections until ctx is cancelled, then closes the
// listener and every open connection and waits for their readers.
func (l *Listener) Serve(ctx context.Context) error {
	l.mu.Lock()
	ln := l.listener
	l.mu.Unlock()
	if ln == nil {
		return ErrNotListening
	}

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
		l.closeConns()
	})
	defer stop()

	l.acceptConnections(ctx, ln)
	l.wg.Wait()
	l.logger.Info("ingest listener stopped")
	return nil
}

// ListenAndServe binds and serves.
func (l *Listener) ListenAndServe(ctx context.Context) error {
	if err := l.Listen(); err != nil {
		return err
	}
	return l.Serve(ctx)
}

// acceptConnections runs the accept loop. Accept errors are logged and
// retried with exponential backoff; only closing the listener ends it.
func (l *Listener) acceptConnections(ctx context.Context, ln net.Listener) {
	attempt := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}

			backoff := acceptBackoff.Duration(attempt)
			attempt++
			l.logger.Error("failed to accept connection", "error", err, "retry_in", backoff)

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		attempt = 0

		l.track(conn)
		l.wg.Add(1)
		go l.handleConnection(ctx, conn)
	}
}

func (l *Listener) handleConnection(ctx context.Context, conn net.Conn) {
	defer l.wg.Done()
	defer l.untrack(conn)

	remote := conn.RemoteAddr().String()
	l.metrics.IngestConnectionOpened()
	defer l.metrics.IngestConnectionClosed()
	l.logger.Info("reporter connected", "remote_addr", remote)

	stats, err := l.reader.Read(ctx, conn, func(rec *domain.Record) error {
		return l.submitter.Submit(ctx, rec)
	})
	switch {
	case err == nil, ctx.Err() != nil, errors.Is(err, net.ErrClosed):
	case errors.Is(err, domain.ErrEngineStopped):
		l.metrics.RecordDropped(telemetry.DropStopped)
		l.logger.Warn("engine stopped, closing reporter connection", "remote_addr", remote)
	default:
		l.logger.Warn("reporter connection failed", "remote_addr", remote, "error", err)
	}

	l.logger.Info("reporter disconnected",
		"remote_addr", remote,
		"lines", stats.Lines,
		"records", stats.Records,
		"malformed", stats.Malformed,
		"oversized", stats.Oversized,
	)
}

func (l *Listener) track(conn net.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conns[conn] = struct{}{}
}

func (l *Listener) untrack(conn net.Conn) {
	l.mu.Lock()
	delete(l.conns, conn)
	l.mu.Unlock()
	_ = conn.Close()
}

func (l *Listener) closeConns() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for conn := range l.conns {
		_ = conn.Close()
	}
}
