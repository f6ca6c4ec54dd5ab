package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/polisai/polis-flow/pkg/classify"
	"github.com/polisai/polis-flow/pkg/config"
	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/engine"
	"github.com/polisai/polis-flow/pkg/ingest"
	"github.com/polisai/polis-flow/pkg/telemetry"
)

type replayOptions struct {
	output   string
	progress bool
	bodies   bool
}

func newReplayCmd(opts *rootOptions) *cobra.Command {
	ropts := &replayOptions{}
	cmd := &cobra.Command{
		Use:   "replay <capture.ndjson|->",
		Short: "Assemble transactions from a captured record stream",
		Long: `Feed a newline-delimited capture of gateway records through the
correlation engine and print every assembled transaction as one JSON line.
Use "-" to read from standard input.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger := opts.setupLogger(cfg)

			in, closeIn, err := openInput(cmd, args[0])
			if err != nil {
				return err
			}
			defer closeIn()

			out := cmd.OutOrStdout()
			if ropts.output != "" && ropts.output != "-" {
				f, err := os.Create(ropts.output)
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer func() { _ = f.Close() }()
				out = f
			}

			summary, err := replay(cmd.Context(), cfg, opts.baseDir(), in, out, *ropts, logger)
			if err != nil {
				return err
			}
			logger.Info("replay complete",
				"lines", summary.Lines,
				"records", summary.Records,
				"malformed", summary.Malformed,
				"oversized", summary.Oversized,
				"transactions", summary.Transactions,
			)
			return nil
		},
	}
	cmd.Flags().StringVarP(&ropts.output, "output", "o", "", "Write transactions to this file instead of stdout")
	cmd.Flags().BoolVar(&ropts.progress, "progress", false, "Also print progress notices")
	cmd.Flags().BoolVar(&ropts.bodies, "bodies", false, "Include full bodies with each transaction")
	return cmd
}

func openInput(cmd *cobra.Command, name string) (io.Reader, func(), error) {
	if name == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(name) //nolint:gosec // capture path is supplied by the operator
	if err != nil {
		return nil, nil, fmt.Errorf("open capture: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// replaySummary reports what a replay read and produced.
type replaySummary struct {
	ingest.ReadStats
	Transactions int
}

// linePublisher writes each published notice as one JSON line. It is only
// called from the engine loop.
type linePublisher struct {
	enc      *json.Encoder
	progress bool
	bodies   bool
	count    int
	err      error
}

type replayTransaction struct {
	Type string `json:"type"`
	domain.Transaction
	Bodies []domain.BodyBlob `json:"bodies,omitempty"`
}

type replayProgress struct {
	Type string `json:"type"`
	domain.Progress
}

func (p *linePublisher) PublishTransaction(tx domain.Transaction) {
	p.count++
	msg := replayTransaction{Type: "transaction", Transaction: tx}
	if p.bodies {
		msg.Bodies = tx.Bodies
	}
	p.write(msg)
}

func (p *linePublisher) PublishProgress(pr domain.Progress) {
	if p.progress {
		p.write(replayProgress{Type: "progress", Progress: pr})
	}
}

func (p *linePublisher) write(v any) {
	if p.err != nil {
		return
	}
	if err := p.enc.Encode(v); err != nil {
		p.err = fmt.Errorf("write transaction: %w", err)
	}
}

// replay runs the records of in through a private engine, then drains it
// so every open buffer is emitted.
func replay(ctx context.Context, cfg *config.Config, baseDir string, in io.Reader, out io.Writer, ropts replayOptions, logger *slog.Logger) (replaySummary, error) {
	registry, err := buildRegistry(ctx, cfg, baseDir, classify.NewTokenCounter(), logger)
	if err != nil {
		return replaySummary{}, err
	}

	pub := &linePublisher{enc: json.NewEncoder(out), progress: ropts.progress, bodies: ropts.bodies}
	eng, err := engine.New(engine.Options{
		Registry:      registry,
		Publisher:     pub,
		Clock:         clockwork.NewRealClock(),
		GracePeriod:   cfg.Engine.GracePeriod,
		SafetyTimeout: cfg.Engine.SafetyTimeout,
		DedupLimit:    cfg.Engine.DedupLimit,
		AsyncCapacity: cfg.Engine.AsyncCapacity,
		QueueSize:     cfg.Engine.QueueSize,
		Redactor:      telemetry.NewRedactor(cfg.Telemetry.Redactions),
		Logger:        logger,
	})
	if err != nil {
		return replaySummary{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- eng.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	reader := ingest.LineReader{MaxLineSize: cfg.Ingest.MaxLineSize, Logger: logger}
	stats, err := reader.Read(ctx, in, func(rec *domain.Record) error {
		return eng.Process(ctx, rec)
	})
	if err != nil {
		return replaySummary{ReadStats: stats}, fmt.Errorf("replay: %w", err)
	}
	if err := eng.Drain(ctx); err != nil {
		return replaySummary{ReadStats: stats}, fmt.Errorf("drain: %w", err)
	}
	if pub.err != nil {
		return replaySummary{ReadStats: stats}, pub.err
	}
	return replaySummary{ReadStats: stats, Transactions: pub.count}, nil
}
