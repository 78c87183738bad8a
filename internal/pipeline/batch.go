package pipeline

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is the batch concurrency used when none is configured.
const DefaultConcurrency = 10

// BatchProcessor runs many requests through one pipeline concurrently.
//
// Design decision: We use errgroup.SetLimit rather than a worker pool
// because it is simpler and errgroup handles the concurrency correctly.
// Each request gets its own goroutine, but only 'concurrency' goroutines
// run simultaneously.
type BatchProcessor struct {
	pipeline    *Pipeline
	concurrency int
	logger      *slog.Logger
}

// BatchOption configures a BatchProcessor.
type BatchOption func(*BatchProcessor)

// WithBatchLogger sets a custom logger for batch processing.
func WithBatchLogger(logger *slog.Logger) BatchOption {
	return func(b *BatchProcessor) { b.logger = logger }
}

// WithConcurrency sets the maximum number of concurrent requests.
func WithConcurrency(n int) BatchOption {
	return func(b *BatchProcessor) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// NewBatchProcessor creates a BatchProcessor over the pipeline.
func NewBatchProcessor(p *Pipeline, opts ...BatchOption) *BatchProcessor {
	bp := &BatchProcessor{
		pipeline:    p,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(bp)
	}
	if bp.logger == nil {
		bp.logger = slog.Default()
	}
	return bp
}

// Process runs all requests and returns their results in input order.
// Per-request failures land in their Result; the returned error is non-nil
// only when a fatal condition (budget breach, failure cap, cancellation)
// stopped the batch early. Results of requests that never ran are nil.
func (bp *BatchProcessor) Process(ctx context.Context, reqs []*Request) ([]*Result, error) {
	bp.logger.Info("starting batch",
		slog.Int("requests", len(reqs)),
		slog.Int("concurrency", bp.concurrency))
	start := time.Now()

	results := make([]*Result, len(reqs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(bp.concurrency)

	for i, req := range reqs {
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			res, err := bp.pipeline.Do(ctx, req)
			results[i] = res
			// A fatal error cancels the group and stops the batch.
			return err
		})
	}

	err := g.Wait()
	bp.logger.Info("batch complete",
		slog.Int("requests", len(reqs)),
		slog.Duration("elapsed", time.Since(start)))
	return results, err
}
