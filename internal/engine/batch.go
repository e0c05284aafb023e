package engine

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/decision-engine/internal/model"
)

// BatchResult is the outcome of one request in a batch.
type BatchResult struct {
	Request    Request           `json:"request"`
	Evaluation *model.Evaluation `json:"evaluation,omitempty"`
	Err        error             `json:"-"`
}

// EvaluateBatch evaluates requests concurrently. One failure does not stop
// the others; results keep the order of reqs.
func (e *Engine) EvaluateBatch(ctx context.Context, reqs []Request) []BatchResult {
	out := make([]BatchResult, len(reqs))
	limit := e.cfg.Concurrency
	if limit <= 0 {
		limit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, req := range reqs {
		g.Go(func() error {
			ev, err := e.Evaluate(gctx, req)
			out[i] = BatchResult{Request: req, Evaluation: ev, Err: err}
			if err != nil {
				e.log.Warn("engine: batch item failed",
					zap.Int("index", i),
					zap.String("source_id", req.Reference.SourceID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range out {
		if r.Err != nil {
			failed++
		}
	}
	e.log.Info("engine: batch complete", zap.Int("total", len(reqs)), zap.Int("failed", failed))
	return out
}
