package refresh

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/rota/internal/logging"
	"github.com/joescharf/rota/internal/models"
	"github.com/joescharf/rota/internal/reconcile"
)

// Collection names used in results.
const (
	Shifts = "shifts"
	Tasks  = "tasks"
	Chat   = "chat"
)

// Fetcher is the subset of the REST client a refresh needs.
type Fetcher interface {
	ListShifts(ctx context.Context) ([]models.Shift, error)
	ListPendingTasks(ctx context.Context) ([]models.AgentTask, error)
	ChatHistory(ctx context.Context, limit int) ([]models.ChatMessage, error)
}

// Result holds the outcome of refreshing a single collection.
type Result struct {
	Name       string `json:"name"`
	Rows       int    `json:"rows"`
	Overridden int    `json:"overridden"`
	Removed    int    `json:"removed"`
	Error      string `json:"error,omitempty"`
}

// AllResult holds the outcome of refreshing every collection.
type AllResult struct {
	Refreshed int           `json:"refreshed"`
	Total     int           `json:"total"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
	Results   []Result      `json:"results"`
}

// Options tunes a refresh.
type Options struct {
	// ChatLimit is the number of chat messages requested; 0 uses the
	// client's default.
	ChatLimit int
	Logger    *zap.Logger
}

// All fetches the shift, pending-task and chat snapshots concurrently and
// merges each into r. Each fetch takes its snapshot token before the request
// goes out. A failed fetch leaves its collection untouched and is reported in
// the result; All itself only fails when ctx is done.
func All(ctx context.Context, api Fetcher, r *reconcile.Reconciler, opts Options) (*AllResult, error) {
	logger := logging.OrNop(opts.Logger)
	start := time.Now()

	results := make([]Result, 3)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		results[0] = collect(Shifts, logger, func() (reconcile.SnapshotResult, error) {
			tok := r.BeginSnapshot()
			shifts, err := api.ListShifts(gctx)
			if err != nil {
				return reconcile.SnapshotResult{}, err
			}
			return r.ApplyShiftSnapshot(tok, shifts), nil
		})
		return nil
	})
	g.Go(func() error {
		results[1] = collect(Tasks, logger, func() (reconcile.SnapshotResult, error) {
			tok := r.BeginSnapshot()
			tasks, err := api.ListPendingTasks(gctx)
			if err != nil {
				return reconcile.SnapshotResult{}, err
			}
			return r.ApplyTaskSnapshot(tok, tasks), nil
		})
		return nil
	})
	g.Go(func() error {
		results[2] = collect(Chat, logger, func() (reconcile.SnapshotResult, error) {
			tok := r.BeginSnapshot()
			msgs, err := api.ChatHistory(gctx, opts.ChatLimit)
			if err != nil {
				return reconcile.SnapshotResult{}, err
			}
			return r.ApplyChatSnapshot(tok, msgs), nil
		})
		return nil
	})
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := &AllResult{Total: len(results), Results: results, Duration: time.Since(start)}
	for _, res := range results {
		if res.Error != "" {
			out.Failed++
		} else {
			out.Refreshed++
		}
	}
	return out, nil
}

func collect(name string, logger *zap.Logger, fn func() (reconcile.SnapshotResult, error)) Result {
	res, err := fn()
	if err != nil {
		logger.Warn("snapshot refresh failed", zap.String("collection", name), zap.Error(err))
		return Result{Name: name, Error: err.Error()}
	}
	return Result{Name: name, Rows: res.Rows, Overridden: res.Overridden, Removed: res.Removed}
}
