package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"
)

// Querier is the read surface shared by pgxpool.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SnapshotSource loads the engagement snapshot a run evaluates against.
type SnapshotSource interface {
	Load(ctx context.Context, q Querier, engagementID string, tr Transition) (*Snapshot, error)
}

// ResultStore persists evaluation results inside the caller's transaction.
type ResultStore interface {
	Insert(ctx context.Context, tx pgx.Tx, results []EvaluationResult) error
}

// Run bundles the outcome of evaluating one transition's policy set.
type Run struct {
	Transition Transition
	Snapshot   *Snapshot
	Results    []EvaluationResult
}

// Engine executes the policy set mapped to a transition. Policies evaluate
// concurrently over the shared snapshot and join before results are assembled,
// so the output order always follows the registry.
type Engine struct {
	registry *Registry
	source   SnapshotSource
	store    ResultStore
	timeout  time.Duration
	idGen    func() string
	now      func() time.Time
}

func NewEngine(registry *Registry, source SnapshotSource, store ResultStore) *Engine {
	if source == nil {
		source = NewPGSnapshotSource(registry)
	}
	if store == nil {
		store = NewPGResultStore()
	}
	return &Engine{
		registry: registry,
		source:   source,
		store:    store,
		timeout:  5 * time.Second,
		idGen:    func() string { return uuid.NewString() },
		now:      time.Now,
	}
}

// WithTimeout sets the per-policy evaluation budget.
func (e *Engine) WithTimeout(d time.Duration) *Engine {
	e.timeout = d
	return e
}

func (e *Engine) WithIDGenerator(gen func() string) *Engine {
	e.idGen = gen
	return e
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// RunTx loads the snapshot through q and evaluates every policy gating the
// transition. It does not persist anything; see Persist.
func (e *Engine) RunTx(ctx context.Context, q Querier, engagementID string, tr Transition, evaluatedBy string) (*Run, error) {
	if engagementID == "" {
		return nil, fmt.Errorf("policy: missing engagement id")
	}

	snap, err := e.source.Load(ctx, q, engagementID, tr)
	if err != nil {
		return nil, fmt.Errorf("policy: load snapshot: %w", err)
	}

	defs := e.registry.ForTransition(tr)

	type outcome struct {
		status     Status
		exceptions []Exception
	}
	outcomes := make([]outcome, len(defs))

	g, gctx := errgroup.WithContext(ctx)
	for i, def := range defs {
		i, def := i, def
		g.Go(func() error {
			status, exceptions := e.evaluateOne(gctx, def, snap)
			outcomes[i] = outcome{status: status, exceptions: exceptions}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("policy: evaluate: %w", err)
	}

	evaluatedAt := e.now().UTC()
	results := make([]EvaluationResult, len(defs))
	for i, def := range defs {
		out := outcomes[i]
		results[i] = EvaluationResult{
			ID:           e.idGen(),
			EngagementID: engagementID,
			PolicyID:     def.ID,
			Status:       out.status,
			Exceptions:   out.exceptions,
			Fingerprint:  Fingerprint(out.status, out.exceptions),
			EvaluatedBy:  evaluatedBy,
			EvaluatedAt:  evaluatedAt,
		}
	}

	return &Run{Transition: tr, Snapshot: snap, Results: results}, nil
}

// Persist writes the run's results. They are insert-only; nothing here can
// rewrite an earlier evaluation.
func (e *Engine) Persist(ctx context.Context, tx pgx.Tx, run *Run) error {
	if run == nil || len(run.Results) == 0 {
		return nil
	}
	return e.store.Insert(ctx, tx, run.Results)
}

// evaluateOne applies the per-policy time budget. A timeout is that policy's
// failure, never a crash of the whole run.
func (e *Engine) evaluateOne(ctx context.Context, def Definition, snap *Snapshot) (Status, []Exception) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		status     Status
		exceptions []Exception
	}
	done := make(chan outcome, 1)
	go func() {
		status, exceptions := def.Evaluate(ctx, snap)
		done <- outcome{status: status, exceptions: exceptions}
	}()

	select {
	case out := <-done:
		return out.status, out.exceptions
	case <-ctx.Done():
		return StatusFail, []Exception{{
			Code:       CodeEvaluationTimeout,
			EntityType: "policy",
			EntityID:   def.ID,
			Detail:     "evaluation exceeded its time budget",
		}}
	}
}
