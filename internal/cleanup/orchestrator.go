// Package cleanup finds self-enrolled student accounts and removes the ones the
// directory does not manage. A run either only reports (dry run) or deletes, always
// capturing a backup of each account before the destructive call.
package cleanup

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"duoclean.org/internal/audit"
	"duoclean.org/internal/classify"
	"duoclean.org/internal/duo"
	"duoclean.org/internal/ids"
)

const DefaultBatchSize = duo.MaxBatch

// batchLimited is implemented by directories whose bulk ceiling is below MaxBatch.
type batchLimited interface {
	MaxBatch() int
}

// ConfirmFunc is asked before every deletion. Returning false skips the account; an
// error aborts the run.
type ConfirmFunc func(ctx context.Context, res classify.Result) (bool, error)

// Orchestrator drives cleanup runs. At most one run executes at a time.
type Orchestrator struct {
	dir        Directory
	store      Store
	recorder   *audit.Recorder
	classifier *classify.Classifier
	pageSize   int
	batchSize  int
	useBulk    bool
	usernames  []string
	confirm    ConfirmFunc
	events     func(Event)
	now        func() time.Time

	mu      sync.Mutex
	active  string
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

type Option func(*Orchestrator)

// WithPageSize sets how many users each list call requests.
func WithPageSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 && n <= duo.MaxPageSize {
			o.pageSize = n
		}
	}
}

// WithBatchSize sets how many deletions are grouped between progress updates and
// cancellation checks. Values above the bulk ceiling are clamped.
func WithBatchSize(n int) Option {
	return func(o *Orchestrator) {
		if n <= 0 {
			return
		}
		if n > duo.MaxBatch {
			n = duo.MaxBatch
		}
		o.batchSize = n
	}
}

// WithBulk sends each batch as one bulk request instead of individual deletes.
func WithBulk(on bool) Option {
	return func(o *Orchestrator) { o.useBulk = on }
}

// WithUsernames restricts the run to the listed accounts instead of scanning the
// whole directory. Blank lines, '#' comments and duplicates are ignored.
func WithUsernames(names []string) Option {
	return func(o *Orchestrator) { o.usernames = normalizeUsernames(names) }
}

func WithConfirm(fn ConfirmFunc) Option {
	return func(o *Orchestrator) { o.confirm = fn }
}

// WithEvents registers fn to receive run events. fn is called on the run's goroutine
// and must not block.
func WithEvents(fn func(Event)) Option {
	return func(o *Orchestrator) { o.events = fn }
}

func WithClassifier(c *classify.Classifier) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.classifier = c
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New builds an orchestrator. A nil recorder still mirrors audit entries to the log.
func New(dir Directory, store Store, recorder *audit.Recorder, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		dir:        dir,
		store:      store,
		recorder:   recorder,
		classifier: classify.Default(),
		pageSize:   duo.DefaultPageSize,
		batchSize:  DefaultBatchSize,
		now:        time.Now,
		cancels:    make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.recorder == nil {
		o.recorder = audit.NewRecorder(nil, o.now)
	}
	if bl, ok := dir.(batchLimited); ok {
		if n := bl.MaxBatch(); n > 0 && n < o.batchSize {
			o.batchSize = n
		}
	}
	return o
}

// Run executes a run to completion on the caller's goroutine. A run that ends in the
// failed state is returned together with the error that ended it.
func (o *Orchestrator) Run(ctx context.Context, mode Mode) (OperationRecord, error) {
	rec, err := o.begin(ctx, mode)
	if err != nil {
		return OperationRecord{}, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.track(rec.ID, cancel)
	defer o.release(rec.ID)
	return o.execute(runCtx, rec)
}

// StartRun creates the run record and executes it in the background. The run keeps the
// caller's context values but not its cancellation; use Cancel to stop it.
func (o *Orchestrator) StartRun(ctx context.Context, mode Mode) (string, error) {
	rec, err := o.begin(ctx, mode)
	if err != nil {
		return "", err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.track(rec.ID, cancel)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release(rec.ID)
		_, _ = o.execute(runCtx, rec)
	}()
	return rec.ID, nil
}

// Cancel stops an active run at its next batch boundary.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancel, ok := o.cancels[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotActive, id)
	}
	cancel()
	return nil
}

// Active returns the id of the run in flight, if any.
func (o *Orchestrator) Active() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active, o.active != ""
}

// Wait blocks until every background run has finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) GetRunStatus(ctx context.Context, id string) (OperationRecord, error) {
	return o.store.GetOperation(ctx, id)
}

func (o *Orchestrator) ListRuns(ctx context.Context, limit int) ([]OperationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return o.store.ListOperations(ctx, limit)
}

func (o *Orchestrator) Outcomes(ctx context.Context, id string) ([]AccountOutcome, error) {
	if _, err := o.store.GetOperation(ctx, id); err != nil {
		return nil, err
	}
	return o.store.ListOutcomes(ctx, id)
}

func (o *Orchestrator) Stats(ctx context.Context) (Stats, error) {
	return o.store.Stats(ctx)
}

func (o *Orchestrator) begin(ctx context.Context, mode Mode) (OperationRecord, error) {
	if !mode.Valid() {
		return OperationRecord{}, fmt.Errorf("%w: %v", ErrInvalidMode, mode)
	}
	rec := OperationRecord{
		ID:        ids.New(),
		StartedAt: o.now().UTC(),
		Mode:      mode,
		Status:    StatusRunning,
		Actor:     audit.ActorFromContext(ctx),
	}

	o.mu.Lock()
	if o.active != "" {
		o.mu.Unlock()
		return OperationRecord{}, ErrRunInProgress
	}
	o.active = rec.ID
	o.mu.Unlock()

	if err := o.store.CreateOperation(ctx, rec); err != nil {
		o.release(rec.ID)
		return OperationRecord{}, fmt.Errorf("cleanup: create run: %w", err)
	}
	return rec, nil
}

func (o *Orchestrator) track(id string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.cancels[id] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cancel, ok := o.cancels[id]; ok {
		cancel()
		delete(o.cancels, id)
	}
	if o.active == id {
		o.active = ""
	}
}

func normalizeUsernames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || strings.HasPrefix(n, "#") {
			continue
		}
		key := strings.ToLower(n)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, n)
	}
	return out
}
