// Package batch runs long-lived sequential code-redemption tasks.
//
// A 120s tick selects running tasks whose next_execute_at is due and
// advances each by exactly one code. The outcome of that one step decides
// the next due time: success waits out the remote service's per-action
// cooldown (70 minutes), failure retries quickly (60 seconds).
//
// The persisted status column is the single source of truth for
// pause/cancel: the engine re-reads the task row immediately before every
// step, so a control operation between tick and dispatch always wins. An
// in-flight remote call cannot be aborted; cancellation only prevents
// future steps.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"leafcheck/internal/config"
	"leafcheck/internal/eventbus"
	rtsup "leafcheck/internal/runtime/supervisor"
	"leafcheck/internal/storage"
	logx "leafcheck/pkg/logx"
)

const (
	DefaultTick            = 120 * time.Second
	DefaultSuccessInterval = 70 * time.Minute
	DefaultFailInterval    = 60 * time.Second
)

var (
	ErrNoCodes    = errors.New("batch: no codes after normalization")
	ErrTaskEnded  = errors.New("batch: task already finished")
	ErrNotRunning = errors.New("batch: only a running task can be paused")
	ErrNotPaused  = errors.New("batch: only a paused task can be resumed")
)

// ActiveTaskError rejects a create when the account already has a
// non-terminal task; it carries the existing id so the API can report it.
type ActiveTaskError struct {
	TaskID int64
}

func (e *ActiveTaskError) Error() string {
	return fmt.Sprintf("batch: account already has active task %d", e.TaskID)
}

// Redeemer submits one code for one account's credential bundle.
// Implemented by the leaflow client; tests substitute fakes.
type Redeemer interface {
	Redeem(ctx context.Context, tokenData, accountName, code string) (success bool, message, amount string, err error)
}

type Engine struct {
	cfg      config.BatchConfig
	store    storage.Store
	redeemer Redeemer
	bus      eventbus.Bus
	log      logx.Logger

	mu       sync.Mutex
	sup      *rtsup.Supervisor
	lastTick time.Time

	// inflight keeps one step per task at a time; a step outliving the
	// tick interval must not be dispatched twice.
	imu      sync.Mutex
	inflight map[int64]bool

	now func() time.Time
}

type Option func(*Engine)

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func New(cfg config.BatchConfig, store storage.Store, redeemer Redeemer, bus eventbus.Bus, log logx.Logger, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		cfg:      cfg,
		store:    store,
		redeemer: redeemer,
		bus:      bus,
		log:      log.With(logx.String("svc", "batch")),
		inflight: map[int64]bool{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) successInterval() time.Duration { return e.cfg.SuccessInterval.Or(DefaultSuccessInterval) }
func (e *Engine) failInterval() time.Duration    { return e.cfg.FailInterval.Or(DefaultFailInterval) }

func (e *Engine) Apply(cfg config.BatchConfig) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

// Start restores unfinished tasks and launches the tick loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.sup != nil {
		e.mu.Unlock()
		return nil
	}
	e.sup = rtsup.New(ctx, rtsup.WithLogger(e.log))
	sup := e.sup
	tick := e.cfg.Tick.Or(DefaultTick)
	e.mu.Unlock()

	if err := e.Restore(ctx); err != nil {
		e.log.Error("restore failed", logx.Err(err))
	}

	sup.GoRestart("batch.tick", func(ctx context.Context) error {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			e.runTick(ctx)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	})

	e.log.Info("batch engine started",
		logx.Duration("tick", tick),
		logx.Duration("success_interval", e.successInterval()),
		logx.Duration("fail_interval", e.failInterval()))
	return nil
}

func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	sup := e.sup
	e.sup = nil
	e.mu.Unlock()
	if sup != nil {
		_ = sup.Stop(ctx)
	}
}

// Restore promotes tasks left pending by a previous process to running with
// an immediate due time. Running tasks keep their persisted index and due
// time; no progress is lost and no step replays.
func (e *Engine) Restore(ctx context.Context) error {
	tasks, err := e.store.ListUnfinishedBatchTasks(ctx)
	if err != nil {
		return err
	}
	now := e.now()
	for i := range tasks {
		t := &tasks[i]
		if t.Status != storage.TaskPending {
			e.log.Info("restored running task",
				logx.Int64("task", t.ID), logx.Int("index", t.CurrentIndex))
			continue
		}
		if err := e.store.SetBatchTaskStatus(ctx, t.ID, storage.TaskRunning, &now, nil); err != nil {
			e.log.Error("cannot promote pending task", logx.Int64("task", t.ID), logx.Err(err))
			continue
		}
		e.log.Info("restored pending task as running", logx.Int64("task", t.ID))
	}
	return nil
}

// Snapshot is the status-endpoint view of the engine.
type Snapshot struct {
	Running  bool      `json:"running"`
	LastTick time.Time `json:"last_tick"`
	InFlight int       `json:"in_flight"`
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	running := e.sup != nil
	last := e.lastTick
	e.mu.Unlock()
	e.imu.Lock()
	n := len(e.inflight)
	e.imu.Unlock()
	return Snapshot{Running: running, LastTick: last, InFlight: n}
}

func (e *Engine) runTick(ctx context.Context) {
	now := e.now()
	e.mu.Lock()
	e.lastTick = now
	sup := e.sup
	e.mu.Unlock()
	if sup == nil {
		return
	}

	due, err := e.store.ListDueBatchTasks(ctx, now)
	if err != nil {
		e.log.Error("tick: due scan failed", logx.Err(err))
		return
	}

	for i := range due {
		id := due[i].ID
		e.imu.Lock()
		if e.inflight[id] {
			e.imu.Unlock()
			continue
		}
		e.inflight[id] = true
		e.imu.Unlock()

		sup.Go0("batch.task."+strconv.FormatInt(id, 10), func(ctx context.Context) {
			defer func() {
				e.imu.Lock()
				delete(e.inflight, id)
				e.imu.Unlock()
			}()
			e.step(ctx, id)
		})
	}
}

// step advances one task by exactly one code.
func (e *Engine) step(ctx context.Context, taskID int64) {
	// Re-read: the row's status decides, not any snapshot from the tick.
	task, err := e.store.GetBatchTask(ctx, taskID)
	if err != nil {
		e.log.Error("step: task gone", logx.Int64("task", taskID), logx.Err(err))
		return
	}
	if task.Status != storage.TaskRunning {
		return
	}

	now := e.now()
	if task.CurrentIndex >= task.TotalCount || task.CurrentIndex >= len(task.Codes) {
		if err := e.store.SetBatchTaskStatus(ctx, taskID, storage.TaskCompleted, nil, &now); err != nil {
			e.log.Error("step: cannot complete task", logx.Int64("task", taskID), logx.Err(err))
			return
		}
		e.publishDone(task.AccountID, taskID)
		return
	}

	code := task.Codes[task.CurrentIndex]
	e.log.Info("executing redeem step",
		logx.Int64("task", taskID),
		logx.Int("index", task.CurrentIndex+1),
		logx.Int("total", task.TotalCount))

	acct, err := e.store.GetAccount(ctx, task.AccountID)
	if err != nil {
		// Without the account the task can never progress; close it out.
		e.log.Error("step: account missing, cancelling task",
			logx.Int64("task", taskID), logx.Int64("account", task.AccountID), logx.Err(err))
		_ = e.store.SetBatchTaskStatus(ctx, taskID, storage.TaskCancelled, nil, &now)
		e.publishDone(task.AccountID, taskID)
		return
	}

	success, message, amount, err := e.redeemer.Redeem(ctx, acct.TokenData, acct.Name, code)
	if err != nil {
		success = false
		message = err.Error()
	}

	if err := e.store.InsertRedeemRecord(ctx, &storage.RedeemRecord{
		AccountID: task.AccountID,
		Code:      code,
		Success:   success,
		Message:   message,
		Amount:    amount,
	}); err != nil {
		e.log.Error("step: history insert failed", logx.Int64("task", taskID), logx.Err(err))
	}

	newIndex := task.CurrentIndex + 1
	now = e.now()
	var (
		status      = storage.TaskRunning
		nextAt      *time.Time
		completedAt *time.Time
	)
	if newIndex >= task.TotalCount {
		status = storage.TaskCompleted
		completedAt = &now
	} else {
		interval := e.failInterval()
		if success {
			interval = e.successInterval()
		}
		next := now.Add(interval)
		nextAt = &next
	}

	if err := e.store.AdvanceBatchTask(ctx, taskID, success, newIndex, status, nextAt, completedAt); err != nil {
		e.log.Error("step: progress update failed", logx.Int64("task", taskID), logx.Err(err))
		return
	}

	e.log.Info("redeem step finished",
		logx.Int64("task", taskID),
		logx.Bool("success", success),
		logx.String("message", message))

	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeBatchStep, Data: StepEvent{
			TaskID: taskID, AccountID: task.AccountID, Code: code,
			Index: newIndex, Total: task.TotalCount, Success: success, Message: message,
		}})
	}
	if status == storage.TaskCompleted {
		e.publishDone(task.AccountID, taskID)
	}
}

func (e *Engine) publishDone(accountID, taskID int64) {
	e.log.Info("task finished", logx.Int64("task", taskID))
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeBatchDone, Data: StepEvent{
			TaskID: taskID, AccountID: accountID,
		}})
	}
}

// StepEvent is the bus payload for batch progress.
type StepEvent struct {
	TaskID    int64  `json:"task_id"`
	AccountID int64  `json:"account_id"`
	Code      string `json:"code,omitempty"`
	Index     int    `json:"index,omitempty"`
	Total     int    `json:"total,omitempty"`
	Success   bool   `json:"success,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ---- public control operations ----

// Create persists a new running task for the account.
// The code list is trimmed, deduplicated order-preserving, and must be
// non-empty; one non-terminal task per account is enforced.
func (e *Engine) Create(ctx context.Context, accountID int64, codes []string) (*storage.BatchTask, error) {
	normalized := NormalizeCodes(codes)
	if len(normalized) == 0 {
		return nil, ErrNoCodes
	}

	existing, err := e.store.ActiveBatchTask(ctx, accountID)
	if err == nil {
		return nil, &ActiveTaskError{TaskID: existing.ID}
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	now := e.now()
	task := &storage.BatchTask{
		AccountID:     accountID,
		Status:        storage.TaskRunning,
		Codes:         normalized,
		TotalCount:    len(normalized),
		NextExecuteAt: &now,
	}
	if err := e.store.CreateBatchTask(ctx, task); err != nil {
		return nil, err
	}
	e.log.Info("task created",
		logx.Int64("task", task.ID),
		logx.Int64("account", accountID),
		logx.Int("codes", len(normalized)))
	return task, nil
}

// Cancel terminates a non-terminal task.
func (e *Engine) Cancel(ctx context.Context, taskID int64) error {
	task, err := e.store.GetBatchTask(ctx, taskID)
	if err != nil {
		return err
	}
	if storage.TerminalStatus(task.Status) {
		return ErrTaskEnded
	}
	now := e.now()
	if err := e.store.SetBatchTaskStatus(ctx, taskID, storage.TaskCancelled, nil, &now); err != nil {
		return err
	}
	e.log.Info("task cancelled", logx.Int64("task", taskID))
	return nil
}

// Pause holds a running task. next_execute_at is preserved so resuming
// restores immediate eligibility.
func (e *Engine) Pause(ctx context.Context, taskID int64) error {
	task, err := e.store.GetBatchTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != storage.TaskRunning {
		return ErrNotRunning
	}
	if err := e.store.SetBatchTaskStatus(ctx, taskID, storage.TaskPaused, task.NextExecuteAt, nil); err != nil {
		return err
	}
	e.log.Info("task paused", logx.Int64("task", taskID))
	return nil
}

// Resume puts a paused task back to running with an immediate due time.
func (e *Engine) Resume(ctx context.Context, taskID int64) error {
	task, err := e.store.GetBatchTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != storage.TaskPaused {
		return ErrNotPaused
	}
	now := e.now()
	if err := e.store.SetBatchTaskStatus(ctx, taskID, storage.TaskRunning, &now, nil); err != nil {
		return err
	}
	e.log.Info("task resumed", logx.Int64("task", taskID))
	return nil
}

// CodeProgress classifies one code of a task for the status view.
type CodeProgress struct {
	Code          string     `json:"code"`
	Index         int        `json:"index"`
	Status        string     `json:"status"` // success|failed|waiting|pending|unknown
	Message       string     `json:"message,omitempty"`
	Amount        string     `json:"amount,omitempty"`
	Time          *time.Time `json:"time,omitempty"`
	NextExecuteAt *time.Time `json:"next_execute_at,omitempty"`
}

// TaskStatus is the most recent task for an account plus per-code progress
// reconstructed from redeem history.
type TaskStatus struct {
	Task     *storage.BatchTask `json:"task"`
	Progress []CodeProgress     `json:"progress"`
}

// Status returns the latest task (any status) for the account, or a
// TaskStatus with a nil Task when the account never had one.
func (e *Engine) Status(ctx context.Context, accountID int64) (*TaskStatus, error) {
	task, err := e.store.LatestBatchTask(ctx, accountID)
	if errors.Is(err, storage.ErrNotFound) {
		return &TaskStatus{Progress: []CodeProgress{}}, nil
	}
	if err != nil {
		return nil, err
	}

	records, err := e.store.ListRedeemRecords(ctx, accountID, task.Codes)
	if err != nil {
		return nil, err
	}
	// Ascending id order: the latest record per code wins.
	latest := map[string]storage.RedeemRecord{}
	for _, r := range records {
		latest[r.Code] = r
	}

	progress := make([]CodeProgress, 0, len(task.Codes))
	for i, code := range task.Codes {
		p := CodeProgress{Code: code, Index: i}
		switch rec, ok := latest[code]; {
		case ok:
			p.Status = "failed"
			if rec.Success {
				p.Status = "success"
			}
			p.Message = rec.Message
			p.Amount = rec.Amount
			created := rec.CreatedAt
			p.Time = &created
		case i < task.CurrentIndex:
			// Executed but no record survives; should not happen.
			p.Status = "unknown"
			p.Message = "record missing"
		case i == task.CurrentIndex && task.Status == storage.TaskRunning:
			p.Status = "waiting"
			p.NextExecuteAt = task.NextExecuteAt
		default:
			p.Status = "pending"
		}
		progress = append(progress, p)
	}

	return &TaskStatus{Task: task, Progress: progress}, nil
}

// NormalizeCodes trims whitespace, drops empties, and deduplicates while
// preserving first-occurrence order.
func NormalizeCodes(codes []string) []string {
	seen := make(map[string]bool, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
