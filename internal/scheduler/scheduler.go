// Package scheduler drives the daily check-in loop.
//
// A fixed 30s tick scans the cached account list, decides per-account
// due-ness (one global daily time, or the legacy per-account window), and
// dispatches at most one execution per account per calendar day. Executions
// run concurrently with the tick and with each other; the existence of
// today's history row is the idempotence guard, so a manual trigger racing
// the tick still records exactly one outcome.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"leafcheck/internal/cache"
	"leafcheck/internal/config"
	"leafcheck/internal/eventbus"
	"leafcheck/internal/notify"
	rtsup "leafcheck/internal/runtime/supervisor"
	"leafcheck/internal/storage"
	logx "leafcheck/pkg/logx"
)

// Executor performs remote actions for one account's credential bundle.
// Implemented by the leaflow client; tests substitute fakes.
type Executor interface {
	CheckIn(ctx context.Context, tokenData, accountName string) (success bool, message string, err error)
	FetchBalance(ctx context.Context, tokenData, accountName string) (*storage.BalanceInfo, error)
}

// Notifier delivers outcome summaries. Failures are swallowed by callers.
type Notifier interface {
	Deliver(msg notify.Message) error
}

type taskKey struct {
	accountID int64
	date      string
}

// dayTask tracks one (account, day) through the tick loop. completed flips
// on any definitive outcome so the loop stops re-dispatching; inflight holds
// off window-mode re-dispatch while an execution goroutine is still running;
// the history row remains the durable guard.
type dayTask struct {
	lastDispatch time.Time
	dispatched   bool
	inflight     bool
	completed    bool
}

type Service struct {
	mu  sync.Mutex
	cfg config.CheckinConfig

	store    storage.Store
	accounts *cache.Accounts
	exec     Executor
	notifier Notifier
	bus      eventbus.Bus
	log      logx.Logger
	loc      *time.Location

	sup  *rtsup.Supervisor
	cron *cron.Cron

	tmu   sync.Mutex
	tasks map[taskKey]*dayTask

	pmu      sync.Mutex
	progress BalanceProgress

	lastTick time.Time

	// Test seams.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

type Option func(*Service)

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSleep overrides timed waits (jitter, retry pause). Tests only.
func WithSleep(sleep func(ctx context.Context, d time.Duration) bool) Option {
	return func(s *Service) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

func New(cfg config.CheckinConfig, loc *time.Location, store storage.Store, accounts *cache.Accounts,
	exec Executor, notifier Notifier, bus eventbus.Bus, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	s := &Service{
		cfg:      cfg,
		store:    store,
		accounts: accounts,
		exec:     exec,
		notifier: notifier,
		bus:      bus,
		log:      log.With(logx.String("svc", "scheduler")),
		loc:      loc,
		tasks:    map[taskKey]*dayTask{},
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Service) Apply(cfg config.CheckinConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Start launches the tick loop and the periodic balance-refresh cron.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup := s.sup
	tick := s.cfg.Tick.Or(30 * time.Second)
	spec := strings.TrimSpace(s.cfg.BalanceCron)
	if spec == "" {
		spec = "0 */2 * * *"
	}
	s.cron = cron.New(cron.WithLocation(s.loc))
	c := s.cron
	s.mu.Unlock()

	sup.GoRestart("checkin.tick", func(ctx context.Context) error {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			s.runTick(ctx)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	})

	if _, err := c.AddFunc(spec, func() {
		sup.Go0("balance.refresh", func(ctx context.Context) {
			s.RefreshAllBalances(ctx)
		})
	}); err != nil {
		return fmt.Errorf("scheduler: bad balance cron %q: %w", spec, err)
	}
	c.Start()

	s.log.Info("scheduler started",
		logx.Duration("tick", tick), logx.String("balance_cron", spec))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	c := s.cron
	s.sup = nil
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}
	if sup != nil {
		_ = sup.Stop(ctx)
	}
}

// Snapshot is the status-endpoint view of the engine.
type Snapshot struct {
	Running  bool      `json:"running"`
	LastTick time.Time `json:"last_tick"`
	DayTasks int       `json:"day_tasks"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.sup != nil
	last := s.lastTick
	s.mu.Unlock()
	s.tmu.Lock()
	n := len(s.tasks)
	s.tmu.Unlock()
	return Snapshot{Running: running, LastTick: last, DayTasks: n}
}

// runTick is one scheduler iteration. Errors are logged, never returned;
// the loop must survive any single tick's failure.
func (s *Service) runTick(ctx context.Context) {
	now := s.now().In(s.loc)
	today := now.Format(storage.DateFormat)

	s.mu.Lock()
	s.lastTick = now
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return
	}

	settings := s.loadSettings(ctx)

	accounts, err := s.accounts.All(ctx)
	if err != nil {
		s.log.Error("tick: cannot list accounts", logx.Err(err))
		return
	}

	for i := range accounts {
		acct := accounts[i]
		if acct.LastCheckinDate == today {
			continue
		}
		due, redispatchEvery := s.dueNow(&acct, settings, now)
		if !due {
			continue
		}

		key := taskKey{accountID: acct.ID, date: today}
		s.tmu.Lock()
		task := s.tasks[key]
		if task == nil {
			task = &dayTask{}
			s.tasks[key] = task
		}
		dispatch := false
		if !task.completed && !task.inflight {
			if !task.dispatched {
				dispatch = true
			} else if redispatchEvery > 0 && now.Sub(task.lastDispatch) >= redispatchEvery {
				dispatch = true
			}
		}
		if dispatch {
			task.dispatched = true
			task.inflight = true
			task.lastDispatch = now
		}
		s.tmu.Unlock()

		if dispatch {
			id := acct.ID
			sup.Go0("checkin.account."+strconv.FormatInt(id, 10), func(ctx context.Context) {
				s.runWithJitter(ctx, id, key, settings)
			})
		}
	}

	s.purgeStale(today)
}

// loadSettings reads the runtime policy row, falling back to defaults when
// the store is unreachable mid-tick.
func (s *Service) loadSettings(ctx context.Context) *storage.CheckinSettings {
	settings, err := s.store.CheckinSettings(ctx)
	if err != nil {
		s.log.Warn("tick: cannot load checkin settings, using defaults", logx.Err(err))
		return &storage.CheckinSettings{
			Mode:        storage.ModeGlobal,
			CheckinTime: "05:30",
			RetryCount:  2,
			DelayMinSec: 0,
			DelayMaxSec: 30,
		}
	}
	return settings
}

// dueNow decides whether the account's scheduled time condition holds.
// For the legacy window mode it also returns the re-dispatch interval.
func (s *Service) dueNow(acct *storage.Account, settings *storage.CheckinSettings, now time.Time) (bool, time.Duration) {
	if settings.Mode == storage.ModeWindow {
		startH, startM, err1 := parseHHMM(acct.WindowStart)
		endH, endM, err2 := parseHHMM(acct.WindowEnd)
		if err1 != nil || err2 != nil {
			s.log.Warn("bad account window, skipping",
				logx.Int64("account", acct.ID),
				logx.String("start", acct.WindowStart), logx.String("end", acct.WindowEnd))
			return false, 0
		}
		start := time.Date(now.Year(), now.Month(), now.Day(), startH, startM, 0, 0, now.Location())
		end := time.Date(now.Year(), now.Month(), now.Day(), endH, endM, 59, 0, now.Location())
		if now.Before(start) || now.After(end) {
			return false, 0
		}
		interval := time.Duration(acct.CheckInterval) * time.Second
		if interval <= 0 {
			interval = time.Minute
		}
		return true, interval
	}

	h, m, err := parseHHMM(settings.CheckinTime)
	if err != nil {
		s.log.Warn("bad global checkin time", logx.String("time", settings.CheckinTime))
		return false, 0
	}
	at := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, now.Location())
	return !now.Before(at), 0
}

func parseHHMM(v string) (int, int, error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(v), ":")
	if !ok {
		return 0, 0, fmt.Errorf("bad time %q", v)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("bad hour %q", v)
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("bad minute %q", v)
	}
	return h, m, nil
}

// runWithJitter waits the randomized pre-action delay, executes, and marks
// the day task completed on any definitive outcome.
func (s *Service) runWithJitter(ctx context.Context, accountID int64, key taskKey, settings *storage.CheckinSettings) {
	defer func() {
		s.tmu.Lock()
		if task, ok := s.tasks[key]; ok {
			task.inflight = false
		}
		s.tmu.Unlock()
	}()

	min, max := settings.DelayMinSec, settings.DelayMaxSec
	if min < 0 {
		min = 0
	}
	if max < min {
		max = min
	}
	delay := time.Duration(min) * time.Second
	if span := max - min; span > 0 {
		delay += time.Duration(rand.Intn(span+1)) * time.Second
	}
	if !s.sleep(ctx, delay) {
		return
	}

	_, _ = s.Execute(ctx, accountID)

	s.tmu.Lock()
	if task, ok := s.tasks[key]; ok {
		task.completed = true
	}
	s.tmu.Unlock()
}

// Execute runs the full check-in protocol for one account: idempotence
// guard, bounded retries with a fixed pause, history insert, last-date
// stamp, best-effort balance refresh, and one outcome notification.
//
// It is the shared entry point for the tick loop and the manual API trigger.
func (s *Service) Execute(ctx context.Context, accountID int64) (bool, string) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		s.log.Warn("execute: account gone", logx.Int64("account", accountID), logx.Err(err))
		return false, "account not found"
	}
	if !acct.Enabled {
		return false, "account disabled"
	}

	today := s.now().In(s.loc).Format(storage.DateFormat)

	// Idempotence guard: today's row already records the outcome.
	if rec, err := s.store.FindCheckinRecord(ctx, accountID, today); err == nil {
		s.log.Debug("already recorded today",
			logx.Int64("account", accountID), logx.Bool("success", rec.Success))
		s.publish(eventbus.TypeCheckinSkip, acct.Name, rec.Success, rec.Message)
		return rec.Success, rec.Message
	} else if !errors.Is(err, storage.ErrNotFound) {
		s.log.Error("execute: history lookup failed", logx.Err(err))
		return false, "history lookup failed"
	}

	budget := acct.RetryCount
	if budget < 0 {
		budget = 0
	}
	pause := s.cfg.RetryPause.Or(5 * time.Second)

	var (
		success bool
		message string
		attempt int
	)
	for {
		success, message, err = s.exec.CheckIn(ctx, acct.TokenData, acct.Name)
		if err != nil {
			success = false
			message = err.Error()
		}
		if success || attempt >= budget {
			break
		}
		attempt++
		s.log.Info("checkin failed, retrying",
			logx.String("account", acct.Name),
			logx.Int("attempt", attempt), logx.Int("budget", budget),
			logx.String("message", message))
		if !s.sleep(ctx, pause) {
			return false, "cancelled"
		}
	}

	rec := &storage.CheckinRecord{
		AccountID:  accountID,
		Success:    success,
		Message:    message,
		Date:       today,
		RetryTimes: attempt,
	}
	if err := s.store.InsertCheckinRecord(ctx, rec); err != nil {
		s.log.Error("execute: history insert failed", logx.Err(err))
	}

	if success {
		if err := s.store.SetLastCheckinDate(ctx, accountID, today); err != nil {
			s.log.Error("execute: last date update failed", logx.Err(err))
		}
		// Best effort; must not change the recorded outcome.
		if err := s.RefreshBalance(ctx, accountID); err != nil {
			s.log.Debug("post-checkin balance refresh failed",
				logx.String("account", acct.Name), logx.Err(err))
		}
	}

	s.log.Info("checkin finished",
		logx.String("account", acct.Name),
		logx.Bool("success", success),
		logx.Int("retries", attempt),
		logx.String("message", message))

	s.publish(eventbus.TypeCheckinDone, acct.Name, success, message)
	s.notifyOutcome(acct.Name, success, message, attempt)
	return success, message
}

func (s *Service) publish(typ, account string, success bool, message string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: CheckinEvent{
		Account: account, Success: success, Message: message,
	}})
}

// CheckinEvent is the bus payload for check-in outcomes.
type CheckinEvent struct {
	Account string `json:"account"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Service) notifyOutcome(name string, success bool, message string, retries int) {
	if s.notifier == nil {
		return
	}
	status := "❌ 失败"
	if success {
		status = "✅ 成功"
	}
	err := s.notifier.Deliver(notify.Message{
		Title:   "Leaflow签到结果 - " + name,
		Body:    fmt.Sprintf("状态: %s\n消息: %s\n重试次数: %d", status, message, retries),
		Account: name,
	})
	if err != nil {
		s.log.Debug("outcome notification dropped", logx.String("account", name), logx.Err(err))
	}
}

// RefreshBalance fetches and persists one account's remote balance.
func (s *Service) RefreshBalance(ctx context.Context, accountID int64) error {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	info, err := s.exec.FetchBalance(ctx, acct.TokenData, acct.Name)
	if err != nil {
		return err
	}
	return s.store.UpdateAccountBalance(ctx, accountID, *info, s.now())
}

// BalanceProgress is the observable state of a balance refresh pass. After a
// pass ends, Total and Done keep the final counts of the last pass.
type BalanceProgress struct {
	Running bool `json:"running"`
	Total   int  `json:"total"`
	Done    int  `json:"done"`
}

func (s *Service) BalanceProgress() BalanceProgress {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	return s.progress
}

// RefreshAllBalances fans a balance refresh across all enabled accounts,
// spacing requests by a small random delay to avoid bursts. At most one pass
// runs at a time; a second caller returns immediately.
func (s *Service) RefreshAllBalances(ctx context.Context) {
	accounts, err := s.accounts.All(ctx)
	if err != nil {
		s.log.Error("balance pass: cannot list accounts", logx.Err(err))
		return
	}

	s.pmu.Lock()
	if s.progress.Running {
		s.pmu.Unlock()
		s.log.Debug("balance refresh pass already running")
		return
	}
	s.progress = BalanceProgress{Running: true, Total: len(accounts)}
	s.pmu.Unlock()
	defer func() {
		s.pmu.Lock()
		s.progress.Running = false
		s.pmu.Unlock()
	}()

	s.log.Info("balance refresh pass", logx.Int("accounts", len(accounts)))
	for i := range accounts {
		// 0.5s to 1.5s between accounts.
		spacing := 500*time.Millisecond + time.Duration(rand.Intn(1001))*time.Millisecond
		if !s.sleep(ctx, spacing) {
			return
		}
		if err := s.RefreshBalance(ctx, accounts[i].ID); err != nil {
			s.log.Warn("balance refresh failed",
				logx.String("account", accounts[i].Name), logx.Err(err))
		}
		s.pmu.Lock()
		s.progress.Done++
		s.pmu.Unlock()
	}
}

func (s *Service) purgeStale(today string) {
	s.tmu.Lock()
	for key := range s.tasks {
		if key.date != today {
			delete(s.tasks, key)
		}
	}
	s.tmu.Unlock()
}
