package batch

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"leafcheck/internal/config"
	"leafcheck/internal/storage"
	logx "leafcheck/pkg/logx"
)

type fakeRedeemer struct {
	mu      sync.Mutex
	calls   []string
	succeed bool
	message string
	amount  string
}

func (f *fakeRedeemer) Redeem(ctx context.Context, tokenData, name, code string) (bool, string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, code)
	return f.succeed, f.message, f.amount, nil
}

func (f *fakeRedeemer) redeemed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "batch.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func addAccount(t *testing.T, st storage.Store, name string) *storage.Account {
	t.Helper()
	a := &storage.Account{Name: name, TokenData: "tok", Enabled: true}
	if err := st.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return a
}

func newEngine(st storage.Store, r Redeemer, now func() time.Time) *Engine {
	return New(config.BatchConfig{}, st, r, nil, logx.Nop(), WithClock(now))
}

func TestNormalizeCodes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   []string
		want []string
	}{
		{[]string{"A", "A", "B", ""}, []string{"A", "B"}},
		{[]string{"  X  ", "X", "Y"}, []string{"X", "Y"}},
		{[]string{"", "   "}, []string{}},
		{[]string{"C", "B", "A"}, []string{"C", "B", "A"}},
	}
	for _, tt := range tests {
		got := NormalizeCodes(tt.in)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("NormalizeCodes(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCreateRejectsDuplicateActiveTask(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	acct := addAccount(t, st, "dup")
	e := newEngine(st, &fakeRedeemer{}, time.Now)
	ctx := context.Background()

	first, err := e.Create(ctx, acct.ID, []string{"A", "B"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = e.Create(ctx, acct.ID, []string{"C"})
	var active *ActiveTaskError
	if !errors.As(err, &active) {
		t.Fatalf("expected ActiveTaskError, got %v", err)
	}
	if active.TaskID != first.ID {
		t.Fatalf("rejection must reference task %d, got %d", first.ID, active.TaskID)
	}

	// No second row inserted.
	tasks, err := st.ListUnfinishedBatchTasks(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
}

func TestCreateRejectsEmptyCodes(t *testing.T) {
	t.Parallel()
	e := newEngine(openStore(t), &fakeRedeemer{}, time.Now)
	if _, err := e.Create(context.Background(), 1, []string{"", "  "}); !errors.Is(err, ErrNoCodes) {
		t.Fatalf("expected ErrNoCodes, got %v", err)
	}
}

func TestStepSuccessDelay(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	acct := addAccount(t, st, "delays")
	fixed := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	e := newEngine(st, &fakeRedeemer{succeed: true, message: "兑换成功！获得 ¥5.00 余额", amount: "5.00"}, func() time.Time { return fixed })
	ctx := context.Background()

	task, err := e.Create(ctx, acct.ID, []string{"A", "B"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	e.step(ctx, task.ID)

	got, err := st.GetBatchTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CurrentIndex != 1 || got.SuccessCount != 1 || got.FailCount != 0 {
		t.Fatalf("progress wrong: %+v", got)
	}
	if got.NextExecuteAt == nil {
		t.Fatal("next_execute_at must be set")
	}
	// Success delay is the 70 minute cooldown, exactly.
	if wait := got.NextExecuteAt.Sub(fixed); wait < DefaultSuccessInterval {
		t.Fatalf("success delay %v < %v", wait, DefaultSuccessInterval)
	}

	recs, err := st.ListRedeemRecords(ctx, acct.ID, []string{"A"})
	if err != nil || len(recs) != 1 {
		t.Fatalf("redeem history: %v %v", recs, err)
	}
	if !recs[0].Success || recs[0].Amount != "5.00" {
		t.Fatalf("record wrong: %+v", recs[0])
	}
}

func TestStepFailureDelay(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	acct := addAccount(t, st, "faildelay")
	fixed := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	e := newEngine(st, &fakeRedeemer{succeed: false, message: "invalid code"}, func() time.Time { return fixed })
	ctx := context.Background()

	task, err := e.Create(ctx, acct.ID, []string{"A", "B"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	e.step(ctx, task.ID)

	got, _ := st.GetBatchTask(ctx, task.ID)
	if got.FailCount != 1 || got.CurrentIndex != 1 {
		t.Fatalf("progress wrong: %+v", got)
	}
	if wait := got.NextExecuteAt.Sub(fixed); wait > DefaultFailInterval {
		t.Fatalf("failure delay %v > %v", wait, DefaultFailInterval)
	}
}

func TestTaskCompletesAtTotal(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	acct := addAccount(t, st, "complete")
	now := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	e := newEngine(st, &fakeRedeemer{succeed: true}, clock)
	ctx := context.Background()

	task, err := e.Create(ctx, acct.ID, []string{"A", "B"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	e.step(ctx, task.ID)
	got, _ := st.GetBatchTask(ctx, task.ID)
	if got.Status != storage.TaskRunning || got.CurrentIndex != 1 {
		t.Fatalf("after step 1: %+v", got)
	}

	// Force the second step due and run it.
	now = now.Add(2 * DefaultSuccessInterval)
	if err := st.SetBatchTaskStatus(ctx, task.ID, storage.TaskRunning, &now, nil); err != nil {
		t.Fatalf("reset due: %v", err)
	}
	e.step(ctx, task.ID)

	got, _ = st.GetBatchTask(ctx, task.ID)
	if got.Status != storage.TaskCompleted {
		t.Fatalf("expected completed, got %+v", got)
	}
	if got.CurrentIndex != got.TotalCount {
		t.Fatalf("completed iff index == total, got %d/%d", got.CurrentIndex, got.TotalCount)
	}
	if got.CompletedAt == nil || got.NextExecuteAt != nil {
		t.Fatalf("completion stamps wrong: %+v", got)
	}
}

func TestStepSkipsNonRunning(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	acct := addAccount(t, st, "skippaused")
	red := &fakeRedeemer{succeed: true}
	e := newEngine(st, red, time.Now)
	ctx := context.Background()

	task, err := e.Create(ctx, acct.ID, []string{"A"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := e.Pause(ctx, task.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}

	// A pause between the due scan and the dispatch must win.
	e.step(ctx, task.ID)
	if calls := red.redeemed(); len(calls) != 0 {
		t.Fatalf("paused task must not redeem, got %v", calls)
	}
}

func TestPauseResumeRoundTrip(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	acct := addAccount(t, st, "roundtrip")
	e := newEngine(st, &fakeRedeemer{succeed: true}, time.Now)
	ctx := context.Background()

	task, err := e.Create(ctx, acct.ID, []string{"A", "B", "C"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	e.step(ctx, task.ID)

	before, _ := st.GetBatchTask(ctx, task.ID)
	if err := e.Pause(ctx, task.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	paused, _ := st.GetBatchTask(ctx, task.ID)
	if paused.Status != storage.TaskPaused {
		t.Fatalf("expected paused, got %q", paused.Status)
	}

	if err := e.Resume(ctx, task.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	resumed, _ := st.GetBatchTask(ctx, task.ID)
	if resumed.Status != storage.TaskRunning {
		t.Fatalf("expected running, got %q", resumed.Status)
	}
	if resumed.CurrentIndex != before.CurrentIndex {
		t.Fatalf("index changed across pause/resume: %d != %d", resumed.CurrentIndex, before.CurrentIndex)
	}

	// Invalid transitions.
	if err := e.Resume(ctx, task.ID); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("resume on running: %v", err)
	}
	if err := e.Pause(ctx, task.ID); err != nil {
		t.Fatalf("re-pause: %v", err)
	}
	if err := e.Pause(ctx, task.ID); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("pause on paused: %v", err)
	}
}

func TestCancelTerminalRejected(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	acct := addAccount(t, st, "cancel")
	e := newEngine(st, &fakeRedeemer{succeed: true}, time.Now)
	ctx := context.Background()

	task, err := e.Create(ctx, acct.ID, []string{"A"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := e.Cancel(ctx, task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := st.GetBatchTask(ctx, task.ID)
	if got.Status != storage.TaskCancelled || got.CompletedAt == nil {
		t.Fatalf("cancel not applied: %+v", got)
	}

	if err := e.Cancel(ctx, task.ID); !errors.Is(err, ErrTaskEnded) {
		t.Fatalf("cancelling terminal task: %v", err)
	}
	if err := e.Cancel(ctx, 9999); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("cancelling missing task: %v", err)
	}
}

func TestRestorePromotesPending(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	acct := addAccount(t, st, "restore")
	ctx := context.Background()

	pending := &storage.BatchTask{AccountID: acct.ID, Status: storage.TaskPending, Codes: []string{"A"}, TotalCount: 1}
	if err := st.CreateBatchTask(ctx, pending); err != nil {
		t.Fatalf("create: %v", err)
	}

	fixed := time.Date(2026, 8, 27, 9, 0, 0, 0, time.UTC)
	e := newEngine(st, &fakeRedeemer{}, func() time.Time { return fixed })
	if err := e.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}

	got, _ := st.GetBatchTask(ctx, pending.ID)
	if got.Status != storage.TaskRunning {
		t.Fatalf("pending must promote to running, got %q", got.Status)
	}
	if got.NextExecuteAt == nil || !got.NextExecuteAt.Equal(fixed) {
		t.Fatalf("promoted task must be immediately due: %v", got.NextExecuteAt)
	}
}

func TestStatusProgressClassification(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	acct := addAccount(t, st, "progress")
	e := newEngine(st, &fakeRedeemer{}, time.Now)
	ctx := context.Background()

	task, err := e.Create(ctx, acct.ID, []string{"A", "B", "C", "D"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// A succeeded, B failed; pointer at index 2.
	if err := st.InsertRedeemRecord(ctx, &storage.RedeemRecord{AccountID: acct.ID, Code: "A", Success: true, Amount: "5"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := st.InsertRedeemRecord(ctx, &storage.RedeemRecord{AccountID: acct.ID, Code: "B", Success: false, Message: "invalid"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	next := time.Now().Add(time.Minute)
	if err := st.AdvanceBatchTask(ctx, task.ID, true, 2, storage.TaskRunning, &next, nil); err != nil {
		t.Fatalf("advance: %v", err)
	}

	status, err := e.Status(ctx, acct.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	want := []string{"success", "failed", "waiting", "pending"}
	if len(status.Progress) != len(want) {
		t.Fatalf("progress length: %d", len(status.Progress))
	}
	for i, p := range status.Progress {
		if p.Status != want[i] {
			t.Errorf("code %q: status %q, want %q", p.Code, p.Status, want[i])
		}
	}
	if status.Progress[2].NextExecuteAt == nil {
		t.Error("waiting code must carry next_execute_at")
	}
	if status.Progress[0].Amount != "5" {
		t.Errorf("success amount missing: %+v", status.Progress[0])
	}
}

func TestStatusNoTask(t *testing.T) {
	t.Parallel()
	e := newEngine(openStore(t), &fakeRedeemer{}, time.Now)
	status, err := e.Status(context.Background(), 42)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Task != nil || len(status.Progress) != 0 {
		t.Fatalf("expected empty status, got %+v", status)
	}
}

func TestIndexMonotoneNeverExceedsTotal(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	acct := addAccount(t, st, "monotone")
	now := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	e := newEngine(st, &fakeRedeemer{succeed: false, message: "nope"}, func() time.Time { return now })
	ctx := context.Background()

	task, err := e.Create(ctx, acct.ID, []string{"A", "B"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	prev := 0
	for i := 0; i < 5; i++ {
		e.step(ctx, task.ID)
		got, _ := st.GetBatchTask(ctx, task.ID)
		if got.CurrentIndex < prev {
			t.Fatalf("index decreased: %d -> %d", prev, got.CurrentIndex)
		}
		if got.CurrentIndex > got.TotalCount {
			t.Fatalf("index %d exceeds total %d", got.CurrentIndex, got.TotalCount)
		}
		prev = got.CurrentIndex
		if !storage.TerminalStatus(got.Status) {
			// Make the next step due again.
			if err := st.SetBatchTaskStatus(ctx, task.ID, storage.TaskRunning, &now, nil); err != nil {
				t.Fatalf("reset: %v", err)
			}
		}
	}

	got, _ := st.GetBatchTask(ctx, task.ID)
	if got.Status != storage.TaskCompleted || got.CurrentIndex != got.TotalCount {
		t.Fatalf("task must complete exactly at total: %+v", got)
	}
}
