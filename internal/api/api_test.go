package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"leafcheck/internal/batch"
	"leafcheck/internal/cache"
	"leafcheck/internal/config"
	"leafcheck/internal/scheduler"
	"leafcheck/internal/storage"
	logx "leafcheck/pkg/logx"
)

type fakeExecutor struct {
	success bool
	message string
}

func (f *fakeExecutor) CheckIn(ctx context.Context, tokenData, name string) (bool, string, error) {
	return f.success, f.message, nil
}

func (f *fakeExecutor) FetchBalance(ctx context.Context, tokenData, name string) (*storage.BalanceInfo, error) {
	return &storage.BalanceInfo{CurrentBalance: "12.34", RemoteName: name}, nil
}

type fakeRedeemer struct{}

func (fakeRedeemer) Redeem(ctx context.Context, tokenData, name, code string) (bool, string, string, error) {
	return true, "ok", "1.00", nil
}

type testEnv struct {
	srv   *Server
	store storage.Store
	sched *scheduler.Service
	token string
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	return newEnvTZ(t, "")
}

// newEnvTZ builds the server and the scheduler on the same configured
// timezone, the way app wiring does.
func newEnvTZ(t *testing.T, timezone string) *testEnv {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "api.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Config{
		Listen:   "127.0.0.1:0",
		Timezone: timezone,
		Auth: config.AuthConfig{
			AdminUsername: "admin",
			AdminPassword: "secret",
			JWTSecret:     "test-secret",
		},
	}

	accounts := cache.New(st, logx.Nop())
	sched := scheduler.New(config.CheckinConfig{}, cfg.Location(), st, accounts,
		&fakeExecutor{success: true, message: "签到成功"}, nil, nil, logx.Nop(),
		scheduler.WithSleep(func(context.Context, time.Duration) bool { return true }))
	engine := batch.New(config.BatchConfig{}, st, fakeRedeemer{}, nil, logx.Nop())

	srv := NewServer(cfg, st, accounts, sched, engine, nil, nil, logx.Nop())

	env := &testEnv{srv: srv, store: st, sched: sched}
	env.token = env.login(t, "admin", "secret")
	return env
}

func (e *testEnv) login(t *testing.T, user, pass string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/auth/login", "",
		map[string]string{"username": user, "password": pass})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: status %d body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Token == "" {
		t.Fatalf("login response: %v %s", err, rec.Body.String())
	}
	return resp.Token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	rec := env.do(t, http.MethodPost, "/api/auth/login", "",
		map[string]string{"username": "admin", "password": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: status %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "admin"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing password: status %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	if rec := env.do(t, http.MethodGet, "/api/accounts/", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/accounts/", "garbage", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz must be open: status %d", rec.Code)
	}
}

func TestAccountLifecycle(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	rec := env.do(t, http.MethodPost, "/api/accounts/", env.token, map[string]any{
		"name":       "alpha",
		"token_data": "session=abc",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status %d body %s", rec.Code, rec.Body.String())
	}
	var created accountView
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == 0 || !created.Enabled {
		t.Fatalf("unexpected create response: %+v", created)
	}
	// The credential bundle must never round-trip.
	if bytes.Contains(rec.Body.Bytes(), []byte("session=abc")) {
		t.Fatal("token_data leaked into response")
	}

	id := created.ID
	path := "/api/accounts/" + itoa(id) + "/"

	rec = env.do(t, http.MethodPut, path, env.token, map[string]any{"enabled": false})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status %d body %s", rec.Code, rec.Body.String())
	}
	var updated accountView
	_ = json.Unmarshal(rec.Body.Bytes(), &updated)
	if updated.Enabled {
		t.Fatal("enabled flag not updated")
	}

	rec = env.do(t, http.MethodGet, "/api/accounts/", env.token, nil)
	var list []accountView
	_ = json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list) != 1 {
		t.Fatalf("list: %d accounts", len(list))
	}

	if rec = env.do(t, http.MethodDelete, path, env.token, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d", rec.Code)
	}
	if rec = env.do(t, http.MethodGet, path, env.token, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: status %d", rec.Code)
	}
}

func TestManualCheckinAndHistory(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()

	acct := &storage.Account{Name: "manual", TokenData: "tok", Enabled: true}
	if err := env.store.CreateAccount(ctx, acct); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	path := "/api/accounts/" + itoa(acct.ID)

	rec := env.do(t, http.MethodPost, path+"/checkin", env.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("checkin: status %d body %s", rec.Code, rec.Body.String())
	}
	var result struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &result)
	if !result.Success || result.Message != "签到成功" {
		t.Fatalf("unexpected result: %+v", result)
	}

	// Second trigger the same day returns the recorded outcome.
	rec = env.do(t, http.MethodPost, path+"/checkin", env.token, nil)
	_ = json.Unmarshal(rec.Body.Bytes(), &result)
	if !result.Success {
		t.Fatalf("repeat trigger must report recorded outcome: %+v", result)
	}

	// The scheduler in this test runs in UTC; ask for that day explicitly.
	today := time.Now().UTC().Format(storage.DateFormat)
	rec = env.do(t, http.MethodGet, "/api/checkin/history?date="+today, env.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history: status %d", rec.Code)
	}
	var history struct {
		Records []json.RawMessage `json:"records"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &history)
	if len(history.Records) != 1 {
		t.Fatalf("expected one history record, got %d", len(history.Records))
	}

	if rec = env.do(t, http.MethodDelete, "/api/checkin/history?scope=all", env.token, nil); rec.Code != http.StatusOK {
		t.Fatalf("clear: status %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/checkin/history?date="+today, env.token, nil)
	_ = json.Unmarshal(rec.Body.Bytes(), &history)
	if len(history.Records) != 0 {
		t.Fatalf("history not cleared: %d records", len(history.Records))
	}
}

// The history endpoints must resolve "today" in the configured timezone, the
// same day boundary the scheduler records under. The two zones span 26 hours,
// so at any instant at least one of them is on a different calendar day than
// the host, which is exactly when a host-local default date would go wrong.
func TestHistoryDefaultsToConfiguredTimezone(t *testing.T) {
	t.Parallel()

	for _, tz := range []string{"Pacific/Kiritimati", "Etc/GMT+12"} {
		tz := tz
		t.Run(tz, func(t *testing.T) {
			t.Parallel()
			env := newEnvTZ(t, tz)
			ctx := context.Background()

			acct := &storage.Account{Name: "tz", TokenData: "tok", Enabled: true}
			if err := env.store.CreateAccount(ctx, acct); err != nil {
				t.Fatalf("seed account: %v", err)
			}

			rec := env.do(t, http.MethodPost, "/api/accounts/"+itoa(acct.ID)+"/checkin", env.token, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("checkin: status %d body %s", rec.Code, rec.Body.String())
			}

			// No explicit date: the default must be the scheduler's day.
			rec = env.do(t, http.MethodGet, "/api/checkin/history", env.token, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("history: status %d", rec.Code)
			}
			var history struct {
				Date    string            `json:"date"`
				Records []json.RawMessage `json:"records"`
			}
			_ = json.Unmarshal(rec.Body.Bytes(), &history)
			if len(history.Records) != 1 {
				t.Fatalf("default date %q missed today's record", history.Date)
			}

			if rec = env.do(t, http.MethodDelete, "/api/checkin/history?scope=today", env.token, nil); rec.Code != http.StatusOK {
				t.Fatalf("clear today: status %d", rec.Code)
			}
			rec = env.do(t, http.MethodGet, "/api/checkin/history", env.token, nil)
			_ = json.Unmarshal(rec.Body.Bytes(), &history)
			if len(history.Records) != 0 {
				t.Fatalf("scope=today cleared the wrong day: %d records left", len(history.Records))
			}
			got, err := env.store.GetAccount(ctx, acct.ID)
			if err != nil {
				t.Fatalf("get account: %v", err)
			}
			if got.LastCheckinDate != "" {
				t.Fatalf("last checkin date not reset: %q", got.LastCheckinDate)
			}
		})
	}
}

func TestDeleteSingleCheckinRecord(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()

	acct := &storage.Account{Name: "single", TokenData: "tok", Enabled: true}
	if err := env.store.CreateAccount(ctx, acct); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	if rec := env.do(t, http.MethodPost, "/api/accounts/"+itoa(acct.ID)+"/checkin", env.token, nil); rec.Code != http.StatusOK {
		t.Fatalf("checkin: status %d", rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/api/checkin/history", env.token, nil)
	var history struct {
		Records []struct {
			ID int64 `json:"id"`
		} `json:"records"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &history)
	if len(history.Records) != 1 || history.Records[0].ID == 0 {
		t.Fatalf("history must expose record ids: %s", rec.Body.String())
	}

	if rec = env.do(t, http.MethodDelete, "/api/checkin/history/"+itoa(history.Records[0].ID), env.token, nil); rec.Code != http.StatusOK {
		t.Fatalf("delete record: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/checkin/history", env.token, nil)
	_ = json.Unmarshal(rec.Body.Bytes(), &history)
	if len(history.Records) != 0 {
		t.Fatalf("record not deleted: %d left", len(history.Records))
	}
	// Deleting today's success row frees the account for another run.
	got, err := env.store.GetAccount(ctx, acct.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got.LastCheckinDate != "" {
		t.Fatalf("last checkin date not reset: %q", got.LastCheckinDate)
	}

	if rec = env.do(t, http.MethodDelete, "/api/checkin/history/9999", env.token, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("delete missing record: status %d", rec.Code)
	}
}

func TestBalanceRefreshProgress(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()

	rec := env.do(t, http.MethodGet, "/api/balance/refresh/progress", env.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("progress: status %d", rec.Code)
	}
	var progress struct {
		Running bool `json:"running"`
		Total   int  `json:"total"`
		Done    int  `json:"done"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &progress)
	if progress.Running || progress.Total != 0 {
		t.Fatalf("unexpected initial progress: %+v", progress)
	}

	acct := &storage.Account{Name: "bal", TokenData: "tok", Enabled: true}
	if err := env.store.CreateAccount(ctx, acct); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	env.sched.RefreshAllBalances(ctx)

	rec = env.do(t, http.MethodGet, "/api/balance/refresh/progress", env.token, nil)
	_ = json.Unmarshal(rec.Body.Bytes(), &progress)
	if progress.Running || progress.Total != 1 || progress.Done != 1 {
		t.Fatalf("unexpected progress after pass: %+v", progress)
	}
}

func TestBatchEndpoints(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()

	acct := &storage.Account{Name: "batch", TokenData: "tok", Enabled: true}
	if err := env.store.CreateAccount(ctx, acct); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	path := "/api/accounts/" + itoa(acct.ID) + "/redeem/batch"

	rec := env.do(t, http.MethodPost, path, env.token, map[string]any{
		"codes": []string{"A", "A", "B", ""},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status %d body %s", rec.Code, rec.Body.String())
	}
	var task storage.BatchTask
	_ = json.Unmarshal(rec.Body.Bytes(), &task)
	if task.TotalCount != 2 {
		t.Fatalf("codes not normalized: %+v", task)
	}

	// Duplicate create reports the existing task.
	rec = env.do(t, http.MethodPost, path, env.token, map[string]any{"codes": []string{"C"}})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate: status %d", rec.Code)
	}
	var conflict struct {
		TaskID int64 `json:"task_id"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &conflict)
	if conflict.TaskID != task.ID {
		t.Fatalf("conflict must name task %d, got %d", task.ID, conflict.TaskID)
	}

	rec = env.do(t, http.MethodGet, path, env.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}

	taskPath := "/api/batch/" + itoa(task.ID)
	if rec = env.do(t, http.MethodPost, taskPath+"/pause", env.token, nil); rec.Code != http.StatusOK {
		t.Fatalf("pause: status %d body %s", rec.Code, rec.Body.String())
	}
	if rec = env.do(t, http.MethodPost, taskPath+"/pause", env.token, nil); rec.Code != http.StatusConflict {
		t.Fatalf("double pause: status %d", rec.Code)
	}
	if rec = env.do(t, http.MethodPost, taskPath+"/resume", env.token, nil); rec.Code != http.StatusOK {
		t.Fatalf("resume: status %d", rec.Code)
	}
	if rec = env.do(t, http.MethodPost, taskPath+"/cancel", env.token, nil); rec.Code != http.StatusOK {
		t.Fatalf("cancel: status %d", rec.Code)
	}
	if rec = env.do(t, http.MethodPost, taskPath+"/cancel", env.token, nil); rec.Code != http.StatusConflict {
		t.Fatalf("cancel terminal: status %d", rec.Code)
	}
	if rec = env.do(t, http.MethodPost, "/api/batch/9999/cancel", env.token, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("cancel missing: status %d", rec.Code)
	}
}

func TestCheckinSettingsRoundTrip(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	rec := env.do(t, http.MethodPut, "/api/settings/checkin", env.token, map[string]any{
		"mode":          "global",
		"checkin_time":  "07:15",
		"retry_count":   3,
		"delay_min_sec": 5,
		"delay_max_sec": 60,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("put: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/settings/checkin", env.token, nil)
	var settings storage.CheckinSettings
	_ = json.Unmarshal(rec.Body.Bytes(), &settings)
	if settings.CheckinTime != "07:15" || settings.RetryCount != 3 {
		t.Fatalf("settings did not persist: %+v", settings)
	}

	// Invalid time format.
	rec = env.do(t, http.MethodPut, "/api/settings/checkin", env.token, map[string]any{
		"mode":         "global",
		"checkin_time": "25:99",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad time: status %d", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	rec := env.do(t, http.MethodGet, "/api/status", env.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var status struct {
		Scheduler struct {
			Running bool `json:"running"`
		} `json:"scheduler"`
		Batch struct {
			Running bool `json:"running"`
		} `json:"batch"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Scheduler.Running || status.Batch.Running {
		t.Fatalf("engines not started in this test: %+v", status)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
