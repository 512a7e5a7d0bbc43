package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"leafcheck/internal/batch"
	"leafcheck/internal/notify"
	"leafcheck/internal/storage"
	logx "leafcheck/pkg/logx"
)

// accountView is the API shape of an account. The credential bundle is
// write-only: it never appears in responses.
type accountView struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Enabled         bool       `json:"enabled"`
	WindowStart     string     `json:"window_start,omitempty"`
	WindowEnd       string     `json:"window_end,omitempty"`
	CheckInterval   int        `json:"check_interval,omitempty"`
	RetryCount      int        `json:"retry_count"`
	LastCheckinDate string     `json:"last_checkin_date,omitempty"`
	RemoteUID       string     `json:"remote_uid,omitempty"`
	RemoteName      string     `json:"remote_name,omitempty"`
	RemoteEmail     string     `json:"remote_email,omitempty"`
	CurrentBalance  string     `json:"current_balance,omitempty"`
	TotalConsumed   string     `json:"total_consumed,omitempty"`
	BalanceAt       *time.Time `json:"balance_updated_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func toView(a *storage.Account) accountView {
	return accountView{
		ID:              a.ID,
		Name:            a.Name,
		Enabled:         a.Enabled,
		WindowStart:     a.WindowStart,
		WindowEnd:       a.WindowEnd,
		CheckInterval:   a.CheckInterval,
		RetryCount:      a.RetryCount,
		LastCheckinDate: a.LastCheckinDate,
		RemoteUID:       a.RemoteUID,
		RemoteName:      a.RemoteName,
		RemoteEmail:     a.RemoteEmail,
		CurrentBalance:  a.CurrentBalance,
		TotalConsumed:   a.TotalConsumed,
		BalanceAt:       a.BalanceUpdatedAt,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

// ---- auth ----

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	token, expiresAt, err := s.auth.login(req.Username, req.Password)
	if err != nil {
		s.log.Warn("login rejected", logx.String("username", req.Username))
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiresAt,
	})
}

// ---- accounts ----

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListAccounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]accountView, 0, len(accounts))
	for i := range accounts {
		views = append(views, toView(&accounts[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

type createAccountRequest struct {
	Name          string `json:"name" validate:"required,max=100"`
	TokenData     string `json:"token_data" validate:"required"`
	Enabled       *bool  `json:"enabled"`
	WindowStart   string `json:"window_start"`
	WindowEnd     string `json:"window_end"`
	CheckInterval int    `json:"check_interval" validate:"gte=0"`
	RetryCount    int    `json:"retry_count" validate:"gte=0,lte=10"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	acct := &storage.Account{
		Name:          req.Name,
		TokenData:     req.TokenData,
		Enabled:       enabled,
		WindowStart:   req.WindowStart,
		WindowEnd:     req.WindowEnd,
		CheckInterval: req.CheckInterval,
		RetryCount:    req.RetryCount,
	}
	if err := s.store.CreateAccount(r.Context(), acct); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("account created", logx.Int64("account", acct.ID), logx.String("name", acct.Name))
	writeJSON(w, http.StatusCreated, toView(acct))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad account id")
		return
	}
	acct, err := s.store.GetAccount(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toView(acct))
}

type updateAccountRequest struct {
	Name          *string `json:"name" validate:"omitempty,max=100"`
	TokenData     *string `json:"token_data" validate:"omitempty,min=1"`
	Enabled       *bool   `json:"enabled"`
	WindowStart   *string `json:"window_start"`
	WindowEnd     *string `json:"window_end"`
	CheckInterval *int    `json:"check_interval" validate:"omitempty,gte=0"`
	RetryCount    *int    `json:"retry_count" validate:"omitempty,gte=0,lte=10"`
}

func (s *Server) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad account id")
		return
	}
	var req updateAccountRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	update := storage.AccountUpdate{
		Name:          req.Name,
		TokenData:     req.TokenData,
		Enabled:       req.Enabled,
		WindowStart:   req.WindowStart,
		WindowEnd:     req.WindowEnd,
		CheckInterval: req.CheckInterval,
		RetryCount:    req.RetryCount,
	}
	if err := s.store.UpdateAccount(r.Context(), id, update); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	acct, err := s.store.GetAccount(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toView(acct))
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad account id")
		return
	}
	if err := s.store.DeleteAccount(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("account deleted", logx.Int64("account", id))
	w.WriteHeader(http.StatusNoContent)
}

// ---- check-in ----

func (s *Server) handleManualCheckin(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad account id")
		return
	}
	if _, err := s.store.GetAccount(r.Context(), id); errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "account not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Same path as the scheduler: the history row guard makes a manual
	// trigger after today's run return the recorded outcome.
	success, message := s.sched.Execute(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": success,
		"message": message,
	})
}

func (s *Server) handleRefreshBalance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad account id")
		return
	}
	if err := s.sched.RefreshBalance(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	acct, err := s.store.GetAccount(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toView(acct))
}

func (s *Server) handleRefreshAllBalances(w http.ResponseWriter, r *http.Request) {
	// Paced over all accounts; runs after the response is written.
	go s.sched.RefreshAllBalances(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refreshing"})
}

func (s *Server) handleCheckinHistory(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().In(s.loc).Format(storage.DateFormat)
	}
	records, err := s.store.LatestCheckinByAccount(r.Context(), date)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	type historyEntry struct {
		ID         int64     `json:"id"`
		AccountID  int64     `json:"account_id"`
		Success    bool      `json:"success"`
		Message    string    `json:"message"`
		RetryTimes int       `json:"retry_times"`
		Time       time.Time `json:"time"`
	}
	out := make([]historyEntry, 0, len(records))
	for id, rec := range records {
		out = append(out, historyEntry{
			ID:         rec.ID,
			AccountID:  id,
			Success:    rec.Success,
			Message:    rec.Message,
			RetryTimes: rec.RetryTimes,
			Time:       rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"date": date, "records": out})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	date := ""
	switch scope {
	case "", "today":
		date = time.Now().In(s.loc).Format(storage.DateFormat)
	case "all":
	default:
		writeError(w, http.StatusBadRequest, "scope must be today or all")
		return
	}
	// Clearing also resets last_checkin_date for the affected accounts, so
	// the scheduler becomes eligible to run them again.
	if err := s.store.ClearCheckinHistory(r.Context(), date); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("checkin history cleared", logx.String("scope", scope))
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleDeleteCheckinRecord(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "recordID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad record id")
		return
	}
	// Deleting today's success row also clears the account's last-checkin
	// stamp, so the scheduler becomes eligible to run it again.
	if err := s.store.DeleteCheckinRecord(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "record not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("checkin record deleted", logx.Int64("record", id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleBalanceRefreshProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.BalanceProgress())
}

// ---- batch tasks ----

type createBatchRequest struct {
	Codes []string `json:"codes" validate:"required,min=1"`
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad account id")
		return
	}
	if _, err := s.store.GetAccount(r.Context(), id); errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "account not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var req createBatchRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	task, err := s.batch.Create(r.Context(), id, req.Codes)
	if err != nil {
		var active *batch.ActiveTaskError
		switch {
		case errors.As(err, &active):
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":   "account already has an active task",
				"task_id": active.TaskID,
			})
		case errors.Is(err, batch.ErrNoCodes):
			writeError(w, http.StatusBadRequest, "no usable codes after normalization")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad account id")
		return
	}
	status, err := s.batch.Status(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleBatchControl adapts cancel/pause/resume to a shared route shape.
func (s *Server) handleBatchControl(op func(ctx context.Context, taskID int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID, err := pathID(r, "taskID")
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad task id")
			return
		}
		if err := op(r.Context(), taskID); err != nil {
			switch {
			case errors.Is(err, storage.ErrNotFound):
				writeError(w, http.StatusNotFound, "task not found")
			case errors.Is(err, batch.ErrTaskEnded),
				errors.Is(err, batch.ErrNotRunning),
				errors.Is(err, batch.ErrNotPaused):
				writeError(w, http.StatusConflict, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}
		task, err := s.store.GetBatchTask(r.Context(), taskID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

// ---- settings ----

func (s *Server) handleGetCheckinSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.CheckinSettings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

type checkinSettingsRequest struct {
	Mode        string `json:"mode" validate:"required,oneof=global window"`
	CheckinTime string `json:"checkin_time" validate:"required"`
	RetryCount  int    `json:"retry_count" validate:"gte=0,lte=10"`
	DelayMinSec int    `json:"delay_min_sec" validate:"gte=0"`
	DelayMaxSec int    `json:"delay_max_sec" validate:"gtefield=DelayMinSec"`
}

func (s *Server) handlePutCheckinSettings(w http.ResponseWriter, r *http.Request) {
	var req checkinSettingsRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := time.Parse("15:04", req.CheckinTime); err != nil {
		writeError(w, http.StatusBadRequest, "checkin_time must be HH:MM")
		return
	}
	settings := &storage.CheckinSettings{
		Mode:        req.Mode,
		CheckinTime: req.CheckinTime,
		RetryCount:  req.RetryCount,
		DelayMinSec: req.DelayMinSec,
		DelayMaxSec: req.DelayMaxSec,
	}
	if err := s.store.SaveCheckinSettings(r.Context(), settings); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("checkin settings updated",
		logx.String("mode", req.Mode), logx.String("time", req.CheckinTime))
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleGetNotifySettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.NotifySettings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePutNotifySettings(w http.ResponseWriter, r *http.Request) {
	var settings storage.NotifySettings
	if err := s.decodeValid(r, &settings); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.SaveNotifySettings(r.Context(), &settings); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleNotifyTest(w http.ResponseWriter, r *http.Request) {
	if s.notifier == nil {
		writeError(w, http.StatusServiceUnavailable, "notifications not configured")
		return
	}
	err := s.notifier.TestSend(r.Context(), notify.Message{
		Title: "Leaflow通知测试",
		Body:  "这是一条测试消息。如果收到此消息，说明通知配置正确。",
	})
	if errors.Is(err, notify.ErrDisabled) {
		writeError(w, http.StatusConflict, "notifications are disabled")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// ---- status ----

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"scheduler": s.sched.Snapshot(),
		"batch":     s.batch.Snapshot(),
	}
	if s.eventCounts != nil {
		status["events"] = s.eventCounts()
	}
	writeJSON(w, http.StatusOK, status)
}
