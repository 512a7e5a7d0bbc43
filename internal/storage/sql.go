package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "leafcheck/pkg/logx"
)

//go:embed migrations_sqlite.sql migrations_postgres.sql
var migrationsFS embed.FS

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// timeFormat keeps the fractional part fixed-width so the TEXT encoding
// orders exactly like the instants it represents. RFC3339Nano trims
// trailing zeros, which makes "…:00Z" sort after "…:00.5Z".
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

type sqlStore struct {
	db      *sql.DB
	dialect dialect
	log     logx.Logger

	hookMu sync.Mutex
	hooks  []func()
}

func (s *sqlStore) migrate(ctx context.Context) error {
	name := "migrations_sqlite.sql"
	if s.dialect == dialectPostgres {
		name = "migrations_postgres.sql"
	}
	b, err := migrationsFS.ReadFile(name)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return err
	}
	return s.seedSettings(ctx)
}

// seedSettings guarantees the two singleton settings rows exist.
func (s *sqlStore) seedSettings(ctx context.Context) error {
	now := encTime(time.Now())
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO checkin_settings (id, updated_at) VALUES (1, ?) ON CONFLICT (id) DO NOTHING`), now)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO notification_settings (id, updated_at) VALUES (1, ?) ON CONFLICT (id) DO NOTHING`), now)
	return err
}

// rebind converts '?' placeholders to the postgres '$n' form.
// Queries in this file never contain literal question marks.
func (s *sqlStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// insertID executes an INSERT and returns the generated row id.
func (s *sqlStore) insertID(ctx context.Context, query string, args ...any) (int64, error) {
	if s.dialect == dialectPostgres {
		var id int64
		err := s.db.QueryRowContext(ctx, s.rebind(query+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) OnAccountsMutated(fn func()) {
	if fn == nil {
		return
	}
	s.hookMu.Lock()
	s.hooks = append(s.hooks, fn)
	s.hookMu.Unlock()
}

// accountsMutated fires the registered hooks. Every account-mutating method
// funnels through here so invalidation lives in exactly one place.
func (s *sqlStore) accountsMutated() {
	s.hookMu.Lock()
	hooks := append([]func(){}, s.hooks...)
	s.hookMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// ---- time / null helpers ----

func encTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func decTime(raw string) time.Time {
	// RFC3339Nano accepts any fraction width, including rows written
	// before the encoding was fixed-width.
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encTime(*t)
}

func decNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return nil
	}
	t := decTime(ns.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

// ---- accounts ----

const accountCols = `id, name, token_data, enabled, window_start, window_end, check_interval,
	retry_count, last_checkin_date, remote_uid, remote_name, remote_email, remote_created_at,
	current_balance, total_consumed, balance_updated_at, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var (
		a                Account
		balanceUpdated   sql.NullString
		created, updated string
	)
	err := row.Scan(&a.ID, &a.Name, &a.TokenData, &a.Enabled, &a.WindowStart, &a.WindowEnd,
		&a.CheckInterval, &a.RetryCount, &a.LastCheckinDate, &a.RemoteUID, &a.RemoteName,
		&a.RemoteEmail, &a.RemoteCreatedAt, &a.CurrentBalance, &a.TotalConsumed,
		&balanceUpdated, &created, &updated)
	if err != nil {
		return nil, err
	}
	a.BalanceUpdatedAt = decNullTime(balanceUpdated)
	a.CreatedAt = decTime(created)
	a.UpdatedAt = decTime(updated)
	return &a, nil
}

func (s *sqlStore) listAccounts(ctx context.Context, where string, args ...any) ([]Account, error) {
	q := `SELECT ` + accountCols + ` FROM accounts` + where + ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListAccounts(ctx context.Context) ([]Account, error) {
	return s.listAccounts(ctx, "")
}

func (s *sqlStore) ListEnabledAccounts(ctx context.Context) ([]Account, error) {
	return s.listAccounts(ctx, " WHERE enabled = ?", true)
}

func (s *sqlStore) GetAccount(ctx context.Context, id int64) (*Account, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+accountCols+` FROM accounts WHERE id = ?`), id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *sqlStore) CreateAccount(ctx context.Context, a *Account) error {
	now := time.Now()
	if a.WindowStart == "" {
		a.WindowStart = "06:30"
	}
	if a.WindowEnd == "" {
		a.WindowEnd = "06:40"
	}
	if a.CheckInterval <= 0 {
		a.CheckInterval = 60
	}
	id, err := s.insertID(ctx, s.rebind(
		`INSERT INTO accounts (name, token_data, enabled, window_start, window_end, check_interval, retry_count, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?)`),
		a.Name, a.TokenData, a.Enabled, a.WindowStart, a.WindowEnd, a.CheckInterval, a.RetryCount,
		encTime(now), encTime(now))
	if err != nil {
		return err
	}
	a.ID = id
	a.CreatedAt = now
	a.UpdatedAt = now
	s.accountsMutated()
	return nil
}

func (s *sqlStore) UpdateAccount(ctx context.Context, id int64, u AccountUpdate) error {
	sets := make([]string, 0, 8)
	args := make([]any, 0, 8)
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if u.Name != nil {
		add("name", *u.Name)
	}
	if u.TokenData != nil {
		add("token_data", *u.TokenData)
	}
	if u.Enabled != nil {
		add("enabled", *u.Enabled)
	}
	if u.WindowStart != nil {
		add("window_start", *u.WindowStart)
	}
	if u.WindowEnd != nil {
		add("window_end", *u.WindowEnd)
	}
	if u.CheckInterval != nil {
		add("check_interval", *u.CheckInterval)
	}
	if u.RetryCount != nil {
		add("retry_count", *u.RetryCount)
	}
	if len(sets) == 0 {
		return nil
	}
	add("updated_at", encTime(time.Now()))
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE accounts SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.accountsMutated()
	return nil
}

func (s *sqlStore) DeleteAccount(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM accounts WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.accountsMutated()
	return nil
}

func (s *sqlStore) UpdateAccountBalance(ctx context.Context, id int64, b BalanceInfo, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE accounts SET remote_uid = ?, remote_name = ?, remote_email = ?, remote_created_at = ?,
		 current_balance = ?, total_consumed = ?, balance_updated_at = ?, updated_at = ?
		 WHERE id = ?`),
		b.RemoteUID, b.RemoteName, b.RemoteEmail, b.RemoteCreatedAt,
		b.CurrentBalance, b.TotalConsumed, encTime(at), encTime(time.Now()), id)
	if err != nil {
		return err
	}
	s.accountsMutated()
	return nil
}

func (s *sqlStore) SetLastCheckinDate(ctx context.Context, id int64, date string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE accounts SET last_checkin_date = ?, updated_at = ? WHERE id = ?`),
		date, encTime(time.Now()), id)
	if err != nil {
		return err
	}
	s.accountsMutated()
	return nil
}

// ---- check-in history ----

func (s *sqlStore) InsertCheckinRecord(ctx context.Context, r *CheckinRecord) error {
	now := time.Now()
	id, err := s.insertID(ctx, s.rebind(
		`INSERT INTO checkin_history (account_id, success, message, checkin_date, retry_times, created_at)
		 VALUES (?,?,?,?,?,?)`),
		r.AccountID, r.Success, r.Message, r.Date, r.RetryTimes, encTime(now))
	if err != nil {
		return err
	}
	r.ID = id
	r.CreatedAt = now
	return nil
}

func (s *sqlStore) FindCheckinRecord(ctx context.Context, accountID int64, date string) (*CheckinRecord, error) {
	var (
		r       CheckinRecord
		created string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, account_id, success, message, checkin_date, retry_times, created_at
		 FROM checkin_history WHERE account_id = ? AND checkin_date = ?
		 ORDER BY id DESC LIMIT 1`), accountID, date).
		Scan(&r.ID, &r.AccountID, &r.Success, &r.Message, &r.Date, &r.RetryTimes, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.CreatedAt = decTime(created)
	return &r, nil
}

func (s *sqlStore) LatestCheckinByAccount(ctx context.Context, date string) (map[int64]CheckinRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, account_id, success, message, checkin_date, retry_times, created_at
		 FROM checkin_history WHERE checkin_date = ? ORDER BY id`), date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int64]CheckinRecord{}
	for rows.Next() {
		var (
			r       CheckinRecord
			created string
		)
		if err := rows.Scan(&r.ID, &r.AccountID, &r.Success, &r.Message, &r.Date, &r.RetryTimes, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = decTime(created)
		// Ascending id order: the last row per account wins.
		out[r.AccountID] = r
	}
	return out, rows.Err()
}

func (s *sqlStore) ClearCheckinHistory(ctx context.Context, date string) error {
	if date == "" {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM checkin_history`); err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, s.rebind(
			`UPDATE accounts SET last_checkin_date = '', updated_at = ?`), encTime(time.Now())); err != nil {
			return err
		}
	} else {
		if _, err := s.db.ExecContext(ctx, s.rebind(
			`DELETE FROM checkin_history WHERE checkin_date = ?`), date); err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, s.rebind(
			`UPDATE accounts SET last_checkin_date = '', updated_at = ? WHERE last_checkin_date = ?`),
			encTime(time.Now()), date); err != nil {
			return err
		}
	}
	s.accountsMutated()
	return nil
}

func (s *sqlStore) DeleteCheckinRecord(ctx context.Context, id int64) error {
	var (
		accountID int64
		date      string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT account_id, checkin_date FROM checkin_history WHERE id = ?`), id).
		Scan(&accountID, &date)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM checkin_history WHERE id = ?`), id); err != nil {
		return err
	}
	// Without the row the account has no outcome for that day; drop the
	// stamp so the scheduler becomes eligible again.
	if _, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE accounts SET last_checkin_date = '', updated_at = ?
		 WHERE id = ? AND last_checkin_date = ?`),
		encTime(time.Now()), accountID, date); err != nil {
		return err
	}
	s.accountsMutated()
	return nil
}

// ---- redeem history ----

func (s *sqlStore) InsertRedeemRecord(ctx context.Context, r *RedeemRecord) error {
	now := time.Now()
	id, err := s.insertID(ctx, s.rebind(
		`INSERT INTO redeem_history (account_id, code, success, message, amount, created_at)
		 VALUES (?,?,?,?,?,?)`),
		r.AccountID, r.Code, r.Success, r.Message, r.Amount, encTime(now))
	if err != nil {
		return err
	}
	r.ID = id
	r.CreatedAt = now
	return nil
}

func (s *sqlStore) ListRedeemRecords(ctx context.Context, accountID int64, codes []string) ([]RedeemRecord, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	ph := make([]string, len(codes))
	args := make([]any, 0, len(codes)+1)
	args = append(args, accountID)
	for i, c := range codes {
		ph[i] = "?"
		args = append(args, c)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, account_id, code, success, message, amount, created_at
		 FROM redeem_history WHERE account_id = ? AND code IN (`+strings.Join(ph, ",")+`)
		 ORDER BY id`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RedeemRecord
	for rows.Next() {
		var (
			r       RedeemRecord
			created string
		)
		if err := rows.Scan(&r.ID, &r.AccountID, &r.Code, &r.Success, &r.Message, &r.Amount, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = decTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- batch tasks ----

const taskCols = `id, account_id, status, codes, total_count, current_index, success_count,
	fail_count, next_execute_at, created_at, updated_at, completed_at`

func scanTask(row interface{ Scan(...any) error }) (*BatchTask, error) {
	var (
		t                BatchTask
		codesJSON        string
		nextAt, doneAt   sql.NullString
		created, updated string
	)
	err := row.Scan(&t.ID, &t.AccountID, &t.Status, &codesJSON, &t.TotalCount, &t.CurrentIndex,
		&t.SuccessCount, &t.FailCount, &nextAt, &created, &updated, &doneAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(codesJSON), &t.Codes); err != nil {
		return nil, fmt.Errorf("task %d: bad codes payload: %w", t.ID, err)
	}
	t.NextExecuteAt = decNullTime(nextAt)
	t.CompletedAt = decNullTime(doneAt)
	t.CreatedAt = decTime(created)
	t.UpdatedAt = decTime(updated)
	return &t, nil
}

func (s *sqlStore) CreateBatchTask(ctx context.Context, t *BatchTask) error {
	codesJSON, err := json.Marshal(t.Codes)
	if err != nil {
		return err
	}
	now := time.Now()
	id, err := s.insertID(ctx, s.rebind(
		`INSERT INTO batch_tasks (account_id, status, codes, total_count, current_index, success_count, fail_count, next_execute_at, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`),
		t.AccountID, t.Status, string(codesJSON), t.TotalCount, t.CurrentIndex,
		t.SuccessCount, t.FailCount, encNullTime(t.NextExecuteAt), encTime(now), encTime(now))
	if err != nil {
		return err
	}
	t.ID = id
	t.CreatedAt = now
	t.UpdatedAt = now
	return nil
}

func (s *sqlStore) taskWhere(ctx context.Context, where string, args ...any) (*BatchTask, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+taskCols+` FROM batch_tasks`+where), args...)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *sqlStore) GetBatchTask(ctx context.Context, id int64) (*BatchTask, error) {
	return s.taskWhere(ctx, ` WHERE id = ?`, id)
}

func (s *sqlStore) LatestBatchTask(ctx context.Context, accountID int64) (*BatchTask, error) {
	return s.taskWhere(ctx, ` WHERE account_id = ? ORDER BY id DESC LIMIT 1`, accountID)
}

func (s *sqlStore) ActiveBatchTask(ctx context.Context, accountID int64) (*BatchTask, error) {
	return s.taskWhere(ctx,
		` WHERE account_id = ? AND status IN (?,?,?) ORDER BY id DESC LIMIT 1`,
		accountID, TaskPending, TaskRunning, TaskPaused)
}

func (s *sqlStore) listTasks(ctx context.Context, where string, args ...any) ([]BatchTask, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+taskCols+` FROM batch_tasks`+where+` ORDER BY id`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BatchTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListDueBatchTasks(ctx context.Context, now time.Time) ([]BatchTask, error) {
	return s.listTasks(ctx,
		` WHERE status = ? AND (next_execute_at IS NULL OR next_execute_at <= ?)`,
		TaskRunning, encTime(now))
}

func (s *sqlStore) ListUnfinishedBatchTasks(ctx context.Context) ([]BatchTask, error) {
	return s.listTasks(ctx, ` WHERE status IN (?,?)`, TaskPending, TaskRunning)
}

func (s *sqlStore) SetBatchTaskStatus(ctx context.Context, id int64, status string, nextExecuteAt, completedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE batch_tasks SET status = ?, next_execute_at = ?, completed_at = ?, updated_at = ?
		 WHERE id = ?`),
		status, encNullTime(nextExecuteAt), encNullTime(completedAt), encTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) AdvanceBatchTask(ctx context.Context, id int64, success bool, newIndex int, status string, nextExecuteAt, completedAt *time.Time) error {
	col := "fail_count"
	if success {
		col = "success_count"
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE batch_tasks SET current_index = ?, `+col+` = `+col+` + 1,
		 status = ?, next_execute_at = ?, completed_at = ?, updated_at = ?
		 WHERE id = ?`),
		newIndex, status, encNullTime(nextExecuteAt), encNullTime(completedAt), encTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- settings ----

func (s *sqlStore) CheckinSettings(ctx context.Context) (*CheckinSettings, error) {
	var (
		cs      CheckinSettings
		updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT mode, checkin_time, retry_count, delay_min_sec, delay_max_sec, updated_at
		 FROM checkin_settings WHERE id = 1`).
		Scan(&cs.Mode, &cs.CheckinTime, &cs.RetryCount, &cs.DelayMinSec, &cs.DelayMaxSec, &updated)
	if err != nil {
		return nil, err
	}
	cs.UpdatedAt = decTime(updated)
	return &cs, nil
}

func (s *sqlStore) SaveCheckinSettings(ctx context.Context, cs *CheckinSettings) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE checkin_settings SET mode = ?, checkin_time = ?, retry_count = ?,
		 delay_min_sec = ?, delay_max_sec = ?, updated_at = ? WHERE id = 1`),
		cs.Mode, cs.CheckinTime, cs.RetryCount, cs.DelayMinSec, cs.DelayMaxSec, encTime(time.Now()))
	return err
}

func (s *sqlStore) NotifySettings(ctx context.Context) (*NotifySettings, error) {
	var (
		ns      NotifySettings
		updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled, telegram_enabled, telegram_bot_token, telegram_user_id, telegram_host,
		 wechat_enabled, wechat_webhook_key, wechat_host,
		 wxpusher_enabled, wxpusher_app_token, wxpusher_uid, wxpusher_host,
		 dingtalk_enabled, dingtalk_access_token, dingtalk_secret, dingtalk_host, updated_at
		 FROM notification_settings WHERE id = 1`).
		Scan(&ns.Enabled, &ns.TelegramEnabled, &ns.TelegramBotToken, &ns.TelegramUserID, &ns.TelegramHost,
			&ns.WechatEnabled, &ns.WechatWebhookKey, &ns.WechatHost,
			&ns.WxPusherEnabled, &ns.WxPusherAppToken, &ns.WxPusherUID, &ns.WxPusherHost,
			&ns.DingTalkEnabled, &ns.DingTalkAccessToken, &ns.DingTalkSecret, &ns.DingTalkHost, &updated)
	if err != nil {
		return nil, err
	}
	ns.UpdatedAt = decTime(updated)
	return &ns, nil
}

func (s *sqlStore) SaveNotifySettings(ctx context.Context, ns *NotifySettings) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE notification_settings SET enabled = ?,
		 telegram_enabled = ?, telegram_bot_token = ?, telegram_user_id = ?, telegram_host = ?,
		 wechat_enabled = ?, wechat_webhook_key = ?, wechat_host = ?,
		 wxpusher_enabled = ?, wxpusher_app_token = ?, wxpusher_uid = ?, wxpusher_host = ?,
		 dingtalk_enabled = ?, dingtalk_access_token = ?, dingtalk_secret = ?, dingtalk_host = ?,
		 updated_at = ? WHERE id = 1`),
		ns.Enabled,
		ns.TelegramEnabled, ns.TelegramBotToken, ns.TelegramUserID, ns.TelegramHost,
		ns.WechatEnabled, ns.WechatWebhookKey, ns.WechatHost,
		ns.WxPusherEnabled, ns.WxPusherAppToken, ns.WxPusherUID, ns.WxPusherHost,
		ns.DingTalkEnabled, ns.DingTalkAccessToken, ns.DingTalkSecret, ns.DingTalkHost,
		encTime(time.Now()))
	return err
}
