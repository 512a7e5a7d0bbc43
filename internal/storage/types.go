package storage

import (
	"errors"
	"time"

	"leafcheck/internal/config"
)

var ErrNotFound = errors.New("not found")

// DateFormat is the calendar-day encoding used for idempotence decisions
// (last_checkin_date, checkin_date). Days are computed in the configured
// timezone before being encoded.
const DateFormat = "2006-01-02"

// Batch task statuses. pending/running/paused are non-terminal.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskPaused    = "paused"
	TaskCompleted = "completed"
	TaskCancelled = "cancelled"
)

// TerminalStatus reports whether a batch task status is final.
func TerminalStatus(s string) bool {
	return s == TaskCompleted || s == TaskCancelled
}

// Check-in schedule modes.
const (
	ModeGlobal = "global" // one daily time for all accounts (checkin_settings)
	ModeWindow = "window" // legacy per-account [start,end] window
)

// Account is one remote account under management.
//
// TokenData is the credential bundle (cookies/headers JSON); the store and
// engines treat it as opaque — only the action executor interprets it.
type Account struct {
	ID        int64
	Name      string
	TokenData string
	Enabled   bool

	// Legacy window-mode schedule.
	WindowStart   string // "06:30"
	WindowEnd     string // "06:40"
	CheckInterval int    // seconds between re-dispatch while the window is open

	RetryCount      int
	LastCheckinDate string // DateFormat, "" when never checked in

	// Remote profile/balance, refreshed asynchronously.
	RemoteUID        string
	RemoteName       string
	RemoteEmail      string
	RemoteCreatedAt  string
	CurrentBalance   string
	TotalConsumed    string
	BalanceUpdatedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AccountUpdate carries partial account edits; nil fields are left unchanged.
type AccountUpdate struct {
	Name          *string
	TokenData     *string
	Enabled       *bool
	WindowStart   *string
	WindowEnd     *string
	CheckInterval *int
	RetryCount    *int
}

// BalanceInfo is the result of a remote balance fetch.
type BalanceInfo struct {
	RemoteUID       string
	RemoteName      string
	RemoteEmail     string
	RemoteCreatedAt string
	CurrentBalance  string
	TotalConsumed   string
}

// CheckinRecord is an append-only check-in outcome. At most one per
// (account, date) under normal operation; its existence is the scheduler's
// idempotence guard.
type CheckinRecord struct {
	ID         int64
	AccountID  int64
	Success    bool
	Message    string
	Date       string // DateFormat
	RetryTimes int
	CreatedAt  time.Time
}

// RedeemRecord is one code-redemption attempt, independent of which batch
// task (if any) produced it.
type RedeemRecord struct {
	ID        int64
	AccountID int64
	Code      string
	Success   bool
	Message   string
	Amount    string
	CreatedAt time.Time
}

// BatchTask is one outstanding sequential-redeem job.
// Invariant: at most one non-terminal task per account.
type BatchTask struct {
	ID            int64      `json:"id"`
	AccountID     int64      `json:"account_id"`
	Status        string     `json:"status"`
	Codes         []string   `json:"codes"`
	TotalCount    int        `json:"total_count"`
	CurrentIndex  int        `json:"current_index"`
	SuccessCount  int        `json:"success_count"`
	FailCount     int        `json:"fail_count"`
	NextExecuteAt *time.Time `json:"next_execute_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// CheckinSettings is the runtime-editable scheduling policy (settings row).
type CheckinSettings struct {
	Mode        string    `json:"mode"`         // ModeGlobal or ModeWindow
	CheckinTime string    `json:"checkin_time"` // "05:30", global mode daily time
	RetryCount  int       `json:"retry_count"`
	DelayMinSec int       `json:"delay_min_sec"`
	DelayMaxSec int       `json:"delay_max_sec"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NotifySettings configures the delivery channels (settings row).
type NotifySettings struct {
	Enabled bool `json:"enabled"`

	TelegramEnabled  bool   `json:"telegram_enabled"`
	TelegramBotToken string `json:"telegram_bot_token"`
	TelegramUserID   string `json:"telegram_user_id"`
	TelegramHost     string `json:"telegram_host,omitempty"`

	WechatEnabled    bool   `json:"wechat_enabled"`
	WechatWebhookKey string `json:"wechat_webhook_key"`
	WechatHost       string `json:"wechat_host,omitempty"`

	WxPusherEnabled  bool   `json:"wxpusher_enabled"`
	WxPusherAppToken string `json:"wxpusher_app_token"`
	WxPusherUID      string `json:"wxpusher_uid"`
	WxPusherHost     string `json:"wxpusher_host,omitempty"`

	DingTalkEnabled     bool   `json:"dingtalk_enabled"`
	DingTalkAccessToken string `json:"dingtalk_access_token"`
	DingTalkSecret      string `json:"dingtalk_secret"`
	DingTalkHost        string `json:"dingtalk_host,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Config re-exports the config block the store is opened with.
type Config = config.StorageConfig
