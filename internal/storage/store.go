package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	logx "leafcheck/pkg/logx"
)

// Store is the persistence contract the engines and the API depend on.
//
// Implementations must be safe for concurrent use; both engines and the HTTP
// layer issue queries at the same time.
type Store interface {
	// Accounts.
	ListAccounts(ctx context.Context) ([]Account, error)
	ListEnabledAccounts(ctx context.Context) ([]Account, error)
	GetAccount(ctx context.Context, id int64) (*Account, error)
	CreateAccount(ctx context.Context, a *Account) error
	UpdateAccount(ctx context.Context, id int64, u AccountUpdate) error
	DeleteAccount(ctx context.Context, id int64) error
	UpdateAccountBalance(ctx context.Context, id int64, b BalanceInfo, at time.Time) error
	SetLastCheckinDate(ctx context.Context, id int64, date string) error

	// Check-in history.
	InsertCheckinRecord(ctx context.Context, r *CheckinRecord) error
	FindCheckinRecord(ctx context.Context, accountID int64, date string) (*CheckinRecord, error)
	LatestCheckinByAccount(ctx context.Context, date string) (map[int64]CheckinRecord, error)
	ClearCheckinHistory(ctx context.Context, date string) error // "" clears everything
	DeleteCheckinRecord(ctx context.Context, id int64) error

	// Redeem history.
	InsertRedeemRecord(ctx context.Context, r *RedeemRecord) error
	ListRedeemRecords(ctx context.Context, accountID int64, codes []string) ([]RedeemRecord, error)

	// Batch tasks.
	CreateBatchTask(ctx context.Context, t *BatchTask) error
	GetBatchTask(ctx context.Context, id int64) (*BatchTask, error)
	LatestBatchTask(ctx context.Context, accountID int64) (*BatchTask, error)
	ActiveBatchTask(ctx context.Context, accountID int64) (*BatchTask, error)
	ListDueBatchTasks(ctx context.Context, now time.Time) ([]BatchTask, error)
	ListUnfinishedBatchTasks(ctx context.Context) ([]BatchTask, error)
	SetBatchTaskStatus(ctx context.Context, id int64, status string, nextExecuteAt, completedAt *time.Time) error
	AdvanceBatchTask(ctx context.Context, id int64, success bool, newIndex int, status string, nextExecuteAt, completedAt *time.Time) error

	// Settings rows.
	CheckinSettings(ctx context.Context) (*CheckinSettings, error)
	SaveCheckinSettings(ctx context.Context, s *CheckinSettings) error
	NotifySettings(ctx context.Context) (*NotifySettings, error)
	SaveNotifySettings(ctx context.Context, s *NotifySettings) error

	// OnAccountsMutated registers the single hook fired after any account
	// mutation commits. The cache subscribes here so invalidation is not
	// scattered across call sites.
	OnAccountsMutated(fn func())

	Close() error
}

// Open initializes the configured store engine and runs migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "pgx":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; the engines and API share this pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if bt := cfg.BusyTimeout.Std(); bt > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", bt.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqlStore{db: db, dialect: dialectSQLite, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("storage opened", logx.String("driver", "sqlite"), logx.String("path", path))
	return st, nil
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	st := &sqlStore{db: db, dialect: dialectPostgres, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info("storage opened", logx.String("driver", "postgres"))
	return st, nil
}
