package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tradeops/internal/config"
)

// DailyStatus 表示当日风控状态。
type DailyStatus struct {
	TradingDate   string
	StartEquity   float64
	CurrentEquity float64
	LossPercent   float64
	Halted        bool
}

// DailyTracker 以交易日为单位记录净值，亏损超过上限时标记停止入场。
type DailyTracker struct {
	db     *sql.DB
	cfg    config.RiskConfig
	logger *zap.Logger
}

// NewDailyTracker 创建日度监控器并初始化表结构。
func NewDailyTracker(db *sql.DB, cfg config.RiskConfig, logger *zap.Logger) (*DailyTracker, error) {
	if db == nil {
		return nil, errors.New("risk: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tracker := &DailyTracker{
		db:     db,
		cfg:    cfg,
		logger: logger,
	}
	if err := tracker.initSchema(); err != nil {
		return nil, err
	}
	return tracker, nil
}

func (t *DailyTracker) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS risk_daily_metrics (
			trading_date TEXT PRIMARY KEY,
			start_equity REAL NOT NULL,
			current_equity REAL NOT NULL,
			halted INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS risk_activity_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TEXT NOT NULL,
			event_type TEXT NOT NULL,
			message TEXT NOT NULL,
			details TEXT,
			trading_date TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_risk_activity_date ON risk_activity_log(trading_date);`,
	}
	for _, stmt := range schema {
		if _, err := t.db.Exec(stmt); err != nil {
			return fmt.Errorf("risk: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

// Update 以 ts 所在交易日的首个净值为基准，更新当日净值并返回最新状态。
func (t *DailyTracker) Update(ctx context.Context, ts time.Time, equity float64) (status DailyStatus, err error) {
	tradingDate := tradingDay(ts, t.cfg.DailyLossResetHour)
	stamp := ts.UTC().Format(time.RFC3339)

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return status, fmt.Errorf("risk: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var (
		startEquity float64
		haltedInt   int
	)
	row := tx.QueryRowContext(ctx, `SELECT start_equity, halted FROM risk_daily_metrics WHERE trading_date = ?`, tradingDate)
	switch scanErr := row.Scan(&startEquity, &haltedInt); {
	case scanErr == nil:
		if _, err = tx.ExecContext(ctx,
			`UPDATE risk_daily_metrics SET current_equity = ?, updated_at = ? WHERE trading_date = ?`,
			equity, stamp, tradingDate,
		); err != nil {
			return status, fmt.Errorf("risk: 更新日度净值失败: %w", err)
		}
	case errors.Is(scanErr, sql.ErrNoRows):
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO risk_daily_metrics (trading_date, start_equity, current_equity, halted, updated_at)
			 VALUES (?, ?, ?, 0, ?)`,
			tradingDate, equity, equity, stamp,
		); err != nil {
			return status, fmt.Errorf("risk: 初始化日度净值失败: %w", err)
		}
		startEquity = equity
	default:
		err = fmt.Errorf("risk: 查询日度净值失败: %w", scanErr)
		return status, err
	}

	lossPercent := 0.0
	if startEquity > 0 {
		lossPercent = (equity - startEquity) / startEquity
	}
	halted := haltedInt == 1

	if !halted && t.cfg.MaxDailyLoss > 0 && startEquity > 0 && lossPercent <= -t.cfg.MaxDailyLoss {
		halted = true
		if _, err = tx.ExecContext(ctx,
			`UPDATE risk_daily_metrics SET halted = 1, updated_at = ? WHERE trading_date = ?`,
			stamp, tradingDate,
		); err != nil {
			return status, fmt.Errorf("risk: 更新日停交易状态失败: %w", err)
		}
		msg := fmt.Sprintf("当日累计亏损%.2f%% 超过上限 %.2f%%，暂停新入场", lossPercent*100, t.cfg.MaxDailyLoss*100)
		if err = logEvent(ctx, tx, ts, tradingDate, "daily_halt", msg, ""); err != nil {
			return status, err
		}
		t.logger.Warn("触发日度亏损限制", zap.String("trading_date", tradingDate), zap.Float64("loss_percent", lossPercent))
	}

	status = DailyStatus{
		TradingDate:   tradingDate,
		StartEquity:   startEquity,
		CurrentEquity: equity,
		LossPercent:   lossPercent,
		Halted:        halted,
	}
	if err = tx.Commit(); err != nil {
		return status, fmt.Errorf("risk: 提交事务失败: %w", err)
	}
	return status, nil
}

// LogEvent 记录风控事件。
func (t *DailyTracker) LogEvent(ctx context.Context, ts time.Time, eventType, message, details string) error {
	if eventType == "" {
		return errors.New("risk: eventType 不能为空")
	}
	return logEvent(ctx, t.db, ts, tradingDay(ts, t.cfg.DailyLossResetHour), eventType, message, details)
}

// Events 返回某交易日的风控事件类型，按发生顺序排列。
func (t *DailyTracker) Events(ctx context.Context, tradingDate string) ([]string, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT event_type FROM risk_activity_log WHERE trading_date = ? ORDER BY id`, tradingDate)
	if err != nil {
		return nil, fmt.Errorf("risk: 查询风控事件失败: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var kind string
		if err := rows.Scan(&kind); err != nil {
			return nil, fmt.Errorf("risk: 解析风控事件失败: %w", err)
		}
		out = append(out, kind)
	}
	return out, rows.Err()
}

// NextReset 返回 ts 之后下一个交易日的开始时间。
func (t *DailyTracker) NextReset(ts time.Time) time.Time {
	hour := clampHour(t.cfg.DailyLossResetHour)
	utc := ts.UTC()
	reset := time.Date(utc.Year(), utc.Month(), utc.Day(), hour, 0, 0, 0, time.UTC)
	if !reset.After(utc) {
		reset = reset.AddDate(0, 0, 1)
	}
	return reset
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func logEvent(ctx context.Context, ex execer, ts time.Time, tradingDate, eventType, message, details string) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO risk_activity_log (occurred_at, event_type, message, details, trading_date)
		 VALUES (?, ?, ?, ?, ?)`,
		ts.UTC().Format(time.RFC3339), eventType, message, details, tradingDate,
	)
	if err != nil {
		return fmt.Errorf("risk: 记录风险事件失败: %w", err)
	}
	return nil
}

func clampHour(hour int) int {
	if hour < 0 || hour > 23 {
		return 0
	}
	return hour
}

func tradingDay(ts time.Time, resetHour int) string {
	shifted := ts.UTC().Add(-time.Duration(clampHour(resetHour)) * time.Hour)
	day := time.Date(shifted.Year(), shifted.Month(), shifted.Day(), 0, 0, 0, 0, time.UTC)
	return day.Format("2006-01-02")
}
