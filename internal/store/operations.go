package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tradeops/internal/operation"
)

// Operations 持久化操作记录与模块状态。活跃与已关闭的操作分表存放。
type Operations struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewOperations 创建操作仓库并初始化表结构。
func NewOperations(store *Store, logger *zap.Logger) (*Operations, error) {
	if store == nil {
		return nil, fmt.Errorf("store: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Operations{db: store.DB(), logger: logger}
	if err := r.initSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Operations) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS active_operations (
	id TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	creation_time TEXT NOT NULL,
	amount_invested REAL NOT NULL,
	payload TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS closed_operations (
	id TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	creation_time TEXT NOT NULL,
	amount_invested REAL NOT NULL,
	payload TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_closed_operations_creation ON closed_operations(creation_time);
CREATE TABLE IF NOT EXISTS algo_state (
	key TEXT PRIMARY KEY,
	blob BLOB NOT NULL,
	updated_at TEXT NOT NULL
);
`
	if _, err := r.db.Exec(stmt); err != nil {
		return fmt.Errorf("store: 初始化操作表失败: %w", err)
	}
	return nil
}

// 定长时间格式，保证按字符串比较即按时间比较
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const upsertSQL = `INSERT INTO %s (id, symbol, creation_time, amount_invested, payload, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	symbol = excluded.symbol,
	creation_time = excluded.creation_time,
	amount_invested = excluded.amount_invested,
	payload = excluded.payload,
	updated_at = excluded.updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsert(ctx context.Context, ex execer, table string, rec operation.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: 序列化操作 %s 失败: %w", rec.ID, err)
	}
	_, err = ex.ExecContext(ctx, fmt.Sprintf(upsertSQL, table),
		rec.ID,
		rec.Symbol.Key,
		rec.CreationTime.UTC().Format(timeLayout),
		rec.AmountInvested,
		string(payload),
		time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("store: 写入操作 %s 失败: %w", rec.ID, err)
	}
	return nil
}

// SaveOperation 写入（或更新）活跃操作。被重新激活的操作同时从已关闭表移除。
func (r *Operations) SaveOperation(ctx context.Context, rec operation.Record) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: 开启事务失败: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM closed_operations WHERE id = ?`, rec.ID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("store: 删除已关闭操作 %s 失败: %w", rec.ID, err)
	}
	if err := upsert(ctx, tx, "active_operations", rec); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: 提交事务失败: %w", err)
	}
	return nil
}

// ArchiveOperation 将操作从活跃表移至已关闭表。
func (r *Operations) ArchiveOperation(ctx context.Context, rec operation.Record) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: 开启事务失败: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM active_operations WHERE id = ?`, rec.ID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("store: 删除活跃操作 %s 失败: %w", rec.ID, err)
	}
	if err := upsert(ctx, tx, "closed_operations", rec); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: 提交事务失败: %w", err)
	}
	return nil
}

// LoadActiveOperations 读取全部活跃操作。
func (r *Operations) LoadActiveOperations(ctx context.Context) ([]operation.Record, error) {
	return r.query(ctx, `SELECT payload FROM active_operations ORDER BY creation_time`)
}

// LoadOperation 依次在活跃表与已关闭表中查找操作。
func (r *Operations) LoadOperation(ctx context.Context, id string) (operation.Record, bool, error) {
	for _, table := range []string{"active_operations", "closed_operations"} {
		var payload string
		err := r.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT payload FROM %s WHERE id = ?`, table), id).Scan(&payload)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return operation.Record{}, false, fmt.Errorf("store: 查询操作 %s 失败: %w", id, err)
		}
		var rec operation.Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return operation.Record{}, false, fmt.Errorf("store: 解析操作 %s 失败: %w", id, err)
		}
		return rec, true, nil
	}
	return operation.Record{}, false, nil
}

// QueryOperations 返回创建时间位于 [start, end) 且有投入的全部操作。
func (r *Operations) QueryOperations(ctx context.Context, start, end time.Time) ([]operation.Record, error) {
	from := start.UTC().Format(timeLayout)
	to := end.UTC().Format(timeLayout)
	return r.query(ctx, `
SELECT payload FROM active_operations WHERE creation_time >= ? AND creation_time < ? AND amount_invested > 0
UNION ALL
SELECT payload FROM closed_operations WHERE creation_time >= ? AND creation_time < ? AND amount_invested > 0`,
		from, to, from, to)
}

func (r *Operations) query(ctx context.Context, query string, args ...any) ([]operation.Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: 查询操作失败: %w", err)
	}
	defer rows.Close()

	var out []operation.Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("store: 读取操作失败: %w", err)
		}
		var rec operation.Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			r.logger.Warn("跳过无法解析的操作记录", zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 遍历操作失败: %w", err)
	}
	return out, nil
}

// SaveState 保存模块状态。
func (r *Operations) SaveState(ctx context.Context, key string, blob []byte) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO algo_state (key, blob, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at`,
		key, blob, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("store: 保存状态 %s 失败: %w", key, err)
	}
	return nil
}

// LoadState 读取模块状态，不存在时返回 false。
func (r *Operations) LoadState(ctx context.Context, key string) ([]byte, bool, error) {
	var blob []byte
	err := r.db.QueryRowContext(ctx, `SELECT blob FROM algo_state WHERE key = ?`, key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: 读取状态 %s 失败: %w", key, err)
	}
	return blob, true, nil
}
