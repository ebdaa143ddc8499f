package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tradeops/internal/operation"
	"tradeops/internal/store"
)

// Service 负责持久化监控事件，同时实现编排器的事件日志接口。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
	clock  func() time.Time
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		logger: logger,
		clock:  func() time.Time { return time.Now().UTC() },
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

// SetClock 替换事件时间来源，回测时使用模拟时钟。
func (s *Service) SetClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);
CREATE INDEX IF NOT EXISTS idx_monitor_events_subject ON monitor_events(subject);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件。subject 为关联的操作ID，可为空。
func (s *Service) Record(ctx context.Context, event Event, subject string) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = s.clock()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, subject, payload, created_at) VALUES (?, ?, ?, ?)`,
		string(event.Type), subject, string(payload), event.Timestamp.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

// RecordOperationEvent 记录操作生命周期事件。
func (s *Service) RecordOperationEvent(ctx context.Context, ev operation.Event) {
	op := ev.Operation
	if op == nil {
		return
	}
	payload := OperationPayload{
		Kind:            string(ev.Kind),
		OperationID:     op.ID,
		Symbol:          op.Symbol.Key,
		Type:            string(op.Type),
		AmountInvested:  op.AmountInvested(),
		AmountRemaining: op.AmountRemaining(),
		Closing:         op.IsClosing(),
		Closed:          op.IsClosed(),
	}
	if ev.Kind == operation.EventTrade {
		trade := ev.Trade
		payload.Trade = &trade
	}
	if err := s.Record(ctx, Event{Type: EventOperation, Payload: payload}, op.ID); err != nil {
		s.logger.Warn("记录操作事件失败", zap.String("operation", op.ID), zap.Error(err))
	}
}

// RecordCommand 记录人工指令。
func (s *Service) RecordCommand(ctx context.Context, name, id, result string) {
	if err := s.Record(ctx, Event{
		Type:    EventCommand,
		Payload: CommandPayload{Name: name, OperationID: id, Result: result},
	}, id); err != nil {
		s.logger.Warn("记录指令事件失败", zap.String("command", name), zap.Error(err))
	}
}

// RecordEquity 记录账户净值。
func (s *Service) RecordEquity(ctx context.Context, asset string, equity float64, active int) {
	if err := s.Record(ctx, Event{
		Type:    EventEquity,
		Payload: EquityPayload{Asset: asset, Equity: equity, ActiveOperations: active},
	}, ""); err != nil {
		s.logger.Warn("记录净值事件失败", zap.Error(err))
	}
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Error:   err.Error(),
		Context: ctxMap,
	}
	if recErr := s.Record(ctx, Event{Type: EventError, Payload: payload}, ""); recErr != nil {
		s.logger.Warn("记录异常事件失败", zap.Error(recErr))
	}
}

// Query 描述事件检索条件，零值字段不参与过滤。
type Query struct {
	Type    EventType
	Subject string
	Limit   int
}

// ListEvents 按条件检索最近事件，结果按时间倒序。
func (s *Service) ListEvents(ctx context.Context, q Query) ([]Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, payload, created_at FROM monitor_events WHERE 1 = 1`
	args := make([]interface{}, 0, 3)
	if q.Type != "" {
		query += ` AND event_type = ?`
		args = append(args, string(q.Type))
	}
	if q.Subject != "" {
		query += ` AND subject = ?`
		args = append(args, q.Subject)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339, created)
		if parseErr != nil {
			ts = time.Time{}
		}

		events = append(events, Event{
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}
