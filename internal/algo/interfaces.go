package algo

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tradeops/internal/exchange"
	"tradeops/internal/operation"
)

// Module 为可插拔模块的公共生命周期。
type Module interface {
	Initialize(ctx context.Context, host Host) error
	OnSymbolsChanged(ctx context.Context, added, removed []*SymbolData) error
	State() ([]byte, error)
	RestoreState(blob []byte) error
}

// EventHandler 由需要接收操作事件的模块实现。
// 编排器按 分配器 → 执行器 → 风控 → 信号 的固定顺序分发。
type EventHandler interface {
	OnOperationEvent(ev operation.Event)
}

// Sentry 产生交易信号，写入 TimeSlice。
type Sentry interface {
	Module
	Update(ctx context.Context, slice *TimeSlice) error
}

// Allocator 将新信号转换为带资金的操作。
type Allocator interface {
	Module
	Update(ctx context.Context, slice *TimeSlice) error
}

// RiskManager 监督活跃操作，必要时强制清算。
type RiskManager interface {
	Module
	Update(ctx context.Context, slice *TimeSlice) error
}

// Executor 为每个活跃操作驱动真实委托。
type Executor interface {
	Module
	Update(ctx context.Context, slice *TimeSlice) error
	CancelAllOrders(ctx context.Context, op *operation.Operation) error
	CancelEntryOrders(ctx context.Context) error
	// InvestedOrLocked 返回某交易对上以 asset 计的已投入与挂单锁定金额。
	InvestedOrLocked(symbol, asset string) (float64, error)
	Liquidate(ctx context.Context, op *operation.Operation, reason string) (LiquidationResult, error)
}

// Host 为模块可见的编排器能力。
type Host interface {
	Now() time.Time
	Logger() *zap.Logger
	Market() exchange.Market
	IsBacktesting() bool
	Executor() Executor

	ActiveOperations() []*operation.Operation
	SymbolData(symbol string) (*SymbolData, bool)
	Symbols() []*SymbolData

	NewSignal(symbol string, kind exchange.Direction, entry float64, entryExpiry time.Time, target float64, expireDate time.Time) *operation.Signal
	NewOperation(signal *operation.Signal, target operation.AssetAmount) (*operation.Operation, error)

	StopEntries(ctx context.Context) error
	ResumeEntries()
	HaltEntries(ctx context.Context, until time.Time) error
	EntriesSuspended() bool

	ClampOrderAmount(info exchange.SymbolInfo, dir exchange.Direction, price, amount float64) (float64, float64)
	TryLiquidateOperation(ctx context.Context, op *operation.Operation, reason string) (LiquidationResult, error)
}

// Persister 持久化操作与模块状态。活跃与已关闭操作分开存放。
type Persister interface {
	SaveOperation(ctx context.Context, rec operation.Record) error
	ArchiveOperation(ctx context.Context, rec operation.Record) error
	LoadActiveOperations(ctx context.Context) ([]operation.Record, error)
	LoadOperation(ctx context.Context, id string) (operation.Record, bool, error)
	SaveState(ctx context.Context, key string, blob []byte) error
	LoadState(ctx context.Context, key string) ([]byte, bool, error)
	QueryOperations(ctx context.Context, start, end time.Time) ([]operation.Record, error)
}

// Journal 记录操作事件与人工指令，供运维检索。
type Journal interface {
	RecordOperationEvent(ctx context.Context, ev operation.Event)
	RecordCommand(ctx context.Context, name, id, result string)
}

// LiquidationResult 为一次市价清算尝试的结果。
type LiquidationResult struct {
	Order              *exchange.Order
	AmountRemainingLow bool
	OrderError         bool
	Err                error
}
