package algo

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tradeops/internal/operation"
)

// 强制关闭的延迟
const forceCloseDelay = 30 * time.Second

type command struct {
	name   string
	id     string
	run    func(ctx context.Context) string
	result chan string
}

func (a *Algo) enqueue(name, id string, run func(ctx context.Context) string) <-chan string {
	cmd := &command{name: name, id: id, run: run, result: make(chan string, 1)}
	a.cmdMu.Lock()
	a.commands = append(a.commands, cmd)
	a.cmdMu.Unlock()
	return cmd.result
}

// runCommands 执行排队的指令，每条只执行一次。
func (a *Algo) runCommands(ctx context.Context) {
	a.cmdMu.Lock()
	pending := a.commands
	a.commands = nil
	a.cmdMu.Unlock()

	for _, cmd := range pending {
		result := a.runCommand(ctx, cmd)
		a.logger.Info("执行指令", zap.String("command", cmd.name), zap.String("id", cmd.id), zap.String("result", result))
		if a.journal != nil {
			a.journal.RecordCommand(ctx, cmd.name, cmd.id, result)
		}
		cmd.result <- result
		close(cmd.result)
	}
	if len(pending) > 0 {
		a.dispatchActive(ctx)
	}
}

func (a *Algo) runCommand(ctx context.Context, cmd *command) (result string) {
	defer func() {
		if r := recover(); r != nil {
			result = fmt.Sprintf("指令执行异常: %v", r)
		}
	}()
	return cmd.run(ctx)
}

// ForceCloseOperation 将活跃操作排入关闭队列，30秒后关闭。
func (a *Algo) ForceCloseOperation(id string) <-chan string {
	return a.enqueue("force_close", id, func(ctx context.Context) string {
		op, ok := a.activeByID[id]
		if !ok || op.IsClosing() {
			return "操作不存在或已在关闭中"
		}
		op.ScheduleClose(a.Now().Add(forceCloseDelay))
		return fmt.Sprintf("操作 %s 将在30秒后关闭", op)
	})
}

// ForceLiquidate 立即以市价清算操作。
func (a *Algo) ForceLiquidate(id string) <-chan string {
	return a.enqueue("force_liquidate", id, func(ctx context.Context) string {
		op, ok := a.activeByID[id]
		if !ok {
			return "操作不存在"
		}
		lr, err := a.TryLiquidateOperation(ctx, op, "user requested liquidation")
		if err != nil {
			return fmt.Sprintf("清算失败: %v", err)
		}
		return fmt.Sprintf("清算结果: amountRemainingLow=%v orderError=%v", lr.AmountRemainingLow, lr.OrderError)
	})
}

// RequestResumeOperation 恢复关闭中或已关闭的操作。
func (a *Algo) RequestResumeOperation(id string) <-chan string {
	return a.enqueue("resume_operation", id, func(ctx context.Context) string {
		if op, ok := a.activeByID[id]; ok {
			if !op.IsClosing() {
				return "操作仍处于活跃状态"
			}
			op.Resume()
			return fmt.Sprintf("操作 %s 已恢复", op)
		}
		var op *operation.Operation
		if closed, ok := a.closedByID[id]; ok {
			op = closed
		} else if a.persister != nil {
			rec, found, err := a.persister.LoadOperation(ctx, id)
			if err != nil {
				return fmt.Sprintf("查询操作失败: %v", err)
			}
			if found {
				op = operation.FromRecord(rec)
			}
		}
		if op == nil {
			return "操作不存在或仍处于活跃状态"
		}
		a.reactivate(ctx, op)
		return fmt.Sprintf("操作 %s 已恢复", op)
	})
}

// RequestCancelEntryOrders 撤销全部入场委托。
func (a *Algo) RequestCancelEntryOrders() <-chan string {
	return a.enqueue("cancel_entry_orders", "", func(ctx context.Context) string {
		if err := a.mods.Executor.CancelEntryOrders(ctx); err != nil {
			return fmt.Sprintf("撤销入场委托失败: %v", err)
		}
		return "已撤销全部入场委托"
	})
}

// RequestStopEntries 由用户暂停新入场，状态会被持久化。
func (a *Algo) RequestStopEntries() <-chan string {
	return a.enqueue("stop_entries", "", func(ctx context.Context) string {
		a.state.EntriesSuspendedByUser = true
		err := a.mods.Executor.CancelEntryOrders(ctx)
		a.saveState(ctx)
		if err != nil {
			return fmt.Sprintf("已暂停新入场，但撤销入场委托失败: %v", err)
		}
		return "已暂停新入场"
	})
}

// RequestResumeEntries 取消用户暂停。
func (a *Algo) RequestResumeEntries() <-chan string {
	return a.enqueue("resume_entries", "", func(ctx context.Context) string {
		a.state.EntriesSuspendedByUser = false
		a.saveState(ctx)
		return "已恢复新入场"
	})
}
