package operation

import (
	"time"

	"tradeops/internal/exchange"
)

// SignalRecord 为信号的持久化形式。
type SignalRecord struct {
	ID          string             `json:"id"`
	Symbol      string             `json:"symbol"`
	Kind        exchange.Direction `json:"kind"`
	CreatedAt   time.Time          `json:"created_at"`
	ModifyTime  time.Time          `json:"modify_time"`
	PriceEntry  float64            `json:"price_entry"`
	EntryExpiry time.Time          `json:"entry_expiry"`
	PriceTarget float64            `json:"price_target"`
	ExpireDate  time.Time          `json:"expire_date"`
}

// Record 为操作的持久化形式，统计量由成交重放得到。
type Record struct {
	ID            string              `json:"id"`
	Symbol        exchange.SymbolInfo `json:"symbol"`
	Type          Type                `json:"type"`
	CreationTime  time.Time           `json:"creation_time"`
	AmountTarget  AssetAmount         `json:"amount_target"`
	RiskManaged   bool                `json:"risk_managed"`
	OrdersCount   int                 `json:"orders_count"`
	Closing       bool                `json:"closing"`
	Closed        bool                `json:"closed"`
	CloseDeadTime time.Time           `json:"close_dead_time"`
	Signal        SignalRecord        `json:"signal"`
	Entries       []exchange.Trade    `json:"entries"`
	Exits         []exchange.Trade    `json:"exits"`

	AmountInvested      float64 `json:"amount_invested"`
	QuoteAmountInvested float64 `json:"quote_amount_invested"`
	AmountRemaining     float64 `json:"amount_remaining"`
}

// Record 返回操作快照。
func (o *Operation) Record() Record {
	s := o.Signal
	return Record{
		ID:            o.ID,
		Symbol:        o.Symbol,
		Type:          o.Type,
		CreationTime:  o.CreationTime,
		AmountTarget:  o.AmountTarget,
		RiskManaged:   o.RiskManaged,
		OrdersCount:   o.ordersCount,
		Closing:       o.closing,
		Closed:        o.closed,
		CloseDeadTime: o.closeDeadTime,
		Signal: SignalRecord{
			ID:          s.ID,
			Symbol:      s.Symbol,
			Kind:        s.Kind,
			CreatedAt:   s.CreatedAt,
			ModifyTime:  s.ModifyTime,
			PriceEntry:  s.PriceEntry,
			EntryExpiry: s.EntryExpiry,
			PriceTarget: s.PriceTarget,
			ExpireDate:  s.ExpireDate,
		},
		Entries:             o.Entries(),
		Exits:               o.Exits(),
		AmountInvested:      o.amountInvested,
		QuoteAmountInvested: o.quoteAmountInvested,
		AmountRemaining:     o.AmountRemaining(),
	}
}

// FromRecord 由快照重建操作，不产生任何事件。
func FromRecord(r Record) *Operation {
	sr := r.Signal
	signal := &Signal{
		ID:          sr.ID,
		Symbol:      sr.Symbol,
		Kind:        sr.Kind,
		CreatedAt:   sr.CreatedAt,
		ModifyTime:  sr.ModifyTime,
		PriceEntry:  sr.PriceEntry,
		EntryExpiry: sr.EntryExpiry,
		PriceTarget: sr.PriceTarget,
		ExpireDate:  sr.ExpireDate,
	}
	op := &Operation{
		ID:            r.ID,
		Signal:        signal,
		Symbol:        r.Symbol,
		AmountTarget:  r.AmountTarget,
		Type:          r.Type,
		CreationTime:  r.CreationTime,
		RiskManaged:   r.RiskManaged,
		ordersCount:   r.OrdersCount,
		closing:       r.Closing,
		closed:        r.Closed,
		closeDeadTime: r.CloseDeadTime,
		entries:       append([]exchange.Trade(nil), r.Entries...),
		exits:         append([]exchange.Trade(nil), r.Exits...),
		tradeIDs:      make(map[string]struct{}, len(r.Entries)+len(r.Exits)),
	}
	signal.owner = op
	for _, t := range op.entries {
		op.tradeIDs[t.ID] = struct{}{}
	}
	for _, t := range op.exits {
		op.tradeIDs[t.ID] = struct{}{}
	}
	op.Recalculate()
	return op
}
