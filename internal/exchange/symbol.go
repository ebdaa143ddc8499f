package exchange

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// SymbolInfo 描述交易对及交易所施加的下单约束。
type SymbolInfo struct {
	Key           string  `json:"key"`
	Asset         string  `json:"asset"`
	QuoteAsset    string  `json:"quote_asset"`
	PriceTick     float64 `json:"price_tick"`
	LotStep       float64 `json:"lot_step"`
	MinLot        float64 `json:"min_lot"`
	MinNotional   float64 `json:"min_notional"`
	MarginEnabled bool    `json:"margin_enabled"`
}

// SplitSymbol 将 "BTC/USDT" 拆分为基础资产与计价资产。
func SplitSymbol(key string) (string, string, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("exchange: 交易对格式非法: %q", key)
	}
	quote := parts[1]
	if idx := strings.Index(quote, ":"); idx > 0 {
		quote = quote[:idx]
	}
	return parts[0], quote, nil
}

// RoundPrice 将价格向下取整到最小价格变动单位。
func (s SymbolInfo) RoundPrice(price float64) float64 {
	return floorToStep(price, s.PriceTick)
}

// RoundAmount 将数量向下取整到最小数量步长。
func (s SymbolInfo) RoundAmount(amount float64) float64 {
	return floorToStep(amount, s.LotStep)
}

// RoundOrder 返回满足交易所约束的 (价格, 数量)。
// 名义价值低于最小值或数量低于最小手数时数量归零。
func (s SymbolInfo) RoundOrder(price, amount float64) (float64, float64) {
	price = s.RoundPrice(price)
	amount = s.RoundAmount(amount)
	if amount <= 0 || price <= 0 {
		return price, 0
	}
	if s.MinLot > 0 && amount < s.MinLot {
		return price, 0
	}
	notional := decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(amount))
	if s.MinNotional > 0 && notional.LessThan(decimal.NewFromFloat(s.MinNotional)) {
		return price, 0
	}
	return price, amount
}

// ToBase 将以任一资产计价的数量换算为基础资产数量。
func (s SymbolInfo) ToBase(asset string, amount, price float64) (float64, error) {
	switch asset {
	case s.Asset:
		return amount, nil
	case s.QuoteAsset:
		if price <= 0 {
			return 0, fmt.Errorf("exchange: %s 价格无效，无法换算", s.Key)
		}
		return amount / price, nil
	default:
		return 0, fmt.Errorf("exchange: 资产 %s 不属于交易对 %s", asset, s.Key)
	}
}

func floorToStep(value, step float64) float64 {
	if value <= 0 {
		return 0
	}
	if step <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	st := decimal.NewFromFloat(step)
	f, _ := v.Div(st).Floor().Mul(st).Float64()
	return f
}
