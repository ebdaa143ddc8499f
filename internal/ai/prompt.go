package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"

	"tradeops/internal/feature"
)

const decisionTemplate = `
你是一个专业的加密货币现货交易员。你的任务是根据提供的市场数据特征，判断是否存在值得挂单的入场机会，并给出入场价与目标价。

交易对: {{ .Features.Symbol }}
当前市场数据：
{{ .FeaturesJSON }}

该交易对的现有操作：
- 活跃操作数量: {{ .Exposure.ActiveOperations }}
- 等待入场的操作: {{ .Exposure.PendingEntries }}
- 已投入(计价资产): {{ printf "%.2f" .Exposure.QuoteInvested }}
- 新入场暂停: {{ .Exposure.EntriesSuspended }}

制定决策时请遵循：
1. 先判断趋势与动量，确认是否存在高胜率方向；
2. 入场价应为限价挂单价格，买入不高于当前卖一价，卖出不低于当前买一价；
3. 目标价需与波动率匹配，预期收益通常在 0.5 到 3 个 ATR 之间；
4. 保守处理不确定情形，没有把握时返回 HOLD。

请严格输出唯一的 JSON 对象，格式如下：
{
  "symbol": "{{ .Features.Symbol }}",
  "action": "BUY|SELL|HOLD",       // BUY: 买入后卖出离场, SELL: 卖出后买回离场, HOLD: 不操作
  "entry_price": 0.0,               // 入场限价，HOLD 时填 0
  "target_price": 0.0,              // 离场目标价，BUY 需高于入场价，SELL 需低于入场价
  "confidence": 0.0-1.0,            // 决策信心度
  "reasoning": "...",              // 支撑结论的关键理由
  "risk_comment": "..."            // 特别风险提示
}
`

var tmpl = template.Must(template.New("decision").Parse(decisionTemplate))

// Exposure 汇总某交易对当前的操作占用。
type Exposure struct {
	ActiveOperations int
	PendingEntries   int
	QuoteInvested    float64
	EntriesSuspended bool
}

// PromptContext 用于渲染提示词。
type PromptContext struct {
	Features     feature.FeatureSet
	Exposure     Exposure
	FeaturesJSON string
}

// BuildPrompt 将特征与持仓占用渲染成提示词字符串。
func BuildPrompt(features feature.FeatureSet, exposure Exposure) (string, error) {
	featuresJSONBytes, err := json.MarshalIndent(features, "", "  ")
	if err != nil {
		return "", fmt.Errorf("ai: 序列化特征失败: %w", err)
	}

	ctx := PromptContext{
		Features:     features,
		Exposure:     exposure,
		FeaturesJSON: string(featuresJSONBytes),
	}

	var buf bytes.Buffer
	if err = tmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("ai: 渲染提示词失败: %w", err)
	}

	return buf.String(), nil
}
