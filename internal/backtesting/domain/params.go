// Package domain 回测与风险模拟服务领域层
// 生成摘要：
// 1) 定义回测运行聚合根与成交、场景、指标实体
// 2) 定义回测引擎、蒙特卡洛模拟器、指标计算器等领域服务
// 3) 定义策略、风控、成本三套参数集及其合并规则
package domain

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// StrategyParams 策略参数集（信号阈值）
type StrategyParams struct {
	FastPeriod     int             `json:"fast_period"`
	SlowPeriod     int             `json:"slow_period"`
	EntryThreshold decimal.Decimal `json:"entry_threshold"` // 快慢线偏离比例，超过才入场
	ExitThreshold  decimal.Decimal `json:"exit_threshold"`  // 反向偏离比例，超过即离场
}

// RiskParams 风控参数集（仓位、止损、熔断阈值）
type RiskParams struct {
	RiskPerTrade      decimal.Decimal `json:"risk_per_trade"`       // 单笔投入占当前权益比例
	StopLossPct       decimal.Decimal `json:"stop_loss_pct"`        // 单仓止损比例
	TakeProfitPct     decimal.Decimal `json:"take_profit_pct"`      // 单仓止盈比例
	MaxPositions      int             `json:"max_positions"`        // 同时持仓上限
	DailyLossLimitPct decimal.Decimal `json:"daily_loss_limit_pct"` // 全局日内亏损熔断阈值
	MaxDrawdownPct    decimal.Decimal `json:"max_drawdown_pct"`     // 全局回撤熔断阈值
	MaxAcceptableLoss decimal.Decimal `json:"max_acceptable_loss"`  // 破产线：初始资金可接受的最大损失比例
}

// CostParams 成本参数集（手续费与滑点模型）
type CostParams struct {
	FeeRate      decimal.Decimal `json:"fee_rate"`      // 按成交额收取的比例费用
	FixedFee     decimal.Decimal `json:"fixed_fee"`     // 单笔固定费用
	SlippageRate decimal.Decimal `json:"slippage_rate"` // 比例滑点，总是向不利方向调整成交价
}

// DefaultStrategyParams 策略参数默认值
func DefaultStrategyParams() StrategyParams {
	return StrategyParams{
		FastPeriod:     5,
		SlowPeriod:     20,
		EntryThreshold: decimal.NewFromFloat(0.002),
		ExitThreshold:  decimal.NewFromFloat(0.001),
	}
}

// DefaultRiskParams 风控参数默认值
func DefaultRiskParams() RiskParams {
	return RiskParams{
		RiskPerTrade:      decimal.NewFromFloat(0.10),
		StopLossPct:       decimal.NewFromFloat(0.05),
		TakeProfitPct:     decimal.NewFromFloat(0.15),
		MaxPositions:      5,
		DailyLossLimitPct: decimal.NewFromFloat(0.05),
		MaxDrawdownPct:    decimal.NewFromFloat(0.20),
		MaxAcceptableLoss: decimal.NewFromFloat(0.50),
	}
}

// DefaultCostParams 成本参数默认值
func DefaultCostParams() CostParams {
	return CostParams{
		FeeRate:      decimal.NewFromFloat(0.001),
		FixedFee:     decimal.Zero,
		SlippageRate: decimal.NewFromFloat(0.0005),
	}
}

// MergeStrategyParams 将用户部分覆盖合并到默认值之上，产生不可变快照
// overrides 为空时直接返回默认值。合并是纯函数，不持有任何全局状态。
func MergeStrategyParams(overrides json.RawMessage) (StrategyParams, error) {
	p := DefaultStrategyParams()
	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &p); err != nil {
			return p, fmt.Errorf("%w: strategy params: %v", ErrConfiguration, err)
		}
	}
	return p, p.Validate()
}

// MergeRiskParams 合并风控参数覆盖
func MergeRiskParams(overrides json.RawMessage) (RiskParams, error) {
	p := DefaultRiskParams()
	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &p); err != nil {
			return p, fmt.Errorf("%w: risk params: %v", ErrConfiguration, err)
		}
	}
	return p, p.Validate()
}

// MergeCostParams 合并成本参数覆盖
func MergeCostParams(overrides json.RawMessage) (CostParams, error) {
	p := DefaultCostParams()
	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &p); err != nil {
			return p, fmt.Errorf("%w: cost params: %v", ErrConfiguration, err)
		}
	}
	return p, p.Validate()
}

// Validate 校验策略参数
func (p StrategyParams) Validate() error {
	if p.FastPeriod <= 0 || p.SlowPeriod <= 0 {
		return fmt.Errorf("%w: indicator periods must be positive", ErrConfiguration)
	}
	if p.FastPeriod >= p.SlowPeriod {
		return fmt.Errorf("%w: fast_period must be less than slow_period", ErrConfiguration)
	}
	if p.EntryThreshold.IsNegative() || p.ExitThreshold.IsNegative() {
		return fmt.Errorf("%w: signal thresholds must not be negative", ErrConfiguration)
	}
	return nil
}

// Validate 校验风控参数
func (p RiskParams) Validate() error {
	one := decimal.NewFromInt(1)
	if p.RiskPerTrade.LessThanOrEqual(decimal.Zero) || p.RiskPerTrade.GreaterThan(one) {
		return fmt.Errorf("%w: risk_per_trade must be in (0,1]", ErrConfiguration)
	}
	if p.StopLossPct.LessThanOrEqual(decimal.Zero) || p.StopLossPct.GreaterThanOrEqual(one) {
		return fmt.Errorf("%w: stop_loss_pct must be in (0,1)", ErrConfiguration)
	}
	if p.TakeProfitPct.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: take_profit_pct must be positive", ErrConfiguration)
	}
	if p.MaxPositions <= 0 {
		return fmt.Errorf("%w: max_positions must be positive", ErrConfiguration)
	}
	if p.DailyLossLimitPct.LessThanOrEqual(decimal.Zero) || p.DailyLossLimitPct.GreaterThanOrEqual(one) {
		return fmt.Errorf("%w: daily_loss_limit_pct must be in (0,1)", ErrConfiguration)
	}
	if p.MaxDrawdownPct.LessThanOrEqual(decimal.Zero) || p.MaxDrawdownPct.GreaterThanOrEqual(one) {
		return fmt.Errorf("%w: max_drawdown_pct must be in (0,1)", ErrConfiguration)
	}
	if p.MaxAcceptableLoss.LessThanOrEqual(decimal.Zero) || p.MaxAcceptableLoss.GreaterThan(one) {
		return fmt.Errorf("%w: max_acceptable_loss must be in (0,1]", ErrConfiguration)
	}
	return nil
}

// Validate 校验成本参数
func (p CostParams) Validate() error {
	if p.FeeRate.IsNegative() || p.FixedFee.IsNegative() || p.SlippageRate.IsNegative() {
		return fmt.Errorf("%w: cost parameters must not be negative", ErrConfiguration)
	}
	return nil
}
