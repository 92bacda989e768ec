package domain

import "errors"

// 错误分类：
// 配置类与样本量类错误可降级处理，引擎与模拟类错误对单次运行是致命的，
// 但绝不允许导致编排器进程退出。
var (
	// ErrConfiguration 运行参数缺失或非法，引擎不会启动
	ErrConfiguration = errors.New("invalid run configuration")
	// ErrInsufficientSample 成交笔数不足，无法进行蒙特卡洛模拟
	ErrInsufficientSample = errors.New("insufficient trade sample for simulation")
	// ErrDataGap 区间内缺失行情数据，跳过对应品种，不中断回测
	ErrDataGap = errors.New("market data gap")
	// ErrEngineFault 回放过程中出现未预期故障
	ErrEngineFault = errors.New("backtest engine fault")
	// ErrSimulationFault 重采样过程中出现未预期故障
	ErrSimulationFault = errors.New("monte carlo simulation fault")
	// ErrRunCancelled 运行被协作式取消
	ErrRunCancelled = errors.New("backtest run cancelled")
	// ErrRunNotFound 运行不存在
	ErrRunNotFound = errors.New("backtest run not found")
)
