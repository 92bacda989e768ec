// Package domain 回测服务领域事件
package domain

import "time"

type DomainEvent interface {
	EventName() string
	OccurredAt() time.Time
}

// RunCompletedEvent 运行完成事件
type RunCompletedEvent struct {
	RunID     string    `json:"run_id"`
	UserID    uint64    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *RunCompletedEvent) EventName() string     { return "backtesting.run_completed" }
func (e *RunCompletedEvent) OccurredAt() time.Time { return e.Timestamp }

// RunFailedEvent 运行失败事件
type RunFailedEvent struct {
	RunID     string    `json:"run_id"`
	UserID    uint64    `json:"user_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *RunFailedEvent) EventName() string     { return "backtesting.run_failed" }
func (e *RunFailedEvent) OccurredAt() time.Time { return e.Timestamp }

// RunDeletedEvent 运行删除事件，级联清理成交、场景与指标
type RunDeletedEvent struct {
	RunID     string    `json:"run_id"`
	UserID    uint64    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *RunDeletedEvent) EventName() string     { return "backtesting.run_deleted" }
func (e *RunDeletedEvent) OccurredAt() time.Time { return e.Timestamp }
