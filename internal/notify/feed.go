// Package notify 记录存储变更通知：内存、Redis Streams、MQTT 三种实现。
package notify

import (
	"context"

	"orbit-sitecov/internal/domain"
)

// Filter 空字段表示不过滤
type Filter struct {
	Table     string
	ProjectID string
}

// Match 事件是否满足过滤条件
func (f Filter) Match(ev domain.ChangeEvent) bool {
	if f.Table != "" && f.Table != ev.Table {
		return false
	}
	if f.ProjectID != "" && f.ProjectID != ev.ProjectID {
		return false
	}
	return true
}

// Handler 变更回调；返回错误时事件不被确认（Redis）或仅记录日志
type Handler func(ctx context.Context, ev domain.ChangeEvent) error

// Feed 发布与订阅变更通知。Subscribe 立即返回，回调在后台异步执行；
// 返回的函数取消订阅并等待后台退出。
type Feed interface {
	Publish(ctx context.Context, ev domain.ChangeEvent) error
	Subscribe(ctx context.Context, f Filter, h Handler) (func(), error)
}
