package notify

import (
	"context"
	"sync"

	"orbit-sitecov/internal/domain"

	"go.uber.org/zap"
)

const memoryQueueSize = 256

// MemoryFeed 进程内变更通知，每个订阅者一个有序队列
type MemoryFeed struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*memorySub
	logger *zap.Logger
}

type memorySub struct {
	filter Filter
	queue  chan domain.ChangeEvent
	done   chan struct{}
}

// NewMemoryFeed 创建内存通知
func NewMemoryFeed(logger *zap.Logger) *MemoryFeed {
	return &MemoryFeed{subs: make(map[int]*memorySub), logger: logger}
}

// Publish 投递到所有匹配的订阅者；队列满时阻塞直到 ctx 结束
func (m *MemoryFeed) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	m.mu.RLock()
	targets := make([]*memorySub, 0, len(m.subs))
	for _, s := range m.subs {
		if s.filter.Match(ev) {
			targets = append(targets, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.queue <- ev:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe 注册订阅
func (m *MemoryFeed) Subscribe(ctx context.Context, f Filter, h Handler) (func(), error) {
	sub := &memorySub{
		filter: f,
		queue:  make(chan domain.ChangeEvent, memoryQueueSize),
		done:   make(chan struct{}),
	}
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = sub
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-sub.queue:
				if err := h(ctx, ev); err != nil {
					m.logger.Warn("Change handler failed",
						zap.String("table", ev.Table),
						zap.String("project_id", ev.ProjectID),
						zap.Error(err),
					)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(sub.done)
			cancel()
			wg.Wait()
		})
	}, nil
}
