package service

import (
	"context"
	"sync"
	"time"

	"orbit-sitecov/internal/domain"
	"orbit-sitecov/internal/metrics"
	"orbit-sitecov/internal/notify"

	"go.uber.org/zap"
)

// ProjectRefresher 对项目的全部会话做全量刷新
type ProjectRefresher interface {
	RefreshProject(ctx context.Context, projectID string) error
}

// CacheInvalidator 项目缓存失效
type CacheInvalidator interface {
	Invalidate(ctx context.Context, projectID string) error
}

// Watcher 订阅 site_personnel 变更：缓存失效 + 会话全量刷新。
// debounce>0 时同一项目在窗口内的多次变更合并为一次刷新（导入会产生多个批次事件）。
type Watcher struct {
	feed     notify.Feed
	sessions ProjectRefresher
	cache    CacheInvalidator
	debounce time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	timers  map[string]*time.Timer
	stopSub func()
	wg      sync.WaitGroup
}

// NewWatcher cache 可为 nil
func NewWatcher(feed notify.Feed, sessions ProjectRefresher, cache CacheInvalidator, debounce time.Duration, m *metrics.Metrics, logger *zap.Logger) *Watcher {
	return &Watcher{
		feed:     feed,
		sessions: sessions,
		cache:    cache,
		debounce: debounce,
		metrics:  m,
		logger:   logger,
		timers:   make(map[string]*time.Timer),
	}
}

// Start 开始订阅
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()

	stop, err := w.feed.Subscribe(ctx, notify.Filter{Table: domain.TableSitePersonnel}, w.handle)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.stopSub = stop
	w.mu.Unlock()
	w.logger.Info("Change watcher started", zap.Duration("debounce", w.debounce))
	return nil
}

// Stop 取消订阅并等待进行中的刷新
func (w *Watcher) Stop() {
	w.mu.Lock()
	stop := w.stopSub
	w.stopSub = nil
	for p, t := range w.timers {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.timers, p)
	}
	w.mu.Unlock()
	if stop != nil {
		stop()
	}
	w.wg.Wait()
}

func (w *Watcher) handle(ctx context.Context, ev domain.ChangeEvent) error {
	w.metrics.ChangeEvent(ev.Table)
	if ev.ProjectID == "" {
		return nil
	}
	if w.debounce <= 0 {
		return w.refresh(ctx, ev.ProjectID)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[ev.ProjectID]; ok {
		if t.Stop() {
			t.Reset(w.debounce)
			return nil
		}
	}
	projectID := ev.ProjectID
	w.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		w.fire(projectID, t)
	})
	w.timers[projectID] = t
	return nil
}

// fire 定时器到期。到期回调可能在 handle 已为同一项目登记新定时器之后才拿到锁，
// 此时只能移除自己的登记，不能删掉新的。
func (w *Watcher) fire(projectID string, t *time.Timer) {
	w.mu.Lock()
	if w.timers[projectID] == t {
		delete(w.timers, projectID)
	}
	base := w.ctx
	w.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	if err := w.refresh(base, projectID); err != nil {
		w.logger.Error("Debounced refresh failed",
			zap.String("project_id", projectID),
			zap.Error(err),
		)
	}
}

func (w *Watcher) refresh(ctx context.Context, projectID string) error {
	if w.cache != nil {
		if err := w.cache.Invalidate(ctx, projectID); err != nil {
			w.logger.Warn("Failed to invalidate coverage cache",
				zap.String("project_id", projectID),
				zap.Error(err),
			)
		}
	}
	if err := w.sessions.RefreshProject(ctx, projectID); err != nil {
		return err
	}
	w.logger.Debug("Refreshed sessions after change", zap.String("project_id", projectID))
	return nil
}
