// Package status 三个生命周期标志的切换引擎。
//
// 每个会话持有最近一次全量读取的确认值和一份乐观覆盖层（overlay）：
// 切换发起时立即写入覆盖层，存储确认后清除；写入失败同样清除，读取回落到确认值。
// 全量刷新会清空整个覆盖层，新读取的值视为权威。
package status

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"orbit-sitecov/internal/aggregator"
	"orbit-sitecov/internal/coverage"
	"orbit-sitecov/internal/domain"
	"orbit-sitecov/internal/history"
	"orbit-sitecov/internal/metrics"

	"go.uber.org/zap"
)

// Loader 全量读取项目的聚合组
type Loader interface {
	Project(ctx context.Context, projectID string) ([]aggregator.Group, error)
}

// FlagWriter 单字段更新 LABP 记录，同时返回被覆盖的存储值
type FlagWriter interface {
	UpdateFlag(ctx context.Context, id string, field domain.StatusField, value bool, actorID string, at time.Time) (domain.SitePersonnelRecord, bool, error)
}

// HistoryWriter 追加审计记录
type HistoryWriter interface {
	Record(ctx context.Context, e history.Entry) (domain.StatusHistoryRecord, error)
}

// Config 引擎配置
type Config struct {
	// WriteTimeout 单次切换写入的超时；0 表示不设超时
	WriteTimeout time.Duration
}

// Engine 会话注册表
type Engine struct {
	loader   Loader
	analyzer *coverage.Analyzer
	writer   FlagWriter
	history  HistoryWriter
	cfg      Config
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[sessionKey]*Session

	// 同一 (记录, 字段) 的写入跨会话串行，保证历史时间戳顺序与写入顺序一致
	writeMu    sync.Mutex
	writeLocks map[overlayKey]*sync.Mutex
}

type sessionKey struct {
	id      string
	project string
}

// NewEngine 创建切换引擎
func NewEngine(
	loader Loader,
	analyzer *coverage.Analyzer,
	writer FlagWriter,
	hist HistoryWriter,
	cfg Config,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		loader:   loader,
		analyzer: analyzer,
		writer:   writer,
		history:  hist,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[sessionKey]*Session),

		writeLocks: make(map[overlayKey]*sync.Mutex),
	}
}

func (e *Engine) writeLock(key overlayKey) *sync.Mutex {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	l, ok := e.writeLocks[key]
	if !ok {
		l = &sync.Mutex{}
		e.writeLocks[key] = l
	}
	return l
}

// Open 返回 (sessionID, projectID) 对应的会话；不存在时创建并做一次全量读取
func (e *Engine) Open(ctx context.Context, sessionID, projectID, actorID string) (*Session, error) {
	if sessionID == "" || projectID == "" {
		return nil, errors.New("session id and project id are required")
	}
	key := sessionKey{id: sessionID, project: projectID}

	e.mu.Lock()
	s, ok := e.sessions[key]
	e.mu.Unlock()
	if ok {
		return s, nil
	}

	s = &Session{
		ID:        sessionID,
		ProjectID: projectID,
		ActorID:   actorID,
		engine:    e,
		overlay:   make(map[overlayKey]overlayEntry),
	}
	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.sessions[key]; ok {
		return existing, nil
	}
	e.sessions[key] = s
	e.logger.Debug("Status session opened",
		zap.String("session_id", sessionID),
		zap.String("project_id", projectID),
	)
	return s, nil
}

// Close 移除会话；进行中的切换仍会完成
func (e *Engine) Close(sessionID, projectID string) {
	e.mu.Lock()
	delete(e.sessions, sessionKey{id: sessionID, project: projectID})
	e.mu.Unlock()
}

// Sessions 项目下的全部活动会话
func (e *Engine) Sessions(projectID string) []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Session
	for k, s := range e.sessions {
		if k.project == projectID {
			out = append(out, s)
		}
	}
	return out
}

// RefreshProject 变更通知到达后对项目的每个会话做全量刷新
func (e *Engine) RefreshProject(ctx context.Context, projectID string) error {
	var errs []error
	for _, s := range e.Sessions(projectID) {
		if err := s.Refresh(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type overlayKey struct {
	siteID string
	field  domain.StatusField
}

type overlayEntry struct {
	value bool
	seq   uint64
}

// Session 单个调用方的视图：确认值 + 覆盖层
type Session struct {
	ID        string
	ProjectID string
	ActorID   string
	engine    *Engine

	mu        sync.RWMutex
	refs      []coverage.SiteReference
	index     map[string]int
	overlay   map[overlayKey]overlayEntry
	seq       uint64
	fetchedAt time.Time
}

// Refresh 全量读取并清空覆盖层
func (s *Session) Refresh(ctx context.Context) error {
	e := s.engine
	groups, err := e.loader.Project(ctx, s.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to refresh session %s: %w", s.ID, err)
	}
	refs := e.analyzer.References(s.ProjectID, groups)
	index := make(map[string]int, len(refs))
	for i, r := range refs {
		index[r.ReferenceNumber] = i
	}

	s.mu.Lock()
	cleared := len(s.overlay)
	s.refs = refs
	s.index = index
	s.overlay = make(map[overlayKey]overlayEntry)
	s.fetchedAt = e.now()
	s.mu.Unlock()

	e.logger.Debug("Status session refreshed",
		zap.String("session_id", s.ID),
		zap.String("project_id", s.ProjectID),
		zap.Int("references", len(refs)),
		zap.Int("overlay_cleared", cleared),
	)
	return nil
}

// FetchedAt 最近一次全量读取时间
func (s *Session) FetchedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fetchedAt
}

// Pending 覆盖层中尚未确认的条目数
func (s *Session) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.overlay)
}

// Snapshot 全部引用（已应用覆盖层）
func (s *Session) Snapshot() []coverage.SiteReference {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]coverage.SiteReference, 0, len(s.refs))
	for i := range s.refs {
		out = append(out, s.view(i))
	}
	return out
}

// Lookup 单个引用（已应用覆盖层）
func (s *Session) Lookup(referenceNumber string) (coverage.SiteReference, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[referenceNumber]
	if !ok {
		return coverage.SiteReference{}, false
	}
	return s.view(i), true
}

// view 调用方需持有读锁
func (s *Session) view(i int) coverage.SiteReference {
	ref := s.refs[i].Clone()
	if ref.LABPRecord == nil {
		return ref
	}
	for _, f := range domain.StatusFields {
		if o, ok := s.overlay[overlayKey{siteID: ref.LABPRecord.ID, field: f}]; ok {
			ref.SetFlag(f, o.value)
		}
	}
	return ref
}

// Toggle 发起切换并等待存储确认
func (s *Session) Toggle(ctx context.Context, referenceNumber string, field domain.StatusField, value bool) (Result, error) {
	p, err := s.ToggleAsync(ctx, referenceNumber, field, value)
	if err != nil {
		return Result{}, err
	}
	return p.Wait(ctx)
}

// ToggleAsync 立即写入覆盖层并在后台写存储。
// 引用缺少 LABP 时返回 EligibilityError，不做任何写入。
// 写入使用与 ctx 取消解耦的上下文，调用方放弃等待不会撤销已发出的写入。
func (s *Session) ToggleAsync(ctx context.Context, referenceNumber string, field domain.StatusField, value bool) (*PendingToggle, error) {
	e := s.engine
	if _, err := domain.ParseStatusField(string(field)); err != nil {
		return nil, err
	}

	s.mu.Lock()
	i, ok := s.index[referenceNumber]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("site reference %s: %w", referenceNumber, domain.ErrNotFound)
	}
	ref := &s.refs[i]
	if ref.MissingLABP || ref.LABPRecord == nil {
		s.mu.Unlock()
		e.metrics.Toggle(string(field), "rejected")
		return nil, &domain.EligibilityError{ReferenceNumber: referenceNumber}
	}
	key := overlayKey{siteID: ref.LABPRecord.ID, field: field}
	s.seq++
	seq := s.seq
	s.overlay[key] = overlayEntry{value: value, seq: seq}
	s.mu.Unlock()

	p := &PendingToggle{
		ReferenceNumber: referenceNumber,
		SiteID:          key.siteID,
		Field:           field,
		Value:           value,
		done:            make(chan struct{}),
	}
	go s.commit(context.WithoutCancel(ctx), p, key, seq)
	return p, nil
}

func (s *Session) commit(ctx context.Context, p *PendingToggle, key overlayKey, seq uint64) {
	defer close(p.done)
	e := s.engine

	wctx := ctx
	if e.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, e.cfg.WriteTimeout)
		defer cancel()
	}

	l := e.writeLock(key)
	l.Lock()
	at := e.now()
	rec, prev, err := e.writer.UpdateFlag(wctx, key.siteID, p.Field, p.Value, s.ActorID, at)
	l.Unlock()
	if err != nil {
		s.mu.Lock()
		s.clearOverlay(key, seq)
		s.mu.Unlock()

		e.metrics.Toggle(string(p.Field), "error")
		e.logger.Warn("Status toggle failed",
			zap.String("project_id", s.ProjectID),
			zap.String("reference_number", p.ReferenceNumber),
			zap.String("site_id", key.siteID),
			zap.String("field", string(p.Field)),
			zap.Error(err),
		)
		p.err = &domain.PersistenceError{
			Op:  fmt.Sprintf("toggle %s on %s", p.Field, p.ReferenceNumber),
			Err: err,
		}
		return
	}

	// 旧值为存储中被本次写入覆盖的值，不取会话视图
	old := domain.BoolPtr(prev)
	s.mu.Lock()
	s.clearOverlay(key, seq)
	s.confirm(rec, p.Field)
	s.mu.Unlock()
	e.metrics.Toggle(string(p.Field), "success")

	res := Result{
		ReferenceNumber: p.ReferenceNumber,
		SiteID:          key.siteID,
		Field:           p.Field,
		OldValue:        old,
		NewValue:        p.Value,
		Record:          rec,
	}

	h, herr := e.history.Record(ctx, history.Entry{
		ProjectID: s.ProjectID,
		SiteID:    key.siteID,
		Field:     p.Field,
		OldValue:  old,
		NewValue:  domain.BoolPtr(p.Value),
		ActorID:   s.ActorID,
		At:        at,
	})
	if herr != nil {
		res.Warning = &domain.HistoryWarning{SiteID: key.siteID, Field: p.Field, Err: herr}
	} else {
		res.History = &h
	}
	p.result = res
}

// clearOverlay 只清除本次切换写入的条目；之后发起的切换保留。调用方需持有写锁。
func (s *Session) clearOverlay(key overlayKey, seq uint64) {
	if o, ok := s.overlay[key]; ok && o.seq == seq {
		delete(s.overlay, key)
	}
}

// confirm 把存储返回的值写入确认视图；记录已不在视图中（被刷新移除）时忽略。调用方需持有写锁。
func (s *Session) confirm(rec domain.SitePersonnelRecord, field domain.StatusField) {
	for i := range s.refs {
		lab := s.refs[i].LABPRecord
		if lab == nil || lab.ID != rec.ID {
			continue
		}
		s.refs[i].SetFlag(field, rec.Flag(field))
		lab.UpdatedAt = rec.UpdatedAt
		lab.UpdatedBy = rec.UpdatedBy
		return
	}
}

// Result 一次已确认的切换
type Result struct {
	ReferenceNumber string                      `json:"reference_number"`
	SiteID          string                      `json:"site_id"`
	Field           domain.StatusField          `json:"field"`
	OldValue        *bool                       `json:"old_value"`
	NewValue        bool                        `json:"new_value"`
	Record          domain.SitePersonnelRecord  `json:"record"`
	History         *domain.StatusHistoryRecord `json:"history,omitempty"`
	// Warning 非致命：切换已生效但历史写入失败
	Warning error `json:"-"`
}

// PendingToggle 已进入覆盖层、等待存储确认的切换
type PendingToggle struct {
	ReferenceNumber string
	SiteID          string
	Field           domain.StatusField
	Value           bool

	done   chan struct{}
	result Result
	err    error
}

// Done 确认或失败后关闭
func (p *PendingToggle) Done() <-chan struct{} {
	return p.done
}

// Wait 等待确认；ctx 结束时返回 ctx.Err()，覆盖层保持到写入有结果为止
func (p *PendingToggle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
