package store

import (
	"context"
	"time"

	"orbit-sitecov/internal/domain"

	"go.uber.org/zap"
)

// Publisher 变更事件发布者（由 notify 包实现）
type Publisher interface {
	Publish(ctx context.Context, ev domain.ChangeEvent) error
}

// NotifyingStore 写操作成功后按 project 发布变更事件
// 发布失败只记录日志，不影响写入结果
type NotifyingStore struct {
	inner  RecordStore
	pub    Publisher
	logger *zap.Logger
	now    func() time.Time
}

func NewNotifyingStore(inner RecordStore, pub Publisher, logger *zap.Logger) *NotifyingStore {
	return &NotifyingStore{inner: inner, pub: pub, logger: logger, now: time.Now}
}

func (s *NotifyingStore) Select(ctx context.Context, table string, filter Filter) ([]Row, error) {
	return s.inner.Select(ctx, table, filter)
}

func (s *NotifyingStore) Insert(ctx context.Context, table string, rows ...Row) ([]Row, error) {
	out, err := s.inner.Insert(ctx, table, rows...)
	if err == nil {
		s.emit(ctx, table, "insert", out)
	}
	return out, err
}

func (s *NotifyingStore) Upsert(ctx context.Context, table string, conflict []string, rows []Row) ([]Row, error) {
	out, err := s.inner.Upsert(ctx, table, conflict, rows)
	if err == nil {
		s.emit(ctx, table, "upsert", out)
	}
	return out, err
}

func (s *NotifyingStore) Update(ctx context.Context, table string, id string, fields Row) (Row, Row, error) {
	before, after, err := s.inner.Update(ctx, table, id, fields)
	if err == nil {
		s.emit(ctx, table, "update", []Row{after})
	}
	return before, after, err
}

func (s *NotifyingStore) Delete(ctx context.Context, table string, id string) error {
	// 删除后拿不到 project_id，先查一次
	var rows []Row
	if found, err := s.inner.Select(ctx, table, Where("id", id)); err == nil {
		rows = found
	}
	if err := s.inner.Delete(ctx, table, id); err != nil {
		return err
	}
	if len(rows) == 0 {
		rows = []Row{{"id": id}}
	}
	s.emit(ctx, table, "delete", rows)
	return nil
}

// emit 同一次写入涉及多个 project 时每个 project 一条事件
func (s *NotifyingStore) emit(ctx context.Context, table, op string, rows []Row) {
	if s.pub == nil || len(rows) == 0 {
		return
	}
	byProject := map[string][]string{}
	var order []string
	for _, r := range rows {
		p := AsString(r["project_id"])
		if _, ok := byProject[p]; !ok {
			order = append(order, p)
		}
		byProject[p] = append(byProject[p], r.ID())
	}
	for _, p := range order {
		ev := domain.ChangeEvent{Table: table, ProjectID: p, Op: op, IDs: byProject[p], At: s.now().UTC()}
		if err := s.pub.Publish(ctx, ev); err != nil {
			s.logger.Warn("Failed to publish change event",
				zap.String("table", table),
				zap.String("project_id", p),
				zap.String("op", op),
				zap.Error(err),
			)
		}
	}
}
