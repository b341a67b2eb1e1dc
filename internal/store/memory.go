package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore 内存记录存储（DB 未就绪时联调、单元测试）
// - IDs 使用 uuid
// - 默认按插入顺序返回
// - 每次 Upsert 调用在一把锁内完成，要么全部生效要么全部不生效
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]*memTable
}

type memTable struct {
	rows  map[string]Row // id -> row
	order []string       // 插入顺序
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables: map[string]*memTable{},
	}
}

func (m *MemoryStore) table(name string) *memTable {
	t := m.tables[name]
	if t == nil {
		t = &memTable{rows: map[string]Row{}}
		m.tables[name] = t
	}
	return t
}

func (m *MemoryStore) Select(_ context.Context, table string, filter Filter) ([]Row, error) {
	if err := validIdent(table); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	t := m.tables[table]
	if t == nil {
		return []Row{}, nil
	}

	out := make([]Row, 0, len(t.order))
	for _, id := range t.order {
		row := t.rows[id]
		if matches(row, filter.Eq) {
			out = append(out, row.Clone())
		}
	}

	if len(filter.OrderBy) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, o := range filter.OrderBy {
				c := compareValues(out[i][o.Column], out[j][o.Column])
				if c == 0 {
					continue
				}
				if o.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Insert(_ context.Context, table string, rows ...Row) ([]Row, error) {
	if err := validIdent(table); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.table(table)
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		row := r.Clone()
		id := row.ID()
		if id == "" {
			id = uuid.NewString()
			row["id"] = id
		}
		if _, exists := t.rows[id]; exists {
			return nil, fmt.Errorf("duplicate id %s in %s", id, table)
		}
		t.rows[id] = row
		t.order = append(t.order, id)
		out = append(out, row.Clone())
	}
	return out, nil
}

func (m *MemoryStore) Upsert(_ context.Context, table string, conflict []string, rows []Row) ([]Row, error) {
	if err := validIdent(table); err != nil {
		return nil, err
	}
	if len(conflict) == 0 {
		return nil, fmt.Errorf("upsert into %s requires conflict columns", table)
	}
	for i, r := range rows {
		for _, c := range conflict {
			if _, ok := r[c]; !ok {
				return nil, fmt.Errorf("upsert row %d into %s missing conflict column %s", i, table, c)
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.table(table)
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		key := Row{}
		for _, c := range conflict {
			key[c] = r[c]
		}

		var existing Row
		for _, id := range t.order {
			if matches(t.rows[id], key) {
				existing = t.rows[id]
				break
			}
		}

		if existing != nil {
			for k, v := range r {
				if k == "id" {
					continue
				}
				existing[k] = v
			}
			out = append(out, existing.Clone())
			continue
		}

		row := r.Clone()
		if row.ID() == "" {
			row["id"] = uuid.NewString()
		}
		t.rows[row.ID()] = row
		t.order = append(t.order, row.ID())
		out = append(out, row.Clone())
	}
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, table string, id string, fields Row) (Row, Row, error) {
	if err := validIdent(table); err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.tables[table]
	if t == nil || t.rows[id] == nil {
		return nil, nil, notFound(table, id)
	}
	row := t.rows[id]
	before := row.Clone()
	for k, v := range fields {
		if k == "id" {
			continue
		}
		row[k] = v
	}
	return before, row.Clone(), nil
}

func (m *MemoryStore) Delete(_ context.Context, table string, id string) error {
	if err := validIdent(table); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.tables[table]
	if t == nil || t.rows[id] == nil {
		return notFound(table, id)
	}
	delete(t.rows, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return nil
}

// Count 某表记录数（测试辅助）
func (m *MemoryStore) Count(table string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t := m.tables[table]; t != nil {
		return len(t.rows)
	}
	return 0
}

func matches(row Row, eq map[string]any) bool {
	for k, want := range eq {
		if !valuesEqual(want, row[k]) {
			return false
		}
	}
	return true
}
