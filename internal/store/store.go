// Package store 通用记录存储：select / insert / upsert / update / delete。
// 提供内存、PostgreSQL（lib/pq）和托管 REST（PostgREST 风格）三种实现。
package store

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"orbit-sitecov/internal/domain"
)

// Row 一条记录（列名 -> 值）
type Row map[string]any

// Clone 浅拷贝
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ID 读取 id 列
func (r Row) ID() string {
	return AsString(r["id"])
}

// Order 排序项
type Order struct {
	Column string
	Desc   bool
}

// Filter 等值过滤 + 排序 + 限制条数（Limit<=0 表示不限制）
type Filter struct {
	Eq      map[string]any
	OrderBy []Order
	Limit   int
}

// Where 便捷构造
func Where(kv ...any) Filter {
	f := Filter{Eq: map[string]any{}}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Eq[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}

// Ordered 追加排序
func (f Filter) Ordered(orders ...Order) Filter {
	f.OrderBy = append(append([]Order{}, f.OrderBy...), orders...)
	return f
}

// WithLimit 设置条数上限
func (f Filter) WithLimit(n int) Filter {
	f.Limit = n
	return f
}

// RecordStore 记录存储接口
type RecordStore interface {
	Select(ctx context.Context, table string, filter Filter) ([]Row, error)
	Insert(ctx context.Context, table string, rows ...Row) ([]Row, error)
	// Upsert 按 conflict 列插入或更新，一次调用视为一个批次
	Upsert(ctx context.Context, table string, conflict []string, rows []Row) ([]Row, error)
	// Update 返回写入前后的整行；before 与写入在同一原子操作内读取
	Update(ctx context.Context, table string, id string, fields Row) (before Row, after Row, err error)
	Delete(ctx context.Context, table string, id string) error
}

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// validIdent 表名/列名只允许小写标识符
func validIdent(name string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

func sortedColumns(rows ...Row) []string {
	seen := map[string]struct{}{}
	for _, r := range rows {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// AsString 把存储返回的值转为字符串
func AsString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(val)
	}
}

// AsBool 兼容 bool / "true" / "t" / 1
func AsBool(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case *bool:
		return val != nil && *val
	case string:
		b, _ := strconv.ParseBool(val)
		return b
	case []byte:
		b, _ := strconv.ParseBool(string(val))
		return b
	case int64:
		return val != 0
	case int:
		return val != 0
	case float64:
		return val != 0
	}
	return false
}

// AsNullBool nil 保持为 nil
func AsNullBool(v any) *bool {
	if v == nil {
		return nil
	}
	if p, ok := v.(*bool); ok {
		return p
	}
	b := AsBool(v)
	return &b
}

// AsTime 兼容 time.Time 与 RFC3339 字符串
func AsTime(v any) time.Time {
	switch val := v.(type) {
	case time.Time:
		return val
	case string:
		return parseTimeString(val)
	case []byte:
		return parseTimeString(string(val))
	}
	return time.Time{}
}

func parseTimeString(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05.999999-07", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func valuesEqual(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		return ta.Equal(AsTime(b))
	}
	if _, ok := a.(bool); ok {
		return AsBool(a) == AsBool(b)
	}
	if _, ok := b.(bool); ok {
		return AsBool(a) == AsBool(b)
	}
	return AsString(a) == AsString(b)
}

// compareValues 返回 -1/0/1，用于内存排序
func compareValues(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	if ta, ok := a.(time.Time); ok {
		tb := AsTime(b)
		switch {
		case ta.Before(tb):
			return -1
		case ta.After(tb):
			return 1
		}
		return 0
	}
	if _, ok := a.(bool); ok {
		ab, bb := AsBool(a), AsBool(b)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		}
		return 1
	}
	sa, sb := AsString(a), AsString(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}

// notFound 统一的未找到错误
func notFound(table, id string) error {
	return fmt.Errorf("%s %s: %w", table, id, domain.ErrNotFound)
}
