package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"orbit-sitecov/common/config"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const restUpdateAttempts = 3

// RESTStore 托管关系存储（PostgREST 风格 HTTP 接口）
//   - 过滤：col=eq.value，排序：order=a.asc,b.desc，条数：limit=n
//   - Upsert：POST ?on_conflict=a,b + Prefer: resolution=merge-duplicates（单请求原子）
//   - Update：GET 原行后带原值条件 PATCH ?id=eq.X&col=eq.old
//   - Delete：DELETE ?id=eq.X
type RESTStore struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewRESTStore 创建托管存储客户端
func NewRESTStore(cfg *config.RESTConfig, logger *zap.Logger) *RESTStore {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	if cfg.APIKey != "" {
		client.SetHeader("apikey", cfg.APIKey)
		client.SetAuthToken(cfg.APIKey)
	}
	if cfg.Schema != "" {
		client.SetHeader("Accept-Profile", cfg.Schema)
		client.SetHeader("Content-Profile", cfg.Schema)
	}

	return &RESTStore{httpClient: client, logger: logger}
}

func (s *RESTStore) Select(ctx context.Context, table string, filter Filter) ([]Row, error) {
	if err := validIdent(table); err != nil {
		return nil, err
	}
	req := s.httpClient.R().SetContext(ctx)
	for col, v := range filter.Eq {
		if err := validIdent(col); err != nil {
			return nil, err
		}
		req.SetQueryParam(col, eqParam(v))
	}
	if len(filter.OrderBy) > 0 {
		parts := make([]string, 0, len(filter.OrderBy))
		for _, o := range filter.OrderBy {
			if err := validIdent(o.Column); err != nil {
				return nil, err
			}
			dir := "asc"
			if o.Desc {
				dir = "desc"
			}
			parts = append(parts, o.Column+"."+dir)
		}
		req.SetQueryParam("order", strings.Join(parts, ","))
	}
	if filter.Limit > 0 {
		req.SetQueryParam("limit", fmt.Sprint(filter.Limit))
	}

	resp, err := req.Get("/" + table)
	return s.decode(resp, err, "select", table)
}

func (s *RESTStore) Insert(ctx context.Context, table string, rows ...Row) ([]Row, error) {
	if err := validIdent(table); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []Row{}, nil
	}
	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetHeader("Prefer", "return=representation").
		SetBody(encodeRows(rows)).
		Post("/" + table)
	return s.decode(resp, err, "insert", table)
}

func (s *RESTStore) Upsert(ctx context.Context, table string, conflict []string, rows []Row) ([]Row, error) {
	if err := validIdent(table); err != nil {
		return nil, err
	}
	if len(conflict) == 0 {
		return nil, fmt.Errorf("upsert into %s requires conflict columns", table)
	}
	for _, c := range conflict {
		if err := validIdent(c); err != nil {
			return nil, err
		}
	}
	if len(rows) == 0 {
		return []Row{}, nil
	}
	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetQueryParam("on_conflict", strings.Join(conflict, ",")).
		SetHeader("Prefer", "resolution=merge-duplicates,return=representation").
		SetBody(encodeRows(rows)).
		Post("/" + table)
	return s.decode(resp, err, "upsert", table)
}

// Update 先读原行，再以原值为条件 PATCH；条件不成立说明期间有其他写入，重新读取后重试
func (s *RESTStore) Update(ctx context.Context, table string, id string, fields Row) (Row, Row, error) {
	if err := validIdent(table); err != nil {
		return nil, nil, err
	}
	for c := range fields {
		if err := validIdent(c); err != nil {
			return nil, nil, err
		}
	}
	body := encodeRows([]Row{fields})[0]
	delete(body, "id")

	for attempt := 0; attempt < restUpdateAttempts; attempt++ {
		current, err := s.Select(ctx, table, Where("id", id))
		if err != nil {
			return nil, nil, err
		}
		if len(current) == 0 {
			return nil, nil, notFound(table, id)
		}
		before := current[0]

		req := s.httpClient.R().
			SetContext(ctx).
			SetQueryParam("id", eqParam(id)).
			SetHeader("Prefer", "return=representation").
			SetBody(body)
		for c, v := range fields {
			// 时间列的文本表示不稳定，不参与条件
			if _, isTime := v.(time.Time); c == "id" || isTime {
				continue
			}
			req.SetQueryParam(c, eqParam(before[c]))
		}
		resp, err := req.Patch("/" + table)
		rows, err := s.decode(resp, err, "update", table)
		if err != nil {
			return nil, nil, err
		}
		if len(rows) > 0 {
			return before, rows[0], nil
		}
		s.logger.Debug("Conditional update lost race, retrying",
			zap.String("table", table),
			zap.String("id", id),
			zap.Int("attempt", attempt+1),
		)
	}
	return nil, nil, fmt.Errorf("failed to update %s %s: row kept changing during %d attempts", table, id, restUpdateAttempts)
}

func (s *RESTStore) Delete(ctx context.Context, table string, id string) error {
	if err := validIdent(table); err != nil {
		return err
	}
	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetQueryParam("id", eqParam(id)).
		SetHeader("Prefer", "return=representation").
		Delete("/" + table)
	rows, err := s.decode(resp, err, "delete", table)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return notFound(table, id)
	}
	return nil
}

func (s *RESTStore) decode(resp *resty.Response, err error, op, table string) ([]Row, error) {
	if err != nil {
		s.logger.Error("Record store call failed",
			zap.String("op", op),
			zap.String("table", table),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to %s %s: %w", op, table, err)
	}
	if resp.IsError() {
		s.logger.Error("Record store returned error",
			zap.String("op", op),
			zap.String("table", table),
			zap.Int("status_code", resp.StatusCode()),
		)
		return nil, fmt.Errorf("failed to %s %s: status %d: %s", op, table, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	if resp.StatusCode() == http.StatusNoContent || len(resp.Body()) == 0 {
		return []Row{}, nil
	}

	var raw []map[string]any
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("failed to decode %s %s response: %w", op, table, err)
	}
	out := make([]Row, 0, len(raw))
	for _, r := range raw {
		out = append(out, Row(r))
	}
	return out, nil
}

func eqParam(v any) string {
	if v == nil {
		return "is.null"
	}
	switch val := v.(type) {
	case bool:
		if val {
			return "is.true"
		}
		return "is.false"
	}
	return "eq." + AsString(v)
}

// encodeRows 时间统一编码为 RFC3339
func encodeRows(rows []Row) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		m := make(map[string]any, len(r))
		for k, v := range r {
			if t, ok := v.(time.Time); ok {
				m[k] = t.UTC().Format(time.RFC3339Nano)
				continue
			}
			m[k] = v
		}
		out = append(out, m)
	}
	return out
}
