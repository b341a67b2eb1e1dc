package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// PostgresStore 基于 database/sql + lib/pq 的记录存储
// 每次 Upsert 调用在一个事务内执行（整批提交或整批回滚）
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresStore 创建 PostgreSQL 记录存储
func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PostgresStore) Select(ctx context.Context, table string, filter Filter) ([]Row, error) {
	query, args, err := buildSelect(table, filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select from %s: %w", table, err)
	}
	return rows, nil
}

func (s *PostgresStore) Insert(ctx context.Context, table string, rows ...Row) ([]Row, error) {
	if len(rows) == 0 {
		return []Row{}, nil
	}
	return s.inTx(ctx, "insert", table, func(tx *sql.Tx) ([]Row, error) {
		out := make([]Row, 0, len(rows))
		for _, r := range rows {
			query, args, err := buildInsert(table, r, nil)
			if err != nil {
				return nil, err
			}
			got, err := s.query(ctx, tx, query, args...)
			if err != nil {
				return nil, err
			}
			out = append(out, got...)
		}
		return out, nil
	})
}

func (s *PostgresStore) Upsert(ctx context.Context, table string, conflict []string, rows []Row) ([]Row, error) {
	if len(conflict) == 0 {
		return nil, fmt.Errorf("upsert into %s requires conflict columns", table)
	}
	if len(rows) == 0 {
		return []Row{}, nil
	}
	return s.inTx(ctx, "upsert", table, func(tx *sql.Tx) ([]Row, error) {
		out := make([]Row, 0, len(rows))
		for _, r := range rows {
			query, args, err := buildInsert(table, r, conflict)
			if err != nil {
				return nil, err
			}
			got, err := s.query(ctx, tx, query, args...)
			if err != nil {
				return nil, err
			}
			out = append(out, got...)
		}
		return out, nil
	})
}

// Update 先 SELECT ... FOR UPDATE 锁住原行再更新，并发写入同一行时 before 与本次写入之间不会插入其他写入
func (s *PostgresStore) Update(ctx context.Context, table string, id string, fields Row) (Row, Row, error) {
	if err := validIdent(table); err != nil {
		return nil, nil, err
	}
	cols := sortedColumns(fields)
	sets := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+1)
	for _, c := range cols {
		if c == "id" {
			continue
		}
		if err := validIdent(c); err != nil {
			return nil, nil, err
		}
		args = append(args, fields[c])
		sets = append(sets, fmt.Sprintf("%s = $%d", c, len(args)))
	}
	if len(sets) == 0 {
		return nil, nil, fmt.Errorf("update %s %s: no fields", table, id)
	}
	args = append(args, id)
	lock := fmt.Sprintf("SELECT * FROM %s WHERE id = $1 FOR UPDATE", table)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d RETURNING *", table, strings.Join(sets, ", "), len(args))

	out, err := s.inTx(ctx, "update", table, func(tx *sql.Tx) ([]Row, error) {
		prev, err := s.query(ctx, tx, lock, id)
		if err != nil {
			return nil, err
		}
		if len(prev) == 0 {
			return nil, notFound(table, id)
		}
		next, err := s.query(ctx, tx, query, args...)
		if err != nil {
			return nil, err
		}
		if len(next) == 0 {
			return nil, notFound(table, id)
		}
		return []Row{prev[0], next[0]}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out[0], out[1], nil
}

func (s *PostgresStore) Delete(ctx context.Context, table string, id string) error {
	if err := validIdent(table); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", table), id)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", table, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", table, id, err)
	}
	if n == 0 {
		return notFound(table, id)
	}
	return nil
}

func (s *PostgresStore) inTx(ctx context.Context, op, table string, fn func(tx *sql.Tx) ([]Row, error)) ([]Row, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin %s transaction: %w", op, err)
	}
	out, err := fn(tx)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("Rollback failed",
				zap.String("table", table),
				zap.String("op", op),
				zap.Error(rbErr),
			)
		}
		return nil, fmt.Errorf("failed to %s %s: %w", op, table, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit %s %s: %w", op, table, err)
	}
	return out, nil
}

// query 执行查询并把结果按列名装入 Row（[]byte 转 string）
func (s *PostgresStore) query(ctx context.Context, q queryer, query string, args ...any) ([]Row, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := []Row{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func buildSelect(table string, filter Filter) (string, []any, error) {
	if err := validIdent(table); err != nil {
		return "", nil, err
	}
	var sb strings.Builder
	sb.WriteString("SELECT * FROM ")
	sb.WriteString(table)

	var args []any
	if len(filter.Eq) > 0 {
		conds := make([]string, 0, len(filter.Eq))
		for _, c := range sortedColumns(Row(filter.Eq)) {
			if err := validIdent(c); err != nil {
				return "", nil, err
			}
			v := filter.Eq[c]
			if v == nil {
				conds = append(conds, c+" IS NULL")
				continue
			}
			args = append(args, v)
			conds = append(conds, fmt.Sprintf("%s = $%d", c, len(args)))
		}
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conds, " AND "))
	}

	if len(filter.OrderBy) > 0 {
		parts := make([]string, 0, len(filter.OrderBy))
		for _, o := range filter.OrderBy {
			if err := validIdent(o.Column); err != nil {
				return "", nil, err
			}
			dir := "ASC"
			if o.Desc {
				dir = "DESC"
			}
			parts = append(parts, o.Column+" "+dir)
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(parts, ", "))
	}

	if filter.Limit > 0 {
		sb.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
	}
	return sb.String(), args, nil
}

// buildInsert conflict 非空时生成 ON CONFLICT ... DO UPDATE
func buildInsert(table string, r Row, conflict []string) (string, []any, error) {
	if err := validIdent(table); err != nil {
		return "", nil, err
	}
	cols := sortedColumns(r)
	if len(cols) == 0 {
		return "", nil, fmt.Errorf("insert into %s: empty row", table)
	}
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		if err := validIdent(c); err != nil {
			return "", nil, err
		}
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = r[c]
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if len(conflict) > 0 {
		isKey := map[string]bool{"id": true}
		for _, c := range conflict {
			if err := validIdent(c); err != nil {
				return "", nil, err
			}
			isKey[c] = true
		}
		var sets []string
		for _, c := range cols {
			if !isKey[c] {
				sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
			}
		}
		if len(sets) == 0 {
			// 没有可更新列时仍需 RETURNING 原行
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", conflict[0], conflict[0]))
		}
		query += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(conflict, ", "), strings.Join(sets, ", "))
	}
	query += " RETURNING *"
	return query, args, nil
}
