package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnknownField = errors.New("unknown status field")
	ErrCacheMiss    = errors.New("cache miss")
)

// ParseError 文件结构错误，整个导入被中止
type ParseError struct {
	Line   int
	Column int
	Err    error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse error at line %d, column %d: %v", e.Line, e.Column, e.Err)
	}
	return fmt.Sprintf("parse error: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError 必填字段缺失；InvalidRows 为源文件中的数据行号（从 1 开始，不含表头，空行也计入）
type ValidationError struct {
	Kind        ImportKind
	InvalidRows []int
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s validation failed: %d invalid row(s) %v", e.Kind, len(e.InvalidRows), e.InvalidRows)
}

// Count 无效行数
func (e *ValidationError) Count() int { return len(e.InvalidRows) }

// PersistenceError 写入存储失败，可重试
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Retryable 持久化错误总是可重试
func (e *PersistenceError) Retryable() bool { return true }

// EligibilityError 引用缺少 LABP 记录时拒绝切换
type EligibilityError struct {
	ReferenceNumber string
}

func (e *EligibilityError) Error() string {
	return fmt.Sprintf("site reference %s has no LABP record; status flags cannot be changed", e.ReferenceNumber)
}

// HistoryWarning 审计追加失败，不回滚已确认的切换
type HistoryWarning struct {
	SiteID string
	Field  StatusField
	Err    error
}

func (e *HistoryWarning) Error() string {
	return fmt.Sprintf("status history not recorded for %s/%s: %v", e.SiteID, e.Field, e.Err)
}

func (e *HistoryWarning) Unwrap() error { return e.Err }
