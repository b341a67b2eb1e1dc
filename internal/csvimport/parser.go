package csvimport

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"orbit-sitecov/internal/domain"

	"github.com/xuri/excelize/v2"
)

// Row 解析出的一行
//   - Line：源文件中的数据行号（表头之后从 1 开始，被跳过的空行也计入）
//   - Values：按规范字段名索引；缺失字段为空串
type Row struct {
	Line   int
	Values map[string]string
}

var errMissingHeader = errors.New("missing header row")

// Parse 按文件名选择 CSV 或 XLSX 解析
func Parse(filename string, r io.Reader, kind domain.ImportKind) ([]Row, error) {
	if strings.EqualFold(filepath.Ext(filename), ".xlsx") {
		return ParseXLSX(r, AliasesFor(kind))
	}
	return ParseCSV(r, AliasesFor(kind))
}

// ParseCSV 解析 CSV 文本；任何结构错误都会中止整个解析，不返回部分结果
func ParseCSV(r io.Reader, aliases AliasTable) ([]Row, error) {
	br := stripUTF8BOM(bufio.NewReader(r))

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = false

	var records [][]string
	var lines []int
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				return nil, &domain.ParseError{Line: pe.Line, Column: pe.Column, Err: pe.Err}
			}
			return nil, &domain.ParseError{Err: err}
		}
		line, _ := cr.FieldPos(0)
		records = append(records, rec)
		lines = append(lines, line)
	}
	// encoding/csv 不返回空行，用物理行号换算数据行号
	if len(lines) > 0 {
		header := lines[0]
		for i := range lines {
			lines[i] -= header
		}
	}
	return rowsFromRecords(records, lines, aliases)
}

// ParseXLSX 解析第一个工作表
func ParseXLSX(r io.Reader, aliases AliasTable) ([]Row, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, &domain.ParseError{Err: fmt.Errorf("failed to open workbook: %w", err)}
	}
	defer f.Close()

	sheetName := f.GetSheetName(0)
	if sheetName == "" {
		return nil, &domain.ParseError{Err: errors.New("workbook has no sheets")}
	}
	records, err := f.GetRows(sheetName)
	if err != nil {
		return nil, &domain.ParseError{Err: fmt.Errorf("failed to read rows of %s: %w", sheetName, err)}
	}
	return rowsFromRecords(records, nil, aliases)
}

// rowsFromRecords lines[i] 为 records[i] 相对表头的数据行号；nil 时按下标计算
func rowsFromRecords(records [][]string, lines []int, aliases AliasTable) ([]Row, error) {
	if len(records) == 0 {
		return nil, &domain.ParseError{Line: 1, Err: errMissingHeader}
	}
	header := records[0]
	for i := range header {
		if !utf8.ValidString(header[i]) {
			return nil, &domain.ParseError{Line: 1, Column: i + 1, Err: errors.New("invalid header encoding")}
		}
	}
	cols := aliases.Resolve(header)
	if len(cols) == 0 {
		return nil, &domain.ParseError{Line: 1, Err: fmt.Errorf("no recognised columns in header %v", header)}
	}

	fields := aliases.Fields()
	rows := make([]Row, 0, len(records)-1)
	for i := 1; i < len(records); i++ {
		rec := records[i]
		if isBlank(rec) {
			continue
		}
		line := i
		if lines != nil {
			line = lines[i]
		}
		values := make(map[string]string, len(fields))
		for _, f := range fields {
			col, ok := cols[f]
			if ok && col < len(rec) {
				values[f] = strings.TrimSpace(rec[col])
			} else {
				values[f] = ""
			}
		}
		rows = append(rows, Row{Line: line, Values: values})
	}
	return rows, nil
}

func stripUTF8BOM(r *bufio.Reader) *bufio.Reader {
	b, err := r.Peek(3)
	if err == nil && bytes.Equal(b, []byte{0xEF, 0xBB, 0xBF}) {
		_, _ = r.Discard(3)
	}
	return r
}

func isBlank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
