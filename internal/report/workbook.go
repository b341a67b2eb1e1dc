// Package report 生成导入模板与覆盖情况工作簿（xlsx）。
package report

import (
	"bytes"
	"fmt"
	"strings"

	"orbit-sitecov/internal/coverage"
	"orbit-sitecov/internal/csvimport"
	"orbit-sitecov/internal/domain"

	"github.com/xuri/excelize/v2"
)

// CoverageHeader 覆盖工作簿表头
var CoverageHeader = []string{
	"PXL Site Reference Number",
	"Institution",
	"Country",
	"Representative",
	"LABP Present",
	"Missing Roles",
	"Starter Pack",
	"Registered In SRP",
	"Supplies Applied",
}

var coverageWidths = []float64{26, 30, 15, 25, 14, 25, 14, 18, 16}

// ImportTemplate 只有表头的导入模板
func ImportTemplate(kind domain.ImportKind) ([]byte, error) {
	if _, err := domain.ParseImportKind(string(kind)); err != nil {
		return nil, err
	}
	aliases := csvimport.AliasesFor(kind)
	sheet := "Site Data"
	if kind == domain.KindCRAList {
		sheet = "CRA List"
	}

	f := excelize.NewFile()
	if err := writeSheet(f, sheet, aliases.Headers(), nil, nil); err != nil {
		f.Close()
		return nil, err
	}
	return finish(f)
}

// CoverageWorkbook 两个工作表：每个引用一行的 Coverage，以及汇总 Summary
func CoverageWorkbook(summary coverage.Summary, refs []coverage.SiteReference) ([]byte, error) {
	rows := make([][]any, 0, len(refs))
	for _, ref := range refs {
		var institution, country, name string
		if ref.Representative != nil {
			institution = ref.Representative.Institution
			country = ref.Representative.Country
			name = ref.Representative.PersonnelName
		}
		rows = append(rows, []any{
			ref.ReferenceNumber,
			institution,
			country,
			name,
			yesNo(!ref.MissingLABP),
			strings.Join(ref.MissingRoles, ", "),
			yesNo(ref.HasStarterPack),
			yesNo(ref.RegisteredInSRP),
			yesNo(ref.SuppliesApplied),
		})
	}

	f := excelize.NewFile()
	if err := writeSheet(f, "Coverage", CoverageHeader, rows, coverageWidths); err != nil {
		f.Close()
		return nil, err
	}

	summaryRows := [][]any{
		{"Project", summary.ProjectID},
		{"Required Roles", strings.Join(summary.RequiredRoles, ", ")},
		{"Total References", summary.TotalReferences},
		{"With LABP", summary.WithLABP},
		{"Fully Staffed", summary.FullyStaffed},
		{"Starter Pack", summary.StarterPackCount},
		{"Registered In SRP", summary.RegisteredInSRPCount},
		{"Supplies Applied", summary.SuppliesAppliedCount},
		{"Generated At", summary.GeneratedAt.Format("2006-01-02 15:04:05")},
	}
	if _, err := f.NewSheet("Summary"); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	for i, r := range summaryRows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			f.Close()
			return nil, err
		}
		if err := f.SetSheetRow("Summary", cell, &r); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write summary row %d: %w", i+1, err)
		}
	}
	if err := f.SetColWidth("Summary", "A", "A", 20); err != nil {
		f.Close()
		return nil, err
	}
	return finish(f)
}

// writeSheet 新建工作表、写表头（带样式）与数据并冻结首行；删除默认 Sheet1
func writeSheet(f *excelize.File, sheet string, headers []string, rows [][]any, widths []float64) error {
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	// 删除默认的 Sheet1 后再取索引
	if sheet != "Sheet1" {
		if err := f.DeleteSheet("Sheet1"); err != nil {
			return fmt.Errorf("failed to delete default sheet: %w", err)
		}
	}
	index, err := f.GetSheetIndex(sheet)
	if err != nil {
		return fmt.Errorf("failed to locate sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, header); err != nil {
			return fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheet, cell, cell, headerStyle); err != nil {
			return fmt.Errorf("failed to set header style: %w", err)
		}

		width := 22.0
		if col < len(widths) {
			width = widths[col]
		}
		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			return fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(sheet, name, name, width); err != nil {
			return fmt.Errorf("failed to set column width: %w", err)
		}
	}

	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &r); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	if err := f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("failed to freeze panes: %w", err)
	}
	return nil
}

// finish 写入缓冲区后关闭文件
func finish(f *excelize.File) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	return buf.Bytes(), nil
}

func yesNo(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}
