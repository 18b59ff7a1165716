package invoice

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/nurpe/procure-core/internal/model"
)

type ExcelGenerator struct{}

func NewExcelGenerator() *ExcelGenerator {
	return &ExcelGenerator{}
}

// Generate builds the agent-facing invoice register: one row per
// generated invoice, amounts rendered from integer minor units.
func (g *ExcelGenerator) Generate(invoices []model.Invoice) ([]byte, error) {
	file := excelize.NewFile()

	sheet := "Invoices"
	file.SetSheetName("Sheet1", sheet)

	set := func(cell string, value interface{}) {
		_ = file.SetCellValue(sheet, cell, value)
	}

	headers := []string{"Number", "Project", "Milestone", "Contractor", "Amount", "Tax", "Total", "Status", "Issued", "Due"}
	for i, header := range headers {
		col, _ := excelize.ColumnNumberToName(i + 1)
		set(fmt.Sprintf("%s1", col), header)
	}

	for i, inv := range invoices {
		row := i + 2
		set(fmt.Sprintf("A%d", row), inv.Number)
		set(fmt.Sprintf("B%d", row), inv.ProjectID.String())
		set(fmt.Sprintf("C%d", row), inv.MilestoneID.String())
		set(fmt.Sprintf("D%d", row), inv.ContractorID.String())
		set(fmt.Sprintf("E%d", row), formatMinorUnits(inv.Amount))
		set(fmt.Sprintf("F%d", row), formatMinorUnits(inv.TaxAmount))
		set(fmt.Sprintf("G%d", row), formatMinorUnits(inv.TotalAmount))
		set(fmt.Sprintf("H%d", row), string(inv.Status))
		set(fmt.Sprintf("I%d", row), formatDate(inv.IssuedAt))
		set(fmt.Sprintf("J%d", row), formatDate(inv.DueDate))
	}

	_ = file.SetColWidth(sheet, "A", "A", 18)
	_ = file.SetColWidth(sheet, "B", "D", 38)
	_ = file.SetColWidth(sheet, "E", "G", 14)
	_ = file.SetColWidth(sheet, "H", "J", 14)

	buf, err := file.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FileName names the export after the requesting agent and the day.
func FileName(agentName string, at time.Time) string {
	return fmt.Sprintf("invoices-%s-%s.xlsx", agentName, at.Format("20060102"))
}
