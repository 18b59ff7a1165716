package invoice

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/nurpe/procure-core/internal/model"
)

// Document is everything the PDF needs beyond the invoice record itself.
type Document struct {
	Invoice        model.Invoice
	ProjectTitle   string
	MilestoneTitle string
}

type PDFGenerator struct {
	fontName string
}

func NewPDFGenerator() *PDFGenerator {
	return &PDFGenerator{fontName: "Helvetica"}
}

func (g *PDFGenerator) Generate(doc Document) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.AddPage()

	pdf.SetFont(g.fontName, "B", 16)
	pdf.CellFormat(0, 10, "INVOICE", "", 1, "C", false, 0, "")

	pdf.SetFont(g.fontName, "", 11)
	pdf.CellFormat(0, 6, fmt.Sprintf("Invoice %s issued %s", doc.Invoice.Number, formatDate(doc.Invoice.IssuedAt)), "", 1, "C", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Due %s", formatDate(doc.Invoice.DueDate)), "", 1, "C", false, 0, "")
	pdf.Ln(6)

	pdf.SetFont(g.fontName, "B", 12)
	pdf.CellFormat(0, 8, "Engagement", "", 1, "L", false, 0, "")
	pdf.SetFont(g.fontName, "", 11)
	pdf.CellFormat(0, 6, fmt.Sprintf("Project: %s", doc.ProjectTitle), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Milestone: %s", doc.MilestoneTitle), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Contractor: %s", doc.Invoice.ContractorID), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Agent: %s", doc.Invoice.AgentID), "", 1, "L", false, 0, "")
	pdf.Ln(6)

	headers := []string{"Description", "Amount", "Tax", "Total"}
	widths := []float64{90, 30, 30, 30}
	drawTableRow(pdf, g.fontName, headers, widths, true)
	drawTableRow(pdf, g.fontName, []string{
		doc.MilestoneTitle,
		formatMinorUnits(doc.Invoice.Amount),
		formatMinorUnits(doc.Invoice.TaxAmount),
		formatMinorUnits(doc.Invoice.TotalAmount),
	}, widths, false)

	pdf.Ln(4)
	pdf.SetFont(g.fontName, "B", 12)
	pdf.CellFormat(0, 8, fmt.Sprintf("Total due: %s", formatMinorUnits(doc.Invoice.TotalAmount)), "", 1, "R", false, 0, "")

	pdf.Ln(8)
	pdf.SetFont(g.fontName, "", 10)
	pdf.MultiCell(0, 5, "Generated by the milestone payment engine upon work verification. Payment is released from escrow against this document.", "", "L", false)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func drawTableRow(pdf *gofpdf.Fpdf, fontName string, cols []string, widths []float64, header bool) {
	style := ""
	if header {
		style = "B"
	}
	pdf.SetFont(fontName, style, 10)
	for i, col := range cols {
		align := "L"
		if i > 0 {
			align = "R"
		}
		pdf.CellFormat(widths[i], 8, col, "1", 0, align, false, 0, "")
	}
	pdf.Ln(-1)
}

// formatMinorUnits renders integer minor units as a decimal string
// without ever passing through a float.
func formatMinorUnits(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "—"
	}
	return t.Format("02.01.2006")
}
