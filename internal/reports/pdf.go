package reports

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
)

type PDFReport struct {
	pdf   *gofpdf.Fpdf
	title string
}

func NewPDFReport(title string) *PDFReport {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 20)

	r := &PDFReport{
		pdf:   pdf,
		title: title,
	}

	r.addHeader()
	return r
}

func (r *PDFReport) addHeader() {
	r.pdf.AddPage()

	r.pdf.SetFont("Arial", "B", 20)
	r.pdf.SetTextColor(33, 37, 41)
	r.pdf.CellFormat(0, 15, r.title, "", 1, "C", false, 0, "")

	r.pdf.SetFont("Arial", "", 10)
	r.pdf.SetTextColor(108, 117, 125)
	r.pdf.CellFormat(0, 8, fmt.Sprintf("Generated: %s", time.Now().Format("January 2, 2006 3:04 PM")), "", 1, "C", false, 0, "")

	r.pdf.Ln(10)
}

func (r *PDFReport) AddSection(title string) {
	r.pdf.SetFont("Arial", "B", 14)
	r.pdf.SetTextColor(33, 37, 41)
	r.pdf.SetFillColor(240, 240, 240)
	r.pdf.CellFormat(0, 10, title, "", 1, "L", true, 0, "")
	r.pdf.Ln(5)
}

func (r *PDFReport) AddParagraph(text string) {
	r.pdf.SetFont("Arial", "", 10)
	r.pdf.SetTextColor(33, 37, 41)
	r.pdf.MultiCell(0, 6, text, "", "L", false)
	r.pdf.Ln(5)
}

func (r *PDFReport) AddTable(headers []string, rows [][]string) {
	pageWidth := 180.0 // A4 width minus margins
	colWidth := pageWidth / float64(len(headers))

	r.pdf.SetFont("Arial", "B", 9)
	r.pdf.SetFillColor(52, 58, 64)
	r.pdf.SetTextColor(255, 255, 255)
	for _, h := range headers {
		r.pdf.CellFormat(colWidth, 8, h, "1", 0, "C", true, 0, "")
	}
	r.pdf.Ln(-1)

	r.pdf.SetFont("Arial", "", 9)
	r.pdf.SetTextColor(33, 37, 41)
	fill := false
	for _, row := range rows {
		if fill {
			r.pdf.SetFillColor(248, 249, 250)
		} else {
			r.pdf.SetFillColor(255, 255, 255)
		}
		for _, cell := range row {
			if len(cell) > 25 {
				cell = cell[:22] + "..."
			}
			r.pdf.CellFormat(colWidth, 7, cell, "1", 0, "L", true, 0, "")
		}
		r.pdf.Ln(-1)
		fill = !fill
	}

	r.pdf.Ln(5)
}

func (r *PDFReport) AddKeyValues(pairs [][2]string) {
	r.pdf.SetFont("Arial", "", 10)

	for _, pair := range pairs {
		r.pdf.SetTextColor(108, 117, 125)
		r.pdf.CellFormat(60, 7, pair[0]+":", "", 0, "L", false, 0, "")

		r.pdf.SetFont("Arial", "B", 10)
		r.pdf.SetTextColor(33, 37, 41)
		r.pdf.CellFormat(0, 7, pair[1], "", 1, "L", false, 0, "")
		r.pdf.SetFont("Arial", "", 10)
	}

	r.pdf.Ln(5)
}

func (r *PDFReport) AddSeverityBadge(severity string) {
	var red, green, blue int

	switch severity {
	case "CRITICAL":
		red, green, blue = 220, 53, 69
	case "HIGH":
		red, green, blue = 253, 126, 20
	case "MEDIUM":
		red, green, blue = 255, 193, 7
	case "LOW":
		red, green, blue = 40, 167, 69
	default:
		red, green, blue = 108, 117, 125
	}

	r.pdf.SetFillColor(red, green, blue)
	r.pdf.SetFont("Arial", "B", 9)
	r.pdf.SetTextColor(255, 255, 255)
	r.pdf.CellFormat(30, 6, severity, "", 1, "C", true, 0, "")
	r.pdf.Ln(3)
}

func (r *PDFReport) AddPageBreak() {
	r.pdf.AddPage()
}

func (r *PDFReport) addFooter() {
	r.pdf.SetFooterFunc(func() {
		r.pdf.SetY(-15)
		r.pdf.SetFont("Arial", "I", 8)
		r.pdf.SetTextColor(128, 128, 128)
		r.pdf.CellFormat(0, 10, fmt.Sprintf("Page %d", r.pdf.PageNo()), "", 0, "C", false, 0, "")
	})
}

func (r *PDFReport) Output() ([]byte, error) {
	r.addFooter()

	var buf bytes.Buffer
	err := r.pdf.Output(&buf)
	if err != nil {
		return nil, fmt.Errorf("failed to generate PDF: %w", err)
	}

	return buf.Bytes(), nil
}
