package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
)

const pageWidth = 190.0

// PDF renders an A4 portrait table with a title and generation stamp.
type PDF struct{}

func (PDF) ContentType() string { return "application/pdf" }
func (PDF) Extension() string   { return "pdf" }

func (PDF) Render(t Table) ([]byte, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}

	doc := gofpdf.New("P", "mm", "A4", "")
	doc.SetMargins(10, 15, 10)
	doc.SetAutoPageBreak(true, 15)
	tr := doc.UnicodeTranslatorFromDescriptor("")

	colWidth := pageWidth / float64(len(t.Columns))
	header := func() {
		doc.SetFont("Helvetica", "B", 10)
		doc.SetFillColor(230, 230, 230)
		for _, col := range t.Columns {
			doc.CellFormat(colWidth, 8, tr(col), "1", 0, "C", true, 0, "")
		}
		doc.Ln(-1)
		doc.SetFont("Helvetica", "", 9)
	}
	doc.SetHeaderFunc(func() {
		if doc.PageNo() > 1 {
			header()
		}
	})
	doc.SetFooterFunc(func() {
		doc.SetY(-12)
		doc.SetFont("Helvetica", "I", 8)
		doc.CellFormat(0, 8, fmt.Sprintf("Page %d", doc.PageNo()), "", 0, "R", false, 0, "")
	})

	doc.AddPage()
	if t.Title != "" {
		doc.SetFont("Helvetica", "B", 14)
		doc.CellFormat(0, 10, tr(t.Title), "", 1, "C", false, 0, "")
	}
	doc.SetFont("Helvetica", "", 8)
	doc.CellFormat(0, 6, "Generated "+time.Now().UTC().Format(time.RFC1123), "", 1, "C", false, 0, "")
	doc.Ln(3)

	header()
	for _, row := range t.Rows {
		for _, cell := range row {
			doc.CellFormat(colWidth, 7, tr(cell), "1", 0, "L", false, 0, "")
		}
		doc.Ln(-1)
	}

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}
