package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
)

// GateSlip carries the fields printed on a gate pass slip. Token is the
// signed gate token; the client renders it as a QR image for scanning.
type GateSlip struct {
	PassCode    string
	StudentName string
	RegNo       string
	Department  string
	Destination string
	Reason      string
	Departure   time.Time
	Return      time.Time
	Token       string
	TokenExpiry time.Time
}

// SlipExporter renders printable gate pass slips.
type SlipExporter struct{}

// NewSlipExporter constructs a slip exporter.
func NewSlipExporter() *SlipExporter {
	return &SlipExporter{}
}

// Render creates a single-page A5 slip for an approved pass.
func (e *SlipExporter) Render(slip GateSlip) ([]byte, error) {
	if slip.PassCode == "" || slip.Token == "" {
		return nil, fmt.Errorf("slip requires pass code and token")
	}

	pdf := gofpdf.New("P", "mm", "A5", "")
	pdf.SetMargins(12, 14, 12)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.CellFormat(0, 10, "CAMPUS GATE PASS", "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "B", 12)
	pdf.CellFormat(0, 8, slip.PassCode, "", 1, "C", false, 0, "")
	pdf.Ln(4)

	rows := [][2]string{
		{"Student", slip.StudentName},
		{"Reg No", slip.RegNo},
		{"Department", slip.Department},
		{"Destination", slip.Destination},
		{"Reason", slip.Reason},
		{"Departure", slip.Departure.Format("02 Jan 2006 15:04")},
		{"Return by", slip.Return.Format("02 Jan 2006 15:04")},
	}
	for _, row := range rows {
		pdf.SetFont("Arial", "B", 10)
		pdf.CellFormat(35, 7, row[0], "1", 0, "", false, 0, "")
		pdf.SetFont("Arial", "", 10)
		pdf.CellFormat(0, 7, row[1], "1", 1, "", false, 0, "")
	}
	pdf.Ln(6)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(0, 6, "GATE TOKEN", "", 1, "C", false, 0, "")
	pdf.SetFont("Courier", "", 8)
	for _, chunk := range chunkString(slip.Token, 48) {
		pdf.CellFormat(0, 4, chunk, "", 1, "C", false, 0, "")
	}
	pdf.SetFont("Arial", "I", 8)
	pdf.Ln(2)
	pdf.CellFormat(0, 5, "Valid until "+slip.TokenExpiry.Format("02 Jan 2006 15:04"), "", 1, "C", false, 0, "")
	pdf.CellFormat(0, 5, "Present this slip or its QR code at the gate.", "", 1, "C", false, 0, "")

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render gate slip: %w", err)
	}
	return buf.Bytes(), nil
}

func chunkString(s string, size int) []string {
	if size <= 0 {
		return []string{s}
	}
	var chunks []string
	for len(s) > size {
		chunks = append(chunks, s[:size])
		s = s[size:]
	}
	if s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}

