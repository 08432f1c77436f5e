package ledgerx

import (
	"fmt"
	"io"
	"time"

	"github.com/go-pdf/fpdf"
)

var statementCols = []struct {
	title string
	width float64
	align string
}{
	{"Date (UTC)", 50, "L"},
	{"Type", 30, "L"},
	{"Amount", 45, "R"},
	{"Balance after", 55, "R"},
}

// RenderStatement writes a one-table PDF of txns, newest first, headed by
// the account's IBAN.
func RenderStatement(w io.Writer, acct *Account, txns []Transaction, at time.Time) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Account statement", true)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 14)
	pdf.Cell(0, 10, "Account statement")
	pdf.Ln(10)

	pdf.SetFont("Helvetica", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("IBAN: %s", acct.IBANDisplay))
	pdf.Ln(6)
	pdf.Cell(0, 6, fmt.Sprintf("Balance: %s", acct.Balance.StringFixed(BalanceScale)))
	pdf.Ln(6)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", at.UTC().Format(time.RFC3339)))
	pdf.Ln(10)

	pdf.SetFont("Helvetica", "B", 10)
	pdf.SetFillColor(230, 230, 230)
	for _, c := range statementCols {
		pdf.CellFormat(c.width, 7, c.title, "1", 0, c.align, true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 10)
	if len(txns) == 0 {
		pdf.CellFormat(180, 7, "No transactions", "1", 1, "C", false, 0, "")
	}
	for _, t := range txns {
		amount := t.Amount.StringFixed(AmountScale)
		if t.Type == TxnWithdraw {
			amount = "-" + amount
		}
		row := []string{
			t.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			string(t.Type),
			amount,
			t.BalanceAfter.StringFixed(BalanceScale),
		}
		for i, c := range statementCols {
			pdf.CellFormat(c.width, 7, row[i], "1", 0, c.align, false, 0, "")
		}
		pdf.Ln(-1)
	}

	return pdf.Output(w)
}
