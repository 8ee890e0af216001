package sheets

import (
	"context"
	"time"

	"caixa/internal/aggregate"
	"caixa/internal/core"
)

// Report is the content written to a spreadsheet: the filtered list and its
// totals for one range.
type Report struct {
	Range       core.Range
	Items       []core.Transaction
	Totals      aggregate.Totals
	GeneratedAt time.Time
}

// ReportWriter publishes a report and returns a reference to where it landed
// (for Google Sheets an A1 range).
type ReportWriter interface {
	WriteReport(ctx context.Context, r Report) (string, error)
}

// Header is the column header of the transaction table.
var Header = []string{"ID", "Data", "Tipo", "Categoria", "Descrição", "Valor"}

// Rows renders r as spreadsheet rows: a title block, the header, one row per
// transaction and the totals. Amounts are plain decimals with two places.
func Rows(r Report) [][]any {
	rows := make([][]any, 0, len(r.Items)+8)
	rows = append(rows,
		[]any{"Relatório de caixa", RangeLabel(r.Range)},
		[]any{"Gerado em", r.GeneratedAt.Format(time.RFC3339)},
		[]any{},
		toRow(Header),
	)
	for _, t := range r.Items {
		rows = append(rows, []any{
			t.ID,
			core.DateOf(t.CreatedAt.Local()).String(),
			string(t.Kind),
			string(t.Category),
			t.Description,
			t.Amount.StringFixed(2),
		})
	}
	rows = append(rows,
		[]any{},
		[]any{"Total entradas", "", "", "", "", r.Totals.TotalIncome.StringFixed(2)},
		[]any{"Total saídas", "", "", "", "", r.Totals.TotalExpense.StringFixed(2)},
		[]any{"Lucro", "", "", "", "", r.Totals.Profit.StringFixed(2)},
	)
	return rows
}

// RangeLabel describes a range for humans: "Tudo" when unbounded, "…" for a
// missing bound.
func RangeLabel(r core.Range) string {
	if r.IsUnbounded() {
		return "Tudo"
	}
	start, end := "…", "…"
	if !r.Start.IsEmpty() {
		start = r.Start.String()
	}
	if !r.End.IsEmpty() {
		end = r.End.String()
	}
	return start + " a " + end
}

func toRow(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
