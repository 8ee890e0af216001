// Package aggregate derives cash-flow totals from a transaction list.
package aggregate

import (
	"github.com/shopspring/decimal"

	"caixa/internal/core"
)

// Totals is recomputed on every read and never cached.
type Totals struct {
	TotalIncome  decimal.Decimal
	TotalExpense decimal.Decimal
	Profit       decimal.Decimal
	// Unclassified counts items whose kind was neither income nor expense.
	Unclassified int
}

// Compute sums income and expense exactly. Profit may be negative.
func Compute(items []core.Transaction) Totals {
	income := decimal.Zero
	expense := decimal.Zero
	unknown := 0
	for _, t := range items {
		switch {
		case t.Kind.IsIncome():
			income = income.Add(t.Amount)
		case t.Kind.IsExpense():
			expense = expense.Add(t.Amount)
		default:
			unknown++
		}
	}
	return Totals{
		TotalIncome:  income,
		TotalExpense: expense,
		Profit:       income.Sub(expense),
		Unclassified: unknown,
	}
}

// Formatted holds display strings rounded to two decimals.
type Formatted struct {
	Income  string
	Expense string
	Profit  string
}

func (t Totals) Format() Formatted {
	return Formatted{
		Income:  core.FormatAmount(t.TotalIncome),
		Expense: core.FormatAmount(t.TotalExpense),
		Profit:  core.FormatAmount(t.Profit),
	}
}

// CategoryTotal is the sum of one category and kind pair.
type CategoryTotal struct {
	Category core.Category
	Kind     core.Kind
	Amount   decimal.Decimal
	Count    int
}

// GroupByCategory groups amounts per category and kind, in first-seen order.
func GroupByCategory(items []core.Transaction) []CategoryTotal {
	type key struct {
		c core.Category
		k core.Kind
	}
	index := make(map[key]int)
	var out []CategoryTotal
	for _, t := range items {
		k := key{t.Category, t.Kind}
		i, ok := index[k]
		if !ok {
			i = len(out)
			index[k] = i
			out = append(out, CategoryTotal{Category: t.Category, Kind: t.Kind, Amount: decimal.Zero})
		}
		out[i].Amount = out[i].Amount.Add(t.Amount)
		out[i].Count++
	}
	return out
}
