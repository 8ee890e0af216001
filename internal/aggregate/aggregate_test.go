package aggregate

import (
	"testing"

	"github.com/shopspring/decimal"

	"caixa/internal/core"
)

func tx(kind string, amount string) core.Transaction {
	return core.Transaction{
		Kind:     core.ParseKind(kind),
		Category: core.CategoryOther,
		Amount:   decimal.RequireFromString(amount),
	}
}

func TestCompute(t *testing.T) {
	tests := []struct {
		name                    string
		items                   []core.Transaction
		income, expense, profit string
		unclassified            int
	}{
		{
			name:   "empty list",
			income: "0", expense: "0", profit: "0",
		},
		{
			name:   "income and expense",
			items:  []core.Transaction{tx("Entrada", "100"), tx("Saída", "40")},
			income: "100", expense: "40", profit: "60",
		},
		{
			name:   "zero income",
			items:  []core.Transaction{tx("Entrada", "0")},
			income: "0", expense: "0", profit: "0",
		},
		{
			name:   "unaccented expense",
			items:  []core.Transaction{tx("Entrada", "10"), tx("Saida", "4")},
			income: "10", expense: "4", profit: "6",
		},
		{
			name:   "negative profit",
			items:  []core.Transaction{tx("Entrada", "10.10"), tx("SAÍDA", "25.25")},
			income: "10.10", expense: "25.25", profit: "-15.15",
		},
		{
			name:   "exact decimal sums",
			items:  []core.Transaction{tx("Entrada", "0.1"), tx("Entrada", "0.2")},
			income: "0.3", expense: "0", profit: "0.3",
		},
		{
			name:   "unknown kind counts toward neither total",
			items:  []core.Transaction{tx("Entrada", "5"), tx("Transferência", "99")},
			income: "5", expense: "0", profit: "5",
			unclassified: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.items)
			check := func(field string, v decimal.Decimal, want string) {
				if !v.Equal(decimal.RequireFromString(want)) {
					t.Errorf("%s = %s, want %s", field, v, want)
				}
			}
			check("TotalIncome", got.TotalIncome, tt.income)
			check("TotalExpense", got.TotalExpense, tt.expense)
			check("Profit", got.Profit, tt.profit)
			if got.Unclassified != tt.unclassified {
				t.Errorf("Unclassified = %d, want %d", got.Unclassified, tt.unclassified)
			}
		})
	}
}

func TestComputeIsPure(t *testing.T) {
	items := []core.Transaction{tx("Entrada", "100"), tx("Saída", "40")}
	a := Compute(items)
	b := Compute(items)
	if !a.Profit.Equal(b.Profit) || !a.TotalIncome.Equal(b.TotalIncome) {
		t.Fatalf("results differ: %+v vs %+v", a, b)
	}
}

func TestFormat(t *testing.T) {
	got := Compute([]core.Transaction{tx("Entrada", "100.005"), tx("Saída", "40")}).Format()
	if got.Income != "R$ 100.01" || got.Expense != "R$ 40.00" || got.Profit != "R$ 60.01" {
		t.Fatalf("unexpected format %+v", got)
	}
}

func TestGroupByCategory(t *testing.T) {
	items := []core.Transaction{
		{Kind: core.Income, Category: core.CategoryRental, Amount: decimal.NewFromInt(50)},
		{Kind: core.Expense, Category: core.CategoryFood, Amount: decimal.NewFromInt(12)},
		{Kind: core.Income, Category: core.CategoryRental, Amount: decimal.NewFromInt(30)},
	}
	groups := GroupByCategory(items)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if groups[0].Category != core.CategoryRental || groups[0].Count != 2 || !groups[0].Amount.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("unexpected first group %+v", groups[0])
	}
	if groups[1].Category != core.CategoryFood || groups[1].Kind != core.Expense {
		t.Fatalf("unexpected second group %+v", groups[1])
	}
}
