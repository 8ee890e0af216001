package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	Income  Kind = "Entrada"
	Expense Kind = "Saída"
)

const (
	CategoryRental      Category = "Locação"
	CategorySale        Category = "Venda"
	CategoryMaterial    Category = "Material"
	CategoryMaintenance Category = "Manutenção"
	CategoryFood        Category = "Alimentação"
	CategoryFuel        Category = "Combustível"
	CategoryOther       Category = "Outros"
)

// DateLayout is the wire and display format of calendar dates.
const DateLayout = "2006-01-02"

// DisplayTimeLayout is the pt-BR short date-time used in listings.
const DisplayTimeLayout = "02/01/2006 15:04"

type (
	// Kind is the transaction type (tipo). Values outside Income and Expense
	// may arrive from the server and are kept verbatim.
	Kind string

	// Category is the transaction category (categoria).
	Category string

	// Date is a calendar date without time of day. The zero value means unset.
	Date struct {
		time.Time
	}

	// Range is a pair of optional date bounds.
	Range struct {
		Start Date
		End   Date
	}

	// Transaction is a persisted cash-flow entry. It is never mutated after
	// the server returns it.
	Transaction struct {
		ID          int64
		Kind        Kind
		Category    Category
		Description string
		Amount      decimal.Decimal
		CreatedAt   time.Time
	}

	// NewTransaction carries the client-supplied fields of a transaction.
	NewTransaction struct {
		Kind        Kind
		Category    Category
		Description string
		Amount      decimal.Decimal
	}

	// User is the account returned by registration.
	User struct {
		ID       int64
		Username string
	}
)

var (
	ErrInvalidKind      = errors.New("invalid type: must be Entrada or Saída")
	ErrInvalidCategory  = errors.New("invalid category")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrEmptyDescription = errors.New("empty description")
	ErrInvalidDate      = errors.New("invalid date")
)

// Kinds lists the types a client may submit.
func Kinds() []Kind {
	return []Kind{Income, Expense}
}

// Categories lists the categories in the order the entry form offers them.
func Categories() []Category {
	return []Category{
		CategoryRental,
		CategorySale,
		CategoryMaterial,
		CategoryMaintenance,
		CategoryFood,
		CategoryFuel,
		CategoryOther,
	}
}

// ParseKind normalises a raw tipo value. Accents, case and surrounding
// whitespace are ignored, and any value containing "saida" is an expense.
// Unknown values are returned trimmed but otherwise untouched.
func ParseKind(raw string) Kind {
	folded := Fold(raw)
	switch {
	case folded == Fold(string(Income)):
		return Income
	case strings.Contains(folded, Fold(string(Expense))):
		return Expense
	default:
		return Kind(strings.TrimSpace(raw))
	}
}

func (k Kind) Valid() bool {
	return k == Income || k == Expense
}

func (k Kind) IsIncome() bool {
	return k == Income
}

func (k Kind) IsExpense() bool {
	return k == Expense
}

func (k Kind) String() string {
	return string(k)
}

// ParseCategory matches raw against the known categories ignoring accents
// and case. The second result reports whether it matched.
func ParseCategory(raw string) (Category, bool) {
	folded := Fold(raw)
	for _, c := range Categories() {
		if folded == Fold(string(c)) {
			return c, true
		}
	}
	return Category(strings.TrimSpace(raw)), false
}

func (c Category) Valid() bool {
	parsed, ok := ParseCategory(string(c))
	return ok && parsed == c
}

func (c Category) String() string {
	return string(c)
}

// NewDate creates a Date from year, month, day. Out of range values are
// normalised the way time.Date does, so NewDate(2024, 4, 0) is 2024-03-31.
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// DateOf returns the calendar date of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return NewDate(y, int(m), d)
}

// ParseDate parses a YYYY-MM-DD string. An empty string yields the zero Date.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Date{}, nil
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("%w %q: expected YYYY-MM-DD", ErrInvalidDate, s)
	}
	return Date{Time: t}, nil
}

// AddDays returns the date n calendar days away.
func (d Date) AddDays(n int) Date {
	return Date{Time: d.Time.AddDate(0, 0, n)}
}

// IsEmpty returns true if the date is unset.
func (d Date) IsEmpty() bool {
	return d.IsZero()
}

// String formats the date as YYYY-MM-DD, or "" when unset.
func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(DateLayout)
}

// FormatDateTime renders t in the local zone as dd/mm/yyyy hh:mm.
func FormatDateTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format(DisplayTimeLayout)
}

// Equal compares calendar dates.
func (d Date) Equal(o Date) bool {
	return d.String() == o.String()
}

// IsUnbounded reports whether neither bound is set.
func (r Range) IsUnbounded() bool {
	return r.Start.IsEmpty() && r.End.IsEmpty()
}

func (r Range) Equal(o Range) bool {
	return r.Start.Equal(o.Start) && r.End.Equal(o.End)
}

func (r Range) String() string {
	if r.IsUnbounded() {
		return "all"
	}
	return r.Start.String() + ".." + r.End.String()
}

// Validate checks the fields a client submits. The server may still reject
// the transaction.
func (t NewTransaction) Validate() error {
	if !t.Kind.Valid() {
		return ErrInvalidKind
	}
	if !t.Category.Valid() {
		return fmt.Errorf("%w %q", ErrInvalidCategory, t.Category)
	}
	if len(strings.TrimSpace(t.Description)) == 0 {
		return ErrEmptyDescription
	}
	if err := ValidateAmount(t.Amount); err != nil {
		return err
	}
	return nil
}

// ValidateAmount accepts non-negative values with at most two decimals.
func ValidateAmount(v decimal.Decimal) error {
	if v.IsNegative() {
		return fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	if !v.Equal(v.Round(2)) {
		return fmt.Errorf("%w: at most two decimal places", ErrInvalidAmount)
	}
	return nil
}
