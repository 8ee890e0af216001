package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"caixa/internal/core"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type userDTO struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type newTransactionDTO struct {
	Tipo      string      `json:"tipo"`
	Categoria string      `json:"categoria"`
	Descricao string      `json:"descricao"`
	Valor     json.Number `json:"valor"`
}

func encodeNewTransaction(t core.NewTransaction) newTransactionDTO {
	return newTransactionDTO{
		Tipo:      string(t.Kind),
		Categoria: string(t.Category),
		Descricao: strings.TrimSpace(t.Description),
		Valor:     json.Number(t.Amount.StringFixed(2)),
	}
}

// transactionDTO accepts both "data" and "data_criacao" for the creation
// timestamp.
type transactionDTO struct {
	ID          int64           `json:"id"`
	Tipo        string          `json:"tipo"`
	Categoria   string          `json:"categoria"`
	Descricao   string          `json:"descricao"`
	Valor       decimal.Decimal `json:"valor"`
	Data        string          `json:"data"`
	DataCriacao string          `json:"data_criacao"`
}

func (d transactionDTO) toCore() (core.Transaction, error) {
	raw := d.DataCriacao
	if raw == "" {
		raw = d.Data
	}
	var created time.Time
	if raw != "" {
		t, err := parseTimestamp(raw)
		if err != nil {
			return core.Transaction{}, fmt.Errorf("transaction %d: %w", d.ID, err)
		}
		created = t
	}
	// Unknown categories are kept verbatim for display.
	category, _ := core.ParseCategory(d.Categoria)
	return core.Transaction{
		ID:          d.ID,
		Kind:        core.ParseKind(d.Tipo),
		Category:    category,
		Description: d.Descricao,
		Amount:      d.Valor,
		CreatedAt:   created,
	}, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	core.DateLayout,
}

// parseTimestamp reads server timestamps. Naive values are UTC.
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// errorBody is the FastAPI error envelope.
type errorBody struct {
	Detail json.RawMessage `json:"detail"`
}

func (b errorBody) message() string {
	if len(b.Detail) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Detail, &s); err == nil {
		return s
	}
	return string(b.Detail)
}
