package amqp

import (
	"encoding/json"
	"time"

	"caixa/internal/core"
)

// Routing keys of transaction events on the topic exchange.
const (
	RoutingCreated = "transaction.created"
	RoutingDeleted = "transaction.deleted"
)

// TransactionEvent announces a change made through this client. Deleted
// events carry only the id.
type TransactionEvent struct {
	Type        string    `json:"type"`
	ID          int64     `json:"id"`
	Kind        string    `json:"tipo,omitempty"`
	Category    string    `json:"categoria,omitempty"`
	Description string    `json:"descricao,omitempty"`
	Amount      string    `json:"valor,omitempty"`
	Actor       string    `json:"actor,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func NewCreatedEvent(tx core.Transaction, actor string) *TransactionEvent {
	return &TransactionEvent{
		Type:        RoutingCreated,
		ID:          tx.ID,
		Kind:        string(tx.Kind),
		Category:    string(tx.Category),
		Description: tx.Description,
		Amount:      tx.Amount.StringFixed(2),
		Actor:       actor,
		Timestamp:   time.Now(),
	}
}

func NewDeletedEvent(id int64, actor string) *TransactionEvent {
	return &TransactionEvent{
		Type:      RoutingDeleted,
		ID:        id,
		Actor:     actor,
		Timestamp: time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *TransactionEvent) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func TransactionEventFromJSON(data []byte) (*TransactionEvent, error) {
	var msg TransactionEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
