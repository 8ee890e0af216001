package backend

import (
	"context"
	"time"

	"caixa/internal/api"
	"caixa/internal/services"
	"caixa/internal/session"
	"caixa/internal/sheets"
)

// TokenStore is the durable session store plus its lifecycle.
type TokenStore interface {
	session.TokenStore
	Close() error
}

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// BackendResult holds everything the coordinator needs. Events and Sheets
// are nil when the integration is disabled or failed to initialise.
type BackendResult struct {
	API     *api.Client
	Tokens  TokenStore
	Events  services.EventPublisher
	Sheets  sheets.ReportWriter
	Cleanup CleanupFunc
}

// Factory creates backends based on configuration
type Factory interface {
	CreateBackend(ctx context.Context, config Config) (*BackendResult, error)
}

// Config holds configuration for backend creation
type Config struct {
	// Remote API
	APIBaseURL   string
	HTTPTimeout  time.Duration
	APIRateLimit float64
	APIRateBurst int

	// Token persistence
	Type         BackendType
	SQLiteDBPath string

	// AMQP (optional)
	AMQPURL      string
	AMQPExchange string

	// Google Sheets (optional)
	GoogleSpreadsheetID      string
	GoogleSheetName          string
	GoogleServiceAccountJSON string
	GoogleServiceAccountFile string
}

// BackendType selects where the session token is persisted.
type BackendType string

const (
	SQLiteBackend BackendType = "sqlite"
	MemoryBackend BackendType = "memory"
)

// String implements fmt.Stringer
func (bt BackendType) String() string {
	return string(bt)
}

// IsValid returns true if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case SQLiteBackend, MemoryBackend:
		return true
	default:
		return false
	}
}
