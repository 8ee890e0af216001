package backend

import (
	"context"
	"fmt"

	"caixa/internal/amqp"
	"caixa/internal/api"
	"caixa/internal/log"
	"caixa/internal/sheets"
	gsheet "caixa/internal/sheets/google"
	"caixa/internal/storage"

	goption "google.golang.org/api/option"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *log.Logger

	// sheetsOptions override the service account credentials.
	sheetsOptions []goption.ClientOption
}

// NewFactory creates a new backend factory
func NewFactory(logger *log.Logger) Factory {
	if logger == nil {
		logger = log.Discard()
	}
	return &DefaultFactory{
		logger: logger.WithComponent(log.ComponentBackend),
	}
}

// CreateBackend builds the API client and the token store. AMQP and Google
// Sheets are optional: when they cannot be set up the backend is returned
// without them and a warning is logged.
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	client, err := api.New(api.Options{
		BaseURL:   config.APIBaseURL,
		Timeout:   config.HTTPTimeout,
		RateLimit: config.APIRateLimit,
		RateBurst: config.APIRateBurst,
		Logger:    f.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize API client: %w", err)
	}

	tokens, err := f.createTokenStore(config)
	if err != nil {
		return nil, err
	}

	result := &BackendResult{
		API:     client,
		Tokens:  tokens,
		Cleanup: tokens.Close,
	}

	if config.AMQPURL != "" {
		result.Events = amqp.NewClient(config.AMQPURL, config.AMQPExchange, f.logger)
		f.logger.Info("Initialized AMQP publisher", "exchange", config.AMQPExchange)
	}

	if config.GoogleSpreadsheetID != "" {
		writer, err := f.createSheetsWriter(ctx, config)
		if err != nil {
			f.logger.Warn("Failed to initialize Google Sheets client, continuing without spreadsheet mirror",
				log.FieldError, err)
		} else {
			result.Sheets = writer
		}
	}

	f.logger.Info("Initialized backend",
		"token_backend", config.Type.String(),
		"amqp_enabled", result.Events != nil,
		"sheets_enabled", result.Sheets != nil)
	return result, nil
}

func (f *DefaultFactory) createTokenStore(config Config) (TokenStore, error) {
	switch config.Type {
	case SQLiteBackend:
		repo, err := storage.NewSQLiteRepository(config.SQLiteDBPath, f.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
		}
		f.logger.Info("Initialized SQLite token store", log.FieldPath, config.SQLiteDBPath)
		return repo, nil
	case MemoryBackend:
		f.logger.Info("Initialized memory token store")
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}

func (f *DefaultFactory) createSheetsWriter(ctx context.Context, config Config) (sheets.ReportWriter, error) {
	return gsheet.New(ctx, gsheet.Options{
		SpreadsheetID:   config.GoogleSpreadsheetID,
		SheetName:       config.GoogleSheetName,
		CredentialsJSON: config.GoogleServiceAccountJSON,
		CredentialsFile: config.GoogleServiceAccountFile,
		ClientOptions:   f.sheetsOptions,
		Logger:          f.logger,
	})
}
