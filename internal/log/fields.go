package log

import (
	"time"

	"caixa/internal/core"
)

// Common field names for structured logging
const (
	FieldComponent   = "component"
	FieldRequestID   = "request_id"
	FieldMethod      = "method"
	FieldURL         = "url"
	FieldStatusCode  = "status_code"
	FieldDuration    = "duration_ms"
	FieldError       = "error"
	FieldOperation   = "operation"
	FieldUsername    = "username"
	FieldSessionFrom = "from"
	FieldSessionTo   = "to"
	FieldGeneration  = "generation"
	FieldPreset      = "preset"
	FieldRangeStart  = "range_start"
	FieldRangeEnd    = "range_end"
	FieldTxID        = "transaction_id"
	FieldTxKind      = "kind"
	FieldTxCategory  = "category"
	FieldAmount      = "amount"
	FieldCount       = "count"
	FieldBytes       = "bytes"
	FieldPath        = "path"
	FieldSheetsRef   = "sheets_ref"
)

// Components defines standard component names
const (
	ComponentApp          = "app"
	ComponentSession      = "session"
	ComponentTransactions = "transactions"
	ComponentFilter       = "filter"
	ComponentReport       = "report"
	ComponentAPI          = "api"
	ComponentStorage      = "storage"
	ComponentAMQP         = "amqp"
	ComponentSheets       = "sheets"
	ComponentBackend      = "backend"
	ComponentCoordinator  = "coordinator"
	ComponentWorker       = "worker"
)

// Operations defines standard operation names
const (
	OpLogin    = "login"
	OpRegister = "register"
	OpLogout   = "logout"
	OpFetch    = "fetch"
	OpCreate   = "create"
	OpDelete   = "delete"
	OpExport   = "export"
	OpPublish  = "publish"
	OpAppend   = "append"
	OpMigrate  = "migrate"
	OpStartup  = "startup"
	OpShutdown = "shutdown"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

// NewFields creates a new LogFields instance
func NewFields() LogFields {
	return make(LogFields)
}

func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

func (f LogFields) WithRequestID(id string) LogFields {
	f[FieldRequestID] = id
	return f
}

// WithError adds error field
func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

// WithRange records both bounds; an empty bound is logged as "".
func (f LogFields) WithRange(r core.Range) LogFields {
	f[FieldRangeStart] = r.Start.String()
	f[FieldRangeEnd] = r.End.String()
	return f
}

func (f LogFields) WithGeneration(gen uint64) LogFields {
	f[FieldGeneration] = gen
	return f
}

// WithTransaction adds the fields worth logging for a record. The
// description is left out on purpose since it is free text.
func (f LogFields) WithTransaction(kind core.Kind, category core.Category, amount string) LogFields {
	f[FieldTxKind] = string(kind)
	f[FieldTxCategory] = string(category)
	f[FieldAmount] = amount
	return f
}

// WithHTTP adds outgoing request fields.
func (f LogFields) WithHTTP(method, url string, status int, elapsed time.Duration) LogFields {
	f[FieldMethod] = method
	f[FieldURL] = url
	f[FieldStatusCode] = status
	f[FieldDuration] = elapsed.Milliseconds()
	return f
}

// ToSlice converts LogFields to a slice for slog
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
