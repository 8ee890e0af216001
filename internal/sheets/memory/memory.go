package memory

import (
	"context"
	"fmt"
	"sync"

	ports "caixa/internal/sheets"
)

// Store keeps written reports in memory. It stands in for Google Sheets when
// no spreadsheet is configured and in tests.
type Store struct {
	mu      sync.Mutex
	reports []ports.Report
	rows    [][][]any
	err     error
}

var _ ports.ReportWriter = (*Store)(nil)

func New() *Store {
	return &Store{}
}

// FailWith makes subsequent writes return err. Pass nil to clear.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// WriteReport stores the report and returns a synthetic range reference.
func (s *Store) WriteReport(ctx context.Context, r ports.Report) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	rows := ports.Rows(r)
	s.reports = append(s.reports, r)
	s.rows = append(s.rows, rows)
	return fmt.Sprintf("memory!A1:F%d", len(rows)), nil
}

// Reports returns a copy of everything written so far.
func (s *Store) Reports() []ports.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ports.Report, len(s.reports))
	copy(out, s.reports)
	return out
}

// LastRows returns the rendered rows of the most recent report, or nil.
func (s *Store) LastRows() [][]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rows) == 0 {
		return nil
	}
	return s.rows[len(s.rows)-1]
}
