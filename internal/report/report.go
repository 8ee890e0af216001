// Package report downloads the server-rendered report for a date range.
package report

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"caixa/internal/api"
	"caixa/internal/core"
	"caixa/internal/log"
)

// DefaultFilename is used when neither the server nor the caller names the
// file.
const DefaultFilename = "relatorio_sinuca.pdf"

// Source fetches the binary report.
type Source interface {
	ExportReport(ctx context.Context, token string, r core.Range) (api.Payload, error)
}

// Report is a downloaded document ready to be saved.
type Report struct {
	Filename    string
	ContentType string
	Data        []byte
	Range       core.Range
}

// Exporter never reads or writes the transaction cache.
type Exporter struct {
	source   Source
	filename string
	logger   *log.Logger
}

// NewExporter uses filename for saved reports; an empty name falls back to
// the one sent by the server, then to DefaultFilename.
func NewExporter(source Source, filename string, logger *log.Logger) *Exporter {
	if logger == nil {
		logger = log.Discard()
	}
	return &Exporter{
		source:   source,
		filename: filename,
		logger:   logger.WithComponent(log.ComponentReport),
	}
}

// Export requests the report for r with token.
func (e *Exporter) Export(ctx context.Context, r core.Range, token string) (Report, error) {
	if token == "" {
		return Report{}, core.ErrNotAuthenticated
	}
	fields := log.NewFields().WithOperation(log.OpExport).WithRange(r)

	p, err := e.source.ExportReport(ctx, token, r)
	if err != nil {
		e.logger.WithFields(fields).WarnContext(ctx, "Report export failed",
			log.FieldStatusCode, core.StatusOf(err), log.FieldError, err)
		if !errors.Is(err, core.ErrExport) {
			err = fmt.Errorf("%w: %w", core.ErrExport, err)
		}
		return Report{}, err
	}

	name := e.filename
	if name == "" {
		name = filepath.Base(p.Filename)
	}
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = DefaultFilename
	}
	e.logger.WithFields(fields).InfoContext(ctx, "Report exported", log.FieldBytes, len(p.Data))
	return Report{
		Filename:    name,
		ContentType: p.ContentType,
		Data:        p.Data,
		Range:       r,
	}, nil
}

// Save writes the report into dir atomically and returns the final path.
func (r Report) Save(dir string) (string, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report directory: %w", err)
	}
	name := r.Filename
	if name == "" {
		name = DefaultFilename
	}
	final := filepath.Join(dir, filepath.Base(name))

	tmp, err := os.CreateTemp(dir, ".caixa-report-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() { os.Remove(tmp.Name()) }

	if _, err := tmp.Write(r.Data); err != nil {
		tmp.Close()
		cleanup()
		return "", fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return "", fmt.Errorf("sync report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", fmt.Errorf("close report: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		cleanup()
		return "", fmt.Errorf("chmod report: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		cleanup()
		return "", fmt.Errorf("rename report: %w", err)
	}
	return final, nil
}
