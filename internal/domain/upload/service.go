package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/FACorreiaa/payee-enrichment/internal/domain/batch"
	"github.com/FACorreiaa/payee-enrichment/internal/domain/supplier"
	"github.com/FACorreiaa/payee-enrichment/pkg/storage"
)

// MatchingOptions are the caller-facing stage toggles on the process call.
// The wire names are fixed; unknown fields are rejected at the boundary.
type MatchingOptions struct {
	EnableFinexio                 bool `json:"enable_finexio"`
	EnableMastercard              bool `json:"enable_mastercard"`
	EnableGoogleAddressValidation bool `json:"enable_google_address_validation"`
	EnableOpenAI                  bool `json:"enable_openai"`
	EnableAkkio                   bool `json:"enable_akkio"`
}

// toBatchOptions maps the wire toggles onto the pipeline stages. The akkio
// toggle is accepted for compatibility but has no backing stage.
func (o MatchingOptions) toBatchOptions() batch.Options {
	return batch.Options{
		EnableClassify: o.EnableOpenAI,
		EnableFinexio:  o.EnableFinexio,
		EnableAddress:  o.EnableGoogleAddressValidation,
		EnableMerchant: o.EnableMastercard,
	}
}

// ColumnMapping names the upload columns holding the payee and address
// parts. Only PayeeColumn is required.
type ColumnMapping struct {
	PayeeColumn   string `json:"payee_column"`
	Line1Column   string `json:"address_line1_column,omitempty"`
	CityColumn    string `json:"city_column,omitempty"`
	StateColumn   string `json:"state_column,omitempty"`
	ZipColumn     string `json:"zip_column,omitempty"`
	CountryColumn string `json:"country_column,omitempty"`
}

// ProcessRequest starts a batch from a previously previewed file.
type ProcessRequest struct {
	TempFileName string          `json:"temp_file_name"`
	Columns      ColumnMapping   `json:"columns"`
	Options      MatchingOptions `json:"matching_options"`
}

// InputError marks a malformed upload or bad mapping; the handler surfaces
// it as a 4xx and no batch is created.
type InputError struct {
	Msg string
}

func (e *InputError) Error() string { return e.Msg }

func inputErrorf(format string, args ...any) error {
	return &InputError{Msg: fmt.Sprintf(format, args...)}
}

// BatchStore is the slice of the batch repository the upload service needs.
type BatchStore interface {
	CreateBatch(ctx context.Context, b *batch.Batch, records []batch.Record) error
}

// Starter kicks off background enrichment for a stored batch. Implemented
// by the orchestrator.
type Starter interface {
	StartBatch(batchID string)
}

// Service owns the preview → process handoff.
type Service struct {
	files   storage.Store
	batches BatchStore
	starter Starter
	logger  *slog.Logger
}

// NewService wires the upload service.
func NewService(files storage.Store, batches BatchStore, starter Starter, logger *slog.Logger) *Service {
	return &Service{files: files, batches: batches, starter: starter, logger: logger}
}

// Preview stores the upload and returns its headers and first rows. Only
// CSV and XLSX uploads are accepted.
func (s *Service) Preview(ctx context.Context, filename, contentType string, r io.Reader) (*Preview, error) {
	if !acceptedType(filename, contentType) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}

	info, err := s.files.Save(ctx, filename, contentType, r)
	if err != nil {
		return nil, err
	}

	f, _, err := s.files.Open(ctx, info.TempName)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	headers, rows, err := s.parse(f, info, previewRows)
	if err != nil {
		_ = s.files.Delete(ctx, info.TempName)
		return nil, inputErrorf("failed to parse %s: %v", filename, err)
	}

	preview := &Preview{
		Headers:      headers,
		TempFileName: info.TempName,
		PreviewRows:  make([][]string, 0, len(rows)),
	}
	for _, row := range rows {
		cells := make([]string, len(headers))
		for i, h := range headers {
			cells[i] = row.Values[h]
		}
		preview.PreviewRows = append(preview.PreviewRows, cells)
	}
	return preview, nil
}

// Process parses the stored file in full, creates the batch with one record
// per row, and hands it to the orchestrator. The temp file is removed once
// the batch is durable.
func (s *Service) Process(ctx context.Context, req ProcessRequest) (*batch.Batch, error) {
	if strings.TrimSpace(req.Columns.PayeeColumn) == "" {
		return nil, inputErrorf("payee_column is required")
	}

	f, info, err := s.files.Open(ctx, req.TempFileName)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, inputErrorf("unknown temp_file_name %q", req.TempFileName)
		}
		return nil, err
	}
	defer f.Close()

	headers, rows, err := s.parse(f, info, 0)
	if err != nil {
		return nil, inputErrorf("failed to parse %s: %v", info.Name, err)
	}
	if !contains(headers, req.Columns.PayeeColumn) {
		return nil, inputErrorf("unknown payee column %q", req.Columns.PayeeColumn)
	}
	for _, col := range []string{req.Columns.Line1Column, req.Columns.CityColumn, req.Columns.StateColumn, req.Columns.ZipColumn, req.Columns.CountryColumn} {
		if col != "" && !contains(headers, col) {
			return nil, inputErrorf("unknown address column %q", col)
		}
	}

	b := &batch.Batch{
		ID:              uuid.NewString(),
		Options:         req.Options.toBatchOptions(),
		OverallStatus:   batch.OverallReceived,
		ProgressMessage: "batch received",
		SourceFileName:  info.Name,
		SourceColumns:   headers,
	}

	records := make([]batch.Record, 0, len(rows))
	for _, row := range rows {
		name := row.Values[req.Columns.PayeeColumn]
		if strings.TrimSpace(name) == "" {
			continue
		}
		source, _ := json.Marshal(row.Values)
		rec := batch.Record{
			ID:           uuid.NewString(),
			BatchID:      b.ID,
			OriginalName: name,
			CleanedName:  supplier.StripRailNoise(name),
			SourceRow:    source,
		}
		addr := &batch.InputAddress{
			Line1:   row.Values[req.Columns.Line1Column],
			City:    row.Values[req.Columns.CityColumn],
			State:   row.Values[req.Columns.StateColumn],
			Zip:     row.Values[req.Columns.ZipColumn],
			Country: row.Values[req.Columns.CountryColumn],
		}
		if !addr.Empty() {
			rec.InputAddress = addr
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil, inputErrorf("no rows with a payee name in %s", info.Name)
	}
	b.TotalRecords = len(records)

	if err := s.batches.CreateBatch(ctx, b, records); err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}

	if err := s.files.Delete(ctx, req.TempFileName); err != nil {
		s.logger.Warn("failed to remove temp upload",
			slog.String("temp_file_name", req.TempFileName),
			slog.Any("error", err))
	}

	s.logger.Info("batch created",
		slog.String("batch_id", b.ID),
		slog.Int("records", b.TotalRecords),
		slog.String("file", info.Name))
	s.starter.StartBatch(b.ID)
	return b, nil
}

func (s *Service) parse(r io.Reader, info *storage.FileInfo, maxRows int) ([]string, []Row, error) {
	if info.ContentType == ContentTypeXLSX || strings.HasSuffix(strings.ToLower(info.Name), ".xlsx") {
		return parseXLSX(r, maxRows)
	}
	return parseCSV(r, maxRows)
}

func acceptedType(filename, contentType string) bool {
	switch contentType {
	case ContentTypeCSV, ContentTypeXLSX:
		return true
	}
	// Browsers sometimes send CSVs as text/plain or octet-stream; fall
	// back to the extension.
	lower := strings.ToLower(filename)
	return strings.HasSuffix(lower, ".csv") || strings.HasSuffix(lower, ".xlsx")
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}
