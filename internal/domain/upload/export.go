package upload

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/FACorreiaa/payee-enrichment/internal/domain/batch"
)

// exportPageSize is how many records each store read pulls while streaming
// the download.
const exportPageSize = 500

// enrichmentColumns are appended after the upload's original columns.
var enrichmentColumns = []string{
	"payee_type", "confidence", "sic_code", "review_needed",
	"finexio_supplier_id", "finexio_matched_name", "finexio_score", "finexio_match_type",
	"address_status", "address_formatted", "address_confidence",
	"merchant_status", "merchant_business_name", "merchant_tax_id", "merchant_mcc",
	"merchant_mcc_group", "merchant_address", "merchant_phone", "merchant_confidence",
	"error_reason",
}

// ExportStore is the read surface the exporter pages through.
type ExportStore interface {
	GetBatch(ctx context.Context, batchID string) (*batch.Batch, error)
	Records(ctx context.Context, batchID string, limit, offset int) ([]batch.Record, int, error)
}

// Exporter streams a batch back out as CSV: the original columns followed
// by the enrichment columns.
type Exporter struct {
	store ExportStore
}

// NewExporter creates an exporter over the batch store.
func NewExporter(store ExportStore) *Exporter {
	return &Exporter{store: store}
}

// Write streams the whole batch to w. The download always succeeds for a
// known batch regardless of per-record outcomes.
func (e *Exporter) Write(ctx context.Context, batchID string, w io.Writer) error {
	b, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	header := append(append([]string{}, b.SourceColumns...), enrichmentColumns...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	offset := 0
	for {
		records, _, err := e.store.Records(ctx, batchID, exportPageSize, offset)
		if err != nil {
			return err
		}
		for i := range records {
			if err := cw.Write(exportRow(b.SourceColumns, &records[i])); err != nil {
				return fmt.Errorf("failed to write record %s: %w", records[i].ID, err)
			}
		}
		if len(records) < exportPageSize {
			break
		}
		offset += len(records)
	}

	cw.Flush()
	return cw.Error()
}

func exportRow(sourceColumns []string, rec *batch.Record) []string {
	row := make([]string, 0, len(sourceColumns)+len(enrichmentColumns))

	var source map[string]string
	if len(rec.SourceRow) > 0 {
		_ = json.Unmarshal(rec.SourceRow, &source)
	}
	for _, col := range sourceColumns {
		row = append(row, source[col])
	}

	row = append(row,
		rec.PayeeType,
		strconv.FormatFloat(rec.Confidence, 'f', 2, 64),
		rec.SICCode,
		strconv.FormatBool(rec.ReviewNeeded),
	)
	if m := rec.SupplierMatch; m != nil {
		row = append(row, m.SupplierID, m.MatchedName, strconv.Itoa(m.Score), m.MatchType)
	} else {
		row = append(row, "", "", "", "")
	}
	if a := rec.ValidatedAddress; a != nil {
		row = append(row, a.Status, a.Formatted, strconv.FormatFloat(a.Confidence, 'f', 2, 64))
	} else {
		row = append(row, "", "", "")
	}
	if m := rec.MerchantEnrichment; m != nil {
		row = append(row, m.Status, m.BusinessName, m.TaxID, m.MCC, m.MCCGroup, m.Address, m.Phone, m.ConfidenceBand)
	} else {
		row = append(row, "", "", "", "", "", "", "", "")
	}
	row = append(row, rec.ErrorReason)
	return row
}
