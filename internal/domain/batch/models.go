package batch

import (
	"encoding/json"
	"time"

	"github.com/FACorreiaa/payee-enrichment/internal/domain/address"
	"github.com/FACorreiaa/payee-enrichment/internal/domain/merchant"
)

// Stage names the four enrichment stages a record moves through.
type Stage string

const (
	StageClassify Stage = "classify"
	StageFinexio  Stage = "finexio"
	StageAddress  Stage = "address"
	StageMerchant Stage = "merchant"
)

// Status is the per-stage state of a record or batch.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusSkipped    Status = "skipped"
	StatusFailed     Status = "failed"
)

// Terminal reports whether a stage is finished, successfully or not.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusSkipped, StatusFailed:
		return true
	}
	return false
}

// OverallStatus is the batch-level lifecycle.
type OverallStatus string

const (
	OverallReceived   OverallStatus = "received"
	OverallProcessing OverallStatus = "processing"
	OverallCompleted  OverallStatus = "completed"
	OverallCancelled  OverallStatus = "cancelled"
	OverallFailed     OverallStatus = "failed"
)

// Options are the per-batch stage toggles chosen at upload time.
type Options struct {
	EnableClassify bool `json:"enable_classify"`
	EnableFinexio  bool `json:"enable_finexio"`
	EnableAddress  bool `json:"enable_address"`
	EnableMerchant bool `json:"enable_merchant"`
}

// StageStatuses groups the per-stage aggregate state.
type StageStatuses struct {
	Classify Status `json:"classify"`
	Finexio  Status `json:"finexio"`
	Address  Status `json:"address"`
	Merchant Status `json:"merchant"`
}

// Batch is one uploaded group of payee records.
type Batch struct {
	ID               string        `json:"id"`
	CreatedAt        time.Time     `json:"created_at"`
	TotalRecords     int           `json:"total_records"`
	ProcessedRecords int           `json:"processed_records"`
	OverallStatus    OverallStatus `json:"overall_status"`
	Stages           StageStatuses `json:"stage_status"`
	Options          Options       `json:"options"`
	ProgressMessage  string        `json:"progress_message"`
	CurrentStep      string        `json:"current_step"`
	SourceFileName   string        `json:"source_file_name,omitempty"`
	SourceColumns    []string      `json:"source_columns,omitempty"`
}

// InputAddress is the raw address captured from the upload.
type InputAddress struct {
	Line1   string `json:"line1,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Zip     string `json:"zip,omitempty"`
	Country string `json:"country,omitempty"`
}

// Empty reports whether no address parts were supplied.
func (a *InputAddress) Empty() bool {
	return a == nil || (a.Line1 == "" && a.City == "" && a.State == "" && a.Zip == "" && a.Country == "")
}

// SupplierMatch is the Finexio match result on a record.
type SupplierMatch struct {
	SupplierID  string `json:"supplier_id"`
	MatchedName string `json:"matched_name"`
	Score       int    `json:"score"`
	MatchType   string `json:"match_type"`
	Reasoning   string `json:"reasoning,omitempty"`
}

// Record is one payee row with its classification and enrichment state.
type Record struct {
	ID                 string               `json:"id"`
	BatchID            string               `json:"batch_id"`
	OriginalName       string               `json:"original_name"`
	CleanedName        string               `json:"cleaned_name"`
	InputAddress       *InputAddress        `json:"input_address,omitempty"`
	PayeeType          string               `json:"payee_type"`
	Confidence         float64              `json:"confidence"`
	SICCode            string               `json:"sic_code,omitempty"`
	ReviewNeeded       bool                 `json:"review_needed"`
	SupplierMatch      *SupplierMatch       `json:"supplier_match,omitempty"`
	ValidatedAddress   *address.Result      `json:"validated_address,omitempty"`
	MerchantEnrichment *merchant.Enrichment `json:"merchant_enrichment,omitempty"`
	Stages             StageStatuses        `json:"per_stage_status"`
	ErrorReason        string               `json:"error_reason,omitempty"`
	SourceRow          json.RawMessage      `json:"source_row,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
	Version            int64                `json:"-"`
}
