// Package supplier provides the local cache of the Finexio supplier network:
// durable storage, name normalization, and fast candidate retrieval for the
// fuzzy matcher.
package supplier

import "time"

// Supplier is one cached supplier network row. Rows are written by the
// out-of-band sync and only read by the pipeline.
type Supplier struct {
	SupplierID       string
	PayeeName        string
	NormalizedName   string
	BusinessName     *string
	DBA              *string
	LegalName        *string
	EIN              *string
	City             string
	State            string
	MCC              string
	Industry         string
	PaymentType      string
	HasBusinessInd   bool
	CommonNameScore  float64 // 0..1, how common the name is as a personal name
	NameLength       int
}

// Stats summarizes the cached snapshot.
type Stats struct {
	RowCount     int64
	LastSyncedAt *time.Time
}
