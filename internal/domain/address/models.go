package address

// Granularity tokens in increasing precision. The repair pass only fires
// below GranularityRoute.
const (
	GranularityNone     = "NONE"
	GranularityLocality = "LOCALITY"
	GranularityRoute    = "ROUTE"
	GranularityPremise  = "PREMISE"
)

var granularityRank = map[string]int{
	GranularityNone:     0,
	GranularityLocality: 1,
	GranularityRoute:    2,
	GranularityPremise:  3,
}

// Status values for a validation outcome.
const (
	StatusValidated = "validated"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

// Components are the structured parts of a validated address.
type Components struct {
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// Enhancement records whether and how the repair pass changed the result.
type Enhancement struct {
	Used        bool     `json:"used"`
	Strategy    string   `json:"strategy,omitempty"`
	Reasoning   string   `json:"reasoning,omitempty"`
	Corrections []string `json:"corrections,omitempty"`
}

// Result is the validator's answer for one address.
type Result struct {
	Status      string       `json:"status"`
	Formatted   string       `json:"formatted,omitempty"`
	Components  Components   `json:"components,omitempty"`
	Confidence  float64      `json:"confidence"`
	Verdict     string       `json:"verdict,omitempty"`
	Enhancement *Enhancement `json:"enhancement,omitempty"`
	RawInput    string       `json:"raw_input"`
}

// VendorResult is the raw vendor answer before any repair pass.
type VendorResult struct {
	Formatted   string     `json:"formatted"`
	Components  Components `json:"components"`
	Confidence  float64    `json:"confidence"`
	Granularity string     `json:"granularity"`
}
