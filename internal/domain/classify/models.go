package classify

// PayeeType is the classification label for a payee name.
type PayeeType string

const (
	PayeeIndividual       PayeeType = "Individual"
	PayeeBusiness         PayeeType = "Business"
	PayeeGovernment       PayeeType = "Government"
	PayeeInsurance        PayeeType = "Insurance"
	PayeeBanking          PayeeType = "Banking"
	PayeeInternalTransfer PayeeType = "InternalTransfer"
	PayeeUnknown          PayeeType = "Unknown"
)

// ReviewThreshold is the confidence floor below which a classification must
// not be auto-labeled; the orchestrator flags such records for review.
const ReviewThreshold = 0.80

// ClassifyRequest carries the payee name and optional address context.
type ClassifyRequest struct {
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
}

// Classification is the gateway's answer for a single payee.
type Classification struct {
	PayeeType  PayeeType `json:"payee_type"`
	Confidence float64   `json:"confidence"`
	SICCode    string    `json:"sic_code,omitempty"`
	Reasoning  string    `json:"reasoning,omitempty"`
}

// NeedsReview reports whether the label is too weak to act on.
func (c *Classification) NeedsReview() bool {
	return c.PayeeType == PayeeUnknown || c.Confidence < ReviewThreshold
}

// AddressRepair is the optional correction pass used by the address
// validator when the vendor result is too coarse.
type AddressRepair struct {
	Formatted   string   `json:"formatted"`
	Corrections []string `json:"corrections,omitempty"`
	Reasoning   string   `json:"reasoning,omitempty"`
}
