package supplier

import (
	"strings"
	"unicode"

	"github.com/cloudflare/ahocorasick"
)

// businessSuffixes are retained as tokens during normalization; their
// presence marks a name as carrying a business indicator.
var businessSuffixes = map[string]bool{
	"llc":      true,
	"inc":      true,
	"corp":     true,
	"ltd":      true,
	"co":       true,
	"company":  true,
	"group":    true,
	"services": true,
	"llp":      true,
	"plc":      true,
	"lp":       true,
}

// railNoise holds payment-rail prefixes and boilerplate that appear in raw
// payee strings pulled from bank files. Matched with Aho-Corasick in a
// single pass before normalization.
var railNoise = []string{
	"ACH PMT ",
	"ACH PAYMENT ",
	"WIRE TRANSFER ",
	"WIRE ",
	"CHECK PAYMENT ",
	"CHK ",
	"BILL PAY ",
	"BILLPAY ",
	"EFT ",
	"PAYMENT TO ",
	"PMT TO ",
	"POS ",
	"VISA ",
	"MASTERCARD ",
	"DEBIT CARD ",
	"PURCHASE ",
}

var railMatcher = ahocorasick.NewStringMatcher(railNoise)

// StripRailNoise removes a leading payment-rail prefix from a raw payee
// string, if one is present.
func StripRailNoise(raw string) string {
	upper := strings.ToUpper(strings.TrimSpace(raw))
	hits := railMatcher.Match([]byte(upper))
	if len(hits) == 0 {
		return strings.TrimSpace(raw)
	}
	trimmed := strings.TrimSpace(raw)
	for _, idx := range hits {
		prefix := railNoise[idx]
		if strings.HasPrefix(upper, prefix) {
			trimmed = strings.TrimSpace(trimmed[len(prefix):])
			break
		}
	}
	return trimmed
}

// Normalize produces the canonical form used for supplier lookups: rail
// noise stripped, lower-cased, punctuation removed, whitespace collapsed.
// Business-suffix tokens are kept. Deterministic and idempotent.
func Normalize(name string) string {
	cleaned := StripRailNoise(name)

	var b strings.Builder
	b.Grow(len(cleaned))
	lastSpace := true
	for _, r := range strings.ToLower(cleaned) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case r == '&':
			// "&" joins name parts; treated as the word "and".
			if !lastSpace {
				b.WriteByte(' ')
			}
			b.WriteString("and")
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}

	return strings.TrimSpace(b.String())
}

// FirstToken returns the first whitespace-delimited token of a normalized
// name, empty when the name is empty.
func FirstToken(normalized string) string {
	if idx := strings.IndexByte(normalized, ' '); idx >= 0 {
		return normalized[:idx]
	}
	return normalized
}

// HasBusinessIndicator reports whether a normalized name carries one of the
// retained business-suffix tokens.
func HasBusinessIndicator(normalized string) bool {
	for _, tok := range strings.Fields(normalized) {
		if businessSuffixes[tok] {
			return true
		}
	}
	return false
}

// TokenCount returns the number of tokens in a normalized name.
func TokenCount(normalized string) int {
	return len(strings.Fields(normalized))
}
