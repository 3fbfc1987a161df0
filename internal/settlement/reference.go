package settlement

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// referenceRegex matches: MCP-{policyID}-{TRIGGER}-{YYYYMMDD}
// Example: MCP-3f0c5a7e-9a41-4d7b-8a8e-2f61f1f0b7c1-FLOODING-20260310
var referenceRegex = regexp.MustCompile(
	`^MCP-([0-9a-zA-Z-]+)-([A-Z_]+)-(\d{8})$`,
)

var (
	ErrInvalidReference = errors.New("settlement: invalid transfer reference")
)

// Reference identifies one payout attempt window for a policy and trigger.
// It is sent to the ledger as the idempotency key: a retry of a failed
// attempt on the same UTC day reuses it, so a ledger that deduplicates by
// key never pays twice.
type Reference struct {
	PolicyID string    `json:"policy_id"`
	Trigger  string    `json:"trigger"`
	Day      time.Time `json:"day"`
}

// NewReference builds the reference for a payout at ts.
func NewReference(policyID, trigger string, ts time.Time) Reference {
	y, m, d := ts.UTC().Date()
	return Reference{
		PolicyID: policyID,
		Trigger:  trigger,
		Day:      time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
	}
}

// String formats the reference: MCP-{policyID}-{TRIGGER}-{YYYYMMDD}.
func (r Reference) String() string {
	return fmt.Sprintf("MCP-%s-%s-%s", r.PolicyID, strings.ToUpper(r.Trigger), r.Day.Format("20060102"))
}

// ParseReference parses and validates a reference string.
func ParseReference(s string) (Reference, error) {
	matches := referenceRegex.FindStringSubmatch(s)
	if matches == nil {
		return Reference{}, fmt.Errorf("%w: %s (expected MCP-{policy}-{TRIGGER}-{YYYYMMDD})",
			ErrInvalidReference, s)
	}

	day, err := time.Parse("20060102", matches[3])
	if err != nil {
		return Reference{}, fmt.Errorf("%w: invalid date %s", ErrInvalidReference, matches[3])
	}

	return Reference{
		PolicyID: matches[1],
		Trigger:  strings.ToLower(matches[2]),
		Day:      day,
	}, nil
}
