package records

import (
	"fmt"
	"strings"
)

// Kind names one of the closed set of sub-entity types an activity carries.
type Kind string

const (
	KindOrganization        Kind = "organization"
	KindLocation            Kind = "location"
	KindTransaction         Kind = "transaction"
	KindSector              Kind = "sector"
	KindBudget              Kind = "budget"
	KindPlannedDisbursement Kind = "planned_disbursement"
	KindContact             Kind = "contact"
	KindTag                 Kind = "tag"
	KindResult              Kind = "result"
)

// Kinds lists every kind in apply order. Reference targets come first so a
// created organization or location exists before anything that points at it.
var Kinds = []Kind{
	KindOrganization,
	KindLocation,
	KindTransaction,
	KindSector,
	KindBudget,
	KindPlannedDisbursement,
	KindContact,
	KindTag,
	KindResult,
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Owned reports whether the activity owns the persisted set of this kind.
// Owned sets are pruned to match an imported document; organizations are
// shared reference targets and never pruned.
func (k Kind) Owned() bool {
	return k != KindOrganization
}

// ReferenceTarget reports whether other records may point at this kind.
func (k Kind) ReferenceTarget() bool {
	return k == KindOrganization || k == KindLocation
}

// Plural returns the human label used in report summaries.
func (k Kind) Plural() string {
	switch k {
	case KindPlannedDisbursement:
		return "planned disbursements"
	case KindOrganization:
		return "organizations"
	default:
		return string(k) + "s"
	}
}

// ParseKind parses a kind name, accepting hyphens and plural forms.
func ParseKind(value string) (Kind, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	v = strings.ReplaceAll(v, "-", "_")
	k := Kind(v)
	if k.Valid() {
		return k, nil
	}
	for _, known := range Kinds {
		if v == strings.ReplaceAll(known.Plural(), " ", "_") {
			return known, nil
		}
	}
	return "", fmt.Errorf("unknown record kind %q", value)
}
