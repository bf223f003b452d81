package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Napageneral/iatimport/internal/contacts"
	"github.com/Napageneral/iatimport/internal/orgtype"
	"github.com/Napageneral/iatimport/internal/records"
)

const dateLayout = "2006-01-02"

var (
	hundred   = decimal.NewFromInt(100)
	tolerance = decimal.RequireFromString("0.01")

	dac5Code   = regexp.MustCompile(`^[0-9]{5}$`)
	dac3Code   = regexp.MustCompile(`^[0-9]{3}$`)
	customCode = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	sdgTarget  = regexp.MustCompile(`^[0-9]{1,2}\.[0-9a-z]{1,2}$`)
)

// SectorVocabulary is the code scheme a sector code is written in.
type SectorVocabulary string

const (
	VocabularyDAC5   SectorVocabulary = "DAC-5"
	VocabularyDAC3   SectorVocabulary = "DAC-3"
	VocabularyCustom SectorVocabulary = "custom"
)

// ParseSectorVocabulary maps a declared vocabulary, including the IATI
// numeric codes, onto a code scheme. An empty vocabulary means DAC-5.
func ParseSectorVocabulary(vocab string) (SectorVocabulary, bool) {
	switch strings.ToLower(strings.TrimSpace(vocab)) {
	case "", "dac-5", "dac5", "1":
		return VocabularyDAC5, true
	case "dac-3", "dac3", "2":
		return VocabularyDAC3, true
	case "custom", "98", "99":
		return VocabularyCustom, true
	}
	return "", false
}

// CheckSectorCode verifies a code against the pattern its vocabulary gates.
func CheckSectorCode(code, vocab string) error {
	scheme, ok := ParseSectorVocabulary(vocab)
	if !ok {
		return fmt.Errorf("unknown sector vocabulary %q", vocab)
	}
	code = strings.TrimSpace(code)
	switch scheme {
	case VocabularyDAC3:
		if !dac3Code.MatchString(code) {
			return fmt.Errorf("code %q must be exactly 3 digits for vocabulary DAC-3", code)
		}
	case VocabularyCustom:
		if !customCode.MatchString(code) {
			return fmt.Errorf("code %q may only contain letters, digits, '-' and '_'", code)
		}
	default:
		if !dac5Code.MatchString(code) {
			return fmt.Errorf("code %q must be exactly 5 digits for vocabulary DAC-5", code)
		}
	}
	return nil
}

// CheckPercentages verifies a percentage-bearing group. An empty group
// passes; a lone item without a percentage counts as 100.
func CheckPercentages(values []*decimal.Decimal) error {
	if len(values) == 0 {
		return nil
	}
	if len(values) == 1 && values[0] == nil {
		return nil
	}
	sum := decimal.Zero
	for _, v := range values {
		if v == nil {
			return fmt.Errorf("percentage is required when the group has %d items", len(values))
		}
		if v.IsNegative() || v.GreaterThan(hundred.Add(tolerance)) {
			return fmt.Errorf("percentage %s must be between 0 and 100", v.String())
		}
		sum = sum.Add(*v)
	}
	if sum.Sub(hundred).Abs().GreaterThan(tolerance) {
		return fmt.Errorf("percentages sum to %s, not 100", sum.String())
	}
	return nil
}

func allocationPercentages(items []records.Allocation) []*decimal.Decimal {
	out := make([]*decimal.Decimal, len(items))
	for i := range items {
		out[i] = items[i].Percentage
	}
	return out
}

func checkTransaction(c *checker, t records.Transaction) {
	checkNonNegative(c, "value", t.Value)

	for i, a := range t.Sectors {
		if err := CheckSectorCode(a.Code, a.Vocabulary); err != nil {
			c.fail(fmt.Sprintf("sectors[%d].code", i), err.Error())
		}
	}
	checkAllocationGroups(c, "sectors", t.Sectors)
	if err := CheckPercentages(allocationPercentages(t.AidTypes)); err != nil {
		c.fail("aid_types", err.Error())
	}
	for i, a := range t.AidTypes {
		if strings.TrimSpace(a.Code) == "" {
			c.fail(fmt.Sprintf("aid_types[%d].code", i), "is required")
		}
	}

	if len(t.RecipientCountries) > 0 && len(t.RecipientRegions) > 0 {
		c.fail("recipient_countries", "recipient countries and recipient regions are mutually exclusive (countries XOR regions)")
	}
	for i, a := range t.RecipientCountries {
		if len(strings.TrimSpace(a.Code)) != 2 {
			c.fail(fmt.Sprintf("recipient_countries[%d].code", i), "must be an ISO 3166-1 alpha-2 code")
		}
	}
	for i, a := range t.RecipientRegions {
		if strings.TrimSpace(a.Code) == "" {
			c.fail(fmt.Sprintf("recipient_regions[%d].code", i), "is required")
		}
	}
	checkOrgRef(c, "provider", t.Provider)
	checkOrgRef(c, "receiver", t.Receiver)
}

// checkAllocationGroups applies the sum rule per vocabulary.
func checkAllocationGroups(c *checker, field string, items []records.Allocation) {
	byVocab := make(map[SectorVocabulary][]*decimal.Decimal)
	var order []SectorVocabulary
	for _, a := range items {
		scheme, ok := ParseSectorVocabulary(a.Vocabulary)
		if !ok {
			continue
		}
		if _, seen := byVocab[scheme]; !seen {
			order = append(order, scheme)
		}
		byVocab[scheme] = append(byVocab[scheme], a.Percentage)
	}
	for _, scheme := range order {
		if err := CheckPercentages(byVocab[scheme]); err != nil {
			c.fail(field, err.Error())
		}
	}
}

func checkOrgRef(c *checker, field string, ref *records.OrgRef) {
	if ref == nil {
		return
	}
	if ref.Empty() {
		c.fail(field, "organization reference needs a ref or a name")
	}
	if ref.Type != "" && !orgtype.Known(ref.Type) {
		c.fail(field+".type", fmt.Sprintf("unknown organisation type %q", ref.Type))
	}
}

func checkOrganization(c *checker, o records.Organization) {
	if strings.TrimSpace(o.Ref) == "" && strings.TrimSpace(o.Name) == "" && strings.TrimSpace(o.Acronym) == "" {
		c.fail("ref", "an organization needs a ref, a name or an acronym")
	}
	if o.Type != "" && !orgtype.Known(o.Type) {
		c.fail("type", fmt.Sprintf("unknown organisation type %q", o.Type))
	}
}

func checkLocation(c *checker, l records.Location) {
	hasCoords := l.Latitude != nil && l.Longitude != nil
	if (l.Latitude == nil) != (l.Longitude == nil) {
		c.fail("latitude", "latitude and longitude must be given together")
	}
	if strings.TrimSpace(l.Ref) == "" && strings.TrimSpace(l.Name) == "" && !hasCoords {
		c.fail("ref", "a location needs a ref, a name or coordinates")
	}
}

func checkSector(c *checker, s records.Sector, siblings []records.ImportRecord) {
	if strings.TrimSpace(s.Code) != "" {
		if err := CheckSectorCode(s.Code, s.Vocabulary); err != nil {
			c.fail("code", err.Error())
		}
	}
	scheme, ok := ParseSectorVocabulary(s.Vocabulary)
	if !ok {
		return
	}
	var group []*decimal.Decimal
	for _, sib := range siblings {
		other, isSector := sib.Record.(records.Sector)
		if !isSector {
			continue
		}
		if otherScheme, ok := ParseSectorVocabulary(other.Vocabulary); ok && otherScheme == scheme {
			group = append(group, other.Percentage)
		}
	}
	if len(group) == 0 {
		group = []*decimal.Decimal{s.Percentage}
	}
	if err := CheckPercentages(group); err != nil {
		c.fail("percentage", err.Error())
	}
}

func checkNonNegative(c *checker, field string, v *decimal.Decimal) {
	if v != nil && v.IsNegative() {
		c.fail(field, fmt.Sprintf("must not be negative (got %s)", v.String()))
	}
}

// checkPeriod enforces start < end and a span of at most one year.
func checkPeriod(c *checker, start, end string) {
	if c.has("period_start") || c.has("period_end") {
		return
	}
	s, err := time.Parse(dateLayout, strings.TrimSpace(start))
	if err != nil {
		return
	}
	e, err := time.Parse(dateLayout, strings.TrimSpace(end))
	if err != nil {
		return
	}
	if !s.Before(e) {
		c.fail("period_end", "period end must be after period start")
		return
	}
	if e.After(s.AddDate(1, 0, 0)) {
		c.fail("period_end", "period must not be longer than one year")
	}
}

func normalizeContact(ct records.Contact) records.Contact {
	return contacts.Normalize(ct)
}

func checkContact(c *checker, ct records.Contact) {
	if ct.FirstName == "" {
		c.fail("first_name", "is required (or derivable from person_name)")
	}
	if ct.LastName == "" {
		c.fail("last_name", "is required (or derivable from person_name)")
	}
}

func checkTag(c *checker, t records.Tag) {
	code := strings.TrimSpace(t.Code)
	switch strings.TrimSpace(t.Vocabulary) {
	case "2":
		n, err := strconv.Atoi(code)
		if err != nil || n < 1 || n > 17 {
			c.fail("code", fmt.Sprintf("SDG goal %q must be a number from 1 to 17", code))
		}
	case "3":
		if !sdgTarget.MatchString(code) {
			c.fail("code", fmt.Sprintf("SDG target %q must look like 1.a or 16.10", code))
		}
	case "99":
		if strings.TrimSpace(t.VocabularyURI) == "" && strings.TrimSpace(t.Narrative) == "" {
			c.fail("vocabulary_uri", "a reporting-organisation tag needs a vocabulary URI or a narrative")
		}
	}
}

func checkResult(c *checker, r records.Result) {
	for i, loc := range r.Locations {
		if loc.Empty() {
			c.fail(fmt.Sprintf("locations[%d]", i), "location reference needs a ref, a name or coordinates")
		}
	}
}
