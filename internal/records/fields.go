package records

import (
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// FieldsOf returns the canonical field map of a record. Values are trimmed,
// decimals are normalized and allocation lists are order-independent, so two
// records carrying the same data always produce equal maps.
func FieldsOf(r Record) Fields {
	f := make(Fields)
	switch v := r.(type) {
	case Transaction:
		f.set("ref", v.Ref)
		f.set("type", v.Type)
		f.set("date", v.Date)
		f.set("value_date", v.ValueDate)
		f.set("value", decimalString(v.Value))
		f.set("currency", strings.ToUpper(strings.TrimSpace(v.Currency)))
		f.set("description", v.Description)
		f.setOrg("provider", v.Provider)
		f.setOrg("receiver", v.Receiver)
		f.set("flow_type", v.FlowType)
		f.set("finance_type", v.FinanceType)
		f.set("tied_status", v.TiedStatus)
		f.set("disbursement_channel", v.DisbursementChannel)
		f.set("sectors", allocationString(v.Sectors))
		f.set("aid_types", allocationString(v.AidTypes))
		f.set("recipient_countries", allocationString(v.RecipientCountries))
		f.set("recipient_regions", allocationString(v.RecipientRegions))
	case Organization:
		f.set("ref", v.Ref)
		f.set("name", v.Name)
		f.set("acronym", v.Acronym)
		f.set("type", v.Type)
		f.set("role", v.Role)
	case Location:
		f.set("ref", v.Ref)
		f.set("name", v.Name)
		f.set("description", v.Description)
		f.set("type", v.Type)
		f.set("reach", v.Reach)
		f.set("exactness", v.Exactness)
		f.set("admin_code", v.AdminCode)
		f.set("latitude", floatString(v.Latitude))
		f.set("longitude", floatString(v.Longitude))
	case Sector:
		f.set("code", v.Code)
		f.set("vocabulary", v.Vocabulary)
		f.set("percentage", decimalString(v.Percentage))
		f.set("narrative", v.Narrative)
	case Budget:
		f.set("type", v.Type)
		f.set("status", v.Status)
		f.set("period_start", v.PeriodStart)
		f.set("period_end", v.PeriodEnd)
		f.set("value", decimalString(v.Value))
		f.set("currency", strings.ToUpper(strings.TrimSpace(v.Currency)))
		f.set("value_date", v.ValueDate)
	case PlannedDisbursement:
		f.set("type", v.Type)
		f.set("period_start", v.PeriodStart)
		f.set("period_end", v.PeriodEnd)
		f.set("value", decimalString(v.Value))
		f.set("currency", strings.ToUpper(strings.TrimSpace(v.Currency)))
		f.set("value_date", v.ValueDate)
		f.setOrg("provider", v.Provider)
		f.setOrg("receiver", v.Receiver)
	case Contact:
		f.set("type", v.Type)
		f.set("first_name", v.FirstName)
		f.set("last_name", v.LastName)
		f.set("email", strings.ToLower(strings.TrimSpace(v.Email)))
		f.set("telephone", v.Telephone)
		f.set("organisation", v.Organisation)
		f.set("department", v.Department)
		f.set("job_title", v.JobTitle)
		f.set("website", v.Website)
		f.set("mailing_address", v.MailingAddress)
	case Tag:
		f.set("code", v.Code)
		f.set("vocabulary", v.Vocabulary)
		f.set("vocabulary_uri", v.VocabularyURI)
		f.set("narrative", v.Narrative)
	case Result:
		f.set("ref", v.Ref)
		f.set("type", v.Type)
		f.set("title", v.Title)
		f.set("description", v.Description)
		if v.Aggregation {
			f.set("aggregation", "true")
		}
	}
	return f
}

func (f Fields) set(key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		f[key] = value
	}
}

func (f Fields) setOrg(prefix string, ref *OrgRef) {
	if ref.Empty() {
		return
	}
	f.set(prefix+"_ref", ref.Ref)
	f.set(prefix+"_name", ref.Name)
	f.set(prefix+"_acronym", ref.Acronym)
}

func decimalString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}

func floatString(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func allocationString(items []Allocation) string {
	if len(items) == 0 {
		return ""
	}
	parts := make([]string, 0, len(items))
	for _, a := range items {
		part := strings.TrimSpace(a.Vocabulary) + ":" + strings.TrimSpace(a.Code)
		if a.Percentage != nil {
			part += "=" + a.Percentage.String()
		}
		parts = append(parts, part)
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}
