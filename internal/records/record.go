package records

import "github.com/shopspring/decimal"

// Record is one typed element of an import document. The set of
// implementations is closed: every stage switches over exactly these nine.
type Record interface {
	Kind() Kind
	sealed()
}

// Allocation is one member of a percentage-bearing sub-group.
type Allocation struct {
	Code       string           `json:"code"`
	Vocabulary string           `json:"vocabulary,omitempty"`
	Percentage *decimal.Decimal `json:"percentage,omitempty"`
}

// OrgRef is a cross-reference to an organization carried by another record.
type OrgRef struct {
	Ref     string `json:"ref,omitempty"`
	Name    string `json:"name,omitempty"`
	Acronym string `json:"acronym,omitempty"`
	Type    string `json:"type,omitempty"`
}

// Empty reports whether the reference carries nothing to resolve.
func (r *OrgRef) Empty() bool {
	return r == nil || (r.Ref == "" && r.Name == "" && r.Acronym == "")
}

// LocationRef is a cross-reference to a location carried by another record.
type LocationRef struct {
	Ref       string   `json:"ref,omitempty"`
	Name      string   `json:"name,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// Empty reports whether the reference carries nothing to resolve.
func (r *LocationRef) Empty() bool {
	return r == nil || (r.Ref == "" && r.Name == "" && (r.Latitude == nil || r.Longitude == nil))
}

// Transaction is a financial flow reported against the activity.
type Transaction struct {
	Ref                 string           `json:"ref,omitempty"`
	Type                string           `json:"type" validate:"required,oneof=1 2 3 4 5 6 7 8 9 10 11 12 13"`
	Date                string           `json:"date" validate:"required,datetime=2006-01-02"`
	ValueDate           string           `json:"value_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Value               *decimal.Decimal `json:"value" validate:"required"`
	Currency            string           `json:"currency" validate:"required,iso4217"`
	Description         string           `json:"description,omitempty"`
	Provider            *OrgRef          `json:"provider,omitempty"`
	Receiver            *OrgRef          `json:"receiver,omitempty"`
	FlowType            string           `json:"flow_type,omitempty"`
	FinanceType         string           `json:"finance_type,omitempty"`
	TiedStatus          string           `json:"tied_status,omitempty" validate:"omitempty,oneof=3 4 5"`
	DisbursementChannel string           `json:"disbursement_channel,omitempty" validate:"omitempty,oneof=1 2 3 4"`
	Sectors             []Allocation     `json:"sectors,omitempty"`
	AidTypes            []Allocation     `json:"aid_types,omitempty"`
	RecipientCountries  []Allocation     `json:"recipient_countries,omitempty"`
	RecipientRegions    []Allocation     `json:"recipient_regions,omitempty"`
}

// Organization is a participating organization and its role in the activity.
type Organization struct {
	Ref     string `json:"ref,omitempty"`
	Name    string `json:"name,omitempty"`
	Acronym string `json:"acronym,omitempty"`
	Type    string `json:"type,omitempty"`
	Role    string `json:"role,omitempty" validate:"omitempty,oneof=1 2 3 4"`
}

// Location is a place the activity operates in.
type Location struct {
	Ref         string   `json:"ref,omitempty"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Type        string   `json:"type,omitempty" validate:"omitempty,oneof=management implementation impact"`
	Reach       string   `json:"reach,omitempty" validate:"omitempty,oneof=1 2"`
	Exactness   string   `json:"exactness,omitempty" validate:"omitempty,oneof=1 2"`
	AdminCode   string   `json:"admin_code,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty" validate:"omitempty,latitude"`
	Longitude   *float64 `json:"longitude,omitempty" validate:"omitempty,longitude"`
}

// Sector is one sector allocation of the activity.
type Sector struct {
	Code       string           `json:"code" validate:"required"`
	Vocabulary string           `json:"vocabulary,omitempty"`
	Percentage *decimal.Decimal `json:"percentage,omitempty"`
	Narrative  string           `json:"narrative,omitempty"`
}

// Budget is a budgeted value for one reporting period.
type Budget struct {
	Type        string           `json:"type" validate:"required,oneof=1 2"`
	Status      string           `json:"status" validate:"required,oneof=1 2"`
	PeriodStart string           `json:"period_start" validate:"required,datetime=2006-01-02"`
	PeriodEnd   string           `json:"period_end" validate:"required,datetime=2006-01-02"`
	Value       *decimal.Decimal `json:"value" validate:"required"`
	Currency    string           `json:"currency,omitempty" validate:"omitempty,iso4217"`
	ValueDate   string           `json:"value_date" validate:"required,datetime=2006-01-02"`
}

// PlannedDisbursement is a forecast payment for one period.
type PlannedDisbursement struct {
	Type        string           `json:"type,omitempty" validate:"omitempty,oneof=1 2"`
	PeriodStart string           `json:"period_start" validate:"required,datetime=2006-01-02"`
	PeriodEnd   string           `json:"period_end" validate:"required,datetime=2006-01-02"`
	Value       *decimal.Decimal `json:"value" validate:"required"`
	Currency    string           `json:"currency,omitempty" validate:"omitempty,iso4217"`
	ValueDate   string           `json:"value_date" validate:"required,datetime=2006-01-02"`
	Provider    *OrgRef          `json:"provider,omitempty"`
	Receiver    *OrgRef          `json:"receiver,omitempty"`
}

// NotSpecified is stored for a contact job title the document leaves out.
const NotSpecified = "Not specified"

// Contact is a point of contact for the activity.
type Contact struct {
	Type           string `json:"type" validate:"required,oneof=1 2 3 4"`
	FirstName      string `json:"first_name,omitempty"`
	LastName       string `json:"last_name,omitempty"`
	PersonName     string `json:"person_name,omitempty"`
	Email          string `json:"email,omitempty" validate:"omitempty,email"`
	Telephone      string `json:"telephone,omitempty"`
	Organisation   string `json:"organisation,omitempty"`
	Department     string `json:"department,omitempty"`
	JobTitle       string `json:"job_title,omitempty"`
	Website        string `json:"website,omitempty" validate:"omitempty,url"`
	MailingAddress string `json:"mailing_address,omitempty"`
}

// Tag is a vocabulary-coded label attached to the activity.
type Tag struct {
	Code          string `json:"code" validate:"required"`
	Vocabulary    string `json:"vocabulary,omitempty"`
	VocabularyURI string `json:"vocabulary_uri,omitempty" validate:"omitempty,url"`
	Narrative     string `json:"narrative,omitempty"`
}

// Result is a reported outcome of the activity.
type Result struct {
	Ref         string        `json:"ref,omitempty"`
	Type        string        `json:"type" validate:"required,oneof=1 2 3 9"`
	Title       string        `json:"title" validate:"required"`
	Description string        `json:"description,omitempty"`
	Aggregation bool          `json:"aggregation,omitempty"`
	Locations   []LocationRef `json:"locations,omitempty"`
}

func (Transaction) Kind() Kind         { return KindTransaction }
func (Organization) Kind() Kind        { return KindOrganization }
func (Location) Kind() Kind            { return KindLocation }
func (Sector) Kind() Kind              { return KindSector }
func (Budget) Kind() Kind              { return KindBudget }
func (PlannedDisbursement) Kind() Kind { return KindPlannedDisbursement }
func (Contact) Kind() Kind             { return KindContact }
func (Tag) Kind() Kind                 { return KindTag }
func (Result) Kind() Kind              { return KindResult }

func (Transaction) sealed()         {}
func (Organization) sealed()        {}
func (Location) sealed()            {}
func (Sector) sealed()              {}
func (Budget) sealed()              {}
func (PlannedDisbursement) sealed() {}
func (Contact) sealed()             {}
func (Tag) sealed()                 {}
func (Result) sealed()              {}

// New returns the zero record for a kind.
func New(k Kind) (Record, bool) {
	switch k {
	case KindTransaction:
		return Transaction{}, true
	case KindOrganization:
		return Organization{}, true
	case KindLocation:
		return Location{}, true
	case KindSector:
		return Sector{}, true
	case KindBudget:
		return Budget{}, true
	case KindPlannedDisbursement:
		return PlannedDisbursement{}, true
	case KindContact:
		return Contact{}, true
	case KindTag:
		return Tag{}, true
	case KindResult:
		return Result{}, true
	}
	return nil, false
}
