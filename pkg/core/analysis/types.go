// Package analysis holds the contract analysis pipeline's structured output
// schemas and the concrete LLM nodes that produce them.
package analysis

// Party is one contracting party as written in the contract particulars.
type Party struct {
	Name    string `json:"name" required:"true" desc:"Full legal name of the party"`
	Role    string `json:"role" desc:"vendor, purchaser, guarantor, etc."`
	Address string `json:"address" desc:"Address as stated in the contract"`
	ACN     string `json:"acn" desc:"ACN/ABN when the party is a company"`
}

// ContractEntities is the step-1 extraction: parties, property and key
// commercial terms.
type ContractEntities struct {
	Vendor            *Party   `json:"vendor" required:"true" desc:"Selling party"`
	Purchaser         *Party   `json:"purchaser" required:"true" desc:"Buying party"`
	PropertyAddress   string   `json:"property_address" required:"true" desc:"Full address of the property being sold"`
	TitleReference    string   `json:"title_reference" desc:"Lot/plan or folio identifier"`
	PurchasePrice     float64  `json:"purchase_price" desc:"Purchase price in AUD"`
	DepositAmount     float64  `json:"deposit_amount" desc:"Deposit in AUD"`
	SettlementDate    string   `json:"settlement_date" desc:"Settlement date, ISO8601 when determinable"`
	CoolingOffPeriod  string   `json:"cooling_off_period" desc:"Cooling-off period as stated, empty if waived"`
	VendorSolicitor   string   `json:"vendor_solicitor" desc:"Vendor's legal representative"`
	PurchaserAgent    string   `json:"purchaser_agent" desc:"Selling agent, if named"`
	Inclusions        []string `json:"inclusions" desc:"Chattels included in the sale"`
	Exclusions        []string `json:"exclusions" desc:"Fixtures excluded from the sale"`
	SpecialConditions []string `json:"special_conditions" desc:"Titles of special conditions annexed to the contract"`
}

// ContractSection is one analyzed clause or section of the contract.
type ContractSection struct {
	Title     string   `json:"title" required:"true" desc:"Section or clause heading"`
	Summary   string   `json:"summary" required:"true" desc:"Plain-language summary of the section"`
	RiskFlags []string `json:"risk_flags" desc:"Concerns a conveyancer would flag in this section"`
	ClauseRef string   `json:"clause_ref" desc:"Clause number or annexure reference"`
}

// SectionAnalysis is the step-2 per-section breakdown.
type SectionAnalysis struct {
	Sections        []ContractSection `json:"sections" required:"true" desc:"Per-section analysis in document order"`
	UnusualSections []string          `json:"unusual_sections" desc:"Sections deviating from the standard form contract"`
}

// Risk is a single identified risk.
type Risk struct {
	Title       string `json:"title" required:"true" desc:"Short name of the risk"`
	Severity    string `json:"severity" required:"true" desc:"low, medium, high or critical"`
	ClauseRef   string `json:"clause_ref" desc:"Clause giving rise to the risk"`
	Explanation string `json:"explanation" required:"true" desc:"Why this matters to the purchaser"`
	Mitigation  string `json:"mitigation" desc:"How the purchaser can mitigate before exchange"`
}

// RiskAssessment is the step-3 output.
type RiskAssessment struct {
	Risks            []Risk  `json:"risks" required:"true" desc:"Identified risks ordered by severity"`
	OverallRiskLevel string  `json:"overall_risk_level" required:"true" desc:"low, medium, high or critical"`
	OverallRiskScore float64 `json:"overall_risk_score" desc:"0-10 aggregate risk score"`
	Summary          string  `json:"summary" desc:"One-paragraph risk summary"`
}

// ComplianceItem is one statutory requirement check.
type ComplianceItem struct {
	Requirement string `json:"requirement" required:"true" desc:"Statutory requirement being checked"`
	Status      string `json:"status" required:"true" desc:"satisfied, missing, unclear or not_applicable"`
	Reference   string `json:"reference" desc:"Act and section imposing the requirement"`
	Details     string `json:"details" desc:"What was found in the contract"`
}

// ComplianceCheck is the step-4 state-law compliance review.
type ComplianceCheck struct {
	State     string           `json:"state" required:"true" desc:"Australian state or territory the check was run against"`
	Items     []ComplianceItem `json:"items" required:"true" desc:"Individual requirement checks"`
	Compliant bool             `json:"compliant" desc:"True when no item is missing"`
	Notes     string           `json:"notes" desc:"Caveats about the compliance review"`
}

// Recommendation is one actionable item for the purchaser.
type Recommendation struct {
	Priority  string `json:"priority" required:"true" desc:"immediate, before_exchange or before_settlement"`
	Action    string `json:"action" required:"true" desc:"What the purchaser should do"`
	Rationale string `json:"rationale" desc:"Why, referencing the underlying finding"`
}

// Recommendations is the step-5 output.
type Recommendations struct {
	Items   []Recommendation `json:"items" required:"true" desc:"Actionable recommendations ordered by priority"`
	Summary string           `json:"summary" required:"true" desc:"Overall guidance in two or three sentences"`
}
