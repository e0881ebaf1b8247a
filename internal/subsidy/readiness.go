package subsidy

import "strings"

// Required fields, in the order they are reported as missing.
const (
	FieldOverview                = "overview"
	FieldApplicationRequirements = "application_requirements"
	FieldEligibleExpenses        = "eligible_expenses"
	FieldRequiredDocuments       = "required_documents"
	FieldDeadline                = "deadline"
)

type Readiness struct {
	Ready   bool     `json:"ready"`
	Missing []string `json:"missing"`
}

// Evaluate decides whether d has enough structured data for the assistant.
// Overview may be satisfied by description and deadline by
// acceptance_end_datetime.
func Evaluate(d Detail) Readiness {
	missing := []string{}
	if blank(d.Overview) && blank(d.Description) {
		missing = append(missing, FieldOverview)
	}
	if len(d.ApplicationRequirements) == 0 {
		missing = append(missing, FieldApplicationRequirements)
	}
	if len(d.EligibleExpenses) == 0 {
		missing = append(missing, FieldEligibleExpenses)
	}
	if len(d.RequiredDocuments) == 0 {
		missing = append(missing, FieldRequiredDocuments)
	}
	if blank(d.Deadline) && blank(d.AcceptanceEndDatetime) {
		missing = append(missing, FieldDeadline)
	}
	return Readiness{Ready: len(missing) == 0, Missing: missing}
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}
