package forms

import (
	"fmt"

	"subsidyflow/internal/subsidy"
)

const (
	DefaultMinForms         = 2
	DefaultMinFieldsPerForm = 3

	ReasonFormsNotFound      = "FORMS_NOT_FOUND"
	ReasonFieldsInsufficient = "FIELDS_INSUFFICIENT"
)

type GateResult struct {
	Valid   bool   `json:"valid"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// ValidateFormsResult decides whether an extraction produced usable
// structured forms. Callers must not write required_forms without it.
func ValidateFormsResult(forms []subsidy.Form, minForms, minFieldsPerForm int) GateResult {
	if minForms <= 0 {
		minForms = DefaultMinForms
	}
	if minFieldsPerForm <= 0 {
		minFieldsPerForm = DefaultMinFieldsPerForm
	}
	if len(forms) < minForms {
		return GateResult{
			Reason:  ReasonFormsNotFound,
			Message: fmt.Sprintf("found %d forms, need at least %d", len(forms), minForms),
		}
	}
	complete := 0
	for _, f := range forms {
		if len(f.Fields) >= minFieldsPerForm {
			complete++
		}
	}
	if complete < minForms {
		return GateResult{
			Reason:  ReasonFieldsInsufficient,
			Message: fmt.Sprintf("%d of %d forms have at least %d fields, need %d", complete, len(forms), minFieldsPerForm, minForms),
		}
	}
	return GateResult{Valid: true}
}

// CountFields sums the fields across forms.
func CountFields(forms []subsidy.Form) int {
	n := 0
	for _, f := range forms {
		n += len(f.Fields)
	}
	return n
}
