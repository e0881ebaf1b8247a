package subsidy

import "strings"

// Patch is a partial update produced by an extractor. Empty fields mean
// "nothing found" and never clear data on the target record.
type Patch struct {
	Overview                string
	Description             string
	ApplicationRequirements []string
	EligibleExpenses        []string
	RequiredDocuments       []string
	Deadline                string
	RequiredForms           []Form
}

// Empty reports whether the patch carries no field at all.
func (p Patch) Empty() bool {
	return p.Overview == "" && p.Description == "" && len(p.ApplicationRequirements) == 0 &&
		len(p.EligibleExpenses) == 0 && len(p.RequiredDocuments) == 0 && p.Deadline == "" &&
		len(p.RequiredForms) == 0
}

func mergeString(dst *string, v string) bool {
	if strings.TrimSpace(*dst) != "" || strings.TrimSpace(v) == "" {
		return false
	}
	*dst = v
	return true
}

func mergeList(dst *[]string, v []string) bool {
	if len(*dst) > 0 || len(v) == 0 {
		return false
	}
	*dst = append([]string(nil), v...)
	return true
}

// MergeIfEmpty copies each non-empty patch field into d only where d's
// field is empty. RequiredForms is ignored here, see OverwriteFormsIfGatePassed.
// It returns the names of the fields that were written.
func MergeIfEmpty(d *Detail, p Patch) []string {
	var updated []string
	if mergeString(&d.Overview, p.Overview) {
		updated = append(updated, "overview")
	}
	if mergeString(&d.Description, p.Description) {
		updated = append(updated, "description")
	}
	if mergeList(&d.ApplicationRequirements, p.ApplicationRequirements) {
		updated = append(updated, "application_requirements")
	}
	if mergeList(&d.EligibleExpenses, p.EligibleExpenses) {
		updated = append(updated, "eligible_expenses")
	}
	if mergeList(&d.RequiredDocuments, p.RequiredDocuments) {
		updated = append(updated, "required_documents")
	}
	if d.AcceptanceEndDatetime == "" && mergeString(&d.Deadline, p.Deadline) {
		updated = append(updated, "deadline")
	}
	return updated
}

// OverwriteFormsIfGatePassed replaces RequiredForms only when the quality
// gate accepted the new forms.
func OverwriteFormsIfGatePassed(d *Detail, forms []Form, gatePassed bool) bool {
	if !gatePassed || len(forms) == 0 {
		return false
	}
	d.RequiredForms = append([]Form(nil), forms...)
	return true
}

// Merge applies p to a copy of existing and returns the merged record with
// the list of fields written.
func Merge(existing Detail, p Patch, gatePassed bool) (Detail, []string) {
	merged := existing
	merged.ApplicationRequirements = append([]string(nil), existing.ApplicationRequirements...)
	merged.EligibleExpenses = append([]string(nil), existing.EligibleExpenses...)
	merged.RequiredDocuments = append([]string(nil), existing.RequiredDocuments...)
	merged.RequiredForms = append([]Form(nil), existing.RequiredForms...)
	merged.PDFHashes = append([]string(nil), existing.PDFHashes...)

	updated := MergeIfEmpty(&merged, p)
	if OverwriteFormsIfGatePassed(&merged, p.RequiredForms, gatePassed) {
		updated = append(updated, "required_forms")
	}
	return merged, updated
}
