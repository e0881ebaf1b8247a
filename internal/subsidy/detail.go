package subsidy

import (
	"encoding/json"
	"time"
)

// MaxPDFHashes bounds Detail.PDFHashes to the most recent entries.
const MaxPDFHashes = 10

type Form struct {
	Name   string   `json:"name"`
	FormID string   `json:"form_id,omitempty"`
	Fields []string `json:"fields"`
}

// Detail is the typed view of a subsidy's detail_json document. Keys the
// pipeline does not know about are kept in Extra and written back untouched.
type Detail struct {
	Overview                string     `json:"overview,omitempty"`
	Description             string     `json:"description,omitempty"`
	ApplicationRequirements []string   `json:"application_requirements,omitempty"`
	EligibleExpenses        []string   `json:"eligible_expenses,omitempty"`
	RequiredDocuments       []string   `json:"required_documents,omitempty"`
	RequiredForms           []Form     `json:"required_forms,omitempty"`
	Deadline                string     `json:"deadline,omitempty"`
	AcceptanceEndDatetime   string     `json:"acceptance_end_datetime,omitempty"`
	PDFURLs                 []string   `json:"pdf_urls,omitempty"`
	DetailURL               string     `json:"detailUrl,omitempty"`
	PDFHashes               []string   `json:"pdf_hashes,omitempty"`
	LastExtractedFrom       string     `json:"last_extracted_from,omitempty"`
	LastExtractedAt         *time.Time `json:"last_extracted_at,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var knownKeys = []string{
	"overview", "description", "application_requirements", "eligible_expenses",
	"required_documents", "required_forms", "deadline", "acceptance_end_datetime",
	"pdf_urls", "detailUrl", "pdf_hashes", "last_extracted_from", "last_extracted_at",
}

type detailAlias Detail

func (d *Detail) UnmarshalJSON(b []byte) error {
	var a detailAlias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for _, k := range knownKeys {
		delete(raw, k)
	}
	if len(raw) > 0 {
		a.Extra = raw
	}
	*d = Detail(a)
	return nil
}

func (d Detail) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(detailAlias(d))
	if err != nil {
		return nil, err
	}
	if len(d.Extra) == 0 {
		return b, nil
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	for k, v := range d.Extra {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return json.Marshal(out)
}

// CandidateURL reports whether the record has anything to fetch.
func (d Detail) CandidateURL() bool {
	return d.DetailURL != "" || len(d.PDFURLs) > 0
}

// AppendPDFHash records hash, keeping only the last MaxPDFHashes distinct entries.
func (d *Detail) AppendPDFHash(hash string) {
	if hash == "" {
		return
	}
	kept := make([]string, 0, len(d.PDFHashes)+1)
	for _, h := range d.PDFHashes {
		if h != hash {
			kept = append(kept, h)
		}
	}
	kept = append(kept, hash)
	if len(kept) > MaxPDFHashes {
		kept = kept[len(kept)-MaxPDFHashes:]
	}
	d.PDFHashes = kept
}
