package gemini

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"subsidyflow/internal/subsidy"
)

const fieldsSchemaJSON = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "overview": {"type": "string"},
    "application_requirements": {"type": "array", "items": {"type": "string"}},
    "eligible_expenses": {"type": "array", "items": {"type": "string"}},
    "required_documents": {"type": "array", "items": {"type": "string"}},
    "deadline": {"type": "string", "pattern": "^([0-9]{4}-[0-9]{2}-[0-9]{2})?$"},
    "required_forms": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["name", "fields"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "form_id": {"type": "string"},
          "fields": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

var allowedKeys = map[string]bool{
	"overview":                 true,
	"application_requirements": true,
	"eligible_expenses":        true,
	"required_documents":       true,
	"deadline":                 true,
	"required_forms":           true,
}

// Schema is the compiled JSON schema for model output.
type Schema struct {
	schema *jsonschema.Schema
}

func CompileSchema() (*Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("fields.json", strings.NewReader(fieldsSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	s, err := compiler.Compile("fields.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{schema: s}, nil
}

type output struct {
	Overview                string         `json:"overview"`
	ApplicationRequirements []string       `json:"application_requirements"`
	EligibleExpenses        []string       `json:"eligible_expenses"`
	RequiredDocuments       []string       `json:"required_documents"`
	Deadline                string         `json:"deadline"`
	RequiredForms           []subsidy.Form `json:"required_forms"`
}

// Decode sanitizes raw model output, validates it and converts it into a
// patch. It returns the keys dropped during sanitizing.
func (s *Schema) Decode(raw []byte) (subsidy.Patch, []string, error) {
	clean, dropped, err := sanitize(raw)
	if err != nil {
		return subsidy.Patch{}, nil, err
	}

	var v interface{}
	if err := json.Unmarshal(clean, &v); err != nil {
		return subsidy.Patch{}, dropped, fmt.Errorf("unmarshal data: %w", err)
	}
	if err := s.schema.Validate(v); err != nil {
		return subsidy.Patch{}, dropped, fmt.Errorf("json does not match schema: %w", err)
	}

	var out output
	if err := json.Unmarshal(clean, &out); err != nil {
		return subsidy.Patch{}, dropped, fmt.Errorf("decode output: %w", err)
	}
	for i := range out.RequiredForms {
		if out.RequiredForms[i].Fields == nil {
			out.RequiredForms[i].Fields = []string{}
		}
	}
	return subsidy.Patch{
		Overview:                strings.TrimSpace(out.Overview),
		ApplicationRequirements: compact(out.ApplicationRequirements),
		EligibleExpenses:        compact(out.EligibleExpenses),
		RequiredDocuments:       compact(out.RequiredDocuments),
		Deadline:                out.Deadline,
		RequiredForms:           out.RequiredForms,
	}, dropped, nil
}

// sanitize drops nulls and unknown top-level keys, and strips a markdown
// code fence if the model wrapped its answer in one.
func sanitize(raw []byte) ([]byte, []string, error) {
	text := strings.TrimSpace(string(raw))
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}

	var m map[string]interface{}
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		return nil, nil, fmt.Errorf("sanitize: decode: %w", err)
	}
	var dropped []string
	for k, v := range m {
		switch {
		case !allowedKeys[k]:
			delete(m, k)
			dropped = append(dropped, k+"(unknown)")
		case v == nil:
			delete(m, k)
			dropped = append(dropped, k+"(null)")
		}
	}
	out, err := json.Marshal(m)
	return out, dropped, err
}

func compact(items []string) []string {
	var out []string
	for _, it := range items {
		if s := strings.TrimSpace(it); s != "" {
			out = append(out, s)
		}
	}
	return out
}
