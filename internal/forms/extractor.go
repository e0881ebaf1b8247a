package forms

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/width"

	"subsidyflow/internal/subsidy"
)

const (
	lookaheadLines     = 40
	fallbackFieldCount = 5
	maxFieldsPerForm   = 30
	maxNameRunes       = 120
	maxFieldRunes      = 200
	maxCandidateRunes  = 120
	looseWindowLines   = 10
	maxLooseForms      = 10
)

// ExtractRequiredFormsFromText finds "required form" structures in free text.
func ExtractRequiredFormsFromText(text string) []subsidy.Form {
	return ScanLines(NormalizeLines(text))
}

// NormalizeLines splits text into trimmed, whitespace-collapsed, non-empty lines.
func NormalizeLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	raw := strings.Split(text, "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimSpace(spaceRun.ReplaceAllString(l, " "))
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// ScanLines is the pure scan behind ExtractRequiredFormsFromText.
func ScanLines(lines []string) []subsidy.Form {
	var out formSet
	for i, line := range lines {
		id, ok := matchCandidate(line)
		if !ok {
			continue
		}
		out.add(subsidy.Form{
			Name:   formName(line),
			FormID: id,
			Fields: collectFields(lines, i+1),
		})
	}
	if len(out.forms) == 0 {
		return loosePass(lines)
	}
	return out.forms
}

// matchCandidate reports whether line names a form, returning its identifier if any.
func matchCandidate(line string) (string, bool) {
	for _, p := range formIDPatterns {
		if m := p.re.FindString(line); m != "" {
			return normalizeID(m), true
		}
	}
	if utf8.RuneCountInString(line) > maxCandidateRunes {
		return "", false
	}
	lower := strings.ToLower(line)
	if containsAny(lower, contextKeywords) && containsAny(lower, formMarkerTokens) {
		return "", true
	}
	return "", false
}

func collectFields(lines []string, start int) []string {
	end := start + lookaheadLines
	if end > len(lines) {
		end = len(lines)
	}
	for j := start; j < end; j++ {
		if _, ok := matchCandidate(lines[j]); ok {
			end = j
			break
		}
	}
	window := lines[start:end]

	for h, line := range window {
		if !isFieldsHeading(line) {
			continue
		}
		var fields []string
		for _, l := range window[h+1:] {
			item, ok := bulletText(l)
			if !ok {
				if len(fields) > 0 {
					break
				}
				continue
			}
			fields = append(fields, item)
			if len(fields) == maxFieldsPerForm {
				break
			}
		}
		if len(fields) > 0 {
			return fields
		}
	}

	var fields []string
	for _, l := range window {
		if item, ok := bulletText(l); ok {
			fields = append(fields, item)
			if len(fields) == fallbackFieldCount {
				break
			}
		}
	}
	return fields
}

func loosePass(lines []string) []subsidy.Form {
	var out formSet
	for i, line := range lines {
		if utf8.RuneCountInString(line) > maxCandidateRunes || !containsAny(strings.ToLower(line), documentKeywords) {
			continue
		}
		end := i + 1 + looseWindowLines
		if end > len(lines) {
			end = len(lines)
		}
		var fields []string
		for _, l := range lines[i+1 : end] {
			if containsAny(strings.ToLower(l), documentKeywords) {
				break
			}
			if item, ok := bulletText(l); ok {
				fields = append(fields, item)
			}
		}
		out.add(subsidy.Form{Name: formName(line), Fields: fields})
		if len(out.forms) == maxLooseForms {
			break
		}
	}
	return out.forms
}

type formSet struct {
	forms []subsidy.Form
	index map[string]int
}

// add dedups by form_id or normalized name; a later duplicate only
// contributes its fields when it found more of them.
func (s *formSet) add(f subsidy.Form) {
	key := normalizeName(f.FormID)
	if key == "" {
		key = normalizeName(f.Name)
	}
	if key == "" {
		return
	}
	if s.index == nil {
		s.index = map[string]int{}
	}
	if i, ok := s.index[key]; ok {
		if len(f.Fields) > len(s.forms[i].Fields) {
			s.forms[i].Fields = f.Fields
		}
		return
	}
	if f.Fields == nil {
		f.Fields = []string{}
	}
	s.index[key] = len(s.forms)
	s.forms = append(s.forms, f)
}

func isFieldsHeading(line string) bool {
	for _, p := range fieldsHeadingPatterns {
		if p.re.MatchString(line) {
			return true
		}
	}
	return false
}

func bulletText(line string) (string, bool) {
	m := BulletPattern.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	item := strings.TrimSpace(strings.TrimRight(m[1], "：:、,。."))
	if item == "" {
		return "", false
	}
	return truncateRunes(item, maxFieldRunes), true
}

func formName(line string) string {
	name := line
	if item, ok := bulletText(line); ok {
		name = item
	}
	name = strings.Trim(name, "【】[] 　")
	return truncateRunes(strings.TrimSpace(name), maxNameRunes)
}

func normalizeID(id string) string {
	return strings.Join(strings.Fields(width.Narrow.String(id)), " ")
}

func normalizeName(name string) string {
	name = width.Fold.String(strings.ToLower(name))
	name = bracketChars.ReplaceAllString(name, "")
	return strings.Join(strings.Fields(name), "")
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
