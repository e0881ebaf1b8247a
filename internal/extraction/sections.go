package extraction

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/width"

	"subsidyflow/internal/forms"
	"subsidyflow/internal/subsidy"
)

type section int

const (
	sectionNone section = iota
	sectionOverview
	sectionRequirements
	sectionExpenses
	sectionDocuments
	sectionDeadline
)

type heading struct {
	section  section
	keywords []string
}

// Ordered: more specific keywords come before the generic ones they contain.
var headings = []heading{
	{sectionExpenses, []string{"補助対象経費", "対象経費", "対象となる経費", "助成対象経費", "eligible expenses", "eligible costs", "covered expenses"}},
	{sectionDocuments, []string{"提出書類", "必要書類", "申請書類", "添付書類", "required documents", "documents to submit", "application documents"}},
	{sectionRequirements, []string{"補助対象者", "対象者", "申請要件", "応募資格", "申請資格", "対象事業者", "対象となる事業者", "eligibility", "eligible applicants", "application requirements", "requirements", "who can apply"}},
	{sectionDeadline, []string{"申請期限", "締切", "締め切り", "募集期間", "公募期間", "受付期間", "申請期間", "deadline", "application period", "closing date"}},
	{sectionOverview, []string{"事業概要", "概要", "事業の目的", "目的", "overview", "purpose", "summary", "about"}},
}

const (
	headingSlack     = 12
	maxSectionLines  = 30
	maxListItems     = 20
	maxItemRunes     = 200
	maxOverviewLines = 3
	maxOverviewRunes = 1000
)

var (
	headingDecoration = regexp.MustCompile(`^(?:[■□◆◇●○▼▽★☆#＃【\[<＜]|第?[0-9０-９]{1,2}[.．、)）]?|[(（][0-9０-９]{1,2}[)）])*\s*`)
	inlineSeparator   = regexp.MustCompile(`[:：】\]>＞]`)

	dateJP       = regexp.MustCompile(`(\d{4})\s*年\s*(\d{1,2})\s*月\s*(\d{1,2})\s*日`)
	dateReiwa    = regexp.MustCompile(`令和\s*(\d{1,2}|元)\s*年\s*(\d{1,2})\s*月\s*(\d{1,2})\s*日`)
	dateNumeric  = regexp.MustCompile(`(\d{4})[/\-.](\d{1,2})[/\-.](\d{1,2})`)
	dateMonthDay = regexp.MustCompile(`(\d{1,2})\s*月\s*(\d{1,2})\s*日`)
	dateEnglish  = regexp.MustCompile(`(?i)(january|february|march|april|may|june|july|august|september|october|november|december)\s+(\d{1,2}),?\s+(\d{4})`)
)

var months = map[string]int{
	"january": 1, "february": 2, "march": 3, "april": 4, "may": 5, "june": 6,
	"july": 7, "august": 8, "september": 9, "october": 10, "november": 11, "december": 12,
}

// ExtractFields slices text into heading-bounded sections and turns each
// into the matching Detail field. Forms are not included.
func ExtractFields(text string) subsidy.Patch {
	lines := forms.NormalizeLines(text)
	sections := sliceSections(lines)

	var p subsidy.Patch
	if body := sections[sectionOverview]; len(body) > 0 {
		p.Overview = paragraph(body)
	}
	p.ApplicationRequirements = bulletize(sections[sectionRequirements])
	p.EligibleExpenses = bulletize(sections[sectionExpenses])
	p.RequiredDocuments = bulletize(sections[sectionDocuments])
	p.Deadline = lastDate(sections[sectionDeadline])
	return p
}

// sliceSections keeps the first occurrence of each section. A section runs
// from its heading to the next recognised heading.
func sliceSections(lines []string) map[section][]string {
	out := map[section][]string{}
	current := sectionNone
	for _, line := range lines {
		if s, inline, ok := matchHeading(line); ok {
			current = s
			if _, seen := out[s]; seen {
				current = sectionNone
				continue
			}
			out[s] = []string{}
			if inline != "" {
				out[s] = append(out[s], inline)
			}
			continue
		}
		if current == sectionNone || len(out[current]) >= maxSectionLines {
			continue
		}
		out[current] = append(out[current], line)
	}
	return out
}

// matchHeading recognises a section heading, returning any content that
// follows it on the same line. Lines that merely start with a keyword are
// prose unless the remainder is short, or for deadlines, a space-separated value.
func matchHeading(line string) (section, string, bool) {
	stripped := strings.TrimSpace(headingDecoration.ReplaceAllString(line, ""))
	head, inline := stripped, ""
	if loc := inlineSeparator.FindStringIndex(stripped); loc != nil {
		head = strings.TrimSpace(stripped[:loc[0]])
		inline = strings.TrimSpace(strings.TrimLeft(stripped[loc[1]:], "】]>＞:： "))
	}
	if head == "" {
		return sectionNone, "", false
	}
	lower := strings.ToLower(head)
	sameWidth := len(lower) == len(head)
	for _, h := range headings {
		for _, kw := range h.keywords {
			if !strings.HasPrefix(lower, kw) {
				continue
			}
			rest := lower[len(kw):]
			switch {
			case strings.TrimSpace(rest) == "":
				return h.section, inline, true
			case h.section == sectionDeadline && sameWidth && startsWithSpace(rest):
				return h.section, strings.TrimSpace(stripped[len(kw):]), true
			case utf8.RuneCountInString(rest) <= headingSlack:
				return h.section, inline, true
			}
		}
	}
	return sectionNone, "", false
}

func startsWithSpace(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsSpace(r)
}

func paragraph(body []string) string {
	n := len(body)
	if n > maxOverviewLines {
		n = maxOverviewLines
	}
	s := strings.Join(body[:n], " ")
	if r := []rune(s); len(r) > maxOverviewRunes {
		s = string(r[:maxOverviewRunes])
	}
	return s
}

// bulletize prefers bullet lines; a section without bullets contributes
// each of its lines.
func bulletize(body []string) []string {
	var bullets, plain []string
	for _, l := range body {
		if item, ok := bulletItem(l); ok {
			bullets = append(bullets, item)
		} else if utf8.RuneCountInString(l) <= maxItemRunes {
			plain = append(plain, l)
		}
	}
	items := bullets
	if len(items) == 0 {
		items = plain
	}
	seen := map[string]bool{}
	var out []string
	for _, it := range items {
		if seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
		if len(out) == maxListItems {
			break
		}
	}
	return out
}

func bulletItem(line string) (string, bool) {
	m := forms.BulletPattern.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	item := strings.TrimSpace(strings.TrimRight(m[1], "。."))
	if item == "" {
		return "", false
	}
	if r := []rune(item); len(r) > maxItemRunes {
		item = string(r[:maxItemRunes])
	}
	return item, true
}

// lastDate returns the last date mentioned in body as YYYY-MM-DD. For a
// period ("4月1日～5月31日") that is its end.
func lastDate(body []string) string {
	last := ""
	for _, l := range body {
		if d := datesIn(width.Narrow.String(l)); len(d) > 0 {
			last = d[len(d)-1]
		}
	}
	return last
}

type match struct {
	start, end int
	year       int
	date       string
}

// datesIn returns the dates in line in order of appearance. A bare
// month/day ("5月31日") takes the year of the closest full date before it.
func datesIn(line string) []string {
	var found []match
	for _, m := range dateJP.FindAllStringSubmatchIndex(line, -1) {
		found = appendDate(found, m[0], m[1], atoi(line[m[2]:m[3]]), line[m[4]:m[5]], line[m[6]:m[7]])
	}
	for _, m := range dateReiwa.FindAllStringSubmatchIndex(line, -1) {
		y := 1
		if era := line[m[2]:m[3]]; era != "元" {
			y = atoi(era)
		}
		found = appendDate(found, m[0], m[1], 2018+y, line[m[4]:m[5]], line[m[6]:m[7]])
	}
	for _, m := range dateNumeric.FindAllStringSubmatchIndex(line, -1) {
		found = appendDate(found, m[0], m[1], atoi(line[m[2]:m[3]]), line[m[4]:m[5]], line[m[6]:m[7]])
	}
	for _, m := range dateEnglish.FindAllStringSubmatchIndex(line, -1) {
		month := strconv.Itoa(months[strings.ToLower(line[m[2]:m[3]])])
		found = appendDate(found, m[0], m[1], atoi(line[m[6]:m[7]]), month, line[m[4]:m[5]])
	}
	sortByStart(found)

	full := found
	for _, m := range dateMonthDay.FindAllStringSubmatchIndex(line, -1) {
		year, inside := 0, false
		for _, f := range full {
			if m[0] >= f.start && m[0] < f.end {
				inside = true
				break
			}
			if f.end <= m[0] {
				year = f.year
			}
		}
		if inside || year == 0 {
			continue
		}
		found = appendDate(found, m[0], m[1], year, line[m[2]:m[3]], line[m[4]:m[5]])
	}
	sortByStart(found)

	out := make([]string, len(found))
	for i, f := range found {
		out[i] = f.date
	}
	return out
}

func sortByStart(found []match) {
	for i := 1; i < len(found); i++ {
		for j := i; j > 0 && found[j].start < found[j-1].start; j-- {
			found[j], found[j-1] = found[j-1], found[j]
		}
	}
}

func appendDate(found []match, start, end, year int, month, day string) []match {
	m, d := atoi(month), atoi(day)
	if year < 1900 || m < 1 || m > 12 || d < 1 || d > 31 {
		return found
	}
	return append(found, match{start: start, end: end, year: year, date: fmt.Sprintf("%04d-%02d-%02d", year, m, d)})
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
