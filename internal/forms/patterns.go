package forms

import "regexp"

type pattern struct {
	label string
	re    *regexp.Regexp
}

// Ordered: the first matching identifier pattern provides the form_id.
var formIDPatterns = []pattern{
	{"numbered_form_ja", regexp.MustCompile(`様式\s*第?\s*[0-9０-９一二三四五六七八九十]+\s*号?(?:\s*[-ー－の]\s*[0-9０-９一二三四五六七八九十]+)?`)},
	{"attachment_ja", regexp.MustCompile(`(?:別紙|別添|別記|付録)\s*[0-9０-９一二三四五六七八九十]+`)},
	{"numbered_form_en", regexp.MustCompile(`(?i)\bform\s+(?:no\.?\s*)?[0-9]+[A-Za-z0-9-]*`)},
	{"appendix_en", regexp.MustCompile(`\b(?i:appendix|annex|schedule|attachment)\s+(?:[0-9]+[A-Za-z]?|[A-Z])\b`)},
}

// Strong contextual keywords only qualify a line together with a marker token.
var contextKeywords = []string{
	"申請書", "計画書", "報告書", "届出書", "誓約書", "事業計画", "実績報告",
	"application form", "business plan", "plan", "report", "statement", "declaration",
}

var formMarkerTokens = []string{
	"様式", "書式", "記入", "フォーマット", "テンプレート",
	"form", "template", "format", "sheet",
}

var fieldsHeadingPatterns = []pattern{
	{"fields_ja", regexp.MustCompile(`^[\s【\[(（■◆●<＜]*(?:主な)?(?:記入項目|記載項目|記載事項|記入事項|入力項目|記載内容)`)},
	{"fields_en", regexp.MustCompile(`(?i)^[\s\[(]*(?:required\s+)?fields?\b\s*[:：]?`)},
	{"items_en", regexp.MustCompile(`(?i)^[\s\[(]*items?\s+to\s+(?:fill|enter|complete|include)`)},
}

// BulletPattern matches a list-item marker and captures the item text.
var BulletPattern = regexp.MustCompile(`^(?:[・･\-–—*•●○◦■□◆◇▪▫]|[0-9０-９]{1,2}[.．)）]|[(（][0-9０-９一二三四五六七八九十a-zA-Z]{1,2}[)）]|[①-⑳]|[a-zA-Z][.)])\s*(.+)$`)

// Loose pass: generic document-type keywords.
var documentKeywords = []string{
	"申請書", "計画書", "報告書", "誓約書", "見積書", "証明書", "届出書", "同意書", "明細書",
	"application", "plan", "report", "certificate", "declaration", "statement", "estimate",
}

var (
	spaceRun     = regexp.MustCompile(`[ \t\x{3000}\x{00a0}]+`)
	bracketChars = regexp.MustCompile(`[【】\[\]「」『』()（）<>＜＞:：]`)
)
