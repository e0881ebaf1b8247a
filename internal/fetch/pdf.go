package fetch

import (
	"bytes"
	"compress/zlib"
	"encoding/hex"
	"io"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf16"
	"unicode/utf8"
)

const (
	maxInflatedStream = 32 << 20
	dictLookback      = 2048
	tjSpaceThreshold  = -200
	minReadableRun    = 4
)

var (
	kwStream    = []byte("stream")
	kwEndstream = []byte("endstream")
	kwObj       = []byte("obj")
)

// ExtractNativeText pulls the text layer out of a PDF without rendering it.
// Content streams are inflated when Flate-encoded and their text-showing
// operators decoded. When that yields no letters, readable runs of the
// decoded bytes are returned instead. Scanned PDFs produce little or nothing.
func ExtractNativeText(data []byte) string {
	decoded := contentStreams(data)

	var b strings.Builder
	for _, s := range decoded {
		b.WriteString(showText(s))
		b.WriteByte('\n')
	}
	text := collapseLines(b.String())
	if hasLetter(text) {
		return text
	}

	var fb strings.Builder
	for _, s := range decoded {
		fb.WriteString(readableRuns(s))
		fb.WriteByte('\n')
	}
	return collapseLines(fb.String())
}

// contentStreams returns the decoded bodies of every stream that could
// carry page content. Images, fonts and streams with unsupported filters
// are skipped.
func contentStreams(data []byte) [][]byte {
	var out [][]byte
	pos := 0
	for pos < len(data) {
		i := bytes.Index(data[pos:], kwStream)
		if i < 0 {
			break
		}
		start := pos + i
		if start >= 3 && string(data[start-3:start]) == "end" {
			pos = start + len(kwStream)
			continue
		}
		bodyStart := start + len(kwStream)
		if bodyStart < len(data) && data[bodyStart] == '\r' {
			bodyStart++
		}
		if bodyStart < len(data) && data[bodyStart] == '\n' {
			bodyStart++
		}
		j := bytes.Index(data[bodyStart:], kwEndstream)
		if j < 0 {
			break
		}
		body := data[bodyStart : bodyStart+j]
		pos = bodyStart + j + len(kwEndstream)

		dict := dictionaryBefore(data, start)
		if skipStream(dict) {
			continue
		}
		if bytes.Contains(dict, []byte("/FlateDecode")) {
			inflated, ok := inflate(body)
			if !ok {
				continue
			}
			body = inflated
		}
		out = append(out, body)
	}
	return out
}

func dictionaryBefore(data []byte, streamAt int) []byte {
	lo := streamAt - dictLookback
	if lo < 0 {
		lo = 0
	}
	seg := data[lo:streamAt]
	if k := bytes.LastIndex(seg, kwObj); k >= 0 {
		seg = seg[k:]
	}
	return seg
}

func skipStream(dict []byte) bool {
	for _, marker := range []string{"/Image", "/FontFile", "/Length1", "/XRef", "/DCTDecode", "/JPXDecode", "/CCITTFaxDecode", "/JBIG2Decode"} {
		if bytes.Contains(dict, []byte(marker)) {
			return true
		}
	}
	return bytes.Contains(dict, []byte("/Filter")) && !bytes.Contains(dict, []byte("/FlateDecode"))
}

func inflate(body []byte) ([]byte, bool) {
	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, false
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, maxInflatedStream))
	// Truncated streams still yield usable text up to the damage.
	if err != nil && len(out) == 0 {
		return nil, false
	}
	return out, true
}

// showText interprets the text-showing operators (Tj, TJ, ' and ") of a
// content stream. Positioning operators become line breaks.
func showText(content []byte) string {
	var (
		b       strings.Builder
		pending []string
		array   []string
		inArray bool
	)
	emit := func(parts ...string) {
		for _, p := range parts {
			b.WriteString(p)
		}
	}

	for i := 0; i < len(content); {
		c := content[i]
		switch {
		case c == '%':
			for i < len(content) && content[i] != '\n' && content[i] != '\r' {
				i++
			}
		case c == '(':
			s, n := readLiteral(content[i:])
			i += n
			if inArray {
				array = append(array, s)
			} else {
				pending = append(pending, s)
			}
		case c == '<':
			if i+1 < len(content) && content[i+1] == '<' {
				i += 2
				continue
			}
			s, n := readHexString(content[i:])
			i += n
			if inArray {
				array = append(array, s)
			} else {
				pending = append(pending, s)
			}
		case c == '[':
			inArray = true
			array = array[:0]
			i++
		case c == ']':
			inArray = false
			i++
		case c == '\'' || c == '"':
			b.WriteByte('\n')
			if len(pending) > 0 {
				emit(pending[len(pending)-1])
			}
			pending = nil
			i++
		case c == '/':
			i++
			for i < len(content) && isRegular(content[i]) {
				i++
			}
		case c == '-' || c == '+' || c == '.' || (c >= '0' && c <= '9'):
			j := i + 1
			for j < len(content) && (content[j] == '.' || (content[j] >= '0' && content[j] <= '9')) {
				j++
			}
			if inArray {
				if v, err := strconv.ParseFloat(string(content[i:j]), 64); err == nil && v < tjSpaceThreshold {
					array = append(array, " ")
				}
			}
			i = j
		case isRegular(c):
			j := i + 1
			for j < len(content) && isRegular(content[j]) {
				j++
			}
			switch string(content[i:j]) {
			case "Tj":
				if len(pending) > 0 {
					emit(pending[len(pending)-1])
				}
			case "TJ":
				emit(array...)
				array = array[:0]
			case "Td", "TD", "T*", "Tm", "ET":
				b.WriteByte('\n')
			}
			pending = nil
			i = j
		default:
			i++
		}
	}
	return b.String()
}

func isRegular(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\f', 0, '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return false
	}
	return true
}

// readLiteral parses a parenthesised string starting at b[0] and returns
// the decoded text and the number of bytes consumed.
func readLiteral(b []byte) (string, int) {
	var out []byte
	depth := 0
	i := 0
	for i < len(b) {
		c := b[i]
		switch c {
		case '\\':
			i++
			if i >= len(b) {
				break
			}
			e := b[i]
			switch e {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'b', 'f':
			case '\r':
				if i+1 < len(b) && b[i+1] == '\n' {
					i++
				}
			case '\n':
			default:
				if e >= '0' && e <= '7' {
					v := 0
					k := 0
					for k < 3 && i < len(b) && b[i] >= '0' && b[i] <= '7' {
						v = v*8 + int(b[i]-'0')
						i++
						k++
					}
					out = append(out, byte(v))
					continue
				}
				out = append(out, e)
			}
		case '(':
			depth++
			if depth > 1 {
				out = append(out, c)
			}
		case ')':
			depth--
			if depth == 0 {
				return decodePDFString(out), i + 1
			}
			out = append(out, c)
		default:
			out = append(out, c)
		}
		i++
	}
	return decodePDFString(out), len(b)
}

func readHexString(b []byte) (string, int) {
	end := bytes.IndexByte(b, '>')
	if end < 0 {
		return "", len(b)
	}
	digits := make([]byte, 0, end)
	for _, c := range b[1:end] {
		if isHexDigit(c) {
			digits = append(digits, c)
		}
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	raw, err := hex.DecodeString(string(digits))
	if err != nil {
		return "", end + 1
	}
	return decodeHexBytes(raw), end + 1
}

func decodeHexBytes(raw []byte) string {
	if hasUTF16BOM(raw) {
		return decodeUTF16(raw[2:])
	}
	if zeroHighUTF16(raw) {
		return decodeUTF16(raw)
	}
	for _, c := range raw {
		if c < 0x20 || c > 0x7e {
			// Glyph ids without a usable mapping.
			return ""
		}
	}
	return string(raw)
}

func decodePDFString(raw []byte) string {
	if hasUTF16BOM(raw) {
		return decodeUTF16(raw[2:])
	}
	if zeroHighUTF16(raw) {
		return decodeUTF16(raw)
	}
	if utf8.Valid(raw) {
		return string(raw)
	}
	r := make([]rune, len(raw))
	for i, c := range raw {
		r[i] = rune(c)
	}
	return string(r)
}

// zeroHighUTF16 reports two-byte glyph codes whose high bytes are all zero,
// as written by fonts with an Identity encoding over Latin text.
func zeroHighUTF16(raw []byte) bool {
	if len(raw) < 2 || len(raw)%2 != 0 {
		return false
	}
	for k := 0; k < len(raw); k += 2 {
		if raw[k] != 0 {
			return false
		}
	}
	return true
}

func hasUTF16BOM(raw []byte) bool {
	return len(raw) >= 2 && raw[0] == 0xFE && raw[1] == 0xFF
}

func decodeUTF16(raw []byte) string {
	u := make([]uint16, 0, len(raw)/2)
	for k := 0; k+1 < len(raw); k += 2 {
		u = append(u, uint16(raw[k])<<8|uint16(raw[k+1]))
	}
	return string(utf16.Decode(u))
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

var pdfSyntax = []string{"obj", "stream", "xref", "trailer", "/", "<<", ">>"}

// readableRuns keeps printable runs that look like prose rather than PDF syntax.
func readableRuns(data []byte) string {
	var (
		b   strings.Builder
		run []rune
	)
	flush := func() {
		s := strings.TrimSpace(string(run))
		run = run[:0]
		if utf8.RuneCountInString(s) < minReadableRun || !hasLetter(s) {
			return
		}
		for _, tok := range pdfSyntax {
			if strings.Contains(s, tok) {
				return
			}
		}
		b.WriteString(s)
		b.WriteByte('\n')
	}
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		data = data[size:]
		if r != utf8.RuneError && (unicode.IsPrint(r) || r == '\t') {
			run = append(run, r)
			continue
		}
		flush()
	}
	flush()
	return b.String()
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
