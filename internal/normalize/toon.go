package normalize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// arrayHeader matches a TOON array declaration line:
//
//	key[N]{f1,f2}:      tabular block
//	key[N]:             list block (or inline values after the colon)
//	- key[N|]{a|b}:     header opening a list item, with a pipe delimiter
//	[N]{f}:             root array
var arrayHeader = regexp.MustCompile(`^(\s*)(- )?("(?:[^"\\]|\\.)*"|[^\s\[\]{}:"][^\[\]{}:]*)?\[(#?)(\d+)([\t|,]?)\](\{[^}]*\})?:(.*)$`)

// LooksLikeTOON reports whether text contains at least one TOON array declaration.
func LooksLikeTOON(text string) bool {
	for _, ln := range strings.Split(text, "\n") {
		if m := arrayHeader.FindStringSubmatch(ln); m != nil && !strings.HasPrefix(strings.TrimSpace(ln), "{") {
			return true
		}
	}
	return false
}

// CountCorrection records one rewritten declaration.
type CountCorrection struct {
	Line     int
	Key      string
	Declared int
	Actual   int
}

// CorrectCounts rewrites every block array declaration whose declared length
// disagrees with the number of child rows that follow it. Tabular rows are one
// line each at the first child indent; list rows are lines at that indent that
// start with "- ". Inline arrays are counted by their delimited values.
func CorrectCounts(text string) (string, []CountCorrection) {
	lines := strings.Split(text, "\n")
	var fixes []CountCorrection
	for i, ln := range lines {
		m := arrayHeader.FindStringSubmatch(ln)
		if m == nil {
			continue
		}
		declared, err := strconv.Atoi(m[5])
		if err != nil {
			continue
		}
		delim := delimiterOf(m[6])
		inline := strings.TrimSpace(m[8])

		var actual int
		switch {
		case inline != "":
			actual = len(splitDelimited(inline, delim))
		case m[7] != "":
			fields := len(splitDelimited(strings.Trim(m[7], "{}"), delim))
			actual = countChildren(lines, i, indentOf(ln), func(t string) (bool, bool) {
				return true, endsTabularRows(t, delim, fields)
			})
		default:
			actual = countChildren(lines, i, indentOf(ln), func(t string) (bool, bool) {
				return t == "-" || strings.HasPrefix(t, "- "), false
			})
		}
		if actual == declared {
			continue
		}
		key := strings.TrimSpace(m[3])
		fixes = append(fixes, CountCorrection{Line: i + 1, Key: key, Declared: declared, Actual: actual})
		lines[i] = m[1] + m[2] + m[3] + "[" + m[4] + strconv.Itoa(actual) + m[6] + "]" + m[7] + ":" + m[8]
	}
	return strings.Join(lines, "\n"), fixes
}

// countChildren counts the rows nested directly under the header at line h.
// classify reports whether a trimmed line at the row indent is a row and
// whether it ends the block.
func countChildren(lines []string, h, headerIndent int, classify func(string) (row, end bool)) int {
	childIndent := -1
	n := 0
	for j := h + 1; j < len(lines); j++ {
		if strings.TrimSpace(lines[j]) == "" {
			continue
		}
		ind := indentOf(lines[j])
		if ind <= headerIndent {
			break
		}
		if childIndent < 0 {
			childIndent = ind
		}
		if ind != childIndent {
			continue
		}
		row, end := classify(strings.TrimSpace(lines[j]))
		if end {
			break
		}
		if row {
			n++
		}
	}
	return n
}

// endsTabularRows reports whether a line at the row indent closes a tabular
// block: a "key: value" line without the delimiter, when rows have several
// fields. It then belongs to an enclosing list item.
func endsTabularRows(text string, delim byte, fields int) bool {
	if fields <= 1 || strings.IndexByte(text, delim) >= 0 {
		return false
	}
	_, _, isField := splitKeyValue(text)
	return isField
}

func indentOf(s string) int {
	n := 0
	for _, r := range s {
		switch r {
		case ' ':
			n++
		case '\t':
			n += 2
		default:
			return n
		}
	}
	return n
}

func delimiterOf(marker string) byte {
	switch marker {
	case "\t":
		return '\t'
	case "|":
		return '|'
	default:
		return ','
	}
}

// splitDelimited splits s on delim outside double-quoted segments.
func splitDelimited(s string, delim byte) []string {
	var (
		out     []string
		cur     strings.Builder
		inQuote bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && inQuote && i+1 < len(s):
			cur.WriteByte(c)
			cur.WriteByte(s[i+1])
			i++
		case c == '"':
			inQuote = !inQuote
			cur.WriteByte(c)
		case c == delim && !inQuote:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	out = append(out, cur.String())
	return out
}

type toonLine struct {
	num    int
	indent int
	text   string
}

// Decoder turns TOON text into the same generic values encoding/json produces:
// map[string]any, []any, string, float64, bool and nil.
type Decoder struct {
	// Strict fails when a block array's row count differs from its declaration.
	Strict bool

	lines []toonLine
	pos   int
}

// DecodeTOON decodes text leniently: declared lengths are advisory.
func DecodeTOON(text string) (any, error) {
	d := &Decoder{}
	return d.Decode(text)
}

func (d *Decoder) Decode(text string) (any, error) {
	d.lines = d.lines[:0]
	d.pos = 0
	for i, raw := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		d.lines = append(d.lines, toonLine{num: i + 1, indent: indentOf(raw), text: strings.TrimSpace(raw)})
	}
	if len(d.lines) == 0 {
		return nil, fmt.Errorf("toon: empty document")
	}

	first := d.lines[0]
	if m := arrayHeader.FindStringSubmatch(first.text); m != nil && m[2] == "" && m[3] == "" {
		d.pos++
		return d.array(m, first)
	}
	if len(d.lines) == 1 && !hasKeySeparator(first.text) {
		return parsePrimitive(first.text), nil
	}
	return d.object(first.indent)
}

func (d *Decoder) object(indent int) (map[string]any, error) {
	obj := map[string]any{}
	for d.pos < len(d.lines) {
		ln := d.lines[d.pos]
		if ln.indent < indent {
			break
		}
		if ln.indent > indent {
			// Orphaned deeper line; skip it.
			d.pos++
			continue
		}
		if err := d.field(obj, ln.text, ln); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

// field parses one "key..." entry starting at the current line into obj and
// advances past everything it consumes.
func (d *Decoder) field(obj map[string]any, text string, ln toonLine) error {
	d.pos++
	if m := arrayHeader.FindStringSubmatch(text); m != nil && m[2] == "" && m[3] != "" {
		arr, err := d.array(m, ln)
		if err != nil {
			return err
		}
		obj[unquoteKey(m[3])] = arr
		return nil
	}

	key, rest, ok := splitKeyValue(text)
	if !ok {
		// A bare scalar where a field was expected.
		return nil
	}
	if rest != "" {
		obj[key] = parsePrimitive(rest)
		return nil
	}
	if d.pos < len(d.lines) && d.lines[d.pos].indent > ln.indent {
		child := d.lines[d.pos]
		if child.text == "-" || strings.HasPrefix(child.text, "- ") {
			items, err := d.listItems(child.indent)
			if err != nil {
				return err
			}
			obj[key] = items
			return nil
		}
		nested, err := d.object(child.indent)
		if err != nil {
			return err
		}
		obj[key] = nested
		return nil
	}
	obj[key] = map[string]any{}
	return nil
}

func (d *Decoder) array(m []string, header toonLine) ([]any, error) {
	declared, _ := strconv.Atoi(m[5])
	delim := delimiterOf(m[6])
	inline := strings.TrimSpace(m[8])

	var (
		out []any
		err error
	)
	switch {
	case inline != "":
		for _, cell := range splitDelimited(inline, delim) {
			out = append(out, parsePrimitive(strings.TrimSpace(cell)))
		}
	case m[7] != "":
		fields := splitDelimited(strings.Trim(m[7], "{}"), delim)
		for i := range fields {
			fields[i] = unquoteKey(strings.TrimSpace(fields[i]))
		}
		out = d.tabularRows(header.indent, fields, delim)
	default:
		if d.pos < len(d.lines) && d.lines[d.pos].indent > header.indent {
			out, err = d.listItems(d.lines[d.pos].indent)
			if err != nil {
				return nil, err
			}
		}
	}

	if d.Strict && len(out) != declared {
		return nil, fmt.Errorf("toon: line %d declares %d items, found %d", header.num, declared, len(out))
	}
	if out == nil {
		out = []any{}
	}
	return out, nil
}

func (d *Decoder) tabularRows(headerIndent int, fields []string, delim byte) []any {
	var rows []any
	childIndent := -1
	for d.pos < len(d.lines) {
		ln := d.lines[d.pos]
		if ln.indent <= headerIndent {
			break
		}
		if childIndent < 0 {
			childIndent = ln.indent
		}
		if ln.indent != childIndent {
			d.pos++
			continue
		}
		if endsTabularRows(ln.text, delim, len(fields)) {
			break
		}
		d.pos++
		cells := splitDelimited(ln.text, delim)
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			if i < len(cells) {
				row[f] = parsePrimitive(strings.TrimSpace(cells[i]))
			} else {
				row[f] = nil
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func (d *Decoder) listItems(indent int) ([]any, error) {
	var items []any
	for d.pos < len(d.lines) {
		ln := d.lines[d.pos]
		if ln.indent < indent {
			break
		}
		if ln.indent > indent {
			d.pos++
			continue
		}
		if ln.text != "-" && !strings.HasPrefix(ln.text, "- ") {
			break
		}
		body := strings.TrimSpace(strings.TrimPrefix(ln.text, "-"))
		item, err := d.listItem(body, ln)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (d *Decoder) listItem(body string, ln toonLine) (any, error) {
	if body == "" {
		d.pos++
		if d.pos < len(d.lines) && d.lines[d.pos].indent > ln.indent {
			return d.object(d.lines[d.pos].indent)
		}
		return map[string]any{}, nil
	}

	if m := arrayHeader.FindStringSubmatch(body); m != nil && m[3] == "" {
		d.pos++
		return d.array(m, toonLine{num: ln.num, indent: ln.indent, text: body})
	}

	if _, _, ok := splitKeyValue(body); !ok {
		if arrayHeader.FindStringSubmatch(body) == nil {
			d.pos++
			return parsePrimitive(body), nil
		}
	}

	// The first field sits on the hyphen line; siblings follow two columns deeper.
	obj := map[string]any{}
	fieldIndent := ln.indent + 2
	if err := d.field(obj, body, toonLine{num: ln.num, indent: fieldIndent, text: body}); err != nil {
		return nil, err
	}
	for d.pos < len(d.lines) {
		next := d.lines[d.pos]
		if next.indent != fieldIndent {
			if next.indent > fieldIndent {
				d.pos++
				continue
			}
			break
		}
		if err := d.field(obj, next.text, next); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

// splitKeyValue splits "key: value" or "key:" at the first colon outside quotes.
func splitKeyValue(text string) (key, rest string, ok bool) {
	inQuote := false
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '\\':
			if inQuote {
				i++
			}
		case '"':
			inQuote = !inQuote
		case ':':
			if inQuote {
				continue
			}
			k := strings.TrimSpace(text[:i])
			if k == "" {
				return "", "", false
			}
			return unquoteKey(k), strings.TrimSpace(text[i+1:]), true
		}
	}
	return "", "", false
}

func hasKeySeparator(text string) bool {
	_, _, ok := splitKeyValue(text)
	return ok
}

func unquoteKey(k string) string {
	k = strings.TrimSpace(k)
	if len(k) >= 2 && k[0] == '"' && k[len(k)-1] == '"' {
		if s, err := strconv.Unquote(k); err == nil {
			return s
		}
		return k[1 : len(k)-1]
	}
	return k
}

var numberLiteral = regexp.MustCompile(`^-?(0|[1-9]\d*)(\.\d+)?([eE][+-]?\d+)?$`)

func parsePrimitive(s string) any {
	s = strings.TrimSpace(s)
	switch s {
	case "null":
		return nil
	case "true":
		return true
	case "false":
		return false
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		if v, err := strconv.Unquote(s); err == nil {
			return v
		}
		return s[1 : len(s)-1]
	}
	if numberLiteral.MatchString(s) {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return s
}
