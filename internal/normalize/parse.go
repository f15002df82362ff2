package normalize

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var fenceOpen = regexp.MustCompile("^```[A-Za-z0-9_-]*[ \t]*\r?\n?")

// StripFences removes a surrounding markdown code fence. Text outside the first
// fenced block is discarded when a fence is present.
func StripFences(text string) string {
	t := strings.TrimSpace(text)
	start := strings.Index(t, "```")
	if start < 0 {
		return t
	}
	body := t[start:]
	loc := fenceOpen.FindStringIndex(body)
	if loc == nil {
		return t
	}
	body = body[loc[1]:]
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

var errNoJSON = errors.New("no JSON value found")

// parseJSON decodes text, falling back to the first balanced object or array
// embedded in surrounding prose.
func parseJSON(text string) (any, error) {
	var v any
	err := json.Unmarshal([]byte(text), &v)
	if err == nil {
		return v, nil
	}
	if frag := firstBalanced(text); frag != "" {
		if err2 := json.Unmarshal([]byte(frag), &v); err2 == nil {
			return v, nil
		}
	}
	return nil, err
}

// firstBalanced returns the first {...} or [...] span whose brackets balance
// outside of string literals.
func firstBalanced(text string) string {
	for i := 0; i < len(text); i++ {
		if text[i] != '{' && text[i] != '[' {
			continue
		}
		if end := matchBracket(text, i); end > i {
			return text[i : end+1]
		}
	}
	return ""
}

func matchBracket(text string, start int) int {
	var (
		stack    []byte
		inString bool
	)
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return -1
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i
			}
		}
	}
	return -1
}

// decodeReply turns cleaned reply text into a generic value. TOON is only
// attempted when enabled and the text carries an array declaration; JSON is
// the fallback in both directions.
func decodeReply(text string, toon bool) (value any, corrections []CountCorrection, err error) {
	if toon && LooksLikeTOON(text) {
		fixed, fixes := CorrectCounts(text)
		v, terr := DecodeTOON(fixed)
		if terr == nil {
			return v, fixes, nil
		}
		if jv, jerr := parseJSON(text); jerr == nil {
			return jv, nil, nil
		}
		return nil, fixes, terr
	}

	v, jerr := parseJSON(text)
	if jerr == nil {
		return v, nil, nil
	}
	if toon {
		if tv, terr := DecodeTOON(text); terr == nil {
			if _, isMap := tv.(map[string]any); isMap {
				return tv, nil, nil
			}
		}
	}
	if firstBalanced(text) == "" && !strings.ContainsAny(text, "{[") {
		return nil, nil, errNoJSON
	}
	return nil, nil, jerr
}
