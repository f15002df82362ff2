package normalize

import (
	"strings"
	"unicode"

	"github.com/jbndrf/Tabtin-sub001/internal/entity"
)

// columnIndex resolves reply keys to schema columns.
type columnIndex struct {
	cols   []entity.Column
	byID   map[string]int
	byName map[string]int
	byNorm map[string]int
}

func newColumnIndex(cols []entity.Column) *columnIndex {
	ix := &columnIndex{
		cols:   cols,
		byID:   make(map[string]int, len(cols)),
		byName: make(map[string]int, len(cols)),
		byNorm: make(map[string]int, len(cols)*2),
	}
	for i, c := range cols {
		ix.byID[c.ID] = i
		if c.Name != "" {
			ix.byName[strings.ToLower(strings.TrimSpace(c.Name))] = i
		}
		for _, k := range []string{normKey(c.ID), normKey(c.Name)} {
			if k == "" {
				continue
			}
			if _, taken := ix.byNorm[k]; !taken {
				ix.byNorm[k] = i
			}
		}
	}
	return ix
}

func (ix *columnIndex) empty() bool { return len(ix.cols) == 0 }

// match finds the column for key: exact id, then case-insensitive name, then
// normalized id or name, then a unique containment match.
func (ix *columnIndex) match(key string) (entity.Column, bool) {
	if i, ok := ix.byID[key]; ok {
		return ix.cols[i], true
	}
	if i, ok := ix.byName[strings.ToLower(strings.TrimSpace(key))]; ok {
		return ix.cols[i], true
	}
	nk := normKey(key)
	if nk == "" {
		return entity.Column{}, false
	}
	if i, ok := ix.byNorm[nk]; ok {
		return ix.cols[i], true
	}
	if len(nk) < 3 {
		return entity.Column{}, false
	}
	found := -1
	for i, c := range ix.cols {
		nn := normKey(c.Name)
		if nn == "" {
			continue
		}
		if strings.Contains(nn, nk) || (len(nn) >= 3 && strings.Contains(nk, nn)) {
			if found >= 0 && found != i {
				return entity.Column{}, false
			}
			found = i
		}
	}
	if found < 0 {
		return entity.Column{}, false
	}
	return ix.cols[found], true
}

// normKey lowercases s and keeps only letters and digits.
func normKey(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
