// Package normalize turns a raw model reply into canonical extraction rows.
//
// A reply may be JSON in one of several shapes, or TOON (a line-oriented,
// length-declared encoding). Normalize strips fences, corrects miscounted TOON
// declarations, decodes, recognises the shape and maps keys onto the tenant's
// column schema. Only an undecodable reply is an error: unmatched keys are
// dropped and a reply with nothing usable still yields one empty row.
package normalize

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jbndrf/Tabtin-sub001/constants"
	"github.com/jbndrf/Tabtin-sub001/internal/common"
	"github.com/jbndrf/Tabtin-sub001/internal/entity"
)

// Options describe what the request asked the model for.
type Options struct {
	Columns []entity.Column
	// TOON enables the compact tabular decoding path.
	TOON bool
	// Coordinates keeps bbox_2d and reconstructs it from flat fields.
	Coordinates bool
	// Confidence keeps per-field confidence.
	Confidence bool
	Convention constants.BBoxConvention
	Logger     *slog.Logger
}

// Result is a normalized reply.
type Result struct {
	Rows        [][]entity.ExtractionResult
	Dialect     Dialect
	Corrections []CountCorrection
	// Dropped lists reply keys that matched no column.
	Dropped []string
}

// Extracted counts results across all rows.
func (r Result) Extracted() int {
	n := 0
	for _, row := range r.Rows {
		n += len(row)
	}
	return n
}

// Normalize parses raw into rows. The error, when non-nil, is a malformed
// reply error.
func Normalize(raw string, opts Options) (Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	n := &normalizer{opts: opts, ix: newColumnIndex(opts.Columns), logger: logger}

	text := StripFences(raw)
	if text == "" {
		return Result{Dialect: DialectUnparseable}, common.MalformedReplyError("model reply is empty", nil)
	}

	value, fixes, err := decodeReply(text, opts.TOON)
	for _, f := range fixes {
		logger.Info("normalize.toon.count_corrected", "key", f.Key, "line", f.Line, "declared", f.Declared, "actual", f.Actual)
	}
	if err != nil {
		return Result{Dialect: DialectUnparseable, Corrections: fixes},
			common.MalformedReplyError(fmt.Sprintf("could not parse model reply: %v (reply starts %q)", err, preview(text, 120)), err)
	}

	value = unwrapExtractions(value)
	top := detect(n.ix, value)

	res := Result{Dialect: top.dialect(), Corrections: fixes}
	if rr, ok := top.(rowsReply); ok {
		res.Rows = n.rowsFromWrapper(rr)
	} else {
		res.Rows = group(n.convert(n.flatten(top)))
	}
	res.Dropped = n.dropped

	if len(n.dropped) > 0 {
		logger.Debug("normalize.keys.unmatched", "keys", n.dropped, "dialect", res.Dialect)
	}
	return res, nil
}

type normalizer struct {
	opts    Options
	ix      *columnIndex
	logger  *slog.Logger
	dropped []string
}

// item is one not-yet-validated extraction in canonical key form.
type item map[string]any

func unwrapExtractions(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	switch inner := m["extractions"].(type) {
	case []any:
		return inner
	case map[string]any:
		return inner
	}
	return v
}

func (n *normalizer) flatten(r reply) []item {
	switch r := r.(type) {
	case arrayReply:
		var out []item
		for pos, el := range r.items {
			sub := detect(n.ix, el)
			items := n.flatten(sub)
			if wholeRow(sub) {
				for _, it := range items {
					if _, has := it["row_index"]; !has {
						it["row_index"] = float64(pos)
					}
				}
			}
			out = append(out, items...)
		}
		return out
	case rowsReply:
		var out []item
		for _, row := range n.rowsFromWrapper(r) {
			for _, res := range row {
				out = append(out, fromResult(res))
			}
		}
		return out
	case shapedReply:
		it := item{}
		for k, v := range r.obj {
			it[k] = v
		}
		return []item{it}
	case fieldValueReply:
		it := item{"column_name": r.name, "value": r.obj["value"]}
		for k, v := range r.obj {
			if metaKeys[k] || isFlatBBoxKey(k) {
				it[k] = v
			}
		}
		return []item{it}
	case flatMetaReply:
		return n.keyed(r.data, r.meta)
	case perFieldReply:
		return n.keyed(r.obj, nil)
	case simpleMapReply:
		return n.keyed(r.obj, nil)
	case wrapperReply:
		out := n.flatten(detect(n.ix, r.inner))
		if len(r.rest) > 0 {
			out = append(out, n.keyed(r.rest, nil)...)
		}
		return out
	case mixedMapReply:
		return n.keyed(n.scalarsAndMatchedLists(r.obj), nil)
	case unknownReply:
		if r.v != nil {
			n.dropped = append(n.dropped, fmt.Sprintf("<%T>", r.v))
		}
	}
	return nil
}

// keyed emits one item per data key, each carrying the shared metadata.
// A value may itself be an object with value and its own metadata.
func (n *normalizer) keyed(data, meta map[string]any) []item {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]item, 0, len(keys))
	for _, k := range keys {
		it := item{"column_name": k}
		for mk, mv := range meta {
			it[mk] = mv
		}
		switch v := data[k].(type) {
		case map[string]any:
			inner, ok := v["value"]
			if !ok {
				n.dropped = append(n.dropped, k)
				continue
			}
			it["value"] = inner
			for mk, mv := range v {
				if metaKeys[mk] || isFlatBBoxKey(mk) {
					it[mk] = mv
				}
			}
		default:
			it["value"] = v
		}
		out = append(out, it)
	}
	return out
}

// scalarsAndMatchedLists keeps primitive values, {value: ...} objects and
// lists under keys that name a column. Other nested values are dropped.
func (n *normalizer) scalarsAndMatchedLists(obj map[string]any) map[string]any {
	data := make(map[string]any, len(obj))
	for k, v := range obj {
		switch v := v.(type) {
		case []any:
			if _, ok := n.ix.match(k); ok || n.ix.empty() {
				data[k] = v
				continue
			}
			n.dropped = append(n.dropped, k)
		case map[string]any:
			if _, ok := v["value"]; ok {
				data[k] = v
				continue
			}
			n.dropped = append(n.dropped, k)
		default:
			data[k] = v
		}
	}
	return data
}

func (n *normalizer) rowsFromWrapper(r rowsReply) [][]entity.ExtractionResult {
	rows := make([][]entity.ExtractionResult, 0, len(r.rows))
	for _, el := range r.rows {
		var items []item
		if arr, ok := el.([]any); ok {
			for _, sub := range arr {
				items = append(items, n.flatten(detect(n.ix, sub))...)
			}
		} else {
			items = n.flatten(detect(n.ix, el))
		}
		row := n.convert(items)
		if row == nil {
			row = []entity.ExtractionResult{}
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		rows = append(rows, []entity.ExtractionResult{})
	}
	return rows
}

// convert resolves columns and metadata. Items whose column cannot be found
// are dropped.
func (n *normalizer) convert(items []item) []entity.ExtractionResult {
	var out []entity.ExtractionResult
	for _, it := range items {
		res, ok := n.toResult(it)
		if !ok {
			continue
		}
		out = append(out, res)
	}
	return out
}

func (n *normalizer) toResult(it item) (entity.ExtractionResult, bool) {
	id := scalarString(it["column_id"])
	name := scalarString(it["column_name"])

	if !n.ix.empty() {
		var (
			col entity.Column
			ok  bool
		)
		if id != "" {
			col, ok = n.ix.match(id)
		}
		if !ok && name != "" {
			col, ok = n.ix.match(name)
		}
		if !ok {
			key := id
			if key == "" {
				key = name
			}
			n.dropped = append(n.dropped, key)
			return entity.ExtractionResult{}, false
		}
		id, name = col.ID, col.Name
	} else if id == "" {
		id = name
	}
	if id == "" {
		return entity.ExtractionResult{}, false
	}

	res := entity.ExtractionResult{
		ColumnID:   id,
		ColumnName: name,
		Value:      it["value"],
	}
	if idx, ok := toInt(it["image_index"]); ok && idx > 0 {
		res.ImageIndex = idx
	}
	if n.opts.Coordinates {
		res.BBox2D = reconstructBBox(it, n.opts.Convention)
	}
	if n.opts.Confidence {
		if c, ok := toFloat(it["confidence"]); ok {
			res.Confidence = &c
		}
	}
	if ri, ok := toInt(it["row_index"]); ok && ri >= 0 {
		res.RowIndex = &ri
	}
	return res, true
}

// group splits results by row_index when every result carries one; otherwise
// everything is a single row.
func group(results []entity.ExtractionResult) [][]entity.ExtractionResult {
	if len(results) == 0 {
		return [][]entity.ExtractionResult{{}}
	}
	for _, r := range results {
		if r.RowIndex == nil {
			return [][]entity.ExtractionResult{results}
		}
	}
	byIndex := map[int][]entity.ExtractionResult{}
	var order []int
	for _, r := range results {
		if _, seen := byIndex[*r.RowIndex]; !seen {
			order = append(order, *r.RowIndex)
		}
		byIndex[*r.RowIndex] = append(byIndex[*r.RowIndex], r)
	}
	sort.Ints(order)
	rows := make([][]entity.ExtractionResult, 0, len(order))
	for _, idx := range order {
		rows = append(rows, byIndex[idx])
	}
	return rows
}

func fromResult(r entity.ExtractionResult) item {
	it := item{"column_id": r.ColumnID, "column_name": r.ColumnName, "value": r.Value, "image_index": float64(r.ImageIndex)}
	if r.BBox2D != nil {
		bb := make([]any, len(r.BBox2D))
		for i, f := range r.BBox2D {
			bb[i] = f
		}
		it["bbox_2d"] = bb
	}
	if r.Confidence != nil {
		it["confidence"] = *r.Confidence
	}
	if r.RowIndex != nil {
		it["row_index"] = float64(*r.RowIndex)
	}
	return it
}

func preview(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
