package normalize

// Dialect names the structural shape a reply was recognised as.
type Dialect string

const (
	DialectRows        Dialect = "rows"
	DialectArray       Dialect = "array"
	DialectShaped      Dialect = "shaped"
	DialectFieldValue  Dialect = "field_value"
	DialectFlatMeta    Dialect = "flat_metadata"
	DialectPerField    Dialect = "per_field_objects"
	DialectSimpleMap   Dialect = "simple_map"
	DialectWrapper     Dialect = "wrapper"
	DialectMixedMap    Dialect = "mixed_map"
	DialectUnknown     Dialect = "unknown"
	DialectUnparseable Dialect = "unparseable"
)

// reply is one parsed-reply variant.
type reply interface {
	dialect() Dialect
}

type (
	rowsReply struct{ rows []any }
	// arrayReply is a list of items, each detected on its own.
	arrayReply struct{ items []any }
	// shapedReply already carries column_id.
	shapedReply struct{ obj map[string]any }
	// fieldValueReply names its column in field_name (or an alias) next to value.
	fieldValueReply struct {
		name string
		obj  map[string]any
	}
	// flatMetaReply mixes data keys with shared metadata keys.
	flatMetaReply struct {
		data map[string]any
		meta map[string]any
	}
	// perFieldReply maps column keys to {value, bbox_2d, ...} objects.
	perFieldReply struct{ obj map[string]any }
	// simpleMapReply maps column keys straight to primitive values.
	simpleMapReply struct{ obj map[string]any }
	// wrapperReply is an object with exactly one nested value holding the
	// real payload; primitive siblings are kept as keyed fields.
	wrapperReply struct {
		key   string
		inner any
		rest  map[string]any
	}
	// mixedMapReply is a keyed object with nested values that fits no other
	// shape. Scalars are kept and nested values only for matching columns.
	mixedMapReply struct{ obj map[string]any }
	unknownReply  struct{ v any }
)

func (rowsReply) dialect() Dialect       { return DialectRows }
func (arrayReply) dialect() Dialect      { return DialectArray }
func (shapedReply) dialect() Dialect     { return DialectShaped }
func (fieldValueReply) dialect() Dialect { return DialectFieldValue }
func (flatMetaReply) dialect() Dialect   { return DialectFlatMeta }
func (perFieldReply) dialect() Dialect   { return DialectPerField }
func (simpleMapReply) dialect() Dialect  { return DialectSimpleMap }
func (wrapperReply) dialect() Dialect    { return DialectWrapper }
func (mixedMapReply) dialect() Dialect   { return DialectMixedMap }
func (unknownReply) dialect() Dialect    { return DialectUnknown }

// wholeRow reports whether a variant describes every column of one item.
func wholeRow(r reply) bool {
	switch r.(type) {
	case flatMetaReply, perFieldReply, simpleMapReply, mixedMapReply:
		return true
	}
	return false
}

// Keys carried as metadata next to data keys.
var metaKeys = map[string]bool{
	"bbox_2d":     true,
	"bbox":        true,
	"confidence":  true,
	"image_index": true,
	"row_index":   true,
	"bbox_x1":     true,
	"bbox_y1":     true,
	"bbox_x2":     true,
	"bbox_y2":     true,
	"bbox_xmin":   true,
	"bbox_ymin":   true,
	"bbox_xmax":   true,
	"bbox_ymax":   true,
}

var fieldNameKeys = []string{"field_name", "field", "column_name", "column", "key"}

type detector func(ix *columnIndex, v any) (reply, bool)

// detectors run in priority order; the first match wins.
var detectors = []detector{
	detectRows,
	detectArray,
	detectShaped,
	detectFieldValue,
	detectFlatMeta,
	detectPerField,
	detectSimpleMap,
	detectWrapper,
	detectMixedMap,
}

func detect(ix *columnIndex, v any) reply {
	for _, d := range detectors {
		if r, ok := d(ix, v); ok {
			return r
		}
	}
	return unknownReply{v: v}
}

func detectRows(ix *columnIndex, v any) (reply, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	rows, ok := m["rows"].([]any)
	if !ok {
		return nil, false
	}
	if _, isColumn := ix.match("rows"); isColumn && !ix.empty() {
		return nil, false
	}
	return rowsReply{rows: rows}, true
}

func detectArray(_ *columnIndex, v any) (reply, bool) {
	a, ok := v.([]any)
	if !ok {
		return nil, false
	}
	return arrayReply{items: a}, true
}

func detectShaped(_ *columnIndex, v any) (reply, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	if _, ok := m["column_id"]; !ok {
		return nil, false
	}
	return shapedReply{obj: m}, true
}

func detectFieldValue(_ *columnIndex, v any) (reply, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	if _, ok := m["value"]; !ok {
		return nil, false
	}
	for _, k := range fieldNameKeys {
		if name := scalarString(m[k]); name != "" {
			return fieldValueReply{name: name, obj: m}, true
		}
	}
	return nil, false
}

func detectFlatMeta(_ *columnIndex, v any) (reply, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	var (
		data = map[string]any{}
		meta = map[string]any{}
	)
	for k, val := range m {
		if metaKeys[k] {
			meta[k] = val
			continue
		}
		data[k] = val
	}
	if len(meta) == 0 || len(data) == 0 {
		return nil, false
	}
	return flatMetaReply{data: data, meta: meta}, true
}

func detectPerField(_ *columnIndex, v any) (reply, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for _, val := range m {
		inner, ok := val.(map[string]any)
		if !ok {
			return nil, false
		}
		if _, ok := inner["value"]; !ok {
			return nil, false
		}
	}
	return perFieldReply{obj: m}, true
}

func detectSimpleMap(_ *columnIndex, v any) (reply, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for _, val := range m {
		switch val.(type) {
		case map[string]any, []any:
			return nil, false
		}
	}
	return simpleMapReply{obj: m}, true
}

func detectWrapper(ix *columnIndex, v any) (reply, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	var (
		key   string
		inner any
		n     int
		rest  = map[string]any{}
	)
	for k, val := range m {
		switch val.(type) {
		case map[string]any, []any:
			key, inner = k, val
			n++
		default:
			rest[k] = val
		}
	}
	if n != 1 {
		return nil, false
	}
	if _, isColumn := ix.match(key); isColumn {
		return nil, false
	}
	return wrapperReply{key: key, inner: inner, rest: rest}, true
}

func detectMixedMap(_ *columnIndex, v any) (reply, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	return mixedMapReply{obj: m}, true
}
