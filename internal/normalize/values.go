package normalize

import (
	"math"
	"strconv"
	"strings"

	"github.com/jbndrf/Tabtin-sub001/constants"
)

// flat bbox field names per position, in the order each convention lists them.
var (
	flatXYXY = [4][]string{
		{"bbox_x1", "x1", "bbox_xmin", "xmin", "x_min"},
		{"bbox_y1", "y1", "bbox_ymin", "ymin", "y_min"},
		{"bbox_x2", "x2", "bbox_xmax", "xmax", "x_max"},
		{"bbox_y2", "y2", "bbox_ymax", "ymax", "y_max"},
	}
	flatYXYX = [4][]string{
		{"bbox_ymin", "ymin", "y_min", "bbox_y1", "y1"},
		{"bbox_xmin", "xmin", "x_min", "bbox_x1", "x1"},
		{"bbox_ymax", "ymax", "y_max", "bbox_y2", "y2"},
		{"bbox_xmax", "xmax", "x_max", "bbox_x2", "x2"},
	}
	flatIndexed = [4][]string{{"bbox_0"}, {"bbox_1"}, {"bbox_2"}, {"bbox_3"}}
)

func isFlatBBoxKey(k string) bool {
	for _, set := range [][4][]string{flatXYXY, flatIndexed} {
		for _, names := range set {
			for _, n := range names {
				if n == k {
					return true
				}
			}
		}
	}
	return false
}

// reconstructBBox returns the item's box as four numbers in the convention's
// order, from bbox_2d (array or string) or from four flat fields.
func reconstructBBox(it item, conv constants.BBoxConvention) []float64 {
	for _, k := range []string{"bbox_2d", "bbox"} {
		if bb, ok := parseBBox(it[k]); ok {
			return bb
		}
	}
	order := flatXYXY
	if conv == constants.BBoxYXYX {
		order = flatYXYX
	}
	for _, set := range [][4][]string{order, flatIndexed} {
		if bb, ok := pickFlat(it, set); ok {
			return bb
		}
	}
	return nil
}

func pickFlat(it item, set [4][]string) ([]float64, bool) {
	out := make([]float64, 4)
	for i, names := range set {
		found := false
		for _, n := range names {
			if f, ok := toFloat(it[n]); ok {
				out[i] = f
				found = true
				break
			}
		}
		if !found {
			return nil, false
		}
	}
	return out, true
}

func parseBBox(v any) ([]float64, bool) {
	switch t := v.(type) {
	case []any:
		if len(t) != 4 {
			return nil, false
		}
		out := make([]float64, 4)
		for i, e := range t {
			f, ok := toFloat(e)
			if !ok {
				return nil, false
			}
			out[i] = f
		}
		return out, true
	case []float64:
		if len(t) != 4 {
			return nil, false
		}
		return append([]float64(nil), t...), true
	case string:
		s := strings.Trim(strings.TrimSpace(t), "[]()")
		parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == ';' || r == '|' })
		if len(parts) != 4 {
			return nil, false
		}
		out := make([]float64, 4)
		for i, p := range parts {
			f, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return nil, false
			}
			out[i] = f
		}
		return out, true
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, !math.IsNaN(t)
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func toInt(v any) (int, bool) {
	f, ok := toFloat(v)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

// scalarString renders ids and names, which decoders may emit as numbers.
func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}
