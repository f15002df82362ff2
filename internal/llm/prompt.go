package llm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jbndrf/Tabtin-sub001/constants"
	"github.com/jbndrf/Tabtin-sub001/internal/entity"
)

// PageText is the text layer of one attached image, when the source had one.
type PageText struct {
	ImageIndex int
	Page       int
	Text       string
}

// PromptOptions is what a prompt needs to know about the request.
type PromptOptions struct {
	Columns      []entity.Column
	Instructions string
	ImageCount   int
	BBox         bool
	Confidence   bool
	TOON         bool
	MultiRow     bool
	Convention   constants.BBoxConvention
	PageTexts    []PageText
}

// PromptOptionsFrom copies the prompt-relevant tenant settings.
func PromptOptionsFrom(s entity.TenantSettings) PromptOptions {
	conv := s.BBoxConvention
	if conv == "" {
		conv = constants.BBoxXYXY
	}
	return PromptOptions{
		Columns:      s.Columns,
		Instructions: s.Instructions,
		BBox:         s.EnableBBox,
		Confidence:   s.EnableConfidence,
		TOON:         s.UseTOON,
		MultiRow:     s.MultiRow,
		Convention:   conv,
	}
}

// maxPageText bounds the text layer included per page.
const maxPageText = 4000

// BuildExtractionPrompt composes the instruction text sent ahead of the images.
func BuildExtractionPrompt(o PromptOptions) string {
	var b strings.Builder
	b.WriteString("You extract structured data from document images. ")
	fmt.Fprintf(&b, "%d image(s) are attached; image_index is the 0-based position of the image a value was read from.\n\n", o.ImageCount)

	b.WriteString("Columns to extract:\n")
	writeColumns(&b, o.Columns)

	if o.MultiRow {
		b.WriteString("\nThe documents may contain several items (for example transactions or line items). ")
		b.WriteString("Extract every item and give each one a row_index starting at 0; all values of one item share its row_index.\n")
	} else {
		b.WriteString("\nThe documents describe a single item. Return one value per column.\n")
	}
	writeMetadataRules(&b, o)

	if strings.TrimSpace(o.Instructions) != "" {
		b.WriteString("\nAdditional instructions:\n")
		b.WriteString(strings.TrimSpace(o.Instructions))
		b.WriteString("\n")
	}

	if len(o.PageTexts) > 0 {
		b.WriteString("\nText layer extracted from PDF pages (may help with small print):\n")
		for _, pt := range o.PageTexts {
			text := strings.TrimSpace(pt.Text)
			if text == "" {
				continue
			}
			if len(text) > maxPageText {
				text = text[:maxPageText]
			}
			fmt.Fprintf(&b, "--- image %d (page %d) ---\n%s\n", pt.ImageIndex, pt.Page, text)
		}
	}

	writeOutputFormat(&b, o)
	return b.String()
}

// RedoTarget pairs a column with the position of its cropped image in the request.
type RedoTarget struct {
	Column     entity.Column
	ImageIndex int
}

// BuildRedoPrompt asks for a subset of columns, each read from its own cropped region.
func BuildRedoPrompt(o PromptOptions, targets []RedoTarget) string {
	var b strings.Builder
	b.WriteString("You re-extract specific fields from cropped regions of a document. ")
	fmt.Fprintf(&b, "%d cropped image(s) are attached, one per field below.\n\n", len(targets))

	cols := make([]entity.Column, 0, len(targets))
	for _, t := range targets {
		cols = append(cols, t.Column)
		fmt.Fprintf(&b, "- image_index %d shows the region for column %q (id %s)\n", t.ImageIndex, t.Column.Name, t.Column.ID)
	}
	b.WriteString("\nColumns to extract:\n")
	writeColumns(&b, cols)
	b.WriteString("\nReturn exactly one value per listed column and nothing else. Use the image_index given above.\n")

	sub := o
	sub.Columns = cols
	sub.MultiRow = false
	writeMetadataRules(&b, sub)
	writeOutputFormat(&b, sub)
	return b.String()
}

func writeColumns(b *strings.Builder, cols []entity.Column) {
	for _, c := range cols {
		fmt.Fprintf(b, "- id %s: %s", c.ID, c.Name)
		if c.Type != "" {
			fmt.Fprintf(b, " (%s)", c.Type)
		}
		if d := strings.TrimSpace(c.Description); d != "" {
			b.WriteString(" - ")
			b.WriteString(d)
		}
		if len(c.Options) > 0 {
			b.WriteString(" [one of: ")
			b.WriteString(strings.Join(c.Options, ", "))
			b.WriteString("]")
		}
		b.WriteString("\n")
	}
}

func writeMetadataRules(b *strings.Builder, o PromptOptions) {
	if o.BBox {
		switch o.Convention {
		case constants.BBoxYXYX:
			b.WriteString("Give each value a bounding box as [y_min, x_min, y_max, x_max] normalized to 0-1000.\n")
		default:
			b.WriteString("Give each value a bounding box as [x1, y1, x2, y2] normalized to 0-1000.\n")
		}
	}
	if o.Confidence {
		b.WriteString("Give each value a confidence between 0 and 1.\n")
	}
	b.WriteString("If a value is not visible, use null. Never invent values.\n")
}

func writeOutputFormat(b *strings.Builder, o PromptOptions) {
	fields := OutputFields(o)
	b.WriteString("\nOutput format:\n")
	if o.TOON {
		fmt.Fprintf(b, "Reply with TOON only, no prose and no code fence:\nextractions[N]{%s}:\n", strings.Join(fields, ","))
		b.WriteString("followed by one comma-separated line per value, indented by two spaces, where N is the number of lines. ")
		b.WriteString("Quote values that contain commas.\n")
		return
	}
	example := make([]string, 0, len(fields))
	for _, f := range fields {
		switch f {
		case "value":
			example = append(example, `"value": "..."`)
		case "image_index", "row_index":
			example = append(example, strconv.Quote(f)+": 0")
		case "bbox_2d":
			example = append(example, `"bbox_2d": [0, 0, 0, 0]`)
		case "confidence":
			example = append(example, `"confidence": 0.0`)
		default:
			example = append(example, strconv.Quote(f)+`: "..."`)
		}
	}
	fmt.Fprintf(b, "Reply with JSON only: {\"extractions\": [{%s}, ...]}\n", strings.Join(example, ", "))
}

// OutputFields lists the per-value fields requested from the model. In TOON
// output the box is spread over four flat fields named after the convention.
func OutputFields(o PromptOptions) []string {
	fields := []string{"column_id", "column_name", "value", "image_index"}
	if o.BBox {
		if o.TOON {
			if o.Convention == constants.BBoxYXYX {
				fields = append(fields, "bbox_ymin", "bbox_xmin", "bbox_ymax", "bbox_xmax")
			} else {
				fields = append(fields, "bbox_x1", "bbox_y1", "bbox_x2", "bbox_y2")
			}
		} else {
			fields = append(fields, "bbox_2d")
		}
	}
	if o.Confidence {
		fields = append(fields, "confidence")
	}
	if o.MultiRow {
		fields = append(fields, "row_index")
	}
	return fields
}
