package export

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/jbndrf/Tabtin-sub001/internal/common"
	"github.com/jbndrf/Tabtin-sub001/internal/entity"
	"github.com/jbndrf/Tabtin-sub001/internal/repository"
)

const sheet = "Extractions"

// Service produces XLSX workbooks from stored extraction rows.
type Service struct {
	store  *repository.Store
	logger *slog.Logger
}

func NewService(store *repository.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// BatchXLSX returns a workbook with one line per extraction row of the batch
// and one column per schema column. Columns the schema no longer lists but
// rows still carry are appended after the schema columns.
func (s *Service) BatchXLSX(ctx context.Context, batchID string) ([]byte, error) {
	start := time.Now()

	batch, err := s.store.Batches.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.Rows.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("list rows: %w", err)
	}
	var schema []entity.Column
	settings, err := s.store.Tenants.GetSettings(ctx, batch.TenantID)
	switch {
	case err == nil:
		schema = settings.Columns
	case !common.IsNotFound(err):
		return nil, fmt.Errorf("load settings: %w", err)
	}
	cols := columnsFor(schema, rows)

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}

	headers := append([]string{"Row"}, make([]string, len(cols))...)
	for i, c := range cols {
		headers[i+1] = c.Name
	}
	headers = append(headers, "Status")
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for n, r := range rows {
		line := n + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, line)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, r.RowIndex)
		values := make(map[string]any, len(r.RowData))
		for _, res := range r.RowData {
			if _, seen := values[res.ColumnID]; !seen {
				values[res.ColumnID] = res.Value
			}
		}
		for i, c := range cols {
			write(i+2, cellValue(values[c.ID]))
		}
		write(len(cols)+2, string(r.Status))
	}

	last, _ := excelize.ColumnNumberToName(len(headers))
	_ = f.SetColWidth(sheet, "A", "A", 6)
	if len(cols) > 0 {
		_ = f.SetColWidth(sheet, "B", last, 24)
	}
	_ = f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"batch_id", batchID,
		"rows", len(rows),
		"columns", len(cols),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func columnsFor(schema []entity.Column, rows []entity.ExtractionRow) []entity.Column {
	cols := make([]entity.Column, 0, len(schema))
	known := make(map[string]bool, len(schema))
	for _, c := range schema {
		cols = append(cols, c)
		known[c.ID] = true
	}
	for _, r := range rows {
		for _, res := range r.RowData {
			if known[res.ColumnID] {
				continue
			}
			known[res.ColumnID] = true
			name := res.ColumnName
			if name == "" {
				name = res.ColumnID
			}
			cols = append(cols, entity.Column{ID: res.ColumnID, Name: name})
		}
	}
	return cols
}

// cellValue keeps numbers and booleans typed; lists are joined.
func cellValue(v any) any {
	switch t := v.(type) {
	case nil:
		return ""
	case string, bool, float64, int, int64:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			parts = append(parts, fmt.Sprint(cellValue(p)))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(t)
	}
}
