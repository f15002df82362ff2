package observability

import (
	"bytes"
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jbndrf/Tabtin-sub001/constants"
	"github.com/jbndrf/Tabtin-sub001/internal/common"
	"github.com/jbndrf/Tabtin-sub001/internal/entity"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(common.LogConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("dropped")
	logger.Warn("kept", "k", "v")
	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("info logged at warn level: %s", out)
	}
	if !strings.Contains(out, `"msg":"kept"`) || !strings.Contains(out, `"k":"v"`) {
		t.Errorf("json output = %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n, tokens := 4, 120
	err := m.Record(context.Background(), &entity.ProcessingMetric{
		JobType:         constants.JobTypeProcessBatch,
		Status:          entity.MetricStatusSuccess,
		StartTime:       start,
		EndTime:         start.Add(3 * time.Second),
		ExtractionCount: &n,
		ModelUsed:       "vision",
		TokensUsed:      &tokens,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	_ = m.Record(context.Background(), &entity.ProcessingMetric{JobType: constants.JobTypeProcessBatch, Status: entity.MetricStatusFailed})

	if got := testutil.ToFloat64(m.Attempts.WithLabelValues("process_batch", "success")); got != 1 {
		t.Errorf("success attempts = %v", got)
	}
	if got := testutil.ToFloat64(m.Attempts.WithLabelValues("process_batch", "failed")); got != 1 {
		t.Errorf("failed attempts = %v", got)
	}
	if got := testutil.ToFloat64(m.Extractions.WithLabelValues("process_batch")); got != 4 {
		t.Errorf("extractions = %v", got)
	}
	if got := testutil.ToFloat64(m.Tokens.WithLabelValues("vision")); got != 120 {
		t.Errorf("tokens = %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "extractor_attempt_duration_seconds_count") {
		t.Errorf("histogram missing from exposition")
	}
}
