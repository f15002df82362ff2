package common

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_ReadsEnvironment(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_URL", "file:test.db")
	t.Setenv("LLM_TIMEOUT", "90s")
	t.Setenv("PDF_DPI", "not-a-number")

	cfg := LoadConfig()
	if cfg.Database.Driver != "sqlite" || cfg.Database.DSN != "file:test.db" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.LLM.Timeout != 90*time.Second {
		t.Errorf("llm timeout = %v", cfg.LLM.Timeout)
	}
	if cfg.Converter.DPI != 150 {
		t.Errorf("unparsable PDF_DPI should keep the default, got %d", cfg.Converter.DPI)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"postgres without url", func(c *Config) { c.Database.Driver, c.Database.DSN = "postgres", "" }, "DB_URL"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "DB_DRIVER"},
		{"no attempts", func(c *Config) { c.Pool.MaxAttempts = 0 }, "JOB_MAX_ATTEMPTS"},
		{"negative timeout", func(c *Config) { c.LLM.Timeout = -time.Second }, "LLM_TIMEOUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadConfig()
			cfg.Database.Driver, cfg.Database.DSN = "memory", ""
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want mention of %s", err, tt.want)
			}
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("config error should wrap ErrInvalidInput: %v", err)
			}
		})
	}
}

func TestValidator(t *testing.T) {
	v := NewValidator().
		Field("row", 0, Positive).
		Field("columns", []string{}, Required).
		Field("name", "  ", Required).
		Field("type", "bogus", OneOf("a", "b")).
		Field("ok", 3, Positive)

	if got := len(v.Errors()); got != 4 {
		t.Fatalf("errors = %d (%v), want 4", got, v.Errors())
	}
	err := ValidateAndReturnError(v)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("ValidateAndReturnError() = %v", err)
	}
	for _, want := range []string{"'row'", "must not be empty", "is required", "must be one of a, b"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("message %q lacks %q", err.Error(), want)
		}
	}
	if err := ValidateAndReturnError(NewValidator().Field("x", "y", Required)); err != nil {
		t.Errorf("clean validator returned %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	nf := NotFoundf("batch %s", "b1")
	if !IsNotFound(nf) || IsContract(nf) {
		t.Errorf("NotFoundf classified wrong: %v", nf)
	}
	wrapped := WrapError(ContractError("bad payload", errors.New("missing batchId")), "enqueue")
	if !IsContract(wrapped) {
		t.Errorf("wrapped contract error lost its class: %v", wrapped)
	}
	if !IsMalformed(MalformedReplyError("no json", nil)) {
		t.Error("MalformedReplyError not malformed")
	}
}

func TestContextValues(t *testing.T) {
	ctx := WithJobID(WithTenantID(WithRequestID(context.Background(), "req-1"), "t1"), "job-1")
	if RequestIDFromContext(ctx) != "req-1" || TenantIDFromContext(ctx) != "t1" || JobIDFromContext(ctx) != "job-1" {
		t.Errorf("context values lost")
	}
	if TenantIDFromContext(context.Background()) != "" {
		t.Errorf("empty context returned a tenant")
	}
}
