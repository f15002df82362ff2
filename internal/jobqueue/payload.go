package jobqueue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jbndrf/Tabtin-sub001/constants"
	"github.com/jbndrf/Tabtin-sub001/internal/common"
)

var payloadSchemas = map[constants.JobType]string{
	constants.JobTypeProcessBatch: `{
		"type": "object",
		"required": ["batchId", "tenantId"],
		"properties": {
			"batchId":  {"type": "string", "minLength": 1},
			"tenantId": {"type": "string", "minLength": 1}
		}
	}`,
	constants.JobTypeReprocessBatch: `{
		"type": "object",
		"required": ["batchIds", "tenantId"],
		"properties": {
			"batchIds": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
			"tenantId": {"type": "string", "minLength": 1}
		}
	}`,
	constants.JobTypeProcessRedo: `{
		"type": "object",
		"required": ["batchId", "tenantId", "rowIndex", "redoColumnIds", "croppedImageIds"],
		"properties": {
			"batchId":         {"type": "string", "minLength": 1},
			"tenantId":        {"type": "string", "minLength": 1},
			"rowIndex":        {"type": "integer", "minimum": 1},
			"redoColumnIds":   {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
			"croppedImageIds": {"type": "object", "additionalProperties": {"type": "string"}},
			"sourceImageIds":  {"type": "object", "additionalProperties": {"type": "string"}}
		}
	}`,
}

var (
	compileOnce sync.Once
	compiled    map[constants.JobType]*jsonschema.Schema
	compileErr  error
)

func schemas() (map[constants.JobType]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiled = make(map[constants.JobType]*jsonschema.Schema, len(payloadSchemas))
		compiler := jsonschema.NewCompiler()
		for jt, src := range payloadSchemas {
			url := string(jt) + ".json"
			if err := compiler.AddResource(url, bytes.NewReader([]byte(src))); err != nil {
				compileErr = fmt.Errorf("add schema %s: %w", jt, err)
				return
			}
		}
		for jt := range payloadSchemas {
			s, err := compiler.Compile(string(jt) + ".json")
			if err != nil {
				compileErr = fmt.Errorf("compile schema %s: %w", jt, err)
				return
			}
			compiled[jt] = s
		}
	})
	return compiled, compileErr
}

// ValidatePayload checks a raw payload against the schema of its job type.
// Failures are contract errors: retrying the job cannot fix them.
func ValidatePayload(jobType constants.JobType, raw []byte) error {
	all, err := schemas()
	if err != nil {
		return err
	}
	schema, ok := all[jobType]
	if !ok {
		return common.ContractError(fmt.Sprintf("unknown job type %q", jobType), nil)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return common.ContractError("payload is not valid JSON", err)
	}
	if err := schema.Validate(v); err != nil {
		return common.ContractError(fmt.Sprintf("invalid %s payload", jobType), err)
	}
	return nil
}

// DecodePayload validates raw and decodes it into out.
func DecodePayload(jobType constants.JobType, raw []byte, out any) error {
	if err := ValidatePayload(jobType, raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return common.ContractError(fmt.Sprintf("decode %s payload", jobType), err)
	}
	return nil
}

// payloadRefs pulls the routing fields every payload shares.
func payloadRefs(raw []byte) (tenantID, batchID string) {
	var refs struct {
		TenantID string `json:"tenantId"`
		BatchID  string `json:"batchId"`
	}
	_ = json.Unmarshal(raw, &refs)
	return refs.TenantID, refs.BatchID
}
