package datamodel

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/instill-ai/landmark-backend/pkg/logger"
)

const predictRequestSchemaURL = "https://github.com/instill-ai/landmark-backend/blob/main/pkg/datamodel/schema/predict_request.json"

//go:embed schema/predict_request.json
var predictRequestSchema string

// PredictRequestJSONSchema represents the PredictRequest JSON Schema for validating the payload
var PredictRequestJSONSchema *jsonschema.Schema

// CompilePredictRequestSchema compiles the embedded request schema.
func CompilePredictRequestSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(predictRequestSchemaURL, strings.NewReader(predictRequestSchema)); err != nil {
		return nil, err
	}
	return compiler.Compile(predictRequestSchemaURL)
}

// InitJSONSchema initialise JSON Schema instances
func InitJSONSchema(ctx context.Context) {

	logger, _ := logger.GetZapLogger(ctx)

	var err error
	PredictRequestJSONSchema, err = CompilePredictRequestSchema()
	if err != nil {
		logger.Fatal(fmt.Sprintf("%#v\n", err.Error()))
	}
}

// InvalidJSONError wraps payloads that are not valid JSON.
type InvalidJSONError struct {
	Err error
}

func (e *InvalidJSONError) Error() string { return e.Err.Error() }

func (e *InvalidJSONError) Unwrap() error { return e.Err }

// ValidateJSONSchemaBytes validates raw JSON against schema. Undecodable
// input returns *InvalidJSONError; schema violations return the validator's
// error.
func ValidateJSONSchemaBytes(schema *jsonschema.Schema, data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return &InvalidJSONError{Err: err}
	}

	if err := schema.Validate(v); err != nil {
		return err
	}

	return nil
}
