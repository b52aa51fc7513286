package datamodel

import (
	"errors"
	"testing"

	"github.com/frankban/quicktest"
)

func TestDatamodel_FormatConfidence(t *testing.T) {
	c := quicktest.New(t)

	testCases := []struct {
		p        float64
		expected string
	}{
		{p: 0.87234, expected: "87.23%"},
		{p: 1, expected: "100.00%"},
		{p: 0, expected: "0.00%"},
		{p: 0.00004, expected: "0.00%"},
		{p: 0.123456, expected: "12.35%"},
	}

	for _, tc := range testCases {
		c.Assert(FormatConfidence(tc.p), quicktest.Equals, tc.expected)
	}
}

func TestDatamodel_PredictionResponse(t *testing.T) {
	c := quicktest.New(t)

	r := &PredictionResult{Label: "Eiffel Tower", Index: 0, Confidence: 0.5}
	c.Assert(r.Response(), quicktest.DeepEquals, &PredictResponse{Class: "Eiffel Tower", Confidence: "50.00%"})
}

func TestDatamodel_ValidatePredictRequest(t *testing.T) {
	c := quicktest.New(t)

	schema, err := CompilePredictRequestSchema()
	c.Assert(err, quicktest.IsNil)

	testCases := []struct {
		body    string
		valid   bool
		invalid bool
	}{
		{body: `{"url": "https://example.com/a.jpg"}`, valid: true},
		{body: `{"url": "x", "extra": 1}`, valid: true},
		{body: `{}`},
		{body: `{"url": ""}`},
		{body: `{"url": 42}`},
		{body: `{"url": null}`},
		{body: `[]`},
		{body: `null`},
		{body: `{"url": `, invalid: true},
		{body: ``, invalid: true},
	}

	for _, tc := range testCases {
		err := ValidateJSONSchemaBytes(schema, []byte(tc.body))
		if tc.valid {
			c.Check(err, quicktest.IsNil, quicktest.Commentf("body %q", tc.body))
			continue
		}
		c.Check(err, quicktest.IsNotNil, quicktest.Commentf("body %q", tc.body))

		var invalid *InvalidJSONError
		c.Check(errors.As(err, &invalid), quicktest.Equals, tc.invalid, quicktest.Commentf("body %q", tc.body))
	}
}
