package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateMissingRequiredField(t *testing.T) {
	s := Schema{Required: []string{"event"}}
	ok, errs := Evaluate(s, map[string]interface{}{"bad": "payload"})
	assert.False(t, ok)
	// AdditionalProperties is false, so "bad" is reported after the
	// missing required field.
	assert.Len(t, errs, 2)
	assert.Equal(t, "event", errs[0].Field)
}

func TestEvaluateAdditionalPropertyRejected(t *testing.T) {
	s := Schema{Required: []string{"event"}, AdditionalProperties: false}
	ok, errs := Evaluate(s, map[string]interface{}{"event": "x", "extra": 1})
	assert.False(t, ok)
	assert.Len(t, errs, 1)
	assert.Equal(t, "extra", errs[0].Field)
}

func TestEvaluateAdditionalPropertiesAllowed(t *testing.T) {
	s := Schema{Required: []string{"event"}, AdditionalProperties: true}
	ok, _ := Evaluate(s, map[string]interface{}{"event": "x", "extra": 1})
	assert.True(t, ok)
}

func TestEvaluatePassesWhenShapeMatches(t *testing.T) {
	s := Schema{Required: []string{"event_name", "occurred_at"}}
	ok, errs := Evaluate(s, map[string]interface{}{
		"event_name":  "x",
		"occurred_at": "2024-01-01T00:00:00Z",
	})
	assert.True(t, ok)
	assert.Empty(t, errs)
}
