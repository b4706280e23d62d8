package schema

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var decisionSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"reasoning":     map[string]interface{}{"type": "string", "minLength": 1},
		"should_mutate": map[string]interface{}{"type": "boolean"},
	},
	"required":             []interface{}{"reasoning", "should_mutate"},
	"additionalProperties": false,
}

func TestValidateBytes(t *testing.T) {
	v, err := NewValidatorFromMap(decisionSchema)
	require.NoError(t, err)

	assert.NoError(t, v.ValidateBytes([]byte(`{"reasoning":"the dam broke","should_mutate":true}`)))

	err = v.ValidateBytes([]byte(`{"reasoning":"","should_mutate":"yes"}`))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Issues, 2)

	err = v.ValidateBytes([]byte(`{"reasoning":`))
	require.Error(t, err)
	assert.False(t, errors.As(err, &verr))
}

func TestCustomFormats(t *testing.T) {
	RegisterCustomFormats()
	RegisterCustomFormats()

	v, err := NewValidator([]byte(`{
		"type": "object",
		"properties": {"target": {"type": "string", "format": "entity_id"}},
		"required": ["target"]
	}`))
	require.NoError(t, err)

	assert.NoError(t, v.Validate(map[string]interface{}{"target": uuid.NewString()}))
	assert.NoError(t, v.Validate(map[string]interface{}{"target": "crystal-lake_01"}))
	assert.Error(t, v.Validate(map[string]interface{}{"target": "Crystal Lake"}))
}

func TestNewValidatorRejectsBrokenSchema(t *testing.T) {
	_, err := NewValidator([]byte(`{"type": 12}`))
	assert.Error(t, err)
}
