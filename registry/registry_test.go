package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcore/workflowengine/wfcore"
)

func TestRegisterAndInvoke(t *testing.T) {
	r := New(nil)
	err := r.Register("echo", "echoes input", ParameterSchema{
		"type": "object",
		"properties": map[string]interface{}{
			"message": map[string]interface{}{"type": "string"},
		},
		"required": []interface{}{"message"},
	}, false, func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"status": "success", "message": params["message"]}, nil
	})
	require.NoError(t, err)

	assert.True(t, r.Known("echo"))

	result, err := r.Invoke(context.Background(), "echo", map[string]interface{}{"message": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", result["message"])
}

func TestInvokeUnknownTool(t *testing.T) {
	r := New(nil)
	_, err := r.Invoke(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, wfcore.ErrToolNotFound)
}

func TestInvokeRejectsInvalidParams(t *testing.T) {
	r := New(nil)
	err := r.Register("needs_id", "", ParameterSchema{
		"type":     "object",
		"required": []interface{}{"id"},
	}, false, func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"status": "success"}, nil
	})
	require.NoError(t, err)

	_, err = r.Invoke(context.Background(), "needs_id", map[string]interface{}{})
	require.Error(t, err)
}

func TestOptionalFlag(t *testing.T) {
	r := New(nil)
	_ = r.Register("optional_tool", "", nil, true, func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"status": "success"}, nil
	})
	contract, ok := r.Lookup("optional_tool")
	require.True(t, ok)
	assert.True(t, contract.Optional)
}
