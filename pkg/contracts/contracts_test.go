package contracts

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionContext_WithAttributeDoesNotMutate(t *testing.T) {
	base := NewExecutionContext(Actor{ID: "u1"}, "agent", "sess", Intent{}, "production", "US", DataPII,
		map[string]string{"parse_warning": "x"})

	stamped := base.WithAttribute(AttrPolicyBundleID, "bundle_a")
	demo := stamped.WithAttribute(AttrExecutionMode, "DEMO")

	_, ok := base.Attribute(AttrPolicyBundleID)
	assert.False(t, ok, "original context must not see later stamps")
	_, ok = stamped.Attribute(AttrExecutionMode)
	assert.False(t, ok)

	assert.Equal(t, "bundle_a", demo.AttributeOr(AttrPolicyBundleID, ""))
	assert.Equal(t, "DEMO", demo.AttributeOr(AttrExecutionMode, ""))
	assert.Equal(t, "x", demo.AttributeOr(AttrParseWarning, ""))
	assert.Len(t, base.Attributes(), 1)
	assert.Len(t, demo.Attributes(), 3)
}

func TestExecutionContext_ConstructorCopiesAttributes(t *testing.T) {
	attrs := map[string]string{"k": "v"}
	ec := NewExecutionContext(Actor{}, "", "", Intent{}, "", "", DataInternal, attrs)
	attrs["k"] = "changed"
	assert.Equal(t, "v", ec.AttributeOr("k", ""))

	out := ec.Attributes()
	out["k"] = "changed"
	assert.Equal(t, "v", ec.AttributeOr("k", ""))
}

func TestParseDataClass(t *testing.T) {
	tests := []struct {
		in      any
		want    DataClass
		warning string
	}{
		{nil, DataInternal, "No data_class provided, defaulting to INTERNAL"},
		{"pii", DataPII, ""},
		{"  Confidential ", DataConfidential, ""},
		{"PCI", DataPCI, ""},
		{"TOP_SECRET", DataInternal, "Invalid data_class 'TOP_SECRET', defaulting to INTERNAL"},
		{42, DataInternal, "Invalid data_class '42', defaulting to INTERNAL"},
	}
	for _, tt := range tests {
		got, warn := ParseDataClass(tt.in)
		assert.Equal(t, tt.want, got, "input %v", tt.in)
		assert.Equal(t, tt.warning, warn, "input %v", tt.in)
	}
}

func TestParseVerdict_RejectsAllow(t *testing.T) {
	_, err := ParseVerdict("allow")
	assert.Error(t, err)

	v, err := ParseVerdict("escalate")
	require.NoError(t, err)
	assert.Equal(t, VerdictEscalate, v)
}

func TestCitation_ZeroValueIsEmptyObject(t *testing.T) {
	data, err := json.Marshal(PolicySection{RuleID: "R-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"rule_id":"R-1","violation_key":null,"citation":{}}`, string(data))
}

func TestToolCall_Accessors(t *testing.T) {
	tc := ToolCall{"function": "upload_file", "parameters": map[string]any{"source": "a"}}
	fn, ok := tc.Function()
	assert.True(t, ok)
	assert.Equal(t, "upload_file", fn)
	params, ok := tc.Parameters()
	assert.True(t, ok)
	assert.Equal(t, "a", params["source"])

	bad := ToolCall{"function": 7, "parameters": "nope"}
	_, ok = bad.Function()
	assert.False(t, ok)
	_, ok = bad.Parameters()
	assert.False(t, ok)
}
