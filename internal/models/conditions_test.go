package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConditionsSingleObject(t *testing.T) {
	conds, err := ParseConditions(json.RawMessage(`{"property":"amount","operator":"GT","expectedValue":10000,"result":false,"actualValue":8500}`))
	require.NoError(t, err)
	require.Len(t, conds, 1)
	assert.Equal(t, "amount", conds[0].Property)
	assert.Equal(t, "GT", conds[0].Operator)
	assert.True(t, conds[0].Failed())
	assert.Equal(t, "8500", RenderJSON(conds[0].ActualValue))
	assert.Equal(t, "amount GT 10000", conds[0].Describe())
}

func TestParseConditionsShortFieldNames(t *testing.T) {
	conds, err := ParseConditions(json.RawMessage(`[{"property":"dealstage","op":"EQ","value":"closedwon","result":false,"actual":"qualified"}]`))
	require.NoError(t, err)
	require.Len(t, conds, 1)
	assert.Equal(t, "EQ", conds[0].Operator)
	assert.Equal(t, `"closedwon"`, RenderJSON(conds[0].ExpectedValue))
	assert.Equal(t, `"qualified"`, RenderJSON(conds[0].ActualValue))
}

func TestParseConditionsSkipsNonObjects(t *testing.T) {
	conds, err := ParseConditions(json.RawMessage(`[1, "x", {"property":"a","operator":"EQ","value":1,"result":true}]`))
	require.NoError(t, err)
	require.Len(t, conds, 1)
	assert.False(t, conds[0].Failed())
}

func TestParseConditionsRejectsScalars(t *testing.T) {
	_, err := ParseConditions(json.RawMessage(`"nope"`))
	assert.Error(t, err)
	_, err = ParseConditions(nil)
	assert.Error(t, err)
}

func TestFirstFailedCondition(t *testing.T) {
	raw := json.RawMessage(`[{"property":"a","operator":"EQ","value":1,"result":true},{"property":"b","operator":"LT","value":2,"result":false},{"property":"c","operator":"GT","value":3,"result":false}]`)
	c, ok := FirstFailedCondition(raw)
	require.True(t, ok)
	assert.Equal(t, "b", c.Property)

	_, ok = FirstFailedCondition(json.RawMessage(`{not json`))
	assert.False(t, ok)

	// A non-boolean result is not a recorded failure.
	_, ok = FirstFailedCondition(json.RawMessage(`{"property":"a","result":0}`))
	assert.False(t, ok)
}

func TestPayloadIndicatesFailure(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{"error string", `{"error":"boom"}`, true},
		{"status failed", `{"status":"failed"}`, true},
		{"empty error", `{"error":""}`, false},
		{"false error", `{"error":false}`, false},
		{"zero error", `{"error":0}`, false},
		{"object error", `{"error":{}}`, true},
		{"ok status", `{"status":"ok"}`, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			payload, err := ParsePayload(json.RawMessage(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.want, PayloadIndicatesFailure(payload))
		})
	}
	_, err := ParsePayload(json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}

func TestParseCheckpointKind(t *testing.T) {
	for _, k := range []string{"START", "BRANCH", "ACTION"} {
		got, err := ParseCheckpointKind(k)
		require.NoError(t, err)
		assert.Equal(t, CheckpointKind(k), got)
	}
	_, err := ParseCheckpointKind("start")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}
