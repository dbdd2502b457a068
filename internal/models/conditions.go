package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Condition is one branch condition as evaluated by the workflow at
// instrumentation time. Result is nil when the instrumentation did not record
// an outcome.
type Condition struct {
	Property      string          `json:"property"`
	Operator      string          `json:"operator"`
	ExpectedValue json.RawMessage `json:"expectedValue,omitempty"`
	Result        *bool           `json:"result,omitempty"`
	ActualValue   json.RawMessage `json:"actualValue,omitempty"`
}

// UnmarshalJSON accepts both the documented field names and the short names
// (op, value, actual) emitted by older instrumentation snippets.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var wire struct {
		Property      string          `json:"property"`
		Operator      string          `json:"operator"`
		Op            string          `json:"op"`
		ExpectedValue json.RawMessage `json:"expectedValue"`
		Value         json.RawMessage `json:"value"`
		Result        json.RawMessage `json:"result"`
		ActualValue   json.RawMessage `json:"actualValue"`
		Actual        json.RawMessage `json:"actual"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	c.Property = wire.Property
	c.Operator = firstNonEmpty(wire.Operator, wire.Op)
	c.ExpectedValue = firstRaw(wire.ExpectedValue, wire.Value)
	c.ActualValue = firstRaw(wire.ActualValue, wire.Actual)
	c.Result = nil
	// Only a literal boolean counts as a recorded outcome.
	switch string(bytes.TrimSpace(wire.Result)) {
	case "true":
		t := true
		c.Result = &t
	case "false":
		f := false
		c.Result = &f
	}
	return nil
}

// Failed reports whether the condition recorded a false outcome.
func (c Condition) Failed() bool {
	return c.Result != nil && !*c.Result
}

// HasActual reports whether an observed value was recorded.
func (c Condition) HasActual() bool {
	return len(c.ActualValue) > 0
}

// Describe renders "property operator expected" with the expected value as JSON.
func (c Condition) Describe() string {
	return fmt.Sprintf("%s %s %s", c.Property, c.Operator, RenderJSON(c.ExpectedValue))
}

// ParseConditions decodes a conditions payload that is either a single
// condition object or a list of them. Non-object list elements are skipped.
func ParseConditions(raw json.RawMessage) ([]Condition, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty conditions")
	}
	switch trimmed[0] {
	case '{':
		var c Condition
		if err := json.Unmarshal(trimmed, &c); err != nil {
			return nil, fmt.Errorf("decode condition: %w", err)
		}
		return []Condition{c}, nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("decode conditions: %w", err)
		}
		out := make([]Condition, 0, len(items))
		for _, item := range items {
			item = bytes.TrimSpace(item)
			if len(item) == 0 || item[0] != '{' {
				continue
			}
			var c Condition
			if err := json.Unmarshal(item, &c); err != nil {
				continue
			}
			out = append(out, c)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("conditions must be an object or an array")
	}
}

// FirstFailedCondition returns the first condition with a false outcome. Parse
// failures are treated as "no failing condition".
func FirstFailedCondition(raw json.RawMessage) (Condition, bool) {
	if len(raw) == 0 {
		return Condition{}, false
	}
	conds, err := ParseConditions(raw)
	if err != nil {
		return Condition{}, false
	}
	for _, c := range conds {
		if c.Failed() {
			return c, true
		}
	}
	return Condition{}, false
}

// ParsePayload decodes an auxiliary payload that must be a JSON object.
func ParsePayload(raw json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("payload must be a JSON object")
	}
	var out map[string]any
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

// PayloadIndicatesFailure reports whether an action payload carries a truthy
// "error" field or status "failed".
func PayloadIndicatesFailure(payload map[string]any) bool {
	if payload == nil {
		return false
	}
	if Truthy(payload["error"]) {
		return true
	}
	status, ok := payload["status"].(string)
	return ok && status == "failed"
}

// Truthy applies JSON truthiness to a decoded value: nil, false, 0 and "" are
// false, everything else (including empty objects and arrays) is true.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case json.Number:
		f, err := t.Float64()
		return err != nil || f != 0
	case string:
		return t != ""
	default:
		return true
	}
}

// RenderJSON returns compact JSON for a raw value, or "undefined" when absent.
func RenderJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "undefined"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// RenderValue marshals a decoded value as compact JSON.
func RenderValue(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstRaw(values ...json.RawMessage) json.RawMessage {
	for _, v := range values {
		if len(v) > 0 {
			return v
		}
	}
	return nil
}
