package models

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// OptionKind enumerates the value shapes a widget option can carry.
// Widget options arrive as untyped JSON from the configuration layer;
// the cache core only ever needs them for discriminator extraction, so
// the sum stays closed (string, number, bool, null).
type OptionKind int

const (
	OptionNull OptionKind = iota
	OptionString
	OptionNumber
	OptionBool
)

// OptionValue is one widget option value.
type OptionValue struct {
	Kind OptionKind
	Str  string
	Num  float64
	Bool bool
}

// OptionMap holds a widget instance's configured options.
type OptionMap map[string]OptionValue

func StringValue(s string) OptionValue {
	return OptionValue{Kind: OptionString, Str: s}
}

func NumberValue(n float64) OptionValue {
	return OptionValue{Kind: OptionNumber, Num: n}
}

func BoolValue(b bool) OptionValue {
	return OptionValue{Kind: OptionBool, Bool: b}
}

func NullValue() OptionValue {
	return OptionValue{Kind: OptionNull}
}

// Canonical renders the value as a stable string for use inside a
// discriminator id. Numbers drop trailing zeros so 42 and 42.0 share a
// cache line.
func (v OptionValue) Canonical() string {
	switch v.Kind {
	case OptionString:
		return v.Str
	case OptionNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case OptionBool:
		return strconv.FormatBool(v.Bool)
	default:
		return ""
	}
}

func (v OptionValue) IsNull() bool {
	return v.Kind == OptionNull
}

func (v OptionValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case OptionString:
		return json.Marshal(v.Str)
	case OptionNumber:
		return json.Marshal(v.Num)
	case OptionBool:
		return json.Marshal(v.Bool)
	default:
		return []byte("null"), nil
	}
}

func (v *OptionValue) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to unmarshal option value: %w", err)
	}

	switch value := raw.(type) {
	case nil:
		*v = NullValue()
	case string:
		*v = StringValue(value)
	case float64:
		*v = NumberValue(value)
	case bool:
		*v = BoolValue(value)
	default:
		return fmt.Errorf("unsupported option value type %T", raw)
	}
	return nil
}

// OptionMapFromRaw converts an untyped options map (as decoded from
// JSON) into an OptionMap, rejecting nested objects and arrays.
func OptionMapFromRaw(raw map[string]interface{}) (OptionMap, error) {
	options := make(OptionMap, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case nil:
			options[key] = NullValue()
		case string:
			options[key] = StringValue(v)
		case float64:
			options[key] = NumberValue(v)
		case int:
			options[key] = NumberValue(float64(v))
		case int64:
			options[key] = NumberValue(float64(v))
		case bool:
			options[key] = BoolValue(v)
		default:
			return nil, fmt.Errorf("option %q has unsupported type %T", key, value)
		}
	}
	return options, nil
}
