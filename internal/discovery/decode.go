// decode.go holds the tagged-variant decode step for Gamma API payload
// shapes that arrive inconsistently typed: clobTokenIds/outcomes may be a
// JSON array, a JSON-encoded array wrapped in a string, or a bare scalar.
// The leniency lives here, at the boundary; everything past this file
// works with plain []string and normalized outcome labels.
package discovery

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// flexID decodes a field that may arrive as either a JSON string or a
// JSON number (event "id" fields are inconsistent across Gamma
// responses) into a string.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	*f = flexID(data)
	return nil
}

// decodeLenientList normalizes a field that may be a JSON array, a
// JSON-encoded array packed into a string, or a bare scalar, into a list
// of raw JSON items. A bare scalar becomes a singleton list.
func decodeLenientList(data []byte) []json.RawMessage {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			var nested []json.RawMessage
			if err := json.Unmarshal([]byte(s), &nested); err == nil {
				return nested
			}
			// A plain string, not a JSON-encoded list: wrap as singleton.
			return []json.RawMessage{data}
		}
	}

	if data[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(data, &arr); err == nil {
			return arr
		}
	}

	// Bare scalar (number, bool, object): wrap as singleton.
	return []json.RawMessage{data}
}

// rawToTokenID decodes a single lenient-list item into a trimmed token ID
// string.
func rawToTokenID(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) >= 2 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return strings.TrimSpace(s)
		}
	}
	return strings.TrimSpace(string(trimmed))
}

// normalizeOutcome mirrors the Python original's outcome normalization:
// strip + lowercase strings, booleans become "true"/"false", numbers
// become their decimal form, and objects reduce to their
// label/name/value/id field.
func normalizeOutcome(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return ""
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return strings.ToLower(strings.TrimSpace(s))
		}
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err == nil {
			for _, key := range []string{"label", "name", "value", "id"} {
				if v, ok := obj[key]; ok {
					return normalizeOutcome(v)
				}
			}
		}
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err == nil {
			if b {
				return "true"
			}
			return "false"
		}
	default:
		var f float64
		if err := json.Unmarshal(trimmed, &f); err == nil {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
	}

	return strings.ToLower(strings.TrimSpace(string(trimmed)))
}
