package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var fenceRe = regexp.MustCompile("^```(?:json)?\\s*|\\s*```$")

// ExtractJSON pulls the outermost JSON object out of a model answer.
// Markdown code fences are stripped first; prose around the object is ignored.
func ExtractJSON(raw string) (string, error) {
	s := fenceRe.ReplaceAllString(strings.TrimSpace(raw), "")
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", ErrNoJSON
	}
	return s[start : end+1], nil
}

// DecodeJSON extracts the JSON object from raw and unmarshals it into v.
func DecodeJSON(raw string, v any) error {
	obj, err := ExtractJSON(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(obj), v); err != nil {
		return fmt.Errorf("%w: %v", ErrNoJSON, err)
	}
	return nil
}

// Bool interprets loosely typed model output as a boolean.
// Strings "true", "yes", "si", "sí" and "1" are true; numbers are true when non-zero.
func Bool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "yes", "si", "sí", "1":
			return true
		}
	case float64:
		return b != 0
	case json.Number:
		f, err := b.Float64()
		return err == nil && f != 0
	}
	return false
}

// FirstBool returns the boolean at the first alias key present in m.
func FirstBool(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return Bool(v)
		}
	}
	return false
}

// Float interprets a number or numeric string; ok is false otherwise.
func Float(v any) (float64, bool) {
	switch f := v.(type) {
	case float64:
		return f, true
	case string:
		x, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		return x, err == nil
	case json.Number:
		x, err := f.Float64()
		return x, err == nil
	}
	return 0, false
}

// String returns v as a trimmed string; nil and non-strings become "".
func String(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return ""
}
