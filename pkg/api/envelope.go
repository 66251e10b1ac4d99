package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Fields is a decoded JSON object whose keys may arrive in either
// lowerCamel or UpperCamel case. Typed getters take the field name in any
// casing and try the candidate keys from Keys in order.
type Fields map[string]any

// Keys returns the candidate JSON keys for a field name: lowerCamel first,
// then UpperCamel. Duplicates are removed.
func Keys(name string) []string {
	if name == "" {
		return nil
	}

	lower := withFirstRune(name, unicode.ToLower)
	upper := withFirstRune(name, unicode.ToUpper)

	if lower == upper {
		return []string{lower}
	}

	return []string{lower, upper}
}

func withFirstRune(s string, fn func(rune) rune) string {
	r, size := utf8.DecodeRuneInString(s)

	return string(fn(r)) + s[size:]
}

// Lookup returns the value of the first key present in f.
func (f Fields) Lookup(keys ...string) (any, bool) {
	for _, key := range keys {
		if v, ok := f[key]; ok && v != nil {
			return v, true
		}
	}

	return nil, false
}

func (f Fields) field(name string) (any, bool) {
	return f.Lookup(Keys(name)...)
}

// Has reports whether the field is present under any casing.
func (f Fields) Has(name string) bool {
	_, ok := f.field(name)

	return ok
}

// String returns the field as a string. Numbers and booleans are
// formatted; anything else yields "".
func (f Fields) String(name string) string {
	v, ok := f.field(name)
	if !ok {
		return ""
	}

	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

// Int64 returns the field as an int64. Numeric strings are accepted.
func (f Fields) Int64(name string) int64 {
	v, ok := f.field(name)
	if !ok {
		return 0
	}

	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}

		if fl, err := t.Float64(); err == nil {
			return int64(fl)
		}
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return n
		}
	}

	return 0
}

// Int returns the field as an int.
func (f Fields) Int(name string) int {
	return int(f.Int64(name))
}

// Float64 returns the field as a float64.
func (f Fields) Float64(name string) float64 {
	v, ok := f.field(name)
	if !ok {
		return 0
	}

	switch t := v.(type) {
	case json.Number:
		if fl, err := t.Float64(); err == nil {
			return fl
		}
	case float64:
		return t
	case string:
		if fl, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return fl
		}
	}

	return 0
}

// Bool returns the field as a bool. The strings "true" and "false" are
// accepted.
func (f Fields) Bool(name string) bool {
	b, _ := f.boolean(name)

	return b
}

func (f Fields) boolean(name string) (value, present bool) {
	v, ok := f.field(name)
	if !ok {
		return false, false
	}

	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return false, false
		}

		return b, true
	default:
		return false, false
	}
}

// Object returns the field as a nested object, or nil.
func (f Fields) Object(name string) Fields {
	v, ok := f.field(name)
	if !ok {
		return nil
	}

	if m, ok := v.(map[string]any); ok {
		return Fields(m)
	}

	return nil
}

// Objects returns the array elements of the field that are objects.
func (f Fields) Objects(name string) []Fields {
	raw := f.array(name)
	out := make([]Fields, 0, len(raw))

	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, Fields(m))
		}
	}

	return out
}

// Strings returns the string elements of an array field.
func (f Fields) Strings(name string) []string {
	raw := f.array(name)
	out := make([]string, 0, len(raw))

	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}

	return out
}

func (f Fields) array(name string) []any {
	v, ok := f.field(name)
	if !ok {
		return nil
	}

	arr, _ := v.([]any)

	return arr
}

// Envelope is the uniform wrapper returned by every control-plane endpoint.
type Envelope struct {
	// HasSuccessFlag is false when neither isSuccess nor IsSuccess is present.
	HasSuccessFlag bool
	Success        bool
	Result         Fields
	ErrorMessages  []string
}

// ParseEnvelope decodes a response body into an Envelope. It only fails
// when the body is not a JSON object.
func ParseEnvelope(body []byte) (*Envelope, error) {
	fields, err := decodeObject(body)
	if err != nil {
		return nil, newError(KindEnvelope, "Invalid JSON response", err)
	}

	success, hasFlag := fields.boolean("isSuccess")

	return &Envelope{
		HasSuccessFlag: hasFlag,
		Success:        success,
		Result:         fields.Object("result"),
		ErrorMessages:  fields.Strings("errorMessages"),
	}, nil
}

// Extract returns the result payload when the envelope reports success.
// Otherwise the first error message is surfaced, or "Request failed" when
// the server sent none.
func (e *Envelope) Extract() (Fields, error) {
	if e.Success && e.Result != nil {
		return e.Result, nil
	}

	// Missing flag or missing payload is a shape problem, not a refusal.
	if (!e.HasSuccessFlag && len(e.ErrorMessages) == 0) || e.Success {
		return nil, newError(KindEnvelope, e.FirstError("Request failed"), nil)
	}

	return nil, newError(KindRejected, e.FirstError("Request failed"), nil)
}

// FirstError returns the first error message or fallback.
func (e *Envelope) FirstError(fallback string) string {
	for _, msg := range e.ErrorMessages {
		if strings.TrimSpace(msg) != "" {
			return msg
		}
	}

	return fallback
}

// ExtractResult parses body and extracts the success payload in one step.
func ExtractResult(body []byte) (Fields, error) {
	env, err := ParseEnvelope(body)
	if err != nil {
		return nil, err
	}

	return env.Extract()
}

func decodeObject(body []byte) (Fields, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding body: %w", err)
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected JSON object, got %T", v)
	}

	return Fields(obj), nil
}
