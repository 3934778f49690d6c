package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// ErrValidation matches every *ValidationError through errors.Is.
var ErrValidation = errors.New("validation error")

// FieldError is one problem found at a dotted field path such as
// items.[0].annotations.[1].value.
type FieldError struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

func (f FieldError) String() string {
	if f.Path == "" {
		return f.Reason
	}
	return `"` + f.Path + `": ` + f.Reason
}

// ValidationError aggregates every FieldError found in one payload, in the
// order they were found.
type ValidationError struct {
	Issues []FieldError
}

func (e *ValidationError) Error() string {
	lines := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		lines[i] = issue.String()
	}
	return strings.Join(lines, "\n")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Prefix returns a copy of e with every path nested under prefix.
func (e *ValidationError) Prefix(prefix string) *ValidationError {
	out := &ValidationError{Issues: make([]FieldError, len(e.Issues))}
	for i, issue := range e.Issues {
		out.Issues[i] = FieldError{Path: joinPath(prefix, issue.Path), Reason: issue.Reason}
	}
	return out
}

// issues collects FieldErrors while walking a decoded payload.
type issues struct {
	list []FieldError
}

func (is *issues) add(path, reason string) {
	is.list = append(is.list, FieldError{Path: path, Reason: reason})
}

func (is *issues) addf(path, format string, args ...interface{}) {
	is.add(path, fmt.Sprintf(format, args...))
}

func (is *issues) err() error {
	if len(is.list) == 0 {
		return nil
	}
	return &ValidationError{Issues: is.list}
}

func joinPath(prefix, key string) string {
	switch {
	case prefix == "":
		return key
	case key == "":
		return prefix
	}
	return prefix + "." + key
}

func indexPath(prefix string, i int) string {
	return joinPath(prefix, "["+strconv.Itoa(i)+"]")
}

const (
	reasonRequired = "Field required"
	reasonString   = "Input should be a valid string"
	reasonInt      = "Input should be a valid integer"
	reasonNumber   = "Input should be a valid number"
	reasonBool     = "Input should be a valid boolean"
	reasonList     = "Input should be a valid list"
	reasonObject   = "Input should be a valid dictionary"
	reasonURL      = "Input should be a valid URL"
)

// decodeLoose decodes JSON keeping numbers as json.Number so integer-ness is
// not lost before validation.
func decodeLoose(data []byte) (interface{}, error) {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func asObject(is *issues, path string, v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		is.add(path, reasonObject)
	}
	return m, ok
}

func asList(is *issues, path string, v interface{}) ([]interface{}, bool) {
	l, ok := v.([]interface{})
	if !ok {
		is.add(path, reasonList)
	}
	return l, ok
}

func present(m map[string]interface{}, key string) (interface{}, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func requiredString(is *issues, m map[string]interface{}, key, path string) string {
	v, ok := present(m, key)
	if !ok {
		is.add(joinPath(path, key), reasonRequired)
		return ""
	}
	s, ok := v.(string)
	if !ok {
		is.add(joinPath(path, key), reasonString)
	}
	return s
}

func optionalString(is *issues, m map[string]interface{}, key, path string) string {
	v, ok := present(m, key)
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		is.add(joinPath(path, key), reasonString)
	}
	return s
}

// coerceInt accepts integral numbers and numeric strings.
func coerceInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil && f == math.Trunc(f) {
			return int64(f), true
		}
	case float64:
		if n == math.Trunc(n) {
			return int64(n), true
		}
	case int:
		return int64(n), true
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}

func coerceFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func requiredInt(is *issues, m map[string]interface{}, key, path string) int64 {
	v, ok := present(m, key)
	if !ok {
		is.add(joinPath(path, key), reasonRequired)
		return 0
	}
	i, ok := coerceInt(v)
	if !ok {
		is.add(joinPath(path, key), reasonInt)
	}
	return i
}

func optionalInt(is *issues, m map[string]interface{}, key, path string) (int64, bool) {
	v, ok := present(m, key)
	if !ok {
		return 0, false
	}
	i, ok := coerceInt(v)
	if !ok {
		is.add(joinPath(path, key), reasonInt)
		return 0, false
	}
	return i, true
}

func optionalFloat(is *issues, m map[string]interface{}, key, path string) (float64, bool) {
	v, ok := present(m, key)
	if !ok {
		return 0, false
	}
	f, ok := coerceFloat(v)
	if !ok {
		is.add(joinPath(path, key), reasonNumber)
		return 0, false
	}
	return f, true
}

func optionalBool(is *issues, m map[string]interface{}, key, path string) bool {
	v, ok := present(m, key)
	if !ok {
		return false
	}
	b, ok := v.(bool)
	if !ok {
		is.add(joinPath(path, key), reasonBool)
	}
	return b
}

func checkUnit(is *issues, path string, f float64) {
	if f < 0 {
		is.add(path, "Input should be greater than or equal to 0")
	} else if f > 1 {
		is.add(path, "Input should be less than or equal to 1")
	}
}

// NormalizeURL parses an absolute http(s) URL and gives an empty path a
// trailing slash, so http://example.com and http://example.com/ compare equal.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%q is not an absolute URL", raw)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

func optionalURL(is *issues, m map[string]interface{}, key, path string) string {
	s := optionalString(is, m, key, path)
	if s == "" {
		return ""
	}
	norm, err := NormalizeURL(s)
	if err != nil {
		is.add(joinPath(path, key), reasonURL)
		return s
	}
	return norm
}

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:[-_][a-z0-9]+)*$`)

// ValidSlug reports whether id may be used as an action or fetcher id.
func ValidSlug(id string) bool {
	return slugPattern.MatchString(id)
}
