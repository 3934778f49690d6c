package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	// ErrUnknownFormat is returned for a format tag nobody registered.
	ErrUnknownFormat = errors.New("unknown result format")
	// ErrFormatConflict is returned when a format or a result type is
	// registered twice.
	ErrFormatConflict = errors.New("result format already registered")
)

// Result is a typed payload that knows how to check its own shape.
type Result interface {
	Validate() error
}

const (
	FormatJSON   = "json"
	FormatImage  = "image"
	FormatGraph  = "graph"
	FormatStatus = "status"
	// FormatPivot is only valid on action results; the output is a URL.
	FormatPivot = "pivot"
)

type resultCodec struct {
	format string
	typ    reflect.Type
	decode func(json.RawMessage) (interface{}, error)
}

// formats maps format tags to result types one-to-one. json is the only tag
// without a Go type: it accepts any JSON value.
type formats struct {
	mu       sync.RWMutex
	byFormat map[string]resultCodec
	byType   map[reflect.Type]string
}

var registry = &formats{
	byFormat: map[string]resultCodec{
		FormatJSON: {format: FormatJSON, decode: decodeAnyJSON},
	},
	byType: map[reflect.Type]string{},
}

func init() {
	mustRegister(RegisterResult[ImageResult](FormatImage))
	mustRegister(RegisterResult[GraphResult](FormatGraph))
	mustRegister(RegisterResult[StatusResult](FormatStatus))
}

func mustRegister(err error) {
	if err != nil {
		panic(err)
	}
}

// RegisterResult binds format to the result type T. Both the tag and the type
// may only be bound once.
func RegisterResult[T any, PT interface {
	*T
	Result
}](format string) error {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" || format == FormatPivot {
		return fmt.Errorf("%w: %q is reserved", ErrFormatConflict, format)
	}
	typ := reflect.TypeOf((*T)(nil)).Elem()

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, ok := registry.byFormat[format]; ok {
		return fmt.Errorf("%w: %s", ErrFormatConflict, format)
	}
	if existing, ok := registry.byType[typ]; ok {
		return fmt.Errorf("%w: %s is already bound to %s", ErrFormatConflict, typ.Name(), existing)
	}

	registry.byFormat[format] = resultCodec{
		format: format,
		typ:    typ,
		decode: func(raw json.RawMessage) (interface{}, error) {
			var v T
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, fmt.Errorf("data does not match format %s: %w", format, err)
			}
			if err := PT(&v).Validate(); err != nil {
				return nil, err
			}
			return v, nil
		},
	}
	registry.byType[typ] = format
	return nil
}

// Formats lists every registered format tag.
func Formats() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	out := make([]string, 0, len(registry.byFormat))
	for f := range registry.byFormat {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// KnownFormat reports whether format has been registered.
func KnownFormat(format string) bool {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	_, ok := registry.byFormat[format]
	return ok
}

// FormatOf returns the format bound to the dynamic type of v, if any.
func FormatOf(v interface{}) (string, bool) {
	if v == nil {
		return "", false
	}
	typ := reflect.TypeOf(v)
	if typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	f, ok := registry.byType[typ]
	return f, ok
}

// DecodeResult decodes raw into the type registered for format. Unknown
// formats fail closed.
func DecodeResult(format string, raw json.RawMessage) (interface{}, error) {
	registry.mu.RLock()
	codec, ok := registry.byFormat[format]
	registry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
	return codec.decode(raw)
}

// checkData verifies that a Go value v is an acceptable payload for format.
func checkData(format string, v interface{}) error {
	if bound, ok := FormatOf(v); ok {
		if bound != format {
			return fmt.Errorf("Format should be %s if data is of type %s", bound, typeName(v))
		}
		if r, ok := v.(Result); ok {
			return r.Validate()
		}
		return nil
	}
	if !KnownFormat(format) {
		return fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
	if s, ok := v.(string); ok && format == FormatJSON {
		if !json.Valid([]byte(s)) {
			return errors.New("Data must be valid JSON")
		}
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("Data must be valid JSON: %w", err)
	}
	_, err = DecodeResult(format, raw)
	return err
}

func typeName(v interface{}) string {
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

func decodeAnyJSON(raw json.RawMessage) (interface{}, error) {
	v, err := decodeLoose(raw)
	if err != nil {
		return nil, fmt.Errorf("Data must be valid JSON: %w", err)
	}
	return v, nil
}

// ImageResult points at an image by URL or data URI.
type ImageResult struct {
	Image string `json:"image"`
	Alt   string `json:"alt"`
}

func (r ImageResult) Validate() error {
	is := &issues{}
	if r.Image == "" {
		is.add("image", reasonRequired)
	} else if !strings.HasPrefix(r.Image, "data:") {
		if u, err := url.Parse(r.Image); err != nil || u.Scheme == "" || u.Host == "" {
			is.add("image", reasonURL)
		}
	}
	if r.Alt == "" {
		is.add("alt", reasonRequired)
	}
	return is.err()
}

// GraphNode is one vertex in a graph result row.
type GraphNode struct {
	ID    string                 `json:"id"`
	Edges []string               `json:"edges"`
	Label string                 `json:"label,omitempty"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// GraphMetadata describes how a graph result should be drawn.
type GraphMetadata struct {
	Type    string                 `json:"type,omitempty"`
	Display map[string]interface{} `json:"display,omitempty"`
}

// GraphResult is a layered node graph: each row of Data is one level.
type GraphResult struct {
	Metadata *GraphMetadata `json:"metadata,omitempty"`
	Data     [][]GraphNode  `json:"data"`
}

func (r GraphResult) Validate() error {
	is := &issues{}
	if r.Data == nil {
		is.add("data", reasonRequired)
	}
	for i, row := range r.Data {
		for j, node := range row {
			if node.ID == "" {
				is.add(indexPath(indexPath("data", i), j)+".id", reasonRequired)
			}
		}
	}
	return is.err()
}

// StatusLabel is a localized status text.
type StatusLabel struct {
	Language string `json:"language"`
	Label    string `json:"label"`
}

// StatusResult is a short coloured status badge.
type StatusResult struct {
	Labels []StatusLabel `json:"labels"`
	Color  string        `json:"color,omitempty"`
	Link   string        `json:"link,omitempty"`
}

var hexColor = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

var localizationLanguages atomic.Value

// SetLocalizationLanguages sets the languages every StatusResult must label.
func SetLocalizationLanguages(langs []string) {
	clean := make([]string, 0, len(langs))
	for _, l := range langs {
		if l = strings.TrimSpace(l); l != "" {
			clean = append(clean, l)
		}
	}
	localizationLanguages.Store(clean)
}

// LocalizationLanguages returns the configured label languages.
func LocalizationLanguages() []string {
	langs, _ := localizationLanguages.Load().([]string)
	return langs
}

func (r StatusResult) Validate() error {
	is := &issues{}
	have := make(map[string]struct{}, len(r.Labels))
	for i, l := range r.Labels {
		if l.Language == "" {
			is.add(indexPath("labels", i)+".language", reasonRequired)
		}
		if l.Label == "" {
			is.add(indexPath("labels", i)+".label", reasonRequired)
		}
		have[l.Language] = struct{}{}
	}
	for _, lang := range LocalizationLanguages() {
		if _, ok := have[lang]; !ok {
			is.addf("labels", "Missing label for language %s", lang)
		}
	}
	if r.Color != "" && !hexColor.MatchString(r.Color) {
		is.add("color", "Color must be a hex color such as #00ff00")
	}
	return is.err()
}
