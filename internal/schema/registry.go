// Package schema holds the per-event-type field contracts used to validate
// parsed events and to guide repair. A Registry is built once at startup and
// is read-only afterwards, so it can be shared by every pipeline and repair
// worker without locking.
package schema

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed cowrie.yaml
var defaultCatalogue []byte

// ErrInvalidCatalogue is returned when a catalogue cannot be loaded.
var ErrInvalidCatalogue = errors.New("invalid schema catalogue")

// Field types understood by the registry. TypeAny disables type checking.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
	TypeAny     = "any"
)

// Field is one documented field of an event type.
type Field struct {
	Name    string
	Type    string
	Default any
}

// EventTypeSchema is the contract for one event type.
type EventTypeSchema struct {
	Name     string
	Required []Field
	Optional []Field

	validator *gojsonschema.Schema
}

// Registry is the immutable set of event type contracts.
type Registry struct {
	fallback     string
	eventField   string
	sessionField string
	timeField    string
	types        map[string]*EventTypeSchema
	arrayFields  map[string]string
}

type catalogue struct {
	FallbackType string `yaml:"fallback_type"`
	Fields       struct {
		EventType string `yaml:"event_type"`
		Session   string `yaml:"session"`
		Timestamp string `yaml:"timestamp"`
	} `yaml:"fields"`
	Common typeSpec            `yaml:"common"`
	Types  map[string]typeSpec `yaml:"types"`
}

type typeSpec struct {
	Required map[string]fieldSpec `yaml:"required"`
	Optional map[string]fieldSpec `yaml:"optional"`
}

type fieldSpec struct {
	Type    string `yaml:"type"`
	Default any    `yaml:"default"`
}

// Default returns the registry built from the embedded Cowrie catalogue.
func Default() (*Registry, error) {
	return Parse(defaultCatalogue)
}

// Load reads a catalogue from path, or the embedded default when path is empty.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidCatalogue, path, err)
	}
	return Parse(data)
}

// Parse builds a registry from YAML catalogue bytes.
func Parse(data []byte) (*Registry, error) {
	var cat catalogue
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalogue, err)
	}
	if cat.FallbackType == "" {
		return nil, fmt.Errorf("%w: fallback_type is required", ErrInvalidCatalogue)
	}

	r := &Registry{
		fallback:     cat.FallbackType,
		eventField:   orDefault(cat.Fields.EventType, "eventid"),
		sessionField: orDefault(cat.Fields.Session, "session"),
		timeField:    orDefault(cat.Fields.Timestamp, "timestamp"),
		types:        make(map[string]*EventTypeSchema, len(cat.Types)+1),
		arrayFields:  make(map[string]string),
	}

	if _, ok := cat.Types[cat.FallbackType]; !ok {
		if cat.Types == nil {
			cat.Types = make(map[string]typeSpec)
		}
		cat.Types[cat.FallbackType] = typeSpec{}
	}

	for _, name := range sortedKeys(cat.Types) {
		ts, err := r.buildType(name, cat.Types[name], cat.Common)
		if err != nil {
			return nil, err
		}
		r.types[name] = ts

		for _, f := range append(append([]Field{}, ts.Required...), ts.Optional...) {
			if f.Type != TypeArray {
				continue
			}
			// Sorted iteration makes the first owner win deterministically.
			if _, taken := r.arrayFields[f.Name]; !taken {
				r.arrayFields[f.Name] = name
			}
		}
	}
	return r, nil
}

func (r *Registry) buildType(name string, spec, common typeSpec) (*EventTypeSchema, error) {
	ts := &EventTypeSchema{Name: name}

	required := mergeFields(common.Required, spec.Required)
	optional := mergeFields(common.Optional, spec.Optional)
	for _, f := range required {
		delete(optional, f.Name)
	}

	for _, f := range sortedFields(required) {
		if f.Name == r.eventField || f.Name == r.sessionField {
			return nil, fmt.Errorf("%w: %s: identity field %q cannot be declared", ErrInvalidCatalogue, name, f.Name)
		}
		if err := checkField(name, f, true); err != nil {
			return nil, err
		}
		ts.Required = append(ts.Required, f)
	}
	for _, f := range sortedFields(optional) {
		if err := checkField(name, f, false); err != nil {
			return nil, err
		}
		ts.Optional = append(ts.Optional, f)
	}

	doc := r.jsonSchema(ts)
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: compile: %v", ErrInvalidCatalogue, name, err)
	}
	ts.validator = compiled
	return ts, nil
}

// jsonSchema renders the type contract as a draft-07 JSON Schema document.
// Required non-identity fields are filled before validation, so only the
// identity fields are listed as required.
func (r *Registry) jsonSchema(ts *EventTypeSchema) map[string]any {
	props := map[string]any{
		r.eventField:   map[string]any{"type": "string", "minLength": 1},
		r.sessionField: map[string]any{"type": "string", "minLength": 1},
	}
	for _, f := range append(append([]Field{}, ts.Required...), ts.Optional...) {
		if f.Type == TypeAny {
			continue
		}
		props[f.Name] = map[string]any{"type": f.Type}
	}
	return map[string]any{
		"$schema":    "http://json-schema.org/draft-07/schema#",
		"type":       "object",
		"properties": props,
		"required":   []any{r.eventField, r.sessionField},
	}
}

func checkField(typeName string, f Field, required bool) error {
	switch f.Type {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeArray, TypeObject, TypeAny:
	case "":
		return fmt.Errorf("%w: %s.%s: missing type", ErrInvalidCatalogue, typeName, f.Name)
	default:
		return fmt.Errorf("%w: %s.%s: unknown type %q", ErrInvalidCatalogue, typeName, f.Name, f.Type)
	}
	if required && f.Default == nil {
		return fmt.Errorf("%w: %s.%s: required field needs a documented default", ErrInvalidCatalogue, typeName, f.Name)
	}
	if f.Default != nil && !matchesType(f.Default, f.Type) {
		return fmt.Errorf("%w: %s.%s: default %v is not %s", ErrInvalidCatalogue, typeName, f.Name, f.Default, f.Type)
	}
	return nil
}

func matchesType(v any, typ string) bool {
	switch typ {
	case TypeAny:
		return true
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeInteger:
		switch n := v.(type) {
		case int, int64, uint64:
			return true
		case float64:
			return n == float64(int64(n))
		case json.Number:
			_, err := n.Int64()
			return err == nil
		}
		return false
	case TypeNumber:
		switch v.(type) {
		case int, int64, uint64, float64, json.Number:
			return true
		}
		return false
	case TypeArray:
		_, ok := v.([]any)
		return ok
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}

// Lookup returns the contract for eventType, or the fallback contract when
// the type is not catalogued.
func (r *Registry) Lookup(eventType string) *EventTypeSchema {
	if ts, ok := r.types[eventType]; ok {
		return ts
	}
	return r.types[r.fallback]
}

// Known reports whether eventType is catalogued explicitly.
func (r *Registry) Known(eventType string) bool {
	if eventType == r.fallback {
		return false
	}
	_, ok := r.types[eventType]
	return ok
}

// Types returns the catalogued event type names in sorted order.
func (r *Registry) Types() []string {
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FallbackType is the event type assigned to records with no recognizable type.
func (r *Registry) FallbackType() string { return r.fallback }

// EventField is the payload key holding the event type.
func (r *Registry) EventField() string { return r.eventField }

// SessionField is the payload key holding the session identifier.
func (r *Registry) SessionField() string { return r.sessionField }

// TimestampField is the payload key holding the event time.
func (r *Registry) TimestampField() string { return r.timeField }

// ArrayFieldOwner returns the event type owning the array-valued field name.
func (r *Registry) ArrayFieldOwner(field string) (string, bool) {
	owner, ok := r.arrayFields[field]
	return owner, ok
}

// ArrayFields returns a copy of the array-field index.
func (r *Registry) ArrayFields() map[string]string {
	out := make(map[string]string, len(r.arrayFields))
	for k, v := range r.arrayFields {
		out[k] = v
	}
	return out
}

func mergeFields(sets ...map[string]fieldSpec) map[string]Field {
	out := make(map[string]Field)
	for _, set := range sets {
		for name, spec := range set {
			out[name] = Field{Name: name, Type: spec.Type, Default: spec.Default}
		}
	}
	return out
}

func sortedFields(m map[string]Field) []Field {
	out := make([]Field, 0, len(m))
	for _, f := range m {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
