package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/xeipuuv/gojsonschema"
)

// Violation reasons.
const (
	ReasonUnattributable = "unattributable"
	ReasonSchemaMismatch = "schema_mismatch"
)

// Violation explains why an object does not conform to its contract.
type Violation struct {
	Reason string
	Detail string
}

func (v *Violation) Error() string {
	return v.Reason + ": " + v.Detail
}

// Conformed is an object that satisfies its event type contract.
type Conformed struct {
	EventType string
	SessionID string
	EventTime time.Time
	Payload   map[string]any

	// Defaulted lists the required fields filled from documented defaults, sorted.
	Defaulted []string
}

// Canonical renders the payload as JSON with sorted keys.
func (c Conformed) Canonical() (json.RawMessage, error) {
	data, err := json.Marshal(c.Payload)
	if err != nil {
		return nil, fmt.Errorf("canonical payload: %w", err)
	}
	return data, nil
}

// Conform checks obj against the contract of its event type. Missing required
// fields other than the identity fields are filled from their defaults. obj is
// not modified.
func (r *Registry) Conform(obj map[string]any) (Conformed, *Violation) {
	eventType, v := identity(obj, r.eventField)
	if v != nil {
		return Conformed{}, v
	}
	session, v := identity(obj, r.sessionField)
	if v != nil {
		return Conformed{}, v
	}

	ts := r.Lookup(eventType)
	payload := make(map[string]any, len(obj)+len(ts.Required))
	for k, v := range obj {
		payload[k] = v
	}

	var defaulted []string
	for _, f := range ts.Required {
		if v, present := payload[f.Name]; present && v != nil {
			continue
		}
		payload[f.Name] = f.Default
		defaulted = append(defaulted, f.Name)
	}

	result, err := ts.validator.Validate(gojsonschema.NewGoLoader(payload))
	if err != nil {
		return Conformed{}, &Violation{Reason: ReasonSchemaMismatch, Detail: err.Error()}
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.Field()+": "+desc.Description())
		}
		return Conformed{}, &Violation{Reason: ReasonSchemaMismatch, Detail: strings.Join(details, "; ")}
	}

	var eventTime time.Time
	if raw, present := payload[r.timeField]; present && raw != nil {
		s, _ := raw.(string)
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return Conformed{}, &Violation{Reason: ReasonSchemaMismatch, Detail: fmt.Sprintf("%s: unparseable time %q", r.timeField, s)}
		}
		eventTime = t.UTC()
	}

	return Conformed{
		EventType: eventType,
		SessionID: session,
		EventTime: eventTime,
		Payload:   payload,
		Defaulted: defaulted,
	}, nil
}

// identity returns a non-blank identity field. Control characters (NUL in
// particular) are rejected: identity values are stored as TEXT columns.
func identity(obj map[string]any, field string) (string, *Violation) {
	s, ok := obj[field].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", &Violation{Reason: ReasonUnattributable, Detail: "missing " + field}
	}
	if strings.ContainsFunc(s, unicode.IsControl) {
		return "", &Violation{Reason: ReasonUnattributable, Detail: fmt.Sprintf("control character in %s %q", field, s)}
	}
	return s, nil
}
