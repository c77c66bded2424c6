package service

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/richardliu001/payledger/internal/apperr"
)

// Event is a provider event that has already been signature-verified by the
// caller.
type Event struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Livemode bool      `json:"livemode"`
	Created  int64     `json:"created"`
	Data     EventData `json:"data"`
}

type EventData struct {
	Object json.RawMessage `json:"object"`
}

// OccurredAt converts the provider's unix timestamp, nil when absent.
func (e Event) OccurredAt() *time.Time {
	if e.Created <= 0 {
		return nil
	}
	t := time.Unix(e.Created, 0).UTC()
	return &t
}

// Result is what the boundary reports back for a handled event.
type Result struct {
	Handled    bool   `json:"handled"`
	Deduped    bool   `json:"deduped"`
	ResourceID string `json:"resource_id,omitempty"`
}

// Metadata keys read from provider objects.
const (
	metaSubmissionID = "form_submission_id"
	metaSite         = "site"
)

// providerObject is data.object decoded with numbers kept exact.
type providerObject map[string]any

func decodeObject(raw json.RawMessage) (providerObject, error) {
	const op = "event.decode"
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, apperr.Validation(op, "data.object is missing")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj providerObject
	if err := dec.Decode(&obj); err != nil {
		return nil, apperr.Validation(op, "data.object is not a JSON object: %v", err)
	}
	if obj == nil {
		return nil, apperr.Validation(op, "data.object is null")
	}
	return obj, nil
}

func (o providerObject) str(key string) string {
	if v, ok := o[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func (o providerObject) requireStr(key string) (string, error) {
	v := o.str(key)
	if v == "" {
		return "", apperr.Validation("event.decode", "%s is required", key)
	}
	return v, nil
}

// ref reads a field that is either an id string or an expanded object.
func (o providerObject) ref(key string) string {
	switch v := o[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		if id, ok := v["id"].(string); ok {
			return strings.TrimSpace(id)
		}
	}
	return ""
}

// minorUnits reads an integer amount. Fractional, string or missing values
// are rejected.
func (o providerObject) minorUnits(key string) (int64, error) {
	const op = "event.decode"
	v, ok := o[key]
	if !ok || v == nil {
		return 0, apperr.Validation(op, "%s is required", key)
	}
	num, ok := v.(json.Number)
	if !ok {
		return 0, apperr.Validation(op, "%s must be an integer, got %T", key, v)
	}
	n, err := strconv.ParseInt(num.String(), 10, 64)
	if err != nil {
		return 0, apperr.Validation(op, "%s must be an integer number of minor units, got %s", key, num)
	}
	return n, nil
}

func (o providerObject) boolean(key string) bool {
	b, _ := o[key].(bool)
	return b
}

func (o providerObject) metadata() map[string]string {
	out := map[string]string{}
	raw, ok := o["metadata"].(map[string]any)
	if !ok {
		return out
	}
	for k, v := range raw {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out[k] = strings.TrimSpace(s)
		}
	}
	return out
}
