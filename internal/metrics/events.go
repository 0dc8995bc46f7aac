package metrics

import (
	"strconv"
)

// Reserved event metadata.
const (
	// RestartedCategory and RestartedName identify the sentinel event stored
	// at every restart boundary.
	RestartedCategory = "glean"
	RestartedName     = "restarted"

	ExtraExecutionCounter = "#glean_execution_counter"
	ExtraStartupDate      = "#glean_startup_date"
)

// RecordedEvent is a single event as stored and reported.
type RecordedEvent struct {
	Category string `json:"category"`
	Name     string `json:"name"`
	// Timestamp is in milliseconds since the process started recording.
	Timestamp int64          `json:"timestamp"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Identifier is "category.name".
func (e RecordedEvent) Identifier() string {
	if e.Category == "" {
		return e.Name
	}
	return e.Category + "." + e.Name
}

// IsRestarted reports whether e is a restart sentinel.
func (e RecordedEvent) IsRestarted() bool {
	return e.Category == RestartedCategory && e.Name == RestartedName
}

// ExecutionCounter returns the counter stored in the reserved extra.
func (e RecordedEvent) ExecutionCounter() (int64, bool) {
	return AsInt64(e.Extra[ExtraExecutionCounter])
}

// ToValue converts e to its storage representation.
func (e RecordedEvent) ToValue() map[string]any {
	v := map[string]any{
		"category":  e.Category,
		"name":      e.Name,
		"timestamp": e.Timestamp,
	}
	if len(e.Extra) > 0 {
		extra := make(map[string]any, len(e.Extra))
		for k, x := range e.Extra {
			extra[k] = x
		}
		v["extra"] = extra
	}
	return v
}

// EventFromValue decodes a stored event. ok is false when v does not have the
// shape of an event.
func EventFromValue(v any) (RecordedEvent, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return RecordedEvent{}, false
	}
	category, ok := m["category"].(string)
	if !ok {
		return RecordedEvent{}, false
	}
	name, ok := m["name"].(string)
	if !ok || name == "" {
		return RecordedEvent{}, false
	}
	ts, ok := AsInt64(m["timestamp"])
	if !ok || ts < 0 {
		return RecordedEvent{}, false
	}
	e := RecordedEvent{Category: category, Name: name, Timestamp: ts}
	if raw, present := m["extra"]; present && raw != nil {
		extra, ok := raw.(map[string]any)
		if !ok {
			return RecordedEvent{}, false
		}
		e.Extra = make(map[string]any, len(extra))
		for k, x := range extra {
			switch x.(type) {
			case string, bool, int, int64, float64:
			default:
				return RecordedEvent{}, false
			}
			e.Extra[k] = x
		}
	}
	return e, true
}

// PayloadExtras strips reserved keys and stringifies the remaining extra
// values. It returns nil when nothing is left.
func PayloadExtras(extra map[string]any) map[string]string {
	var out map[string]string
	for k, v := range extra {
		if k == ExtraExecutionCounter || k == ExtraStartupDate {
			continue
		}
		if out == nil {
			out = make(map[string]string, len(extra))
		}
		out[k] = stringify(v)
	}
	return out
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return ""
}

// PayloadEvent is an event as it appears in a ping payload.
type PayloadEvent struct {
	Category  string            `json:"category"`
	Name      string            `json:"name"`
	Timestamp int64             `json:"timestamp"`
	Extra     map[string]string `json:"extra,omitempty"`
}
