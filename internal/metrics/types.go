package metrics

import (
	"math"

	"github.com/google/uuid"
)

// Metric type names as they appear in storage and ping payloads.
const (
	TypeBoolean    = "boolean"
	TypeCounter    = "counter"
	TypeDatetime   = "datetime"
	TypeQuantity   = "quantity"
	TypeString     = "string"
	TypeStringList = "string_list"
	TypeUUID       = "uuid"

	labeledPrefix = "labeled_"
)

// MaxStringLength is the longest string value a string metric keeps.
const MaxStringLength = 100

// LabeledType is the payload type name of a labeled metric of type t.
func LabeledType(t string) string {
	return labeledPrefix + t
}

// Validate reports whether v has the stored shape of metric type t. Unknown
// types never validate.
func Validate(t string, v any) bool {
	switch t {
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeCounter:
		n, ok := AsInt64(v)
		return ok && n > 0
	case TypeQuantity:
		n, ok := AsInt64(v)
		return ok && n >= 0
	case TypeString, TypeDatetime:
		_, ok := v.(string)
		return ok
	case TypeUUID:
		s, ok := v.(string)
		if !ok {
			return false
		}
		_, err := uuid.Parse(s)
		return err == nil
	case TypeStringList:
		_, ok := AsStringList(v)
		return ok
	}
	return false
}

// AsInt64 converts the numeric representations a backend may hand back.
// JSON-backed stores decode numbers as float64; those are accepted only when
// integral.
func AsInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || n > math.MaxInt64 || n < math.MinInt64 {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

// AsStringList converts a stored list to []string.
func AsStringList(v any) ([]string, bool) {
	switch l := v.(type) {
	case []string:
		return l, true
	case []any:
		out := make([]string, 0, len(l))
		for _, e := range l {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// Normalize converts a validated value to the representation used in
// payloads, independent of the backend it was read from.
func Normalize(t string, v any) any {
	switch t {
	case TypeCounter, TypeQuantity:
		n, _ := AsInt64(v)
		return n
	case TypeStringList:
		l, _ := AsStringList(v)
		return l
	}
	return v
}
