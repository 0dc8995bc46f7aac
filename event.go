package glean

import (
	"context"

	"github.com/fosrl/glean/internal/metrics"
)

// MaxEventExtraLength bounds string extra values.
const MaxEventExtraLength = 500

// Event records timestamped occurrences with optional extras.
type Event struct {
	metric
	allowed map[string]struct{}
}

// NewEvent returns an event metric accepting the given extra keys.
func (g *Glean) NewEvent(md CommonMetricData, allowedExtraKeys ...string) *Event {
	e := &Event{metric: newMetric(g, md), allowed: map[string]struct{}{}}
	for _, k := range allowedExtraKeys {
		e.allowed[k] = struct{}{}
	}
	return e
}

// Record stores an occurrence now. Extra values may be strings, booleans or
// numbers. An unknown key or unsupported value drops the event and records an
// error; long strings are truncated.
func (e *Event) Record(extra map[string]any) {
	now := e.glean.clock.Now()
	copied := make(map[string]any, len(extra))
	for k, v := range extra {
		copied[k] = v
	}

	e.record("event", func(ctx context.Context, md metrics.CommonMetricData) error {
		ts := now.Sub(e.glean.getStartTime()).Milliseconds()
		if ts < 0 {
			ts = 0
		}

		extras, errType, msg := e.validExtras(copied)
		if errType != "" {
			return e.recordError(ctx, errType, msg)
		}
		for k, v := range extras {
			s, ok := v.(string)
			if !ok {
				continue
			}
			if truncated, cut := truncate(s, MaxEventExtraLength); cut {
				if err := e.recordError(ctx, metrics.ErrorInvalidOverflow, "extra value is too long, truncating"); err != nil {
					return err
				}
				extras[k] = truncated
			}
		}

		return e.glean.events.Record(ctx, md, metrics.RecordedEvent{
			Category:  md.Category,
			Name:      md.Name,
			Timestamp: ts,
			Extra:     extras,
		})
	})
}

func (e *Event) validExtras(extra map[string]any) (map[string]any, metrics.ErrorType, string) {
	if len(extra) == 0 {
		return nil, "", ""
	}
	out := make(map[string]any, len(extra))
	for k, v := range extra {
		if _, ok := e.allowed[k]; !ok {
			return nil, metrics.ErrorInvalidValue, "unknown extra key " + k
		}
		switch n := v.(type) {
		case string, bool, int64, float64:
			out[k] = v
		case int:
			out[k] = int64(n)
		case int32:
			out[k] = int64(n)
		case float32:
			out[k] = float64(n)
		default:
			return nil, metrics.ErrorInvalidType, "unsupported type of extra " + k
		}
	}
	return out, "", ""
}

// TestGetValue returns the events stored for ping without reserved extras.
func (e *Event) TestGetValue(ctx context.Context, ping string) ([]RecordedEvent, error) {
	var events []RecordedEvent
	err := e.glean.dispatcher.TestLaunch(ctx, func(ctx context.Context) error {
		var err error
		events, err = e.glean.events.GetEvents(ctx, e.pingOrDefault(ping), e.md)
		return err
	})
	return events, err
}
