package metrics_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fosrl/glean/internal/metrics"
	"github.com/fosrl/glean/internal/storage"
)

func TestIdentifiers(t *testing.T) {
	t.Parallel()

	md := metrics.CommonMetricData{Category: "aCategory", Name: "aMetric"}
	assert.Equal(t, "aCategory.aMetric", md.BaseIdentifier())
	assert.Equal(t, "aCategory.aMetric", md.Identifier())

	labeled := md.WithLabel("foo")
	assert.Equal(t, "aCategory.aMetric/foo", labeled.Identifier())
	assert.Equal(t, "aCategory.aMetric", labeled.BaseIdentifier())
	assert.Empty(t, md.DynamicLabel, "WithLabel must not modify the receiver")

	base, label, ok := metrics.SplitLabel(labeled.Identifier())
	require.True(t, ok)
	assert.Equal(t, "aCategory.aMetric", base)
	assert.Equal(t, "foo", label)

	_, _, ok = metrics.SplitLabel("aCategory.aMetric")
	assert.False(t, ok)

	assert.Equal(t, "noCategory", metrics.CommonMetricData{Name: "noCategory"}.Identifier())
	assert.True(t, metrics.IsReserved("glean.internal.metrics.execution_counter"))
	assert.False(t, metrics.IsReserved("glean.error.invalid_value"))
}

func TestLifetime(t *testing.T) {
	t.Parallel()

	assert.Equal(t, storage.RootPingMetrics, metrics.LifetimePing.StorageRoot())
	assert.Equal(t, storage.RootAppMetrics, metrics.LifetimeApplication.StorageRoot())
	assert.Equal(t, storage.RootUserMetrics, metrics.LifetimeUser.StorageRoot())
	assert.False(t, metrics.Lifetime("forever").Valid())
	assert.Equal(t, metrics.LifetimePing, metrics.CommonMetricData{}.EffectiveLifetime())
}

func TestValidLabel(t *testing.T) {
	t.Parallel()

	assert.True(t, metrics.ValidLabel("label"))
	assert.True(t, metrics.ValidLabel("with spaces and CAPS.1"))
	assert.True(t, metrics.ValidLabel(strings.Repeat("a", metrics.MaxLabelLength)))
	assert.False(t, metrics.ValidLabel(""))
	assert.False(t, metrics.ValidLabel(strings.Repeat("a", metrics.MaxLabelLength+1)))
	assert.False(t, metrics.ValidLabel("tab\there"))
	assert.False(t, metrics.ValidLabel("émoji"))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		typ   string
		value any
		want  bool
	}{
		{"counter int", metrics.TypeCounter, 3, true},
		{"counter float from json", metrics.TypeCounter, float64(3), true},
		{"counter zero", metrics.TypeCounter, 0, false},
		{"counter fraction", metrics.TypeCounter, 1.5, false},
		{"counter string", metrics.TypeCounter, "3", false},
		{"quantity zero", metrics.TypeQuantity, int64(0), true},
		{"quantity negative", metrics.TypeQuantity, -1, false},
		{"boolean", metrics.TypeBoolean, false, true},
		{"boolean string", metrics.TypeBoolean, "false", false},
		{"string", metrics.TypeString, "value", true},
		{"uuid", metrics.TypeUUID, "c0ffeec0-ffee-c0ff-eec0-ffeec0ffeec0", true},
		{"uuid invalid", metrics.TypeUUID, "not-a-uuid", false},
		{"string list", metrics.TypeStringList, []any{"a", "b"}, true},
		{"string list mixed", metrics.TypeStringList, []any{"a", 1}, false},
		{"datetime", metrics.TypeDatetime, "2024-01-01T10:00+00:00", true},
		{"unknown type", "timing_distribution", 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, metrics.Validate(tt.typ, tt.value))
		})
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(3), metrics.Normalize(metrics.TypeCounter, float64(3)))
	assert.Equal(t, []string{"a"}, metrics.Normalize(metrics.TypeStringList, []any{"a"}))
	assert.Equal(t, true, metrics.Normalize(metrics.TypeBoolean, true))
	assert.Equal(t, "labeled_counter", metrics.LabeledType(metrics.TypeCounter))
}

func TestFormatDatetime(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("", 90*60)
	ts := time.Date(2024, 3, 9, 14, 25, 36, 123456789, loc)

	assert.Equal(t, "2024-03-09+01:30", metrics.FormatDatetime(ts, metrics.TimeUnitDay))
	assert.Equal(t, "2024-03-09T14:25+01:30", metrics.FormatDatetime(ts, metrics.TimeUnitMinute))
	assert.Equal(t, "2024-03-09T14:25:36.123+01:30", metrics.FormatDatetime(ts, metrics.TimeUnitMillisecond))

	parsed, err := metrics.ParseDatetime("2024-03-09T14:25+01:30", metrics.TimeUnitMinute)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(ts.Truncate(time.Minute)))
}

func TestEventRoundTrip(t *testing.T) {
	t.Parallel()

	e := metrics.RecordedEvent{
		Category:  "ui",
		Name:      "click",
		Timestamp: 42,
		Extra: map[string]any{
			"button":                      "ok",
			"count":                       float64(2),
			"enabled":                     true,
			metrics.ExtraExecutionCounter: 3,
		},
	}
	decoded, ok := metrics.EventFromValue(storage.DeepCopy(e.ToValue()))
	require.True(t, ok)
	assert.Equal(t, e, decoded)

	counter, ok := decoded.ExecutionCounter()
	require.True(t, ok)
	assert.EqualValues(t, 3, counter)

	assert.Equal(t, map[string]string{
		"button":  "ok",
		"count":   "2",
		"enabled": "true",
	}, metrics.PayloadExtras(decoded.Extra))
	assert.Nil(t, metrics.PayloadExtras(map[string]any{metrics.ExtraStartupDate: "x"}))
}

func TestEventFromValueRejectsBadShapes(t *testing.T) {
	t.Parallel()

	for name, v := range map[string]any{
		"not a map":        "event",
		"missing name":     map[string]any{"category": "a", "timestamp": 1},
		"bad timestamp":    map[string]any{"category": "a", "name": "b", "timestamp": "1"},
		"negative ts":      map[string]any{"category": "a", "name": "b", "timestamp": -1},
		"nested extra":     map[string]any{"category": "a", "name": "b", "timestamp": 1, "extra": map[string]any{"k": []any{}}},
		"extra not object": map[string]any{"category": "a", "name": "b", "timestamp": 1, "extra": "k"},
	} {
		_, ok := metrics.EventFromValue(v)
		assert.False(t, ok, name)
	}
}
