package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/fosrl/glean/internal/metrics"
	"github.com/fosrl/glean/internal/storage"
)

const startupDateUnit = metrics.TimeUnitMillisecond

// executionCounter is the reserved counter tracking restarts of ping.
func executionCounter(ping string) metrics.CommonMetricData {
	return metrics.CommonMetricData{
		Category:    "glean.internal.metrics",
		Name:        "execution_counter",
		SendInPings: []string{ping},
		Lifetime:    metrics.LifetimePing,
	}
}

// restartedMetric identifies the restart sentinel event in pings.
func restartedMetric(pings ...string) metrics.CommonMetricData {
	return metrics.CommonMetricData{
		Category:    metrics.RestartedCategory,
		Name:        metrics.RestartedName,
		SendInPings: pings,
		Lifetime:    metrics.LifetimePing,
	}
}

// EventsDatabase is an append-only event log per ping. Every event carries
// the execution counter of its ping; every counter generation starts with a
// restart sentinel holding the startup date, which lets GetPingEvents rebase
// timestamps recorded by different processes onto one timeline.
type EventsDatabase struct {
	logger  slog.Logger
	store   storage.Store
	metrics *MetricsDatabase
	errors  *ErrorRecorder
	clock   quartz.Clock

	mu          sync.Mutex
	startTime   time.Time
	initialized bool
}

// NewEventsDatabase opens the events store through factory.
func NewEventsDatabase(logger slog.Logger, factory storage.Factory, db *MetricsDatabase, errs *ErrorRecorder, clock quartz.Clock) (*EventsDatabase, error) {
	store, err := factory(storage.RootEvents)
	if err != nil {
		return nil, xerrors.Errorf("open events store: %w", err)
	}
	return &EventsDatabase{
		logger:  logger.Named("events_database"),
		store:   store,
		metrics: db,
		errors:  errs,
		clock:   clock,
	}, nil
}

// Initialize marks a process start at startTime. Every ping that already has
// events gets its execution counter incremented and a restart sentinel.
// Subsequent calls are no-ops until Reset.
func (db *EventsDatabase) Initialize(ctx context.Context, startTime time.Time) error {
	db.mu.Lock()
	if db.initialized {
		db.mu.Unlock()
		return nil
	}
	db.startTime = startTime
	db.initialized = true
	db.mu.Unlock()

	pings, err := db.storedPings(ctx)
	if err != nil {
		return err
	}
	if len(pings) == 0 {
		return nil
	}
	for _, ping := range pings {
		err := db.metrics.Transform(ctx, executionCounter(ping), metrics.TypeCounter, func(current any) (any, error) {
			n, _ := metrics.AsInt64(current)
			return n + 1, nil
		})
		if err != nil {
			return xerrors.Errorf("increment execution counter of %q: %w", ping, err)
		}
	}
	return db.Record(ctx, restartedMetric(pings...), db.restartedEvent())
}

// Reset forgets the initialization so that the next Initialize behaves like
// a process restart.
func (db *EventsDatabase) Reset() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.initialized = false
}

func (db *EventsDatabase) startupDate() string {
	db.mu.Lock()
	start := db.startTime
	db.mu.Unlock()
	if start.IsZero() {
		start = db.clock.Now()
	}
	return metrics.FormatDatetime(start, startupDateUnit)
}

func (db *EventsDatabase) restartedEvent() metrics.RecordedEvent {
	return metrics.RecordedEvent{
		Category:  metrics.RestartedCategory,
		Name:      metrics.RestartedName,
		Timestamp: 0,
		Extra:     map[string]any{metrics.ExtraStartupDate: db.startupDate()},
	}
}

func (db *EventsDatabase) storedPings(ctx context.Context) ([]string, error) {
	raw, err := db.store.Get(ctx, nil)
	if err != nil {
		return nil, xerrors.Errorf("read events: %w", err)
	}
	doc, _ := raw.(map[string]any)
	pings := make([]string, 0, len(doc))
	for ping := range doc {
		pings = append(pings, ping)
	}
	sort.Strings(pings)
	return pings, nil
}

// Record appends event to every ping md is sent in.
func (db *EventsDatabase) Record(ctx context.Context, md metrics.CommonMetricData, event metrics.RecordedEvent) error {
	if md.Disabled {
		return nil
	}
	for _, ping := range md.SendInPings {
		counter, err := db.currentExecutionCount(ctx, ping)
		if err != nil {
			return err
		}
		e := event
		e.Extra = make(map[string]any, len(event.Extra)+1)
		for k, v := range event.Extra {
			e.Extra[k] = v
		}
		e.Extra[metrics.ExtraExecutionCounter] = counter
		if err := db.append(ctx, ping, e); err != nil {
			return err
		}
	}
	return nil
}

// currentExecutionCount returns the execution counter of ping, starting a new
// generation at 1 with a restart sentinel when none exists.
func (db *EventsDatabase) currentExecutionCount(ctx context.Context, ping string) (int64, error) {
	md := executionCounter(ping)
	v, err := db.metrics.GetMetric(ctx, ping, md, metrics.TypeCounter)
	if err != nil {
		return 0, err
	}
	if n, ok := metrics.AsInt64(v); ok && n > 0 {
		return n, nil
	}
	if err := db.metrics.Record(ctx, md, metrics.TypeCounter, int64(1)); err != nil {
		return 0, err
	}
	sentinel := db.restartedEvent()
	sentinel.Extra[metrics.ExtraExecutionCounter] = int64(1)
	if err := db.append(ctx, ping, sentinel); err != nil {
		return 0, err
	}
	return 1, nil
}

func (db *EventsDatabase) append(ctx context.Context, ping string, e metrics.RecordedEvent) error {
	err := db.store.Update(ctx, storage.Index{ping}, func(current any) (any, error) {
		list, ok := current.([]any)
		if current != nil && !ok {
			return nil, xerrors.Errorf("events of %q are not a list", ping)
		}
		return append(list, e.ToValue()), nil
	})
	if err != nil {
		return xerrors.Errorf("append event to %q: %w", ping, err)
	}
	return nil
}

// stored reads the events of ping sorted by (execution counter, timestamp).
// Entries that are not valid events are dropped from storage.
func (db *EventsDatabase) stored(ctx context.Context, ping string) ([]metrics.RecordedEvent, error) {
	raw, err := db.store.Get(ctx, storage.Index{ping})
	if err != nil {
		return nil, xerrors.Errorf("read events of %q: %w", ping, err)
	}
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		db.logger.Warn(ctx, "discarding invalid event log", slog.F("ping", ping))
		return nil, db.store.Delete(ctx, storage.Index{ping})
	}

	events := make([]metrics.RecordedEvent, 0, len(list))
	valid := make([]any, 0, len(list))
	for _, v := range list {
		e, ok := metrics.EventFromValue(v)
		if !ok {
			continue
		}
		if _, ok := e.ExecutionCounter(); !ok {
			continue
		}
		events = append(events, e)
		valid = append(valid, v)
	}
	if len(valid) != len(list) {
		db.logger.Warn(ctx, "discarding invalid events",
			slog.F("ping", ping),
			slog.F("count", len(list)-len(valid)),
		)
		err := db.store.Update(ctx, storage.Index{ping}, func(any) (any, error) {
			return valid, nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		ci, _ := events[i].ExecutionCounter()
		cj, _ := events[j].ExecutionCounter()
		if ci != cj {
			return ci < cj
		}
		return events[i].Timestamp < events[j].Timestamp
	})
	return events, nil
}

// GetEvents returns the events of md stored for ping, without reserved
// extras, in recording order.
func (db *EventsDatabase) GetEvents(ctx context.Context, ping string, md metrics.CommonMetricData) ([]metrics.RecordedEvent, error) {
	events, err := db.stored(ctx, ping)
	if err != nil {
		return nil, err
	}
	var out []metrics.RecordedEvent
	for _, e := range events {
		if e.Category != md.Category || e.Name != md.Name {
			continue
		}
		delete(e.Extra, metrics.ExtraExecutionCounter)
		delete(e.Extra, metrics.ExtraStartupDate)
		if len(e.Extra) == 0 {
			e.Extra = nil
		}
		out = append(out, e)
	}
	return out, nil
}

// GetPingEvents returns the payload events of ping. Events are sorted, their
// timestamps rebased onto the first event across restart boundaries, reserved
// extras are stripped and leading and trailing restart sentinels dropped. With
// clear set the events of ping are deleted.
func (db *EventsDatabase) GetPingEvents(ctx context.Context, ping string, clear bool) ([]metrics.PayloadEvent, error) {
	events, err := db.stored(ctx, ping)
	if err != nil {
		return nil, err
	}
	if clear {
		if err := db.store.Delete(ctx, storage.Index{ping}); err != nil {
			return nil, xerrors.Errorf("clear events of %q: %w", ping, err)
		}
	}
	if len(events) == 0 {
		return nil, nil
	}

	var lastRestart time.Time
	if events[0].IsRestarted() {
		if date, ok := db.parseStartupDate(events[0]); ok {
			lastRestart = date
		}
		events = events[1:]
	}
	if len(events) == 0 {
		return nil, nil
	}

	origin := events[0].Timestamp
	var offset int64
	out := make([]metrics.PayloadEvent, 0, len(events))
	for i, e := range events {
		if i > 0 && e.IsRestarted() {
			prev := out[i-1].Timestamp
			date, ok := db.parseStartupDate(e)
			switch {
			case ok && !lastRestart.IsZero():
				next := offset + date.Sub(lastRestart).Milliseconds()
				if next+e.Timestamp-origin < prev {
					db.logger.Error(ctx, "clock went backwards across a restart, event timestamps are clamped",
						slog.F("ping", ping),
						slog.F("offset_ms", next),
					)
					if err := db.errors.Record(ctx, restartedMetric(ping), metrics.ErrorInvalidValue, "invalid restart offset", 1); err != nil {
						return nil, err
					}
					next = prev - e.Timestamp + origin
				}
				offset = next
				lastRestart = date
			default:
				offset = prev - e.Timestamp + origin
				if ok {
					lastRestart = date
				}
			}
		}

		ts := e.Timestamp + offset - origin
		if i > 0 && ts < out[i-1].Timestamp {
			ts = out[i-1].Timestamp
		}
		out = append(out, metrics.PayloadEvent{
			Category:  e.Category,
			Name:      e.Name,
			Timestamp: ts,
			Extra:     metrics.PayloadExtras(e.Extra),
		})
	}

	for len(out) > 0 {
		last := out[len(out)-1]
		if last.Category != metrics.RestartedCategory || last.Name != metrics.RestartedName {
			break
		}
		out = out[:len(out)-1]
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func (db *EventsDatabase) parseStartupDate(e metrics.RecordedEvent) (time.Time, bool) {
	s, ok := e.Extra[metrics.ExtraStartupDate].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := metrics.ParseDatetime(s, startupDateUnit)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Clear deletes the events of ping, or of every ping when ping is empty.
func (db *EventsDatabase) Clear(ctx context.Context, ping string) error {
	var index storage.Index
	if ping != "" {
		index = storage.Index{ping}
	}
	return db.store.Delete(ctx, index)
}
