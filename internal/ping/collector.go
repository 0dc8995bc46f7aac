// Package ping assembles ping payloads from the metrics and events databases
// and stores them in the pending pings queue.
package ping

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/fosrl/glean/internal/database"
	"github.com/fosrl/glean/internal/hooks"
	"github.com/fosrl/glean/internal/metrics"
)

// Header names attached to stored pings.
const (
	HeaderDebugID    = "X-Debug-ID"
	HeaderSourceTags = "X-Source-Tags"
)

// Options describes a ping type.
type Options struct {
	Name            string
	IncludeClientID bool
	SendIfEmpty     bool
	ReasonCodes     []string
}

// Info is the ping_info section.
type Info struct {
	Seq       int64  `json:"seq"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Reason    string `json:"reason,omitempty"`
}

// Payload is an assembled ping.
type Payload struct {
	PingInfo   Info                   `json:"ping_info"`
	ClientInfo map[string]any         `json:"client_info"`
	Metrics    database.Snapshot      `json:"metrics,omitempty"`
	Events     []metrics.PayloadEvent `json:"events,omitempty"`
}

// Collector builds and stores pings.
type Collector struct {
	logger  slog.Logger
	metrics *database.MetricsDatabase
	events  *database.EventsDatabase
	pings   *database.PingsDatabase
	hooks   *hooks.Registry
	clock   quartz.Clock
	appID   string
	sdk     string

	mu           sync.Mutex
	startTime    time.Time
	debugViewTag string
	sourceTags   []string
	logPings     bool
}

// Config holds the collector settings fixed at construction.
type Config struct {
	ApplicationID string
	SDKBuild      string
	StartTime     time.Time
	DebugViewTag  string
	SourceTags    []string
	LogPings      bool
}

// NewCollector returns a collector reading from and writing to the given
// databases.
func NewCollector(logger slog.Logger, cfg Config, mdb *database.MetricsDatabase, edb *database.EventsDatabase, pdb *database.PingsDatabase, registry *hooks.Registry, clock quartz.Clock) *Collector {
	c := &Collector{
		logger:    logger.Named("ping_collector"),
		metrics:   mdb,
		events:    edb,
		pings:     pdb,
		hooks:     registry,
		clock:     clock,
		appID:     cfg.ApplicationID,
		sdk:       cfg.SDKBuild,
		startTime: cfg.StartTime,
		logPings:  cfg.LogPings,
	}
	if cfg.DebugViewTag != "" {
		c.SetDebugViewTag(cfg.DebugViewTag)
	}
	if len(cfg.SourceTags) > 0 {
		c.SetSourceTags(cfg.SourceTags)
	}
	return c
}

// SetStartTime sets the start time used by pings collected for the first
// time.
func (c *Collector) SetStartTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startTime = t
}

// SetDebugViewTag sets the X-Debug-ID header. An invalid tag is rejected and
// the previous tag is kept.
func (c *Collector) SetDebugViewTag(tag string) bool {
	if !ValidDebugViewTag(tag) {
		c.logger.Error(context.Background(), "invalid debug view tag, ignoring", slog.F("tag", tag))
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debugViewTag = tag
	return true
}

// SetSourceTags sets the X-Source-Tags header. Invalid tags are rejected and
// the previous tags are kept.
func (c *Collector) SetSourceTags(tags []string) bool {
	if !ValidSourceTags(tags) {
		c.logger.Error(context.Background(), "invalid source tags, ignoring", slog.F("tags", tags))
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sourceTags = append([]string(nil), tags...)
	return true
}

// SetLogPings toggles logging of every assembled payload.
func (c *Collector) SetLogPings(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logPings = enabled
}

func (c *Collector) headers() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := map[string]string{}
	if c.debugViewTag != "" {
		h[HeaderDebugID] = c.debugViewTag
	}
	if len(c.sourceTags) > 0 {
		h[HeaderSourceTags] = strings.Join(c.sourceTags, ",")
	}
	if len(h) == 0 {
		return nil
	}
	return h
}

// Collect assembles the payload of opts.Name, clearing its ping lifetime
// metrics and events. It returns nil when the ping is empty and not sent
// when empty.
func (c *Collector) Collect(ctx context.Context, opts Options, reason string) (*Payload, error) {
	snapshot, err := c.metrics.GetPingMetrics(ctx, opts.Name, true)
	if err != nil {
		return nil, xerrors.Errorf("collect metrics: %w", err)
	}
	events, err := c.events.GetPingEvents(ctx, opts.Name, true)
	if err != nil {
		return nil, xerrors.Errorf("collect events: %w", err)
	}
	if len(snapshot) == 0 && len(events) == 0 && !opts.SendIfEmpty {
		c.logger.Info(ctx, "ping is empty, not submitting", slog.F("ping", opts.Name))
		return nil, nil
	}

	info, err := c.pingInfo(ctx, opts.Name, reason)
	if err != nil {
		return nil, err
	}
	clientInfo, err := c.clientInfo(ctx, opts.IncludeClientID)
	if err != nil {
		return nil, err
	}
	return &Payload{
		PingInfo:   info,
		ClientInfo: clientInfo,
		Metrics:    snapshot,
		Events:     events,
	}, nil
}

// CollectAndStore collects a ping and records it in the pending pings queue
// under docID. It reports whether a ping was stored.
func (c *Collector) CollectAndStore(ctx context.Context, docID string, opts Options, reason string) (bool, error) {
	payload, err := c.Collect(ctx, opts, reason)
	if err != nil || payload == nil {
		return false, err
	}

	doc, err := toDocument(payload)
	if err != nil {
		return false, err
	}
	doc, _, err = c.hooks.Trigger(ctx, hooks.AfterPingCollection, doc)
	if err != nil {
		return false, xerrors.Errorf("modify ping %q: %w", opts.Name, err)
	}
	if doc == nil {
		return false, xerrors.Errorf("modify ping %q: hook returned no payload", opts.Name)
	}

	c.mu.Lock()
	logPings := c.logPings
	c.mu.Unlock()
	if logPings {
		b, _ := json.MarshalIndent(doc, "", "  ")
		c.logger.Info(ctx, "collected ping", slog.F("ping", opts.Name), slog.F("payload", string(b)))
	}

	path := MakePath(c.appID, docID, opts.Name)
	if err := c.pings.RecordPing(ctx, path, docID, doc, c.headers()); err != nil {
		return false, err
	}
	return true, nil
}

// pingInfo returns the ping_info section, advancing the sequence number and
// the start time of ping.
func (c *Collector) pingInfo(ctx context.Context, ping, reason string) (Info, error) {
	seqMetric := sequenceMetric(ping)
	var seq int64
	err := c.metrics.Transform(ctx, seqMetric, metrics.TypeCounter, func(current any) (any, error) {
		n, ok := metrics.AsInt64(current)
		if !ok || n < 0 {
			n = 0
		}
		seq = n
		return n + 1, nil
	})
	if err != nil {
		return Info{}, xerrors.Errorf("advance sequence of %q: %w", ping, err)
	}

	startMetric := startTimeMetric(ping)
	c.mu.Lock()
	start := c.startTime
	c.mu.Unlock()
	startTime := metrics.FormatDatetime(start, metrics.TimeUnitMinute)
	stored, err := c.metrics.GetMetric(ctx, PingInfoStore, startMetric, metrics.TypeDatetime)
	if err != nil {
		return Info{}, err
	}
	if s, ok := stored.(string); ok {
		startTime = s
	}
	endTime := metrics.FormatDatetime(c.clock.Now(), metrics.TimeUnitMinute)
	if err := c.metrics.Record(ctx, startMetric, metrics.TypeDatetime, endTime); err != nil {
		return Info{}, xerrors.Errorf("store start time of %q: %w", ping, err)
	}

	return Info{Seq: seq, StartTime: startTime, EndTime: endTime, Reason: reason}, nil
}

func (c *Collector) clientInfo(ctx context.Context, includeClientID bool) (map[string]any, error) {
	snapshot, err := c.metrics.GetPingMetrics(ctx, ClientInfoStore, false)
	if err != nil {
		return nil, xerrors.Errorf("collect client info: %w", err)
	}
	info := map[string]any{}
	for _, values := range snapshot {
		for identifier, v := range values {
			info[identifier] = v
		}
	}
	info["telemetry_sdk_build"] = c.sdk
	if !includeClientID {
		delete(info, ClientID.Identifier())
	}
	return info, nil
}

// toDocument converts a payload to the generic document form stored in the
// pings database.
func toDocument(p *Payload) (map[string]any, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, xerrors.Errorf("encode payload: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, xerrors.Errorf("decode payload: %w", err)
	}
	return doc, nil
}
