// Package glean is a telemetry client. A Glean value owns the metric, event
// and pending ping databases of one application, serializes every recording
// through a dispatcher and uploads submitted pings in the background.
package glean

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/fosrl/glean/internal/config"
	"github.com/fosrl/glean/internal/database"
	"github.com/fosrl/glean/internal/dispatcher"
	"github.com/fosrl/glean/internal/hooks"
	"github.com/fosrl/glean/internal/metrics"
	"github.com/fosrl/glean/internal/ping"
	"github.com/fosrl/glean/internal/storage"
	"github.com/fosrl/glean/internal/telemetry"
	"github.com/fosrl/glean/internal/upload"
)

// SDKVersion is reported as telemetry_sdk_build and in the user agent.
const SDKVersion = "0.1.0"

// Reasons of the deletion-request ping.
const (
	ReasonAtInit           = "at_init"
	ReasonSetUploadEnabled = "set_upload_enabled"
)

type (
	// Config is the client configuration.
	Config = config.Config
	// CommonMetricData describes a metric.
	CommonMetricData = metrics.CommonMetricData
	// Lifetime is how long a metric value is kept.
	Lifetime = metrics.Lifetime
	// ErrorType classifies recorded metric errors.
	ErrorType = metrics.ErrorType
	// RecordedEvent is an event as stored.
	RecordedEvent = metrics.RecordedEvent
	// QueuedPing is a ping waiting for upload.
	QueuedPing = database.QueuedPing
)

// Lifetimes.
const (
	LifetimePing        = metrics.LifetimePing
	LifetimeApplication = metrics.LifetimeApplication
	LifetimeUser        = metrics.LifetimeUser
)

// Error types.
const (
	ErrorInvalidValue    = metrics.ErrorInvalidValue
	ErrorInvalidLabel    = metrics.ErrorInvalidLabel
	ErrorInvalidState    = metrics.ErrorInvalidState
	ErrorInvalidOverflow = metrics.ErrorInvalidOverflow
	ErrorInvalidType     = metrics.ErrorInvalidType
)

var deletionRequestOptions = ping.Options{
	Name:            database.DeletionRequestPing,
	IncludeClientID: true,
	SendIfEmpty:     true,
	ReasonCodes:     []string{ReasonAtInit, ReasonSetUploadEnabled},
}

var preInitOverflow = metrics.CommonMetricData{
	Category:    metrics.ErrorCategory,
	Name:        "preinit_tasks_overflow",
	SendInPings: []string{"metrics"},
	Lifetime:    metrics.LifetimePing,
}

// Glean is the client context. Create one with New and call Initialize once
// the application is ready; recordings made before are buffered.
type Glean struct {
	logger       slog.Logger
	cfg          Config
	clock        quartz.Clock
	closeStorage func() error

	// shutdownTelemetry stops the process wide self-instrumentation export.
	shutdownTelemetry func(context.Context) error

	dispatcher *dispatcher.Dispatcher
	hooks      *hooks.Registry
	metrics    *database.MetricsDatabase
	errors     *database.ErrorRecorder
	events     *database.EventsDatabase
	pings      *database.PingsDatabase
	collector  *ping.Collector
	worker     *upload.Worker
	manager    *upload.Manager

	mu            sync.Mutex
	initialized   bool
	uploadEnabled bool
	startTime     time.Time
}

// New validates cfg and builds a client. Nothing is recorded or uploaded
// before Initialize.
func New(ctx context.Context, cfg Config, opts ...Option) (*Glean, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{
		logger: slog.Make(),
		clock:  quartz.NewReal(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.Named("glean")

	g := &Glean{
		logger:            logger,
		cfg:               cfg,
		clock:             o.clock,
		closeStorage:      func() error { return nil },
		shutdownTelemetry: func(context.Context) error { return nil },
		dispatcher:        dispatcher.New(logger, cfg.Dispatcher.MaxPreInitQueueSize),
		hooks:             hooks.NewRegistry(),
		uploadEnabled:     cfg.IsUploadEnabled(),
	}
	for _, h := range o.hooks {
		if err := g.hooks.Register(h.event, h.handler); err != nil {
			return nil, g.abort(ctx, xerrors.Errorf("register %s hook: %w", h.event, err))
		}
	}

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, g.abort(ctx, xerrors.Errorf("init telemetry: %w", err))
	}
	g.shutdownTelemetry = shutdownTelemetry

	factory := o.factory
	if factory == nil {
		f, closeStorage, err := storage.Open(ctx, logger, cfg.Storage.Options())
		if err != nil {
			return nil, g.abort(ctx, err)
		}
		factory, g.closeStorage = f, closeStorage
	}
	if err := g.openDatabases(factory); err != nil {
		return nil, g.abort(ctx, err)
	}

	uploader := o.uploader
	if uploader == nil {
		uploader = upload.NewHTTPUploader(logger, nil, cfg.Upload.Timeout)
	}
	policy := cfg.UploadPolicy()
	g.worker = upload.NewWorker(logger, uploader, g.clock, cfg.ServerEndpoint, policy, SDKVersion)
	limiter := upload.NewRateLimiter(g.clock, cfg.Upload.RateLimit.Interval, cfg.Upload.RateLimit.MaxCount)
	g.manager = upload.NewManager(logger, g.pings, g.worker, limiter, policy)
	g.pings.AttachObserver(g.manager)

	g.collector = ping.NewCollector(logger, ping.Config{
		ApplicationID: cfg.ApplicationID,
		SDKBuild:      SDKVersion,
		DebugViewTag:  cfg.DebugViewTag,
		SourceTags:    cfg.SourceTags,
		LogPings:      cfg.LogPings,
	}, g.metrics, g.events, g.pings, g.hooks, g.clock)
	return g, nil
}

// abort releases what New acquired so far and returns err.
func (g *Glean) abort(ctx context.Context, err error) error {
	_ = g.dispatcher.Shutdown(ctx)
	_ = g.closeStorage()
	_ = g.shutdownTelemetry(ctx)
	return err
}

func (g *Glean) openDatabases(factory storage.Factory) error {
	var err error
	g.metrics, err = database.NewMetricsDatabase(g.logger, factory)
	if err != nil {
		return err
	}
	g.errors = database.NewErrorRecorder(g.logger, g.metrics)
	g.events, err = database.NewEventsDatabase(g.logger, factory, g.metrics, g.errors, g.clock)
	if err != nil {
		return err
	}
	g.pings, err = database.NewPingsDatabase(g.logger, factory, g.clock,
		g.cfg.Upload.MaxPendingPings, g.cfg.Upload.MaxPendingPingsSize)
	return err
}

// Initialize starts processing recordings. Tasks buffered before run after
// the initialization task, in the order they were launched. Calling it again
// is a no-op.
func (g *Glean) Initialize(ctx context.Context) error {
	g.mu.Lock()
	if g.initialized {
		g.mu.Unlock()
		g.logger.Warn(ctx, "already initialized, ignoring")
		return nil
	}
	g.initialized = true
	g.startTime = g.clock.Now()
	g.mu.Unlock()

	g.logger.Info(ctx, "initializing",
		slog.F("application_id", g.cfg.ApplicationID),
		slog.F("upload_enabled", g.isUploadEnabled()),
	)
	g.dispatcher.FlushInit(g.initialize)
	return nil
}

func (g *Glean) initialize(ctx context.Context) error {
	start := g.getStartTime()
	if err := g.events.Initialize(ctx, start); err != nil {
		return err
	}
	g.collector.SetStartTime(start)

	if g.isUploadEnabled() {
		if err := g.onUploadEnabled(ctx); err != nil {
			return err
		}
	} else {
		clientID, err := g.metrics.GetMetric(ctx, ping.ClientInfoStore, ping.ClientID, metrics.TypeUUID)
		if err != nil {
			return err
		}
		switch clientID {
		case nil:
			if err := g.clearMetrics(ctx); err != nil {
				return err
			}
		case ping.KnownClientID:
		default:
			// Upload was disabled while the application was not running.
			if err := g.onUploadDisabled(ctx, ReasonAtInit); err != nil {
				return err
			}
		}
	}

	if err := g.pings.ScanPendingPings(ctx); err != nil {
		return err
	}

	if n := g.dispatcher.Overflow(); n > 0 {
		g.logger.Warn(ctx, "tasks were dropped before initialization", slog.F("dropped", n))
		total := int64(g.cfg.Dispatcher.MaxPreInitQueueSize + n)
		if err := g.metrics.Record(ctx, preInitOverflow, metrics.TypeCounter, total); err != nil {
			return err
		}
	}
	return nil
}

func (g *Glean) onUploadEnabled(ctx context.Context) error {
	clientID, err := g.metrics.GetMetric(ctx, ping.ClientInfoStore, ping.ClientID, metrics.TypeUUID)
	if err != nil {
		return err
	}
	if clientID == nil || clientID == ping.KnownClientID {
		if err := g.metrics.Record(ctx, ping.ClientID, metrics.TypeUUID, uuid.NewString()); err != nil {
			return xerrors.Errorf("record client id: %w", err)
		}
	}

	firstRun, err := g.metrics.GetMetric(ctx, ping.ClientInfoStore, ping.FirstRunDate, metrics.TypeDatetime)
	if err != nil {
		return err
	}
	if firstRun == nil {
		date := metrics.FormatDatetime(g.getStartTime(), metrics.TimeUnitDay)
		if err := g.metrics.Record(ctx, ping.FirstRunDate, metrics.TypeDatetime, date); err != nil {
			return xerrors.Errorf("record first run date: %w", err)
		}
	}

	return ping.RecordClientInfo(ctx, g.metrics, ping.ClientInfo{
		AppBuild:          g.cfg.AppBuild,
		AppDisplayVersion: g.cfg.AppDisplayVersion,
		AppChannel:        g.cfg.Channel,
		BuildDate:         g.cfg.BuildDate,
	})
}

// onUploadDisabled submits a deletion-request ping carrying the current
// client id, then wipes collected data.
func (g *Glean) onUploadDisabled(ctx context.Context, reason string) error {
	if _, err := g.collector.CollectAndStore(ctx, uuid.NewString(), deletionRequestOptions, reason); err != nil {
		return xerrors.Errorf("submit deletion-request ping: %w", err)
	}
	return g.clearMetrics(ctx)
}

// clearMetrics drops pending pings other than deletion requests and every
// metric and event, keeping the first run date and setting the client id to
// the known placeholder.
func (g *Glean) clearMetrics(ctx context.Context) error {
	if err := g.manager.ClearPendingPingsQueue(ctx); err != nil {
		return err
	}

	firstRun, err := g.metrics.GetMetric(ctx, ping.ClientInfoStore, ping.FirstRunDate, metrics.TypeDatetime)
	if err != nil {
		return err
	}
	if err := g.metrics.ClearAll(ctx); err != nil {
		return err
	}
	if err := g.events.Clear(ctx, ""); err != nil {
		return err
	}

	if err := g.metrics.Record(ctx, ping.ClientID, metrics.TypeUUID, ping.KnownClientID); err != nil {
		return err
	}
	if firstRun != nil {
		if err := g.metrics.Record(ctx, ping.FirstRunDate, metrics.TypeDatetime, firstRun); err != nil {
			return err
		}
	}
	return nil
}

// SetUploadEnabled toggles collection and upload. Disabling submits a
// deletion-request ping and clears collected data; enabling starts over with
// a fresh client id.
func (g *Glean) SetUploadEnabled(enabled bool) {
	g.dispatcher.Launch(func(ctx context.Context) error {
		g.mu.Lock()
		if g.uploadEnabled == enabled {
			g.mu.Unlock()
			return nil
		}
		g.uploadEnabled = enabled
		g.mu.Unlock()

		g.logger.Info(ctx, "upload state changed", slog.F("enabled", enabled))
		if enabled {
			return g.onUploadEnabled(ctx)
		}
		return g.onUploadDisabled(ctx, ReasonSetUploadEnabled)
	})
}

// SetDebugViewTag tags subsequently submitted pings for the debug view.
// Invalid tags are logged and ignored.
func (g *Glean) SetDebugViewTag(tag string) {
	g.dispatcher.Launch(func(context.Context) error {
		g.collector.SetDebugViewTag(tag)
		return nil
	})
}

// SetSourceTags tags subsequently submitted pings. Invalid tags are logged
// and ignored.
func (g *Glean) SetSourceTags(tags []string) {
	tags = append([]string(nil), tags...)
	g.dispatcher.Launch(func(context.Context) error {
		g.collector.SetSourceTags(tags)
		return nil
	})
}

// SetLogPings toggles logging of submitted ping payloads.
func (g *Glean) SetLogPings(enabled bool) {
	g.dispatcher.Launch(func(context.Context) error {
		g.collector.SetLogPings(enabled)
		return nil
	})
}

// Shutdown runs the queued recordings, waits for the upload in progress,
// releases storage and stops the self-instrumentation export. The client
// cannot be used afterwards.
func (g *Glean) Shutdown(ctx context.Context) error {
	if err := g.dispatcher.Shutdown(ctx); err != nil {
		return xerrors.Errorf("drain dispatcher: %w", err)
	}
	if err := g.manager.Close(ctx); err != nil {
		return xerrors.Errorf("wait for uploads: %w", err)
	}
	return errors.Join(g.closeStorage(), g.shutdownTelemetry(ctx))
}

// TestResetGlean waits for pending work, optionally clears every store and
// initializes again as if the process restarted.
func (g *Glean) TestResetGlean(ctx context.Context, clearStores bool) error {
	if err := g.dispatcher.TestUninitialize(ctx); err != nil {
		return err
	}
	if err := g.manager.BlockOnOngoingUploads(ctx); err != nil {
		return err
	}
	g.events.Reset()

	if clearStores {
		if err := g.metrics.ClearAll(ctx); err != nil {
			return err
		}
		if err := g.events.Clear(ctx, ""); err != nil {
			return err
		}
		if err := g.pings.ClearAll(ctx); err != nil {
			return err
		}
	}
	g.manager.Reset()

	g.mu.Lock()
	g.initialized = false
	g.uploadEnabled = g.cfg.IsUploadEnabled()
	g.mu.Unlock()
	return g.Initialize(ctx)
}

// TestBlockOnQueue waits until every recording launched so far was applied.
func (g *Glean) TestBlockOnQueue(ctx context.Context) error {
	return g.dispatcher.TestBlockOnQueue(ctx)
}

// TestBlockOnUploads waits until the current upload loop finished.
func (g *Glean) TestBlockOnUploads(ctx context.Context) error {
	if err := g.dispatcher.TestBlockOnQueue(ctx); err != nil {
		return err
	}
	return g.manager.BlockOnOngoingUploads(ctx)
}

// TestGetClientID returns the stored client id.
func (g *Glean) TestGetClientID(ctx context.Context) (string, error) {
	var id string
	err := g.dispatcher.TestLaunch(ctx, func(ctx context.Context) error {
		v, err := g.metrics.GetMetric(ctx, ping.ClientInfoStore, ping.ClientID, metrics.TypeUUID)
		id, _ = v.(string)
		return err
	})
	return id, err
}

// TestPendingPings returns the pings waiting for upload, oldest first.
func (g *Glean) TestPendingPings(ctx context.Context) ([]QueuedPing, error) {
	var pings []QueuedPing
	err := g.dispatcher.TestLaunch(ctx, func(ctx context.Context) error {
		var err error
		pings, err = g.pings.GetAllPings(ctx)
		return err
	})
	return pings, err
}

func (g *Glean) isUploadEnabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.uploadEnabled
}

func (g *Glean) getStartTime() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.startTime
}

// shouldRecord reports whether a recording of md is kept.
func (g *Glean) shouldRecord(md metrics.CommonMetricData) bool {
	return !md.Disabled && g.isUploadEnabled()
}
