package upload

import (
	"context"
	"sync"

	"cdr.dev/slog/v3"

	"github.com/fosrl/glean/internal/database"
	"github.com/fosrl/glean/internal/telemetry"
)

// Manager queues pings recorded in the pings database and hands them to the
// worker one at a time, applying the rate limit and retry policy. It is the
// observer of the pings database.
type Manager struct {
	logger  slog.Logger
	pings   *database.PingsDatabase
	worker  *Worker
	limiter *RateLimiter
	policy  Policy

	mu                  sync.Mutex
	queue               []database.QueuedPing
	processing          map[string]struct{}
	recoverableFailures int
	waitAttempts        int

	unregister func()
}

var (
	_ database.Observer     = (*Manager)(nil)
	_ database.DropObserver = (*Manager)(nil)
)

// NewManager returns a manager deleting delivered pings from pings.
func NewManager(logger slog.Logger, pings *database.PingsDatabase, worker *Worker, limiter *RateLimiter, policy Policy) *Manager {
	m := &Manager{
		logger:     logger.Named("upload_manager"),
		pings:      pings,
		worker:     worker,
		limiter:    limiter,
		policy:     policy.withDefaults(),
		processing: map[string]struct{}{},
	}
	m.unregister = telemetry.RegisterUploadQueueCollector(m.stats)
	return m
}

func (m *Manager) stats(context.Context) telemetry.UploadQueueStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return telemetry.UploadQueueStats{
		Queued:   int64(len(m.queue)),
		InFlight: int64(len(m.processing)),
	}
}

// Update enqueues ping and wakes the worker. Pings already queued or being
// uploaded are ignored.
func (m *Manager) Update(identifier string, ping database.QueuedPing) {
	m.mu.Lock()
	enqueued := m.enqueueLocked(identifier, ping)
	m.mu.Unlock()
	if enqueued {
		m.worker.Work(m.GetUploadTask, m.ProcessPingUploadResponse)
	}
}

func (m *Manager) enqueueLocked(identifier string, ping database.QueuedPing) bool {
	if _, ok := m.processing[identifier]; ok {
		m.logger.Debug(context.Background(), "ping is being uploaded, not enqueuing", slog.F("identifier", identifier))
		return false
	}
	for _, queued := range m.queue {
		if queued.Identifier == identifier {
			m.logger.Debug(context.Background(), "ping already enqueued", slog.F("identifier", identifier))
			return false
		}
	}
	ping.Identifier = identifier
	m.queue = append(m.queue, ping)
	return true
}

// Dropped removes a ping pruned from the pings database from the queue.
func (m *Manager) Dropped(identifier string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, queued := range m.queue {
		if queued.Identifier == identifier {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

// GetUploadTask returns the next directive for the upload loop.
func (m *Manager) GetUploadTask() Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.recoverableFailures > m.policy.MaxRecoverableFailures {
		m.logger.Warn(context.Background(), "too many recoverable upload failures, stopping uploads for this session",
			slog.F("failures", m.recoverableFailures),
		)
		return Task{Kind: TaskDone}
	}
	if len(m.queue) == 0 {
		return Task{Kind: TaskDone}
	}

	state, remaining := m.limiter.State()
	if state == StateThrottled {
		m.waitAttempts++
		telemetry.RecordUploadThrottled()
		if m.waitAttempts > m.policy.MaxWaitAttempts {
			m.logger.Warn(context.Background(), "upload still rate limited, giving up until new pings arrive",
				slog.F("attempts", m.waitAttempts),
			)
			m.waitAttempts = 0
			return Task{Kind: TaskDone}
		}
		return Task{Kind: TaskWait, RemainingTime: remaining}
	}
	m.waitAttempts = 0

	ping := m.queue[0]
	m.queue = m.queue[1:]
	m.processing[ping.Identifier] = struct{}{}
	return Task{Kind: TaskUpload, Ping: ping}
}

// ProcessPingUploadResponse applies the outcome of an upload attempt:
// delivered and undeliverable pings are deleted, recoverable failures are
// queued again at the tail. A ping stays marked as in flight until it is
// deleted, so a concurrent scan cannot queue it twice.
func (m *Manager) ProcessPingUploadResponse(ctx context.Context, ping database.QueuedPing, result Result) {
	kind := result.Kind
	if result.Status >= 400 && result.Status < 500 {
		kind = UnrecoverableFailure
	}

	fields := []slog.Field{
		slog.F("identifier", ping.Identifier),
		slog.F("ping", ping.Name()),
		slog.F("status", result.Status),
	}
	switch kind {
	case Success:
		m.logger.Info(ctx, "ping uploaded", fields...)
		m.deletePing(ctx, ping, "uploaded")
	case UnrecoverableFailure:
		m.logger.Warn(ctx, "unrecoverable upload failure, dropping ping", fields...)
		m.deletePing(ctx, ping, "unrecoverable")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processing, ping.Identifier)
	switch kind {
	case Success:
		m.recoverableFailures = 0
	case RecoverableFailure:
		m.recoverableFailures++
		m.enqueueLocked(ping.Identifier, ping)
		m.logger.Warn(ctx, "recoverable upload failure, will retry", append(fields, slog.F("failures", m.recoverableFailures))...)
	}
}

func (m *Manager) deletePing(ctx context.Context, ping database.QueuedPing, reason string) {
	if err := m.pings.DeletePing(ctx, ping.Identifier); err != nil {
		m.logger.Error(ctx, "delete ping", slog.F("identifier", ping.Identifier), slog.Error(err))
		return
	}
	telemetry.RecordPingDeleted(reason)
}

// ClearPendingPingsQueue waits for the running upload, then drops every
// queued and stored ping except deletion-request pings.
func (m *Manager) ClearPendingPingsQueue(ctx context.Context) error {
	if err := m.worker.BlockOnCurrentJob(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	kept := m.queue[:0]
	for _, p := range m.queue {
		if p.IsDeletionRequest() {
			kept = append(kept, p)
		}
	}
	m.queue = kept
	m.mu.Unlock()

	_, err := m.pings.ClearPendingPings(ctx)
	return err
}

// BlockOnOngoingUploads waits for the running upload loop to finish.
func (m *Manager) BlockOnOngoingUploads(ctx context.Context) error {
	return m.worker.BlockOnCurrentJob(ctx)
}

// Reset empties the queue and forgets the failure counters of the session.
// Stored pings are left alone.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = nil
	m.recoverableFailures = 0
	m.waitAttempts = 0
}

// Queued returns the identifiers waiting for upload, in order.
func (m *Manager) Queued() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.queue))
	for _, p := range m.queue {
		ids = append(ids, p.Identifier)
	}
	return ids
}

// Close stops the worker after its current loop and unregisters the queue
// metrics.
func (m *Manager) Close(ctx context.Context) error {
	err := m.worker.Close(ctx)
	m.unregister()
	return err
}
