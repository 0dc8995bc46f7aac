package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/fosrl/glean/internal/database"
	"github.com/fosrl/glean/internal/telemetry"
)

// ErrBodyOverflow is logged when a ping body exceeds Policy.MaxPingBodySize.
var ErrBodyOverflow = xerrors.New("upload: ping body exceeds the maximum size")

// GetTaskFunc returns the next task of the upload loop.
type GetTaskFunc func() Task

// ProcessFunc receives the result of an upload attempt.
type ProcessFunc func(ctx context.Context, ping database.QueuedPing, result Result)

// Worker runs at most one upload loop at a time. Work never blocks; the loop
// runs in its own goroutine until the manager returns TaskDone.
type Worker struct {
	logger   slog.Logger
	uploader Uploader
	clock    quartz.Clock
	endpoint string
	policy   Policy
	agent    string

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	running     bool
	pending     bool
	closed      bool
	draining    int
	interrupt   chan struct{}
	interrupted bool
	done        chan struct{}
}

// NewWorker returns a worker uploading to endpoint.
func NewWorker(logger slog.Logger, uploader Uploader, clock quartz.Clock, endpoint string, policy Policy, sdkVersion string) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		logger:   logger.Named("upload_worker"),
		uploader: uploader,
		clock:    clock,
		endpoint: strings.TrimSuffix(endpoint, "/"),
		policy:   policy.withDefaults(),
		agent:    fmt.Sprintf("Glean/%s (Go on %s)", sdkVersion, runtime.GOOS),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Work starts the upload loop unless one is running, in which case the
// running loop polls again before it exits.
func (w *Worker) Work(getTask GetTaskFunc, process ProcessFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.running {
		w.pending = true
		return
	}
	w.running = true
	w.pending = false
	w.done = make(chan struct{})
	w.interrupt = make(chan struct{})
	w.interrupted = false
	if w.draining > 0 {
		w.interruptLocked()
	}
	go w.run(getTask, process, w.done)
}

// BlockOnCurrentJob waits for the running loop to finish. Rate limit waits
// are skipped while a caller is blocked.
func (w *Worker) BlockOnCurrentJob(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	done := w.done
	w.draining++
	w.interruptLocked()
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.draining--
		w.mu.Unlock()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close lets the running loop finish and refuses further work.
func (w *Worker) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	err := w.BlockOnCurrentJob(ctx)
	w.cancel()
	return err
}

// Running reports whether an upload loop is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) interruptLocked() {
	if w.interrupt != nil && !w.interrupted {
		close(w.interrupt)
		w.interrupted = true
	}
}

func (w *Worker) run(getTask GetTaskFunc, process ProcessFunc, done chan struct{}) {
	for {
		task := getTask()
		switch task.Kind {
		case TaskUpload:
			result := w.attemptUpload(w.ctx, task.Ping)
			process(w.ctx, task.Ping, result)
			continue
		case TaskWait:
			if w.wait(task.RemainingTime) {
				continue
			}
		}
		if w.finish(done) {
			return
		}
	}
}

// finish ends the loop unless Work was called while it ran.
func (w *Worker) finish(done chan struct{}) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending {
		w.pending = false
		return false
	}
	w.running = false
	close(done)
	return true
}

// wait sleeps for d. It returns false when the wait was cut short.
func (w *Worker) wait(d time.Duration) bool {
	w.mu.Lock()
	interrupt := w.interrupt
	w.mu.Unlock()

	select {
	case <-interrupt:
		return false
	default:
	}

	w.logger.Debug(w.ctx, "upload rate limited, waiting", slog.F("remaining", d))
	timer := w.clock.NewTimer(d, "upload", "wait")
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-interrupt:
		return false
	case <-w.ctx.Done():
		return false
	}
}

func (w *Worker) attemptUpload(ctx context.Context, ping database.QueuedPing) Result {
	body, err := json.Marshal(ping.Payload)
	if err != nil {
		w.logger.Error(ctx, "encode ping payload", slog.F("identifier", ping.Identifier), slog.Error(err))
		return Result{Kind: UnrecoverableFailure}
	}

	headers := make(map[string]string, len(ping.Headers)+4)
	for k, v := range ping.Headers {
		headers[k] = v
	}
	headers["Content-Type"] = "application/json; charset=utf-8"
	headers["Date"] = w.clock.Now().UTC().Format(http.TimeFormat)
	headers["X-Telemetry-Agent"] = w.agent

	if compressed, err := gzipBody(body); err != nil {
		w.logger.Warn(ctx, "compress ping body, sending uncompressed", slog.F("identifier", ping.Identifier), slog.Error(err))
	} else {
		body = compressed
		headers["Content-Encoding"] = "gzip"
	}

	if len(body) > w.policy.MaxPingBodySize {
		w.logger.Warn(ctx, "dropping ping",
			slog.F("identifier", ping.Identifier),
			slog.F("size", len(body)),
			slog.F("max_size", w.policy.MaxPingBodySize),
			slog.Error(ErrBodyOverflow),
		)
		telemetry.RecordUploadAttempt("body_overflow", 0, 0)
		return Result{Kind: UnrecoverableFailure}
	}
	telemetry.RecordUploadBodySize(len(body))

	start := w.clock.Now()
	result := w.uploader.Post(ctx, w.endpoint+ping.Path, body, headers)
	telemetry.RecordUploadAttempt(result.Kind.String(), result.Status, w.clock.Since(start))
	return result
}

func gzipBody(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
