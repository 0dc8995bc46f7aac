// Package dispatcher serializes recording work. Tasks launched before
// initialization are buffered and replayed in order once FlushInit runs;
// afterwards a single worker goroutine executes tasks one at a time.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/fosrl/glean/internal/telemetry"
)

// DefaultMaxPreInitQueueSize bounds the number of tasks buffered before init.
const DefaultMaxPreInitQueueSize = 100

// ErrShutdown is returned by test helpers once the dispatcher is shut down.
var ErrShutdown = xerrors.New("dispatcher: shut down")

// Task is a unit of serialized work.
type Task func(ctx context.Context) error

// State of the dispatcher.
type State int

const (
	StateUninitialized State = iota
	StateIdle
	StateProcessing
	StateStopped
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateIdle:
		return "idle"
	case StateProcessing:
		return "processing"
	case StateStopped:
		return "stopped"
	case StateShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type commandKind int

const (
	commandTask commandKind = iota
	commandInitTask
	commandPersistentTask
	commandTestTask
	commandClear
	commandShutdown
)

type command struct {
	kind commandKind
	task Task
	// done is closed once a test task ran or was discarded.
	done chan struct{}
}

// Dispatcher is a FIFO task queue with pre-init buffering.
type Dispatcher struct {
	logger     slog.Logger
	maxPreInit int

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	wake     *sync.Cond
	queue    []command
	state    State
	closing  bool
	overflow int
	exited   chan struct{}
}

// New returns an uninitialized dispatcher with its worker running.
func New(logger slog.Logger, maxPreInit int) *Dispatcher {
	if maxPreInit <= 0 {
		maxPreInit = DefaultMaxPreInitQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		logger:     logger.Named("dispatcher"),
		maxPreInit: maxPreInit,
		ctx:        ctx,
		cancel:     cancel,
		state:      StateUninitialized,
	}
	d.wake = sync.NewCond(&d.mu)
	d.startWorker()
	return d
}

// State reports the current state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Launch enqueues task. It never blocks on the task itself.
func (d *Dispatcher) Launch(task Task) {
	d.launch(command{kind: commandTask, task: task}, false)
}

// LaunchPersistent enqueues a task that survives Clear.
func (d *Dispatcher) LaunchPersistent(task Task) {
	d.launch(command{kind: commandPersistentTask, task: task}, false)
}

func (d *Dispatcher) launch(cmd command, priority bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.state == StateShutdown || d.closing:
		d.logger.Warn(d.ctx, "dispatcher is shut down, ignoring task")
		telemetry.RecordDispatcherDrop("shutdown")
		return false
	case d.state == StateStopped:
		d.logger.Debug(d.ctx, "dispatcher is stopped, ignoring task")
		telemetry.RecordDispatcherDrop("stopped")
		return false
	case !priority && d.state == StateUninitialized && len(d.queue) >= d.maxPreInit:
		d.overflow++
		d.logger.Warn(d.ctx, "pre-init queue is full, dropping task", slog.F("max", d.maxPreInit))
		telemetry.RecordDispatcherDrop("preinit_overflow")
		return false
	}

	if priority {
		d.queue = append([]command{cmd}, d.queue...)
	} else {
		d.queue = append(d.queue, cmd)
	}
	d.wake.Broadcast()
	return true
}

// FlushInit runs init ahead of every buffered task and starts processing. If
// init fails the queue is discarded and the dispatcher stops.
func (d *Dispatcher) FlushInit(init Task) {
	d.mu.Lock()
	if d.state != StateUninitialized {
		ctx := d.ctx
		d.mu.Unlock()
		d.logger.Warn(ctx, "dispatcher already initialized, ignoring flush")
		return
	}
	if init != nil {
		d.queue = append([]command{{kind: commandInitTask, task: init}}, d.queue...)
	}
	d.state = StateIdle
	d.wake.Broadcast()
	d.mu.Unlock()
}

// Overflow returns how many tasks were dropped because the pre-init queue was
// full, and resets the count.
func (d *Dispatcher) Overflow() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.overflow
	d.overflow = 0
	return n
}

// Clear drops every queued task that is not persistent. It runs ahead of the
// queue, so tasks launched after Clear are kept.
func (d *Dispatcher) Clear() {
	d.launch(command{kind: commandClear}, true)
}

// TestLaunch enqueues task and waits until it ran.
func (d *Dispatcher) TestLaunch(ctx context.Context, task Task) error {
	var taskErr error
	done := make(chan struct{})
	ran := false
	cmd := command{kind: commandTestTask, done: done, task: func(ctx context.Context) error {
		ran = true
		taskErr = task(ctx)
		return taskErr
	}}
	if !d.launch(cmd, false) {
		return ErrShutdown
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if !ran {
		return xerrors.New("dispatcher: test task discarded")
	}
	return taskErr
}

// TestBlockOnQueue waits until every task queued so far has executed. It
// returns immediately when the dispatcher is not processing.
func (d *Dispatcher) TestBlockOnQueue(ctx context.Context) error {
	d.mu.Lock()
	state := d.state
	d.mu.Unlock()
	if state != StateIdle && state != StateProcessing {
		return nil
	}
	err := d.TestLaunch(ctx, func(context.Context) error { return nil })
	if xerrors.Is(err, ErrShutdown) {
		return nil
	}
	return err
}

// Shutdown lets queued tasks drain and then stops the worker. Launches after
// Shutdown are ignored.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closing || d.state == StateShutdown {
		exited := d.exited
		d.mu.Unlock()
		return wait(ctx, exited)
	}
	d.closing = true
	if d.state == StateUninitialized || d.state == StateStopped {
		d.discardLocked(nil)
		d.state = StateShutdown
	} else {
		d.queue = append(d.queue, command{kind: commandShutdown})
	}
	exited := d.exited
	d.wake.Broadcast()
	d.mu.Unlock()

	return wait(ctx, exited)
}

// TestUninitialize drains the queue and returns the dispatcher to its
// initial state, restarting the worker if it had exited.
func (d *Dispatcher) TestUninitialize(ctx context.Context) error {
	if err := d.TestBlockOnQueue(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.discardLocked(nil)
	d.state = StateUninitialized
	d.closing = false
	d.overflow = 0
	select {
	case <-d.exited:
		d.ctx, d.cancel = context.WithCancel(context.Background())
		d.startWorkerLocked()
	default:
	}
	return nil
}

func wait(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) startWorker() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.startWorkerLocked()
}

func (d *Dispatcher) startWorkerLocked() {
	exited := make(chan struct{})
	d.exited = exited
	go d.run(d.ctx, exited)
}

func (d *Dispatcher) run(ctx context.Context, exited chan struct{}) {
	defer close(exited)

	for {
		d.mu.Lock()
		for d.state != StateShutdown && (len(d.queue) == 0 || d.state == StateUninitialized || d.state == StateStopped) {
			d.wake.Wait()
		}
		if d.state == StateShutdown {
			d.discardLocked(nil)
			d.mu.Unlock()
			d.cancel()
			return
		}
		cmd := d.queue[0]
		d.queue = d.queue[1:]
		d.state = StateProcessing
		d.mu.Unlock()

		d.execute(ctx, cmd)

		d.mu.Lock()
		if d.state == StateProcessing {
			d.state = StateIdle
		}
		d.mu.Unlock()
	}
}

func (d *Dispatcher) execute(ctx context.Context, cmd command) {
	switch cmd.kind {
	case commandShutdown:
		d.mu.Lock()
		d.state = StateShutdown
		d.mu.Unlock()
	case commandClear:
		d.mu.Lock()
		d.discardLocked(func(c command) bool {
			return c.kind == commandPersistentTask || c.kind == commandTestTask || c.kind == commandShutdown
		})
		d.mu.Unlock()
	case commandInitTask:
		if !d.executeTask(ctx, cmd.task) {
			d.logger.Error(ctx, "initialization task failed, dispatcher will not run further tasks")
			d.mu.Lock()
			d.discardLocked(func(c command) bool { return c.kind == commandShutdown })
			if d.state == StateProcessing {
				d.state = StateStopped
			}
			d.mu.Unlock()
		}
	case commandTestTask:
		d.executeTask(ctx, cmd.task)
		close(cmd.done)
	default:
		d.executeTask(ctx, cmd.task)
	}
}

// executeTask runs task, turning errors and panics into logs.
func (d *Dispatcher) executeTask(ctx context.Context, task Task) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(ctx, "panic executing task", slog.F("panic", fmt.Sprint(r)))
			ok = false
		}
		telemetry.RecordDispatcherTask(ok)
	}()
	if err := task(ctx); err != nil {
		d.logger.Error(ctx, "error executing task", slog.Error(err))
		return false
	}
	return true
}

// discardLocked removes queued commands not matched by keep. Discarded test
// tasks are released so their waiters return.
func (d *Dispatcher) discardLocked(keep func(command) bool) {
	kept := d.queue[:0]
	for _, c := range d.queue {
		if keep != nil && keep(c) {
			kept = append(kept, c)
			continue
		}
		if c.done != nil {
			close(c.done)
		}
	}
	d.queue = kept
}
