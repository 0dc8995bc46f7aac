package glean

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"cdr.dev/slog/v3"

	"github.com/fosrl/glean/internal/ping"
)

// PingOptions describes a custom ping.
type PingOptions struct {
	Name            string
	IncludeClientID bool
	SendIfEmpty     bool
	ReasonCodes     []string
}

// Ping is a ping type that collects the metrics and events sent in it.
type Ping struct {
	glean *Glean
	opts  ping.Options

	mu         sync.Mutex
	beforeNext func(ctx context.Context, reason string) error
}

// NewPing returns a ping type.
func (g *Glean) NewPing(opts PingOptions) *Ping {
	return &Ping{glean: g, opts: ping.Options{
		Name:            opts.Name,
		IncludeClientID: opts.IncludeClientID,
		SendIfEmpty:     opts.SendIfEmpty,
		ReasonCodes:     append([]string(nil), opts.ReasonCodes...),
	}}
}

// Name returns the ping name.
func (p *Ping) Name() string {
	return p.opts.Name
}

// Submit collects the ping and queues it for upload. A reason that is not
// one of the ping's reason codes is dropped. Nothing is submitted while
// upload is disabled.
func (p *Ping) Submit(reason string) {
	g := p.glean
	g.dispatcher.Launch(func(ctx context.Context) error {
		if !g.isUploadEnabled() {
			g.logger.Info(ctx, "upload is disabled, not submitting ping", slog.F("ping", p.opts.Name))
			return nil
		}
		if reason != "" && !slices.Contains(p.opts.ReasonCodes, reason) {
			g.logger.Warn(ctx, "invalid reason code, submitting without reason",
				slog.F("ping", p.opts.Name),
				slog.F("reason", reason),
			)
			reason = ""
		}

		p.mu.Lock()
		before := p.beforeNext
		p.beforeNext = nil
		p.mu.Unlock()
		if before != nil {
			if err := before(ctx, reason); err != nil {
				return err
			}
		}

		stored, err := g.collector.CollectAndStore(ctx, uuid.NewString(), p.opts, reason)
		if err != nil {
			return err
		}
		if stored {
			g.logger.Debug(ctx, "ping submitted", slog.F("ping", p.opts.Name), slog.F("reason", reason))
		}
		return nil
	})
}

// TestBeforeNextSubmit runs fn inside the next Submit, before the ping is
// collected. It lets tests inspect the metrics about to be sent.
func (p *Ping) TestBeforeNextSubmit(fn func(ctx context.Context, reason string) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.beforeNext = fn
}
