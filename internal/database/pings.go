package database

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/coder/quartz"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/fosrl/glean/internal/metrics"
	"github.com/fosrl/glean/internal/storage"
	"github.com/fosrl/glean/internal/telemetry"
)

const (
	// DeletionRequestPing is exempt from quota pruning and from clearing on
	// upload disable.
	DeletionRequestPing = "deletion-request"

	DefaultMaxPendingPings     = 250
	DefaultMaxPendingPingsSize = 10 * 1024 * 1024
)

// QueuedPing is an assembled ping waiting for upload.
type QueuedPing struct {
	Identifier     string
	Path           string
	Payload        map[string]any
	Headers        map[string]string
	CollectionDate int64
	// Sequence orders pings collected within the same millisecond.
	Sequence int64
}

// Name is the ping name encoded in the submission path
// "/submit/<app_id>/<ping_name>/<version>/<doc_id>".
func (p QueuedPing) Name() string {
	parts := strings.Split(p.Path, "/")
	if len(parts) < 4 {
		return ""
	}
	return parts[3]
}

// IsDeletionRequest reports whether p is a deletion-request ping.
func (p QueuedPing) IsDeletionRequest() bool {
	return p.Name() == DeletionRequestPing
}

// Observer is notified of pings that are ready for upload.
type Observer interface {
	Update(identifier string, ping QueuedPing)
}

// DropObserver is implemented by observers that track pings pruned by the
// quota.
type DropObserver interface {
	Dropped(identifier string)
}

// PingsDatabase is the durable queue of assembled pings.
type PingsDatabase struct {
	logger  slog.Logger
	store   storage.Store
	clock   quartz.Clock
	maxPing int
	maxSize int64

	mu       sync.Mutex
	observer Observer

	seqMu     sync.Mutex
	seq       int64
	seqLoaded bool
}

// NewPingsDatabase opens the pings store through factory. Non-positive quota
// values fall back to the defaults.
func NewPingsDatabase(logger slog.Logger, factory storage.Factory, clock quartz.Clock, maxCount int, maxSize int64) (*PingsDatabase, error) {
	store, err := factory(storage.RootPings)
	if err != nil {
		return nil, xerrors.Errorf("open pings store: %w", err)
	}
	if maxCount <= 0 {
		maxCount = DefaultMaxPendingPings
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxPendingPingsSize
	}
	return &PingsDatabase{
		logger:  logger.Named("pings_database"),
		store:   store,
		clock:   clock,
		maxPing: maxCount,
		maxSize: maxSize,
	}, nil
}

// AttachObserver sets the observer notified of recorded pings.
func (db *PingsDatabase) AttachObserver(o Observer) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.observer = o
}

func (db *PingsDatabase) currentObserver() Observer {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.observer
}

// RecordPing persists a ping, prunes the queue back within its quota and
// notifies the observer if the ping survived pruning.
func (db *PingsDatabase) RecordPing(ctx context.Context, path, identifier string, payload map[string]any, headers map[string]string) error {
	seq, err := db.nextSequence(ctx)
	if err != nil {
		return err
	}
	ping := QueuedPing{
		Identifier:     identifier,
		Path:           path,
		Payload:        payload,
		Headers:        headers,
		CollectionDate: db.clock.Now().UnixMilli(),
		Sequence:       seq,
	}
	err = db.store.Update(ctx, storage.Index{identifier}, func(any) (any, error) {
		return encodePing(ping), nil
	})
	if err != nil {
		return xerrors.Errorf("record ping %s: %w", identifier, err)
	}
	telemetry.RecordPingRecorded(ping.Name())

	kept, err := db.GetAllPingsWithoutSurplus(ctx, db.maxPing, db.maxSize)
	if err != nil {
		return err
	}
	observer := db.currentObserver()
	if observer == nil {
		return nil
	}
	for _, p := range kept {
		if p.Identifier == identifier {
			observer.Update(identifier, p)
			return nil
		}
	}
	return nil
}

// nextSequence returns the next collection sequence number. The first call
// continues from the highest sequence already stored.
func (db *PingsDatabase) nextSequence(ctx context.Context) (int64, error) {
	db.seqMu.Lock()
	defer db.seqMu.Unlock()
	if !db.seqLoaded {
		pings, err := db.GetAllPings(ctx)
		if err != nil {
			return 0, err
		}
		for _, p := range pings {
			if p.Sequence > db.seq {
				db.seq = p.Sequence
			}
		}
		db.seqLoaded = true
	}
	db.seq++
	return db.seq, nil
}

// DeletePing removes a ping. Deleting an unknown ping is a no-op.
func (db *PingsDatabase) DeletePing(ctx context.Context, identifier string) error {
	if err := db.store.Delete(ctx, storage.Index{identifier}); err != nil {
		return xerrors.Errorf("delete ping %s: %w", identifier, err)
	}
	return nil
}

// GetAllPings returns every stored ping, oldest first. Entries that do not
// decode are deleted.
func (db *PingsDatabase) GetAllPings(ctx context.Context) ([]QueuedPing, error) {
	raw, err := db.store.Get(ctx, nil)
	if err != nil {
		return nil, xerrors.Errorf("read pings: %w", err)
	}
	doc, _ := raw.(map[string]any)
	pings := make([]QueuedPing, 0, len(doc))
	for identifier, v := range doc {
		p, ok := decodePing(identifier, v)
		if !ok {
			db.logger.Warn(ctx, "discarding invalid stored ping", slog.F("identifier", identifier))
			if err := db.DeletePing(ctx, identifier); err != nil {
				return nil, err
			}
			continue
		}
		pings = append(pings, p)
	}
	sort.SliceStable(pings, func(i, j int) bool {
		if pings[i].CollectionDate != pings[j].CollectionDate {
			return pings[i].CollectionDate < pings[j].CollectionDate
		}
		if pings[i].Sequence != pings[j].Sequence {
			return pings[i].Sequence < pings[j].Sequence
		}
		return pings[i].Identifier < pings[j].Identifier
	})
	return pings, nil
}

// GetAllPingsWithoutSurplus deletes the oldest pings until at most maxCount
// pings of at most maxSize payload bytes remain, and returns the remaining
// pings. Deletion-request pings are never deleted, count against the quota
// first and are listed first; the rest are listed oldest first.
func (db *PingsDatabase) GetAllPingsWithoutSurplus(ctx context.Context, maxCount int, maxSize int64) ([]QueuedPing, error) {
	all, err := db.GetAllPings(ctx)
	if err != nil {
		return nil, err
	}

	var (
		deletionRequests []QueuedPing
		others           []QueuedPing
		count            int
		size             int64
	)
	for _, p := range all {
		if p.IsDeletionRequest() {
			deletionRequests = append(deletionRequests, p)
			count++
			size += payloadSize(p)
			continue
		}
		others = append(others, p)
	}

	// Walk newest first; once a limit is exceeded, that ping and every older
	// one are pruned.
	keep := make([]bool, len(others))
	var (
		pruned   []string
		exceeded = count > maxCount || size > maxSize
	)
	for i := len(others) - 1; i >= 0; i-- {
		if !exceeded {
			count++
			size += payloadSize(others[i])
			exceeded = count > maxCount || size > maxSize
		}
		if exceeded {
			pruned = append(pruned, others[i].Identifier)
			continue
		}
		keep[i] = true
	}

	if len(pruned) > 0 {
		db.logger.Warn(ctx, "pending pings exceed quota, pruning oldest",
			slog.F("pruned", len(pruned)),
			slog.F("max_count", maxCount),
			slog.F("max_size", maxSize),
		)
		observer := db.currentObserver()
		for _, identifier := range pruned {
			if err := db.DeletePing(ctx, identifier); err != nil {
				return nil, err
			}
			if d, ok := observer.(DropObserver); ok {
				d.Dropped(identifier)
			}
		}
		telemetry.RecordPingsPruned(len(pruned))
	}

	result := deletionRequests
	for i, p := range others {
		if keep[i] {
			result = append(result, p)
		}
	}
	return result, nil
}

// ScanPendingPings hands every stored ping within quota to the observer.
func (db *PingsDatabase) ScanPendingPings(ctx context.Context) error {
	observer := db.currentObserver()
	if observer == nil {
		return nil
	}
	pings, err := db.GetAllPingsWithoutSurplus(ctx, db.maxPing, db.maxSize)
	if err != nil {
		return err
	}
	for _, p := range pings {
		observer.Update(p.Identifier, p)
	}
	return nil
}

// ClearPendingPings deletes every ping except deletion-request pings and
// returns the deleted identifiers.
func (db *PingsDatabase) ClearPendingPings(ctx context.Context) ([]string, error) {
	pings, err := db.GetAllPings(ctx)
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, p := range pings {
		if p.IsDeletionRequest() {
			continue
		}
		if err := db.DeletePing(ctx, p.Identifier); err != nil {
			return deleted, err
		}
		telemetry.RecordPingDeleted("cleared")
		deleted = append(deleted, p.Identifier)
	}
	return deleted, nil
}

// ClearAll deletes every stored ping.
func (db *PingsDatabase) ClearAll(ctx context.Context) error {
	return db.store.Delete(ctx, nil)
}

func payloadSize(p QueuedPing) int64 {
	b, err := json.Marshal(p.Payload)
	if err != nil {
		return 0
	}
	return int64(len(b))
}

func encodePing(p QueuedPing) map[string]any {
	doc := map[string]any{
		"path":           p.Path,
		"payload":        p.Payload,
		"collectionDate": p.CollectionDate,
		"sequence":       p.Sequence,
	}
	if len(p.Headers) > 0 {
		doc["headers"] = p.Headers
	}
	return doc
}

func decodePing(identifier string, v any) (QueuedPing, bool) {
	doc, ok := v.(map[string]any)
	if !ok {
		return QueuedPing{}, false
	}
	path, ok := doc["path"].(string)
	if !ok || path == "" {
		return QueuedPing{}, false
	}
	payload, ok := doc["payload"].(map[string]any)
	if !ok {
		return QueuedPing{}, false
	}
	p := QueuedPing{Identifier: identifier, Path: path, Payload: payload}
	if date, ok := metrics.AsInt64(doc["collectionDate"]); ok {
		p.CollectionDate = date
	}
	if seq, ok := metrics.AsInt64(doc["sequence"]); ok {
		p.Sequence = seq
	}
	switch headers := doc["headers"].(type) {
	case nil:
	case map[string]string:
		p.Headers = headers
	case map[string]any:
		p.Headers = make(map[string]string, len(headers))
		for k, h := range headers {
			s, ok := h.(string)
			if !ok {
				return QueuedPing{}, false
			}
			p.Headers[k] = s
		}
	default:
		return QueuedPing{}, false
	}
	return p, true
}
