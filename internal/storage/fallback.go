package storage

import (
	"context"

	"cdr.dev/slog/v3"

	"github.com/fosrl/glean/internal/telemetry"
)

// transformFallback logs a failed transform before the store retries it with
// no prior state. The old value is lost, which may hide corruption.
func transformFallback(ctx context.Context, logger slog.Logger, root string, index Index) func(error) {
	return func(err error) {
		logger.Warn(ctx, "transform failed on stored value, retrying without prior state",
			slog.F("root", root), slog.F("index", index.String()), slog.Error(err))
		telemetry.RecordStorageFallback(root)
	}
}
