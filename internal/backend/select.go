package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/treykane/wg-manager/internal/appconfig"
	"github.com/treykane/wg-manager/internal/async"
)

// Factory constructs a backend candidate.
type Factory func() (Backend, error)

// probeTimeout bounds how long auto selection waits on the wg-quick helpers.
const probeTimeout = 10 * time.Second

// Select picks the process-wide backend on the pool. With preference "auto"
// the wg-quick variant wins when it can be constructed and answers a listing
// probe; otherwise the kernel variant is used. Explicit preferences are not
// probed. The returned future is resolved exactly once and its value never
// changes.
func Select(pool *async.Pool, preference string, wgQuick, kernel Factory, logger *slog.Logger) *async.Future[Backend] {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "backend")
	return async.Submit(pool, func() (Backend, error) {
		switch preference {
		case appconfig.BackendWgQuick:
			return wgQuick()
		case appconfig.BackendKernel:
			return kernel()
		case appconfig.BackendAuto, "":
		default:
			return nil, fmt.Errorf("unknown backend preference %q", preference)
		}

		b, err := wgQuick()
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
			_, err = b.RunningNames(ctx)
			cancel()
			if err == nil {
				log.Info("selected backend", "backend", b.Kind().String())
				return b, nil
			}
		}
		log.Info("privileged helpers unavailable, using in-process backend", "error", err)
		k, kerr := kernel()
		if kerr != nil {
			return nil, fmt.Errorf("no usable backend: wg-quick: %v; kernel: %w", err, kerr)
		}
		log.Info("selected backend", "backend", k.Kind().String())
		return k, nil
	})
}
