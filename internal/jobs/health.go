package jobs

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Gopher0727/Orbo/internal/service"
	logger "github.com/Gopher0727/Orbo/middleware/log"
)

type healthSource interface {
	GetHealthSummary(ctx context.Context) (*service.HealthSummary, error)
	PruneEvents(ctx context.Context) (int64, error)
}

// sweeper is implemented by in-process admin-rights caches.
type sweeper interface {
	Sweep() int
}

// HealthReporter logs the health summary and trims old health events. When
// the admin-rights cache lives in process it also drops expired entries.
type HealthReporter struct {
	health healthSource
	cache  sweeper
	log    *logger.Logger
}

// NewHealthReporter creates a reporter. cache may be nil.
func NewHealthReporter(health healthSource, cache sweeper, log *logger.Logger) *HealthReporter {
	return &HealthReporter{health: health, cache: cache, log: log.Named("health_report")}
}

func (r *HealthReporter) Name() string { return "health_report" }

func (r *HealthReporter) Run(ctx context.Context) error {
	summary, err := r.health.GetHealthSummary(ctx)
	if err != nil {
		return fmt.Errorf("failed to compute health summary: %w", err)
	}

	fields := []zap.Field{
		zap.String("status", string(summary.Status)),
		zap.Int("total", summary.Total),
		zap.Int("healthy", summary.Healthy),
		zap.Int("unhealthy", summary.Unhealthy),
		zap.Int("unknown", summary.Unknown),
	}
	if summary.Status == service.HealthHealthy {
		r.log.InfoContext(ctx, "group health", fields...)
	} else {
		r.log.WarnContext(ctx, "group health", fields...)
	}

	pruned, err := r.health.PruneEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to prune health events: %w", err)
	}
	if pruned > 0 {
		r.log.DebugContext(ctx, "health events pruned", zap.Int64("count", pruned))
	}

	if r.cache != nil {
		if n := r.cache.Sweep(); n > 0 {
			r.log.DebugContext(ctx, "expired admin facts swept", zap.Int("count", n))
		}
	}
	return nil
}
