package registry

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/CybercentreCanada/clue/internal/logging"
)

// DefaultRefreshSchedule reloads the dynamic set every 30 seconds.
const DefaultRefreshSchedule = "@every 30s"

// Refresher periodically reloads the dynamic subset from the shared set so
// registrations made on other instances become visible here.
type Refresher struct {
	reg    *Registry
	cron   *cron.Cron
	logger *zap.Logger
}

// NewRefresher validates schedule, which accepts standard five-field cron
// expressions and descriptors such as "@every 10s".
func NewRefresher(reg *Registry, schedule string, logger *zap.Logger) (*Refresher, error) {
	if schedule == "" {
		schedule = DefaultRefreshSchedule
	}
	logger = logging.OrNop(logger).Named("refresher")
	r := &Refresher{
		reg:    reg,
		logger: logger,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
	if _, err := r.cron.AddFunc(schedule, r.tick); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", schedule, err)
	}
	return r, nil
}

func (r *Refresher) tick() {
	if err := r.reg.Refresh(context.Background()); err != nil {
		r.logger.Warn("registry refresh failed", zap.Error(err))
	}
}

// Start runs an immediate refresh, then the schedule until ctx is done.
// It does not block.
func (r *Refresher) Start(ctx context.Context) {
	r.tick()
	r.cron.Start()
	go func() {
		<-ctx.Done()
		<-r.cron.Stop().Done()
		r.logger.Debug("refresher stopped")
	}()
}
