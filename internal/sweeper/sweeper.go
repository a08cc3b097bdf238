package sweeper

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"log/slog"
)

// OrderExpirer retires ads whose TTL has passed.
type OrderExpirer interface {
	ExpireDue(ctx context.Context, now time.Time) (int, error)
}

// TradeReleaser force-completes trades whose buyer proved payment and whose
// seller never confirmed within the auto-release window.
type TradeReleaser interface {
	AutoReleaseDue(ctx context.Context, now time.Time, limit int) (int, error)
}

const autoReleaseBatch = 100

type Config struct {
	ExpireSchedule      string
	AutoReleaseSchedule string
}

// Sweeper runs the two background jobs on cron schedules with seconds
// precision. Jobs are synchronous within cron, so a slow sweep skips the
// next tick instead of piling up.
type Sweeper struct {
	cron    *cron.Cron
	orders  OrderExpirer
	trades  TradeReleaser
	logger  *slog.Logger
	baseCtx context.Context
}

func New(baseCtx context.Context, orders OrderExpirer, trades TradeReleaser, logger *slog.Logger) *Sweeper {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		cron:    cron.New(cron.WithSeconds()),
		orders:  orders,
		trades:  trades,
		logger:  logger,
		baseCtx: baseCtx,
	}
}

func (s *Sweeper) Register(cfg Config) error {
	if _, err := s.cron.AddFunc(cfg.ExpireSchedule, func() { s.runExpire() }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(cfg.AutoReleaseSchedule, func() { s.runAutoRelease() }); err != nil {
		return err
	}
	return nil
}

func (s *Sweeper) Start() {
	s.logger.Info("sweeper started")
	s.cron.Start()
}

func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) runExpire() {
	ctx, cancel := context.WithTimeout(s.baseCtx, 30*time.Second)
	defer cancel()

	n, err := s.orders.ExpireDue(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("order expiry sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("expired stale orders", "count", n)
	}
}

func (s *Sweeper) runAutoRelease() {
	ctx, cancel := context.WithTimeout(s.baseCtx, 60*time.Second)
	defer cancel()

	n, err := s.trades.AutoReleaseDue(ctx, time.Now().UTC(), autoReleaseBatch)
	if err != nil {
		s.logger.Error("auto-release sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("auto-released overdue trades", "count", n)
	}
}
