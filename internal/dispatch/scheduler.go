package dispatch

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultRelaySchedule is how often the relay polls the outbox.
const DefaultRelaySchedule = "@every 2s"

// Scheduler runs the relay on a cron schedule. A run that is still going when
// the next one is due is skipped.
type Scheduler struct {
	relay    *Relay
	schedule string
	logger   *zap.Logger
	cron     *cron.Cron
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewScheduler validates schedule and returns a stopped scheduler.
// Standard five-field specs and descriptors such as "@every 2s" are accepted.
func NewScheduler(relay *Relay, schedule string, logger *zap.Logger) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultRelaySchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("dispatch: invalid relay schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{relay: relay, schedule: schedule, logger: logger.Named("relay")}, nil
}

// Start begins running the relay. Runs use a context derived from ctx and
// cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	cl := cronLogger{s.logger.Sugar()}
	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cl),
		cron.Recover(cl),
	))
	if _, err := s.cron.AddFunc(s.schedule, s.run); err != nil {
		s.cancel()
		return fmt.Errorf("dispatch: schedule relay: %w", err)
	}

	s.logger.Info("starting outbox relay", zap.String("schedule", s.schedule))
	s.cron.Start()
	return nil
}

// Stop stops scheduling and waits for a running relay pass to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cancel()
	s.logger.Info("outbox relay stopped")
}

func (s *Scheduler) run() {
	if _, err := s.relay.Drain(s.ctx); err != nil && s.ctx.Err() == nil {
		s.logger.Warn("relay pass ended with error", zap.Error(err))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
