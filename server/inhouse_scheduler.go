package server

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// SignupPublisher posts and refreshes the signup message of a channel.
type SignupPublisher interface {
	PublishSignup(ctx context.Context, channelID string) error
	RequestUpdate(channelID string, opts UpdateOptions)
}

type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}

// InhouseScheduler runs the daily reset and the daily auto-recruit in the
// deployment time zone.
type InhouseScheduler struct {
	ctx       context.Context
	logger    *zap.Logger
	metrics   Metrics
	engine    *RosterEngine
	publisher SignupPublisher
	channelID string
	timeout   time.Duration

	cron *cron.Cron
}

func NewInhouseScheduler(ctx context.Context, logger *zap.Logger, metrics Metrics, config *Config, location *time.Location, engine *RosterEngine, publisher SignupPublisher) (*InhouseScheduler, error) {
	logger = logger.With(zap.String("component", "scheduler"))
	clog := cronLogger{logger: logger.Sugar()}

	s := &InhouseScheduler{
		ctx:       ctx,
		logger:    logger,
		metrics:   metrics,
		engine:    engine,
		publisher: publisher,
		channelID: config.Discord.ChannelID,
		timeout:   config.Roster.RemoteCallTimeout(),
		cron: cron.New(
			cron.WithLocation(location),
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		),
	}

	if _, err := s.cron.AddFunc(config.Schedule.ResetSpec, s.runReset); err != nil {
		return nil, fmt.Errorf("invalid reset schedule %q: %w", config.Schedule.ResetSpec, err)
	}
	if _, err := s.cron.AddFunc(config.Schedule.RecruitSpec, s.runRecruit); err != nil {
		return nil, fmt.Errorf("invalid recruit schedule %q: %w", config.Schedule.RecruitSpec, err)
	}
	return s, nil
}

func (s *InhouseScheduler) Start() {
	s.cron.Start()
	for _, entry := range s.cron.Entries() {
		s.logger.Info("Scheduled job", zap.Int("entry_id", int(entry.ID)), zap.Time("next", entry.Next))
	}
}

// Stop halts the schedule and waits for a running job to finish.
func (s *InhouseScheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *InhouseScheduler) runReset() {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	outcome, err := s.engine.Reset(ctx, s.channelID)
	if err != nil {
		s.logger.Error("Daily reset failed", zap.Error(err))
		s.metrics.CustomCounter("scheduled_job_error", map[string]string{"job": "reset"}, 1)
		return
	}
	if err := outcome.Sync.Wait(ctx); err != nil {
		s.logger.Warn("Daily reset did not reach the store", zap.Error(err))
	}
	s.publisher.RequestUpdate(s.channelID, UpdateOptions{Silent: true})
	s.logger.Info("Daily reset done", zap.String("channel_id", s.channelID))
}

func (s *InhouseScheduler) runRecruit() {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	outcome, err := s.engine.DailyAutoRecruit(ctx, s.channelID)
	if err != nil {
		s.logger.Error("Daily auto recruit failed", zap.Error(err))
		s.metrics.CustomCounter("scheduled_job_error", map[string]string{"job": "recruit"}, 1)
		return
	}
	if outcome.Result != ResultPublish {
		return
	}
	if err := s.publisher.PublishSignup(ctx, s.channelID); err != nil {
		s.logger.Error("Failed to publish auto recruit message", zap.Error(err))
		s.metrics.CustomCounter("scheduled_job_error", map[string]string{"job": "recruit"}, 1)
		return
	}
	s.logger.Info("Daily auto recruit published", zap.String("channel_id", s.channelID))
}
