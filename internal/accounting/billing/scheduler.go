package billing

import (
	"context"

	"github.com/robfig/cron/v3"

	"taskexchange/pkg/events"
	"taskexchange/pkg/logging"
)

// EventPublisher publishes event envelopes.
type EventPublisher interface {
	PublishEvent(ctx context.Context, topic, key string, env events.Envelope) error
}

// Scheduler publishes the EndOfDayHappened trigger on a cron schedule. The
// schedule is configuration, not a constant: production runs it daily at a
// fixed wall-clock time, tests and demos run it every minute.
type Scheduler struct {
	cron      *cron.Cron
	publisher EventPublisher
	logger    logging.Logger
	spec      string
}

// NewScheduler creates a Scheduler for the given cron spec.
func NewScheduler(publisher EventPublisher, spec string, logger logging.Logger) *Scheduler {
	return &Scheduler{
		cron:      cron.New(),
		publisher: publisher,
		logger:    logger,
		spec:      spec,
	}
}

// Start registers the trigger job and starts the cron loop.
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(s.spec, s.trigger)
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.WithField("schedule", s.spec).Info("Billing trigger scheduled")
	return nil
}

// Stop stops the cron loop, waiting for a running trigger to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) trigger() {
	env, err := events.NewEnvelope(events.NameEndOfDayHappened, 1, "accounting", events.EndOfDayHappenedV1{})
	if err != nil {
		s.logger.WithError(err).Error("Failed to build EndOfDayHappened event")
		return
	}

	if err := s.publisher.PublishEvent(context.Background(), events.TopicBillingCron, env.ID, env); err != nil {
		s.logger.WithError(err).Error("Failed to publish EndOfDayHappened event")
		return
	}

	s.logger.WithField("event_id", env.ID).Info("EndOfDayHappened published")
}
