package jobs

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	log "github.com/sirupsen/logrus"

	"crashout/internal/auth"
	"crashout/internal/game"
)

// Scheduler runs the periodic housekeeping the request path must not carry:
// reaping idle credential sessions and retrying failed settlements.
type Scheduler struct {
	scheduler gocron.Scheduler
}

func New(authSvc *auth.Service, engine *game.Engine) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	_, err = s.NewJob(
		gocron.DurationJob(10*time.Minute),
		gocron.NewTask(func() {
			authSvc.ReapSessions()
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = s.NewJob(
		gocron.DurationJob(time.Minute),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if fixed := engine.Reconcile(ctx); fixed > 0 {
				log.WithField("rounds", fixed).Info("settlement reconciliation completed")
			}
		}),
	)
	if err != nil {
		return nil, err
	}

	return &Scheduler{scheduler: s}, nil
}

func (s *Scheduler) Start() {
	s.scheduler.Start()
}

func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}
