// Package housekeeping runs scheduled maintenance against the token stores.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"pantrykit.org/internal/auth"
	"pantrykit.org/internal/obs"
)

type target struct {
	name   string
	purger auth.TokenPurger
}

// Sweeper deletes token records that expired more than the retention window
// ago. Expiry is always enforced on use; sweeping only reclaims space.
type Sweeper struct {
	schedule  string
	retention time.Duration
	timeout   time.Duration
	now       func() time.Time
	log       *logrus.Entry

	targets []target
	cron    *cron.Cron
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Sweeper) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithTimeout bounds a single sweep.
func WithTimeout(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(s *Sweeper) {
		if log != nil {
			s.log = log
		}
	}
}

// New builds a sweeper for a standard cron spec or descriptor such as
// "@every 1h".
func New(schedule string, retention time.Duration, opts ...Option) (*Sweeper, error) {
	if retention < 0 {
		return nil, errors.New("housekeeping: retention must not be negative")
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("housekeeping: schedule %q: %w", schedule, err)
	}
	s := &Sweeper{
		schedule:  schedule,
		retention: retention,
		timeout:   time.Minute,
		now:       time.Now,
		log:       obs.Component("housekeeping"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Add registers a store to sweep.
func (s *Sweeper) Add(name string, p auth.TokenPurger) {
	if p == nil {
		return
	}
	s.targets = append(s.targets, target{name: name, purger: p})
}

// Start schedules the sweep. Overlapping runs are skipped.
func (s *Sweeper) Start() error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if _, err := s.RunOnce(ctx); err != nil {
			s.log.WithError(err).Warn("token sweep failed")
		}
	}); err != nil {
		return err
	}
	s.cron = c
	c.Start()
	s.log.WithField("schedule", s.schedule).Info("token sweeper started")
	return nil
}

// Stop halts scheduling; the returned context is done once a running sweep
// has finished.
func (s *Sweeper) Stop() context.Context {
	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return s.cron.Stop()
}

// RunOnce sweeps every registered store and returns the total removed.
// A failing store does not stop the others.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)
	var total int64
	var errs []error
	for _, t := range s.targets {
		n, err := t.purger.PurgeExpiredTokens(ctx, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.name, err))
			continue
		}
		obs.TokensPurged(t.name, n)
		total += n
		if n > 0 {
			s.log.WithFields(logrus.Fields{"store": t.name, "removed": n}).Info("expired tokens purged")
		}
	}
	return total, errors.Join(errs...)
}
