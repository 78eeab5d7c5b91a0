package sweep

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"burnbin/metrics"
	"burnbin/pkg/domain"
	"burnbin/svc/db"
	"burnbin/svc/util"

	"github.com/pkg/errors"
)

// Sweeper reconciles time-based expiry independent of read traffic: pastes
// that are never viewed again after their deadline still leave circulation.
// It runs as a single supervised task; the loop never terminates on its own,
// a failed cycle is logged and retried at the next tick.
type Sweeper struct {
	db        *db.SQLite
	interval  time.Duration
	batch     int
	startOnce sync.Once
	started   atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(sqlDB *db.SQLite, interval time.Duration, batch int) *Sweeper {
	if sqlDB == nil {
		panic("sweeper: nil database")
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if batch <= 0 {
		batch = 500
	}
	return &Sweeper{
		db:       sqlDB,
		interval: interval,
		batch:    batch,
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. Duplicate starts are rejected rather than
// spawning a second loop.
func (s *Sweeper) Start(ctx context.Context) error {
	launched := false
	s.startOnce.Do(func() {
		launched = true
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.started.Store(true)
		go s.run(runCtx)
	})
	if !launched {
		return errors.New("sweeper already started")
	}
	return nil
}

func (s *Sweeper) Stop() {
	if !s.started.Load() {
		return
	}
	s.cancel()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		util.Warn().Msg("sweeper did not stop in time")
	}
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)
	sweepRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, sweepRequestID)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", sweepRequestID).
		Dur("interval", s.interval).
		Msg("expiry sweeper started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", sweepRequestID).
				Msg("expiry sweeper shutting down")
			return
		case <-ticker.C:
			expired, err := s.Sweep(ctx)
			if err != nil {
				util.Error().
					Err(err).
					Str("request_id", util.GetRequestID(ctx)).
					Msg("sweep cycle failed")
			} else if expired > 0 {
				util.Info().
					Int("expired", expired).
					Str("request_id", util.GetRequestID(ctx)).
					Msg("sweep cycle completed")
			}
		}
	}
}

// Sweep runs one cycle: every paste still in circulation whose deadline has
// passed is transitioned to EXPIRED through the validated store path, all in
// one transaction. An unprovisioned schema skips the cycle quietly.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	metrics.SweepCycles.Inc()
	ready, err := s.db.SchemaReady(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "schema probe")
	}
	if !ready {
		util.Debug().Msg("schema not provisioned; skipping sweep cycle")
		return 0, nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "begin sweep")
	}
	defer tx.Rollback()
	pastes, err := tx.FindExpired(ctx, time.Now().UTC(), s.batch)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, paste := range pastes {
		if err := tx.UpdateStatus(ctx, paste, domain.StatusExpired); err != nil {
			var terr *domain.TransitionError
			if errors.As(err, &terr) && terr.From.Terminal() {
				// A viewer or delete won the race; the paste left
				// circulation either way.
				util.Debug().
					Str("paste_id", paste.ID).
					Str("status", string(terr.From)).
					Msg("paste already terminal, skipping")
				continue
			}
			return 0, err
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit sweep")
	}
	if count > 0 {
		metrics.SweepTransitions.Add(float64(count))
		metrics.PasteExpired.WithLabelValues("sweep").Add(float64(count))
	}
	return count, nil
}
