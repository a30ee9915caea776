// Package scheduler runs periodic housekeeping for the bot backend.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"botdeck/internal/model"
	"botdeck/internal/storage"
)

// Sessions reports which bots currently have a live WhatsApp client.
type Sessions interface {
	Active(phone string) bool
}

// Scheduler sweeps abandoned registrations and old notifications:
//   - a bot left pending or pairing without a live session for longer than
//     the pairing timeout is marked failed and its owner is notified
//   - read notifications older than the retention window are deleted
type Scheduler struct {
	Store    *storage.Store
	Sessions Sessions

	log            zerolog.Logger
	interval       time.Duration
	pairingTimeout time.Duration
	retention      time.Duration
	now            func() time.Time

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func New(store *storage.Store, sessions Sessions, pairingTimeout time.Duration, log zerolog.Logger) *Scheduler {
	if pairingTimeout <= 0 {
		pairingTimeout = 120 * time.Second
	}
	return &Scheduler{
		Store:          store,
		Sessions:       sessions,
		log:            log.With().Str("component", "scheduler").Logger(),
		interval:       30 * time.Second,
		pairingTimeout: pairingTimeout,
		retention:      30 * 24 * time.Hour,
		now:            time.Now,
	}
}

// Start runs the sweep loop in a goroutine. Call Stop to end it.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(ctx, s.stop, s.done)
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()
	<-done
}

func (s *Scheduler) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	tick := time.NewTicker(s.interval)
	defer tick.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := s.Sweep(); err != nil {
				s.log.Warn().Err(err).Msg("sweep")
			}
		}
	}
}

// Sweep runs one housekeeping pass.
func (s *Scheduler) Sweep() error {
	now := s.now()
	expired, err := s.expireAbandoned(now)
	if err != nil {
		return err
	}
	purged, err := s.Store.PurgeReadNotifications(now.Add(-s.retention))
	if err != nil {
		return err
	}
	if expired > 0 || purged > 0 {
		s.log.Info().Int("expired", expired).Int64("purged", purged).Msg("sweep done")
	}
	return nil
}

func (s *Scheduler) expireAbandoned(now time.Time) (int, error) {
	bots, err := s.Store.ListBots("")
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-s.pairingTimeout)
	n := 0
	for _, b := range bots {
		if b.Status != model.BotPending && b.Status != model.BotPairing {
			continue
		}
		if b.UpdatedAt.After(cutoff) || s.Sessions.Active(b.PhoneNumber) {
			continue
		}
		if err := s.Store.UpdateBotStatus(b.PhoneNumber, model.BotFailed, "registration abandoned"); err != nil {
			return n, err
		}
		msg := fmt.Sprintf("Registration of %s was not completed and has expired.", b.PhoneNumber)
		if _, err := s.Store.AddNotification(b.AuthID, msg); err != nil {
			s.log.Warn().Err(err).Str("auth_id", b.AuthID).Msg("notify expired registration")
		}
		n++
	}
	return n, nil
}
