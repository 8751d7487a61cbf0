// Package watchdog sweeps live call sessions and force-escalates any that
// are still undecided past their deadline. A dropped call must never leave an
// incident without an outcome.
package watchdog

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/vitalsignal/carecall/internal/agent"
)

// SessionSource exposes the live sessions to sweep. The gateway's session
// registry implements it.
type SessionSource interface {
	ExpiredSessions(now time.Time) []*agent.Session
}

type Service struct {
	source   SessionSource
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewService(source SessionSource, interval time.Duration) *Service {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Service{source: source, interval: interval}
}

func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go s.loop(ctx)
	log.Printf("[watchdog] started, sweep interval %s", s.interval)
	return nil
}

func (s *Service) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx, time.Now())
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) sweep(ctx context.Context, now time.Time) {
	for _, sess := range s.source.ExpiredSessions(now) {
		log.Printf("[watchdog] session %s undecided past deadline", sess.ID)
		sess.ForceEscalate(ctx, "no decision before deadline")
	}
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	log.Printf("[watchdog] stopped")
}
