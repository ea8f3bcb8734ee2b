package core

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// scheduler runs the manager's two periodic loops: the quota refresh-all
// sweep and the automatic rotation check. The loops run on independent
// timers and are bound to the owning manager's lifetime; cancellation is
// deterministic because each loop selects on the context before acting, so
// a fired-but-stale tick can never run work after stop.
type scheduler struct {
	m       *Manager
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func newScheduler(m *Manager) *scheduler {
	return &scheduler{m: m}
}

func (s *scheduler) start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	settings := s.m.currentSettings()

	if settings.QuotaInterval > 0 {
		s.wg.Add(1)
		go s.loop(ctx, settings.QuotaInterval, "quota sweep", func(loopCtx context.Context) {
			s.m.RefreshAllQuota(loopCtx)
		})
	}
	if settings.RotateInterval > 0 {
		s.wg.Add(1)
		go s.loop(ctx, settings.RotateInterval, "rotation check", func(loopCtx context.Context) {
			if _, err := s.m.CheckAndAutoRotate(loopCtx); err != nil {
				log.Warnf("rotation check failed: %v", err)
			}
		})
	}

	log.Debug("scheduler started")
}

func (s *scheduler) stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	log.Debug("scheduler stopped")
}

func (s *scheduler) loop(ctx context.Context, interval time.Duration, name string, run func(context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Re-check cancellation: a tick may already be pending when
			// stop cancels the context.
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Debugf("running scheduled %s", name)
			run(ctx)
		}
	}
}
