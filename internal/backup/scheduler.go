package backup

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler runs periodic backups in a background goroutine and serializes
// them with on-demand runs.
type Scheduler struct {
	backupFn func(ctx context.Context) (string, error)
	interval time.Duration
	mu       sync.Mutex
	stop     chan struct{}
	done     chan struct{}
}

// NewScheduler starts a scheduler calling backupFn every interval. With a
// zero interval only RunOnce triggers backups.
func NewScheduler(backupFn func(ctx context.Context) (string, error), interval time.Duration) *Scheduler {
	s := &Scheduler{
		backupFn: backupFn,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	if interval > 0 {
		go s.run()
	} else {
		close(s.done)
	}
	return s
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer close(s.done)

	for {
		select {
		case <-ticker.C:
			key, err := s.RunOnce(context.Background())
			if err != nil {
				slog.Error("scheduled backup failed", "error", err)
				continue
			}
			slog.Info("scheduled backup written", "key", key)
		case <-s.stop:
			return
		}
	}
}

// RunOnce executes a single backup. Only one backup runs at a time.
func (s *Scheduler) RunOnce(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backupFn(ctx)
}

// Shutdown stops the ticker and waits for an in-progress tick to finish.
func (s *Scheduler) Shutdown() {
	close(s.stop)
	<-s.done
}
