// Package heartbeat provides the periodic wake-up shared by coalesced
// clients.
package heartbeat

import (
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Poster hands a closure to the goroutine that owns the scheduler.
type Poster interface {
	Post(fn func()) error
}

// CronTimer implements scheduler.Timer on top of a cron runner. Each tick is
// posted to the loop rather than run on the cron goroutine. cron.Every has
// one-second resolution, so shorter periods are rounded up to a second.
type CronTimer struct {
	logger *slog.Logger
	cron   *cron.Cron
	poster Poster

	mu         sync.Mutex
	entry      cron.EntryID
	generation uint64
}

func NewCronTimer(logger *slog.Logger, poster Poster) *CronTimer {
	t := &CronTimer{
		logger: logger,
		cron:   cron.New(),
		poster: poster,
	}
	t.cron.Start()
	return t
}

// Start schedules fire every period, replacing any previous schedule.
func (t *CronTimer) Start(period time.Duration, fire func()) {
	if period < time.Second {
		period = time.Second
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked()

	gen := t.generation
	t.entry = t.cron.Schedule(cron.Every(period), cron.FuncJob(func() {
		err := t.poster.Post(func() {
			// A tick queued before Stop must not fire afterwards.
			if t.current(gen) {
				fire()
			}
		})
		if err != nil {
			t.logger.Warn("Dropping coalescing tick", "error", err)
		}
	}))
	t.logger.Debug("Coalescing timer started", "period", period)
}

func (t *CronTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entry != 0 {
		t.logger.Debug("Coalescing timer stopped")
	}
	t.removeLocked()
}

func (t *CronTimer) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entry != 0
}

// Close stops the cron runner and waits for a running job to return.
func (t *CronTimer) Close() {
	t.Stop()
	<-t.cron.Stop().Done()
}

func (t *CronTimer) removeLocked() {
	if t.entry != 0 {
		t.cron.Remove(t.entry)
		t.entry = 0
	}
	t.generation++
}

func (t *CronTimer) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entry != 0 && t.generation == gen
}
