// Package refresh keeps the directory cache current and reloads the store
// when the cache changes.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/cvsouth/lightor/directory"
)

// DefaultTimeout bounds one refresh run.
const DefaultTimeout = 5 * time.Minute

// Status is the outcome of a refresh run.
type Status string

const (
	StatusUnchanged Status = "unchanged" // nothing downloaded, store already current
	StatusReloaded  Status = "reloaded"
	StatusFailed    Status = "failed"
)

// Result describes one refresh run.
type Result struct {
	RunID    uuid.UUID
	Started  time.Time
	Duration time.Duration
	Update   directory.UpdateNeeded
	Status   Status
	Version  uint64 // snapshot version current after the run, 0 if none
	FetchErr error
	LoadErr  error
}

// Err returns the error that made the run fail, if any.
func (r Result) Err() error {
	return errors.Join(r.FetchErr, r.LoadErr)
}

// Scheduler periodically brings the cache up to date and reloads the store.
// A failed download or load keeps the current snapshot.
type Scheduler struct {
	Store   *directory.Store
	Cache   *directory.Cache
	Fetcher *directory.Fetcher // nil disables downloads
	Logger  *slog.Logger
	Clock   func() time.Time
	Timeout time.Duration // per run, 0 means DefaultTimeout

	run  sync.Mutex // serializes runs
	mu   sync.Mutex
	last *Result
	cron *cron.Cron

	cancel context.CancelFunc
}

// New returns a scheduler refreshing cache into store.
func New(store *directory.Store, cache *directory.Cache, fetcher *directory.Fetcher, logger *slog.Logger) *Scheduler {
	return &Scheduler{Store: store, Cache: cache, Fetcher: fetcher, Logger: logger}
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Scheduler) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

// RunOnce downloads what the cache policy asks for and reloads the store
// when files changed or no snapshot is loaded yet. Runs are serialized.
func (s *Scheduler) RunOnce(ctx context.Context) Result {
	s.run.Lock()
	defer s.run.Unlock()

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := Result{RunID: uuid.New(), Started: s.now(), Status: StatusUnchanged}
	logger := s.logger().With("run_id", res.RunID.String())

	if s.Fetcher != nil {
		res.Update, res.FetchErr = s.Fetcher.Update(ctx, s.Cache, res.Started)
		if res.FetchErr != nil {
			logger.Warn("cache update failed", "update", res.Update.String(), "error", res.FetchErr)
		}
	}

	// A failed update may still have replaced some files; loading verifies
	// whatever is on disk.
	_, currentErr := s.Store.Current()
	reload := currentErr != nil || res.Update != directory.UpdateNone
	if reload {
		if _, err := s.Store.LoadFromCache(s.Cache); err != nil {
			res.LoadErr = fmt.Errorf("reload: %w", err)
			logger.Error("directory reload failed, keeping previous snapshot", "error", err)
		} else {
			res.Status = StatusReloaded
		}
	}
	if res.Err() != nil {
		res.Status = StatusFailed
	}
	if snap, err := s.Store.Current(); err == nil {
		res.Version = snap.Version
	}
	res.Duration = s.now().Sub(res.Started)

	s.mu.Lock()
	s.last = &res
	s.mu.Unlock()

	logger.Info("refresh finished", "status", string(res.Status), "update", res.Update.String(),
		"version", res.Version, "duration", res.Duration)
	return res
}

// Last returns the result of the most recent run.
func (s *Scheduler) Last() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Result{}, false
	}
	return *s.last, true
}

// Start schedules RunOnce on the cron expression schedule. Runs that would
// overlap a still running one are skipped.
func (s *Scheduler) Start(schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("scheduler already started")
	}

	logger := cronLogger{s.logger()}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := c.AddFunc(schedule, func() { s.RunOnce(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule refresh %q: %w", schedule, err)
	}
	s.cron, s.cancel = c, cancel
	c.Start()
	s.logger().Info("refresh scheduled", "schedule", schedule)
	return nil
}

// Next returns the time of the next scheduled run.
func (s *Scheduler) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return time.Time{}, false
	}
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}, false
	}
	return entries[0].Next, true
}

// Stop cancels a running refresh and waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
