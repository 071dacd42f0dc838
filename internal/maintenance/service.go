// Package maintenance runs periodic housekeeping on cron triggers:
// refreshing the room directory and pruning dispatch history.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"pacebot/internal/history"
	"pacebot/internal/storage"
	logx "pacebot/pkg/logx"
)

const (
	JobRefreshRooms = "refresh-rooms"
	JobPruneHistory = "prune-history"

	defaultJobTimeout = 2 * time.Minute
)

// Config holds cron specs. An empty spec disables the job.
// Specs accept 5 or 6 fields and descriptors such as "@every 1h".
type Config struct {
	RefreshRooms     string
	PruneHistory     string
	HistoryRetention time.Duration
	Timezone         string
	JobTimeout       time.Duration
}

// RoomRefresher reloads the room directory.
type RoomRefresher interface {
	RefreshRooms(ctx context.Context) ([]storage.Room, error)
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate parses every configured cron expression and the timezone.
func (c Config) Validate() error {
	for name, spec := range map[string]string{JobRefreshRooms: c.RefreshRooms, JobPruneHistory: c.PruneHistory} {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("maintenance %s: %w", name, err)
		}
	}
	if c.HistoryRetention < 0 {
		return fmt.Errorf("maintenance: history retention must be >= 0")
	}
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("maintenance timezone: %w", err)
		}
	}
	return nil
}

// JobStatus is the last outcome of one job.
type JobStatus struct {
	Spec     string    `json:"spec"`
	LastRun  time.Time `json:"last_run,omitempty"`
	LastErr  string    `json:"last_err,omitempty"`
	Runs     int64     `json:"runs"`
	Next     time.Time `json:"next,omitempty"`
	Skipped  int64     `json:"skipped"`
	Affected int64     `json:"affected"`
}

type job struct {
	name    string
	entry   cron.EntryID
	running atomic.Bool
	status  JobStatus
}

type Service struct {
	rooms   RoomRefresher
	history history.Repo
	log     logx.Logger
	now     func() time.Time

	mu   sync.Mutex
	cfg  Config
	c    *cron.Cron
	ctx  context.Context
	jobs map[string]*job
}

func New(cfg Config, rooms RoomRefresher, repo history.Repo, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if repo == nil {
		repo = history.Nop{}
	}
	return &Service{
		rooms:   rooms,
		history: repo,
		log:     log,
		now:     time.Now,
		cfg:     cfg,
		jobs:    map[string]*job{},
	}
}

// Start registers the configured jobs and starts triggering.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.startLocked()
}

// Apply swaps the job specs. A running cron is rebuilt.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.startLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("maintenance stopped")
}

func (s *Service) startLocked() {
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			s.log.Warn("bad timezone, using local", logx.String("tz", tz), logx.Err(err))
		}
	}
	s.c = cron.New(cron.WithParser(parser), cron.WithLocation(loc))
	s.jobs = map[string]*job{}
	s.addLocked(JobRefreshRooms, s.cfg.RefreshRooms, s.RunRefresh)
	s.addLocked(JobPruneHistory, s.cfg.PruneHistory, s.RunPrune)
	s.c.Start()
	s.log.Info("maintenance started", logx.String("tz", loc.String()), logx.Int("jobs", len(s.jobs)))
}

func (s *Service) addLocked(name, spec string, run func(ctx context.Context) (int64, error)) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return
	}
	j := &job{name: name, status: JobStatus{Spec: spec}}
	ctx := s.ctx
	id, err := s.c.AddFunc(spec, func() { s.runJob(ctx, j, run) })
	if err != nil {
		s.log.Warn("job not scheduled", logx.String("job", name), logx.String("spec", spec), logx.Err(err))
		return
	}
	j.entry = id
	s.jobs[name] = j
}

// runJob skips a tick while the previous run of the same job is still going.
func (s *Service) runJob(parent context.Context, j *job, run func(ctx context.Context) (int64, error)) {
	if !j.running.CompareAndSwap(false, true) {
		s.mu.Lock()
		j.status.Skipped++
		s.mu.Unlock()
		s.log.Debug("job still running, tick skipped", logx.String("job", j.name))
		return
	}
	defer j.running.Store(false)

	s.mu.Lock()
	timeout := s.cfg.JobTimeout
	s.mu.Unlock()
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	start := s.now()
	n, err := run(ctx)

	s.mu.Lock()
	j.status.LastRun = start
	j.status.Runs++
	j.status.Affected = n
	j.status.LastErr = ""
	if err != nil {
		j.status.LastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("job failed", logx.String("job", j.name), logx.Err(err))
		return
	}
	s.log.Info("job done", logx.String("job", j.name), logx.Int64("affected", n), logx.Duration("took", s.now().Sub(start)))
}

// RunRefresh reloads the room directory once.
func (s *Service) RunRefresh(ctx context.Context) (int64, error) {
	if s.rooms == nil {
		return 0, nil
	}
	rooms, err := s.rooms.RefreshRooms(ctx)
	return int64(len(rooms)), err
}

// RunPrune deletes history older than the retention window once.
// A zero retention keeps everything.
func (s *Service) RunPrune(ctx context.Context) (int64, error) {
	s.mu.Lock()
	keep := s.cfg.HistoryRetention
	s.mu.Unlock()
	if keep <= 0 {
		return 0, nil
	}
	return s.history.Prune(ctx, s.now().Add(-keep))
}

// Snapshot reports per-job status keyed by job name.
func (s *Service) Snapshot() map[string]JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]JobStatus, len(s.jobs))
	for name, j := range s.jobs {
		st := j.status
		if s.c != nil {
			st.Next = s.c.Entry(j.entry).Next
		}
		out[name] = st
	}
	return out
}
