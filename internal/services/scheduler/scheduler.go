package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "pushbridge/pkg/logx"
)

var ErrNotStarted = errors.New("scheduler not started")

type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty = Local
}

type Job func(ctx context.Context) error

type jobDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     Job
}

type onceEntry struct {
	ver   uint64
	at    time.Time
	timer *time.Timer
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config

	parser  cron.Parser
	c       *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	defs    map[string]jobDef
	entries map[string]cron.EntryID

	tmu     sync.Mutex
	closed  bool
	onceVer map[string]uint64
	once    map[string]onceEntry
	wg      sync.WaitGroup
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "scheduler")),
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:    map[string]jobDef{},
		entries: map[string]cron.EntryID{},
		onceVer: map[string]uint64{},
		once:    map[string]onceEntry{},
	}
}

// ParseSpec validates a schedule without registering it.
func (s *Service) ParseSpec(spec string) error {
	_, err := s.parser.Parse(strings.TrimSpace(spec))
	return err
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.tmu.Lock()
	s.closed = false
	s.tmu.Unlock()

	loc := s.loadLocationLocked()
	cl := logx.CronLogger{L: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, d := range s.defs {
		if err := s.addCronLocked(d); err != nil {
			s.log.Warn("cron job rejected", logx.String("job", d.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.Int("jobs", len(s.defs)), logx.String("tz", loc.String()))
}

// Stop halts cron, cancels pending one-shot tasks and waits for running ones.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.entries = map[string]cron.EntryID{}
	s.mu.Unlock()
	if c == nil {
		return
	}

	s.tmu.Lock()
	s.closed = true
	for key, e := range s.once {
		if e.timer.Stop() {
			s.wg.Done()
		}
		delete(s.once, key)
	}
	s.tmu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		<-c.Stop().Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

// AddCron upserts a recurring job. It may be called before Start.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job Job) error {
	spec = strings.TrimSpace(spec)
	if name == "" || job == nil {
		return errors.New("name and job required")
	}
	if err := s.ParseSpec(spec); err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", name, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d := jobDef{name: name, spec: spec, timeout: timeout, job: job}
	s.defs[name] = d
	if s.c == nil {
		return nil
	}
	if id, ok := s.entries[name]; ok {
		s.c.Remove(id)
		delete(s.entries, name)
	}
	return s.addCronLocked(d)
}

// RemoveCron deletes a recurring job by name.
func (s *Service) RemoveCron(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.defs[name]
	delete(s.defs, name)
	if id, running := s.entries[name]; running && s.c != nil {
		s.c.Remove(id)
		delete(s.entries, name)
	}
	return ok
}

func (s *Service) addCronLocked(d jobDef) error {
	ctx := s.ctx
	id, err := s.c.AddFunc(d.spec, func() { s.run(ctx, d.name, d.timeout, d.job) })
	if err != nil {
		return err
	}
	s.entries[d.name] = id
	return nil
}

// AddOnce runs job once after delay. A pending task with the same key is replaced.
func (s *Service) AddOnce(key string, delay time.Duration, timeout time.Duration, job Job) error {
	if key == "" || job == nil {
		return errors.New("key and job required")
	}
	s.mu.Lock()
	ctx := s.ctx
	started := s.c != nil
	s.mu.Unlock()
	if delay < 0 {
		delay = 0
	}

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if !started || s.closed {
		return ErrNotStarted
	}
	if e, ok := s.once[key]; ok && e.timer.Stop() {
		s.wg.Done()
	}
	ver := s.onceVer[key] + 1
	s.onceVer[key] = ver

	s.wg.Add(1)
	timer := time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.tmu.Lock()
		cur, ok := s.once[key]
		if !ok || cur.ver != ver {
			s.tmu.Unlock()
			return
		}
		delete(s.once, key)
		s.tmu.Unlock()
		s.run(ctx, key, timeout, job)
	})
	s.once[key] = onceEntry{ver: ver, at: time.Now().Add(delay), timer: timer}
	return nil
}

// Cancel removes a pending one-shot task. It reports whether one was pending.
func (s *Service) Cancel(key string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	e, ok := s.once[key]
	if !ok {
		return false
	}
	if e.timer.Stop() {
		s.wg.Done()
	}
	delete(s.once, key)
	return true
}

// Pending lists one-shot keys with their due time.
func (s *Service) Pending() map[string]time.Time {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	out := make(map[string]time.Time, len(s.once))
	for k, e := range s.once {
		out[k] = e.at
	}
	return out
}

func (s *Service) run(ctx context.Context, name string, timeout time.Duration, job Job) {
	if ctx == nil || ctx.Err() != nil {
		return
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panic", logx.String("task", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	start := time.Now()
	if err := job(runCtx); err != nil {
		s.log.Warn("task failed", logx.String("task", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Debug("task ok", logx.String("task", name), logx.Duration("took", time.Since(start)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
