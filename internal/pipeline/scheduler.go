package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ceapsi/staffcast/internal/ingest"
	"github.com/ceapsi/staffcast/internal/logging"
)

// ScheduleParser accepts standard 5-field expressions
// (minute hour day-of-month month day-of-week), e.g. "0 6 * * 1-6".
var ScheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler runs the full pipeline on a cron schedule. A tick that fires
// while the previous run is still going is skipped.
type Scheduler struct {
	runner   *Runner
	input    string
	schedule string
	loc      *time.Location
	logger   *logging.Logger
	cron     *cron.Cron

	mu   sync.Mutex
	last *Result
}

// NewScheduler validates the expression. input is re-read on every tick.
func NewScheduler(runner *Runner, schedule, input string, loc *time.Location, logger *logging.Logger) (*Scheduler, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return nil, fmt.Errorf("empty pipeline schedule")
	}
	if input == "" {
		return nil, fmt.Errorf("scheduled runs need an input path")
	}
	if _, err := ScheduleParser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid pipeline schedule %q: %w", schedule, err)
	}
	if loc == nil {
		loc = time.Local
	}
	logger = logging.OrDiscard(logger)
	adapter := cronLogger{logger}
	s := &Scheduler{
		runner:   runner,
		input:    input,
		schedule: schedule,
		loc:      loc,
		logger:   logger,
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithParser(ScheduleParser),
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
	}
	return s, nil
}

// Start schedules the pipeline and blocks until ctx is done, then waits for
// a running job to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule pipeline: %w", err)
	}
	s.cron.Start()
	s.logger.Info("pipeline scheduled (cron: %s, tz: %s), next run at %s",
		s.schedule, s.loc, s.Next().Format("Mon Jan 2 15:04"))

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("pipeline scheduler stopped")
	return nil
}

// Next returns the next scheduled run time.
func (s *Scheduler) Next() time.Time {
	sched, err := ScheduleParser.Parse(s.schedule)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(time.Now().In(s.loc))
}

// RunOnce loads the input and runs the full pipeline.
func (s *Scheduler) RunOnce(ctx context.Context) *Result {
	now := time.Now().In(s.loc)
	rc := NewRunContext(now, s.input, 0)
	s.logger.Info("scheduled run %s starting", rc.RunID)

	ds, err := ingest.LoadFile(s.input, s.loc)
	if err != nil {
		s.logger.Error("scheduled run %s: load %s: %v", rc.RunID, s.input, err)
		res := &Result{RunID: rc.RunID, Kind: KindFull}
		res.fail(StageIngest, err)
		s.setLast(res)
		return res
	}
	res, err := s.runner.RunFull(ctx, rc, ds)
	if err != nil {
		s.logger.Error("scheduled run %s failed: %v", rc.RunID, err)
	}
	s.setLast(res)
	return res
}

// Last returns the result of the most recent scheduled run, or nil.
func (s *Scheduler) Last() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Scheduler) setLast(res *Result) {
	s.mu.Lock()
	s.last = res
	s.mu.Unlock()
}

// cronLogger routes cron's structured logs through the leveled logger.
type cronLogger struct {
	l *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: %s %s", msg, formatKV(keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: %s: %v %s", msg, err, formatKV(keysAndValues))
}

func formatKV(kv []interface{}) string {
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%v=%v", kv[i], kv[i+1])
	}
	return b.String()
}
