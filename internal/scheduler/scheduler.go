// Package scheduler runs periodic jobs such as calibration monitoring. A job
// runs at most once per schedule window across processes: each run holds a
// store lease and is recorded in the job run log.
package scheduler

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/decision-engine/internal/store"
)

// ErrLeaseHeld is returned when another holder owns the job lease.
var ErrLeaseHeld = eris.New("scheduler: lease held")

// Job is one periodic unit of work.
type Job struct {
	Name     string
	Due      Schedule
	LeaseTTL time.Duration
	Run      func(ctx context.Context) error
}

// RunResult is the outcome of one job on one tick.
type RunResult struct {
	Job     string
	Ran     bool
	Skipped string
	Err     error
}

// Runner executes due jobs.
type Runner struct {
	st     store.JobStore
	jobs   []Job
	holder string
	now    func() time.Time
	log    *zap.Logger
}

// NewRunner creates a runner. The lease holder is the host name plus a
// random suffix, unique per process.
func NewRunner(st store.JobStore, jobs ...Job) *Runner {
	host, _ := os.Hostname()
	if host == "" {
		host = "decision"
	}
	return &Runner{
		st:     st,
		jobs:   jobs,
		holder: host + "-" + uuid.NewString()[:8],
		now:    time.Now,
		log:    zap.L().With(zap.String("component", "scheduler")),
	}
}

// Holder returns the lease holder name of this runner.
func (r *Runner) Holder() string { return r.holder }

// RunDue runs every due job once, in order. Jobs held by another process
// are reported as skipped; a failing job does not stop the rest.
func (r *Runner) RunDue(ctx context.Context) []RunResult {
	out := make([]RunResult, 0, len(r.jobs))
	for _, j := range r.jobs {
		if ctx.Err() != nil {
			break
		}
		res := RunResult{Job: j.Name}
		err := r.runJob(ctx, j, false)
		switch {
		case errors.Is(err, ErrLeaseHeld):
			res.Skipped = "lease held"
		case errors.Is(err, errNotDue):
			res.Skipped = "not due"
		case err != nil:
			res.Ran, res.Err = true, err
		default:
			res.Ran = true
		}
		out = append(out, res)
	}
	return out
}

// RunNow runs the named job regardless of its schedule, still under the
// lease.
func (r *Runner) RunNow(ctx context.Context, name string) error {
	for _, j := range r.jobs {
		if j.Name == name {
			return r.runJob(ctx, j, true)
		}
	}
	return eris.Errorf("scheduler: unknown job %q", name)
}

var errNotDue = eris.New("scheduler: not due")

func (r *Runner) runJob(ctx context.Context, j Job, force bool) error {
	now := r.now().UTC()
	if !force && j.Due != nil {
		last, err := r.st.LastJobSuccess(ctx, j.Name)
		if err != nil {
			return eris.Wrapf(err, "scheduler: last success %s", j.Name)
		}
		if !j.Due(now, last) {
			return errNotDue
		}
	}

	ttl := j.LeaseTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	ok, err := r.st.AcquireLease(ctx, j.Name, r.holder, ttl, now)
	if err != nil {
		return eris.Wrapf(err, "scheduler: acquire lease %s", j.Name)
	}
	if !ok {
		r.log.Debug("scheduler: lease held elsewhere", zap.String("job", j.Name))
		return eris.Wrapf(ErrLeaseHeld, "scheduler: %s", j.Name)
	}
	defer func() {
		if err := r.st.ReleaseLease(context.WithoutCancel(ctx), j.Name, r.holder); err != nil {
			r.log.Warn("scheduler: release lease", zap.String("job", j.Name), zap.Error(err))
		}
	}()

	runID, err := r.st.StartJobRun(ctx, j.Name, now)
	if err != nil {
		return eris.Wrapf(err, "scheduler: start run %s", j.Name)
	}
	r.log.Info("scheduler: job started", zap.String("job", j.Name), zap.String("run_id", runID))

	start := r.now()
	runErr := safeRun(ctx, j)
	if err := r.st.FinishJobRun(context.WithoutCancel(ctx), runID, r.now().UTC(), runErr); err != nil {
		r.log.Error("scheduler: record run", zap.String("job", j.Name), zap.Error(err))
	}

	if runErr != nil {
		r.log.Error("scheduler: job failed",
			zap.String("job", j.Name),
			zap.Duration("elapsed", r.now().Sub(start)),
			zap.Error(runErr),
		)
		return eris.Wrapf(runErr, "scheduler: run %s", j.Name)
	}
	r.log.Info("scheduler: job complete",
		zap.String("job", j.Name),
		zap.Duration("elapsed", r.now().Sub(start)),
	)
	return nil
}

func safeRun(ctx context.Context, j Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = eris.Errorf("scheduler: %s panicked: %v", j.Name, p)
		}
	}()
	return j.Run(ctx)
}

// Loop calls RunDue on every tick until ctx is cancelled. It runs once
// immediately.
func (r *Runner) Loop(ctx context.Context, tick time.Duration) {
	if tick <= 0 {
		tick = 5 * time.Minute
	}
	r.log.Info("scheduler: starting", zap.Duration("tick", tick), zap.Int("jobs", len(r.jobs)))

	r.RunDue(ctx)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("scheduler: stopped")
			return
		case <-ticker.C:
			r.RunDue(ctx)
		}
	}
}
