package cron

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-memcache/types"
	"github.com/saiset-co/sai-memcache/utils"
)

var durationBuckets = []float64{0.001, 0.01, 0.1, 1, 10}

// Manager schedules named jobs on robfig/cron with second precision. A job
// still running when its next tick fires skips that tick. Once stopped the
// manager accepts no more jobs.
type Manager struct {
	logger      types.Logger
	metrics     types.MetricsManager
	cron        *cron.Cron
	location    *time.Location
	stopTimeout time.Duration
	lifecycle   utils.Lifecycle

	mu     sync.Mutex
	jobs   map[string]*job
	closed bool
}

type job struct {
	id    cron.EntryID
	entry types.JobEntry
}

func NewManager(config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (*Manager, error) {
	location := time.UTC
	if cronConfig := config.GetConfig().Cron; cronConfig != nil && cronConfig.Timezone != "" {
		loc, err := time.LoadLocation(cronConfig.Timezone)
		if err != nil {
			return nil, types.WrapError(err, "invalid cron timezone")
		}
		location = loc
	}

	cl := cronLogger{logger: logger}

	return &Manager{
		logger:      logger,
		metrics:     metrics,
		location:    location,
		stopTimeout: 10 * time.Second,
		jobs:        make(map[string]*job),
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(location),
			cron.WithLogger(cl),
			cron.WithChain(cron.SkipIfStillRunning(cl)),
		),
	}, nil
}

// Add schedules fn under a unique name. Spec takes six fields or a
// descriptor such as "@every 30s".
func (m *Manager) Add(jobName, spec string, fn func()) error {
	switch {
	case jobName == "":
		return types.ErrCronJobNameIsEmpty
	case spec == "":
		return types.ErrCronExpressionInvalid
	case fn == nil:
		return types.ErrCronJobIsNil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return types.ErrCronSchedulerStopped
	}

	if _, exists := m.jobs[jobName]; exists {
		return types.Errorf(types.ErrCronJobExists, "job: %s", jobName)
	}

	id, err := m.cron.AddFunc(spec, func() { m.run(jobName, fn) })
	if err != nil {
		return types.Errorf(types.ErrCronExpressionInvalid, "%s: %v", spec, err)
	}

	m.jobs[jobName] = &job{id: id, entry: types.JobEntry{Name: jobName, Spec: spec}}

	m.logger.Info("Cron job added", zap.String("job_name", jobName), zap.String("spec", spec))
	return nil
}

func (m *Manager) Remove(jobName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, exists := m.jobs[jobName]
	if !exists {
		return types.Errorf(types.ErrCronJobNotFound, "job: %s", jobName)
	}

	m.cron.Remove(j.id)
	delete(m.jobs, jobName)

	m.logger.Info("Cron job removed", zap.String("job_name", jobName))
	return nil
}

// Jobs lists the scheduled jobs by name.
func (m *Manager) Jobs() []types.JobEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := make([]types.JobEntry, 0, len(m.jobs))
	for _, j := range m.jobs {
		entry := j.entry
		entry.NextRun = m.cron.Entry(j.id).Next
		jobs = append(jobs, entry)
	}

	sort.Slice(jobs, func(a, b int) bool { return jobs[a].Name < jobs[b].Name })
	return jobs
}

func (m *Manager) run(jobName string, fn func()) {
	start := time.Now()
	err := invoke(fn)
	duration := time.Since(start)

	m.mu.Lock()
	if j, ok := m.jobs[jobName]; ok {
		j.entry.LastRun = start
		j.entry.Runs++
		j.entry.LastError = ""
		if err != nil {
			j.entry.Failures++
			j.entry.LastError = err.Error()
		}
	}
	m.mu.Unlock()

	result := "success"
	if err != nil {
		result = "error"
		m.logger.Error("Cron job failed",
			zap.String("job_name", jobName),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		m.logger.Debug("Cron job completed", zap.String("job_name", jobName), zap.Duration("duration", duration))
	}

	if m.metrics != nil {
		m.metrics.Counter("cron_job_runs_total", map[string]string{"job_name": jobName, "result": result}).Inc()
		m.metrics.Histogram("cron_job_duration_seconds", durationBuckets, map[string]string{"job_name": jobName}).
			Observe(duration.Seconds())
	}
}

func invoke(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.Errorf(types.ErrCronJobFailed, "panic: %v", r)
		}
	}()

	fn()
	return nil
}

func (m *Manager) Start() error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return types.ErrCronSchedulerStopped
	}

	if err := m.lifecycle.BeginStart(); err != nil {
		return err
	}

	m.cron.Start()
	m.lifecycle.Set(utils.StateRunning)

	m.logger.Info("Cron manager started", zap.String("timezone", m.location.String()))
	return nil
}

// Stop waits for running jobs up to the stop timeout.
func (m *Manager) Stop() error {
	if err := m.lifecycle.BeginStop(); err != nil {
		return err
	}
	defer m.lifecycle.Set(utils.StateStopped)

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	select {
	case <-m.cron.Stop().Done():
		m.logger.Info("Cron manager stopped")
		return nil
	case <-time.After(m.stopTimeout):
		m.logger.Warn("Cron jobs still running after stop timeout", zap.Duration("timeout", m.stopTimeout))
		return types.ErrCronJobTimeout
	}
}

func (m *Manager) IsRunning() bool {
	return m.lifecycle.IsRunning()
}

// cronLogger adapts types.Logger to cron.Logger.
type cronLogger struct {
	logger types.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, toFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(toFields(keysAndValues), zap.Error(err))...)
}

func toFields(keysAndValues []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields = append(fields, zap.Any(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1]))
	}
	return fields
}
