package types

import "time"

type CronManager interface {
	LifecycleManager
	Add(jobName, spec string, job func()) error
	Remove(jobName string) error
	Jobs() []JobEntry
}

// JobEntry is a point-in-time view of a scheduled job.
type JobEntry struct {
	Name      string    `json:"name"`
	Spec      string    `json:"spec"`
	NextRun   time.Time `json:"next_run"`
	LastRun   time.Time `json:"last_run"`
	Runs      int64     `json:"runs"`
	Failures  int64     `json:"failures"`
	LastError string    `json:"last_error,omitempty"`
}
