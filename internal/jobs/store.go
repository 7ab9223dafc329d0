package jobs

import "context"

// Store keeps job history across restarts.
type Store interface {
	LoadJobs(ctx context.Context) ([]*Job, error)
	UpsertJob(ctx context.Context, job *Job) error
}
