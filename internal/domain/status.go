package domain

type ItemStatus string

const (
	ItemIdle       ItemStatus = "idle"
	ItemQueued     ItemStatus = "queued"
	ItemProcessing ItemStatus = "processing"
	ItemDone       ItemStatus = "done"
	ItemFailed     ItemStatus = "failed"
)

type JobStatus string

const (
	JobClaimed JobStatus = "claimed"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Active reports whether the job still owns its item's encode slot.
func (s JobStatus) Active() bool {
	return s == JobClaimed || s == JobRunning
}

// Terminal reports whether the job can no longer change state.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobFailed
}

const WorkerOnline = "online"
