package jobsystem

import "errors"

var (
	ErrClosed            = errors.New("job system closed")
	ErrNilJob            = errors.New("job is nil")
	ErrNoChannels        = errors.New("job has an empty channel mask")
	ErrUnknownJob        = errors.New("no such job")
	ErrJobRetired        = errors.New("job already retired")
	ErrWaitInWorker      = errors.New("WaitForJob called from inside a job")
	ErrDuplicateWorker   = errors.New("worker name already registered")
	ErrWorkerNotFound    = errors.New("worker not found")
	ErrInvalidWorkerName = errors.New("worker name is empty")
	ErrJobPanicked       = errors.New("job panicked")
)
