package installer

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Method selects what a job does.
type Method int

const (
	InstallFromArchive Method = iota + 1
	InstallFromRepository
	Uninstall
)

func (m Method) String() string {
	switch m {
	case InstallFromArchive:
		return "install-archive"
	case InstallFromRepository:
		return "install-repository"
	case Uninstall:
		return "uninstall"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

// Job is one unit of installer work. Payload is an archive path, a
// repository locator or a node uuid, depending on Method.
type Job struct {
	ID         string
	Method     Method
	Payload    string
	EnqueuedAt time.Time
}

// NewJob stamps a job with an id and enqueue time.
func NewJob(method Method, payload string) Job {
	return Job{
		ID:         uuid.NewString(),
		Method:     method,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
}

var (
	// ErrStopped is returned by Enqueue after Stop.
	ErrStopped = errors.New("installer stopped")
	// ErrInvalidJob rejects a job with no method or payload.
	ErrInvalidJob = errors.New("invalid installer job")
)

// JobError reports a job that failed to execute. The queue keeps going.
type JobError struct {
	Job Job
	Err error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("install job %s (%s %q): %v", e.Job.ID, e.Job.Method, e.Job.Payload, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }
