package errors

// QueueError reports why the queue manager refused or stopped a batch.
type QueueError struct {
	reason string
}

func (e *QueueError) Error() string {
	return e.reason
}

var (
	// ErrInterrupted is reported to a scheduled batch preempted by an immediate request.
	ErrInterrupted error = &QueueError{reason: "queue: batch interrupted"}
	// ErrCannotInterrupt is reported to an immediate request that arrived while another immediate batch runs.
	ErrCannotInterrupt error = &QueueError{reason: "queue: running batch cannot be interrupted"}
)
