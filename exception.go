package kproc

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// ExceptionType classifies an ExceptionReport.
type ExceptionType int

const (
	// ExceptionGeneral is raised by a thread for an unspecified fault.
	ExceptionGeneral ExceptionType = iota
	// ExceptionFatalPageFault is raised by a thread touching unmapped memory.
	ExceptionFatalPageFault
	// ExceptionProcessGone is delivered once when the process is dead.
	ExceptionProcessGone
)

func (e ExceptionType) String() string {
	switch e {
	case ExceptionGeneral:
		return "general"
	case ExceptionFatalPageFault:
		return "fatal-page-fault"
	case ExceptionProcessGone:
		return "process-gone"
	default:
		return fmt.Sprintf("unknown(%d)", int(e))
	}
}

// ExceptionReport describes an exception delivered to an exception port.
type ExceptionReport struct {
	Type        ExceptionType
	ProcessKoid uint64
	// ThreadKoid is 0 for reports about the process as a whole.
	ThreadKoid uint64
}

// ExceptionPort receives exception reports for a process. Enqueue must not
// block.
type ExceptionPort interface {
	Enqueue(r ExceptionReport) error
}

// ExceptionQueue is an ExceptionPort backed by a bounded queue.
type ExceptionQueue struct {
	c chan ExceptionReport
}

// NewExceptionQueue returns a queue holding up to depth undelivered reports.
func NewExceptionQueue(depth int) *ExceptionQueue {
	if depth < 1 {
		depth = 1
	}
	return &ExceptionQueue{c: make(chan ExceptionReport, depth)}
}

// Enqueue implements ExceptionPort. It fails with ErrNoResources when the
// queue is full.
func (q *ExceptionQueue) Enqueue(r ExceptionReport) error {
	select {
	case q.c <- r:
		return nil
	default:
		return errors.Wrapf(ErrNoResources, "exception queue full, dropping %s report", r.Type)
	}
}

// Next waits for the next report.
func (q *ExceptionQueue) Next(ctx context.Context) (ExceptionReport, error) {
	select {
	case r := <-q.c:
		return r, nil
	case <-ctx.Done():
		return ExceptionReport{}, ctx.Err()
	}
}

// Len returns the number of undelivered reports.
func (q *ExceptionQueue) Len() int {
	return len(q.c)
}
