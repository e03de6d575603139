package delivery

import "github.com/tbourn/go-newsletter-backend/internal/domain"

// Disposition tells the worker what to do with a task after an attempt.
type Disposition int

const (
	// Remove deletes the task and commits.
	Remove Disposition = iota
	// Retain rolls back so the task is picked up again by a later poll.
	Retain
)

func (d Disposition) String() string {
	if d == Retain {
		return "retain"
	}
	return "remove"
}

// Policy decides the fate of a task once its delivery attempt finished.
// attemptErr is nil on success, wraps domain.ErrInvalidEmail for a bad
// address, and carries the mailer error otherwise.
type Policy interface {
	Settle(task domain.DeliveryTask, attemptErr error) Disposition
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(task domain.DeliveryTask, attemptErr error) Disposition

// Settle implements Policy.
func (f PolicyFunc) Settle(task domain.DeliveryTask, attemptErr error) Disposition {
	return f(task, attemptErr)
}

// AtMostOnce removes every attempted task, failed or not. A recipient whose
// send failed does not get the issue.
var AtMostOnce Policy = PolicyFunc(func(domain.DeliveryTask, error) Disposition { return Remove })
