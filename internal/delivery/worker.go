// Package delivery drains the issue delivery queue. Each poll locks one task
// with FOR UPDATE SKIP LOCKED, sends the issue to its recipient and deletes
// the task in the same transaction, so concurrent workers in any number of
// processes never hold the same task at once.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
)

// Default loop backoffs.
const (
	DefaultEmptyQueueBackoff = 10 * time.Second
	DefaultErrorBackoff      = time.Second
)

// Mailer sends one email.
type Mailer interface {
	Send(ctx context.Context, recipient, subject, html, text string) error
}

// Outcome is the result of one TryExecuteTask call.
type Outcome int

const (
	// OutcomeEmptyQueue means no unlocked task was found.
	OutcomeEmptyQueue Outcome = iota
	// OutcomeTaskCompleted means a task was attempted and removed.
	OutcomeTaskCompleted
	// OutcomeTaskRetained means the policy kept the task for a later poll.
	OutcomeTaskRetained
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEmptyQueue:
		return "empty_queue"
	case OutcomeTaskCompleted:
		return "task_completed"
	case OutcomeTaskRetained:
		return "task_retained"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Worker executes delivery tasks.
type Worker struct {
	db     *gorm.DB
	mailer Mailer
	policy Policy

	emptyQueueBackoff time.Duration
	errorBackoff      time.Duration

	tracer trace.Tracer
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration)
}

// Option configures a Worker.
type Option func(*Worker)

// WithPolicy replaces AtMostOnce.
func WithPolicy(p Policy) Option {
	return func(w *Worker) {
		if p != nil {
			w.policy = p
		}
	}
}

// WithEmptyQueueBackoff sets the sleep after an empty poll.
func WithEmptyQueueBackoff(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.emptyQueueBackoff = d
		}
	}
}

// WithErrorBackoff sets the sleep after a failed poll or a retained task.
func WithErrorBackoff(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.errorBackoff = d
		}
	}
}

// WithTracerProvider sets where spans go. The default is the global
// provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(w *Worker) {
		if tp != nil {
			w.tracer = tp.Tracer("delivery")
		}
	}
}

// WithLogger replaces the global zerolog logger.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// withSleeper replaces the context-aware sleep. Tests only.
func withSleeper(fn func(ctx context.Context, d time.Duration)) Option {
	return func(w *Worker) { w.sleep = fn }
}

// New returns a Worker over db that sends through m.
func New(db *gorm.DB, m Mailer, opts ...Option) *Worker {
	w := &Worker{
		db:                db,
		mailer:            m,
		policy:            AtMostOnce,
		emptyQueueBackoff: DefaultEmptyQueueBackoff,
		errorBackoff:      DefaultErrorBackoff,
		tracer:            otel.Tracer("delivery"),
		logger:            log.Logger.With().Str("component", "delivery").Logger(),
		sleep:             sleepContext,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// TryExecuteTask processes at most one task. A returned error means the
// poll itself failed (store unreachable, issue unreadable, commit failed)
// and the task, if any, is still queued. Delivery failures are not errors;
// they are logged and handed to the policy.
//
// Cancellation is honoured only before a task is dequeued. A dequeued task
// is sent and settled to completion so a message that went out is never
// left queued for another worker.
func (w *Worker) TryExecuteTask(ctx context.Context) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return OutcomeEmptyQueue, err
	}
	ctx, span := w.tracer.Start(context.WithoutCancel(ctx), "delivery.TryExecuteTask")
	defer span.End()

	tx := w.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return w.pollFailed(span, fmt.Errorf("begin delivery tx: %w", tx.Error))
	}

	task, err := repo.DequeueTask(ctx, tx)
	if errors.Is(err, repo.ErrNotFound) {
		tx.Rollback()
		pollsTotal.WithLabelValues("empty").Inc()
		span.SetAttributes(attribute.String("delivery.outcome", OutcomeEmptyQueue.String()))
		return OutcomeEmptyQueue, nil
	}
	if err != nil {
		tx.Rollback()
		return w.pollFailed(span, fmt.Errorf("dequeue task: %w", err))
	}
	pollsTotal.WithLabelValues("task").Inc()
	span.SetAttributes(attribute.String("newsletter_issue_id", task.NewsletterIssueID))

	attemptErr, err := w.attempt(ctx, tx, *task)
	if err != nil {
		tx.Rollback()
		return w.pollFailed(span, err)
	}

	if w.policy.Settle(*task, attemptErr) == Retain {
		tx.Rollback()
		span.SetAttributes(attribute.String("delivery.outcome", OutcomeTaskRetained.String()))
		return OutcomeTaskRetained, nil
	}

	if err := repo.DeleteTask(ctx, tx, task.NewsletterIssueID, task.SubscriberEmail); err != nil {
		tx.Rollback()
		return w.pollFailed(span, fmt.Errorf("delete task: %w", err))
	}
	if err := tx.Commit().Error; err != nil {
		return w.pollFailed(span, fmt.Errorf("commit delivery tx: %w", err))
	}
	span.SetAttributes(attribute.String("delivery.outcome", OutcomeTaskCompleted.String()))
	return OutcomeTaskCompleted, nil
}

// attempt validates the address, loads the issue and sends it. The first
// return is the delivery result for the policy; the second is a store
// failure that aborts the poll.
func (w *Worker) attempt(ctx context.Context, tx *gorm.DB, task domain.DeliveryTask) (attemptErr, err error) {
	logger := w.logger.With().
		Str("newsletter_issue_id", task.NewsletterIssueID).
		Str("subscriber_email", task.SubscriberEmail).
		Logger()

	email, perr := domain.ParseSubscriberEmail(task.SubscriberEmail)
	if perr != nil {
		tasksTotal.WithLabelValues(outcomeInvalidRecipient).Inc()
		logger.Warn().Err(perr).Msg("skipping a subscriber whose stored contact details are invalid")
		return perr, nil
	}

	issue, err := repo.GetIssue(ctx, tx, task.NewsletterIssueID)
	if err != nil {
		return nil, fmt.Errorf("load issue %s: %w", task.NewsletterIssueID, err)
	}

	if serr := w.mailer.Send(ctx, email, issue.Title, issue.HTMLContent, issue.TextContent); serr != nil {
		tasksTotal.WithLabelValues(outcomeSendFailed).Inc()
		logger.Error().Err(serr).Msg("failed to deliver issue to a confirmed subscriber, skipping")
		return serr, nil
	}
	tasksTotal.WithLabelValues(outcomeSent).Inc()
	logger.Debug().Msg("issue delivered")
	return nil, nil
}

func (w *Worker) pollFailed(span trace.Span, err error) (Outcome, error) {
	pollsTotal.WithLabelValues("error").Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, "poll failed")
	return OutcomeEmptyQueue, err
}

// Run polls until ctx is cancelled. A completed task is followed by an
// immediate poll; an empty queue sleeps the empty-queue backoff; a failed
// poll or a retained task sleeps the error backoff. Run never exits on a
// task or store error and returns nil once ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Msg("delivery worker started")
	defer w.logger.Info().Msg("delivery worker stopped")

	for ctx.Err() == nil {
		outcome, err := w.TryExecuteTask(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error().Err(err).Msg("delivery poll failed")
			w.sleep(ctx, w.errorBackoff)
		case outcome == OutcomeEmptyQueue:
			w.sleep(ctx, w.emptyQueueBackoff)
		case outcome == OutcomeTaskRetained:
			w.sleep(ctx, w.errorBackoff)
		}
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
